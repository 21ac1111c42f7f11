package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/botflow/internal/diagram"
	"github.com/rendis/botflow/internal/engine"
	"github.com/rendis/botflow/internal/store"
	"github.com/rendis/botflow/pkg/schema"
)

// handleCreate registers a custom workflow.
func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	owner, err := req.RequireString("owner")
	if err != nil {
		return mcp.NewToolResultError("owner is required"), nil
	}
	rawSteps, ok := req.GetArguments()["steps"]
	if !ok || rawSteps == nil {
		return mcp.NewToolResultError("steps is required"), nil
	}

	// Round-trip through JSON to get typed step specs.
	var specs []schema.StepSpec
	if err := decodeInto(rawSteps, &specs); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid steps: %v", err)), nil
	}

	s.captureSession(ctx, owner)

	wf, err := s.registry.Create(ctx, &schema.WorkflowDefinition{
		Name:        name,
		Description: req.GetString("description", ""),
		Steps:       specs,
		Schedule:    mcp.ParseStringMap(req, "schedule", nil),
	}, owner)
	if err != nil {
		return toolError("create failed", err), nil
	}

	summary, _ := s.registry.GetStatus(wf.ID)
	return marshalResult(summary)
}

// handleRun executes a workflow and returns its result once finished.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if s.actions == nil {
		return mcp.NewToolResultError("no action executor configured"), nil
	}
	initial := mcp.ParseStringMap(req, "context", nil)
	owner := req.GetString("owner", "")

	var opts []engine.RunOption
	if owner != "" {
		s.captureSession(ctx, owner)
		opts = append(opts, engine.WithOwner(owner))
	}

	result, runErr := s.engine.Execute(ctx, workflowID, initial, s.actions, opts...)
	if runErr != nil {
		return toolError("workflow execution failed", runErr), nil
	}

	if owner != "" {
		s.notifyFinished(ctx, owner, result)
	}
	return marshalResult(result)
}

// handleStatus returns the polling view of a workflow.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	summary, ok := s.registry.GetStatus(workflowID)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("workflow %s not found", workflowID)), nil
	}
	return marshalResult(summary)
}

// handleList lists templates and custom workflows.
func (s *Server) handleList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	owner := req.GetString("owner", "")
	kind := req.GetString("type", "")

	all := s.registry.ListWorkflows(owner)
	entries := make([]schema.WorkflowSummary, 0, len(all))
	for _, e := range all {
		if kind != "" && e.Type != kind {
			continue
		}
		entries = append(entries, e)
	}
	return marshalResult(map[string]any{"workflows": entries})
}

// handleHistory queries the run history store.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("run history is disabled"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource := req.GetString("resource", "runs"); resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleCancel stops a running workflow or marks an idle one cancelled.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if s.engine != nil && s.engine.Running(workflowID) {
		if err := s.engine.Cancel(workflowID); err == nil {
			return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID, "status": schema.WorkflowStatusCancelled})
		}
		// Finished between the check and the cancel; fall through.
	}
	return s.override(workflowID, schema.WorkflowStatusCancelled)
}

// handlePause pauses a workflow. A running workflow stops before its next step.
func (s *Server) handlePause(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	return s.override(workflowID, schema.WorkflowStatusPaused)
}

// handleActions lists the registered actions.
func (s *Server) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.actions == nil {
		return marshalResult(map[string]any{"actions": []any{}})
	}
	return marshalResult(map[string]any{"actions": s.actions.List()})
}

// handleDiagram renders a workflow with its live step status.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	wf, _, err := s.registry.Resolve(workflowID)
	if err != nil {
		return toolError("diagram failed", err), nil
	}
	model, err := diagram.Build(wf, diagram.OverlayFromSummary(wf.Summary()))
	if err != nil {
		return toolError("diagram failed", err), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case diagram.FormatSVG:
		svg, err := diagram.RenderImage(ctx, model, format)
		if err != nil {
			return toolError("diagram failed", err), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	case diagram.FormatPNG:
		png, err := diagram.RenderImage(ctx, model, format)
		if err != nil {
			return toolError("diagram failed", err), nil
		}
		return mcp.NewToolResultImage("diagram of "+wf.ID, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		rf.Status = &ws
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if tplID, ok := filter["template_id"].(string); ok {
		rf.TemplateID = tplID
	}
	if owner, ok := filter["owner"].(string); ok {
		rf.Owner = owner
	}
	rf.Since = extractTime(filter, "since")

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
		Since: extractTime(filter, "since"),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		ef.WorkflowID = wfID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.WorkflowID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'workflow_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.WorkflowID, int64(extractInt(filter, "after_sequence", 0)))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

func (s *Server) override(workflowID string, status schema.WorkflowStatus) (*mcp.CallToolResult, error) {
	if err := s.registry.SetStatus(workflowID, status); err != nil {
		return toolError(fmt.Sprintf("cannot set %s", status), err), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID, "status": status})
}

// notifyFinished tells the owner's session that a run ended.
func (s *Server) notifyFinished(ctx context.Context, owner string, res *schema.ExecutionResult) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "botflow",
		"data": map[string]any{
			"event":       "workflow_finished",
			"workflow_id": res.WorkflowID,
			"template_id": res.TemplateID,
			"status":      res.Status,
		},
	}
	if err := s.notifier.Notify(ctx, owner, payload); err != nil {
		s.logger.WarnContext(ctx, "notify owner failed", slog.String("owner", owner), slog.String("error", err.Error()))
	}
}

// captureSession maps the owner to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, owner string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(owner, session.SessionID())
	}
}

// toolError renders err for the caller, keeping the structured code when present.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// decodeInto converts loosely typed tool arguments into dst via JSON.
func decodeInto(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) *time.Time {
	raw, ok := filter[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
