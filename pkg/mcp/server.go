package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/botflow/internal/actions"
	"github.com/rendis/botflow/internal/engine"
	"github.com/rendis/botflow/internal/registry"
	"github.com/rendis/botflow/internal/store"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine   *engine.Engine
	Registry *registry.Registry
	Actions  *actions.Registry
	Store    store.RunStore // optional; workflow.history reports an error without it
	Logger   *slog.Logger
}

// Server wraps an MCP server with botflow tool handlers.
type Server struct {
	engine    *engine.Engine
	registry  *registry.Registry
	actions   *actions.Registry
	store     store.RunStore
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  OwnerNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:   deps.Engine,
		registry: deps.Registry,
		actions:  deps.Actions,
		store:    deps.Store,
		logger:   logger.With(slog.String("component", "mcp")),
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"botflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("botflow runs multi-step bot workflows. Use workflow.list to discover templates and custom workflows, workflow.create to define a custom workflow, workflow.run to execute one, workflow.status to poll progress, workflow.diagram to draw one, workflow.history for recorded runs, and workflow.cancel or workflow.pause to stop one."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("workflow.create",
		mcp.WithDescription("Define a custom workflow from a list of steps"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithString("description", mcp.Description("What the workflow does")),
		mcp.WithArray("steps", mcp.Required(), mcp.Description("Ordered steps: {name, description, action, parameters, conditions, retry_count, timeout_seconds}")),
		mcp.WithString("owner", mcp.Required(), mcp.Description("User creating the workflow")),
		mcp.WithObject("schedule", mcp.Description("Opaque schedule descriptor, stored but not interpreted")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("workflow.run",
		mcp.WithDescription("Execute a custom workflow or a template and wait for the result"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Custom workflow id or template id (full id or short key)")),
		mcp.WithObject("context", mcp.Description("Initial context used for {placeholder} substitution and conditions")),
		mcp.WithString("owner", mcp.Description("User triggering the run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the status of a workflow, template run, or template"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List templates and custom workflows"),
		mcp.WithString("owner", mcp.Description("Only list custom workflows created by this user")),
		mcp.WithString("type",
			mcp.Enum("template", "custom"),
			mcp.Description("Only list entries of this type"),
		),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("workflow.history",
		mcp.WithDescription("Query recorded runs and their events"),
		mcp.WithString("resource",
			mcp.Enum("runs", "events"),
			mcp.Description("What to query (default: runs)"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, template_id, owner, status, since, limit, offset, event_type, step_id)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running workflow, or mark an idle one cancelled"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("workflow.pause",
		mcp.WithDescription("Pause a workflow; a running one stops before its next step"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to pause")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("workflow.diagram",
		mcp.WithDescription("Draw a workflow as a flowchart coloured by its current step status"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Custom workflow, template run or template id")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "png", "svg"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("actions.list",
		mcp.WithDescription("List the actions workflow steps can call"),
	)
}
