package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rendis/botflow/pkg/schema"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	colorError   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6B7280"}

	headerStyle  = lipgloss.NewStyle().Bold(true)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
)

// statusStyle colours a workflow or step status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case string(schema.WorkflowStatusCompleted):
		return successStyle
	case string(schema.WorkflowStatusFailed):
		return errorStyle
	case string(schema.WorkflowStatusCancelled), string(schema.WorkflowStatusPaused), string(schema.StepStatusSkipped):
		return warningStyle
	case "", string(schema.WorkflowStatusPending):
		return mutedStyle
	}
	return lipgloss.NewStyle()
}

// renderTable writes rows under headers. statusCol is the column coloured by
// status, or -1.
func renderTable(w io.Writer, headers []string, rows [][]string, statusCol int) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][col]).Padding(0, 1)
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderResult prints a run result as a step-by-step summary.
func renderResult(w io.Writer, res *schema.ExecutionResult) {
	title := res.WorkflowID
	if res.TemplateID != "" {
		title += mutedStyle.Render(" (from " + res.TemplateID + ")")
	}
	fmt.Fprintf(w, "%s  %s\n", headerStyle.Render(title), statusStyle(string(res.Status)).Render(string(res.Status)))

	rows := make([][]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		detail := s.Reason
		if s.Error != "" {
			detail = s.Error
		} else if detail == "" && s.Result != nil {
			detail = summarize(s.Result)
		}
		rows = append(rows, []string{s.StepID, s.Name, string(s.Status), strconv.Itoa(s.Attempt), detail})
	}
	renderTable(w, []string{"STEP", "NAME", "STATUS", "ATTEMPT", "DETAIL"}, rows, 2)

	fmt.Fprintf(w, "took %s\n", res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Error != "" {
		fmt.Fprintln(w, errorStyle.Render("error: "+res.Error))
	}
}

// summarize renders a step result on one line.
func summarize(v any) string {
	var s string
	if str, ok := v.(string); ok {
		s = str
	} else if b, err := json.Marshal(v); err == nil {
		s = string(b)
	} else {
		s = fmt.Sprint(v)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}

// renderEvent prints one live run event on a single line.
func renderEvent(w io.Writer, ev schema.Event) {
	style := mutedStyle
	switch ev.Type {
	case schema.EventStepCompleted, schema.EventWorkflowCompleted:
		style = successStyle
	case schema.EventStepFailed, schema.EventWorkflowFailed:
		style = errorStyle
	case schema.EventStepRetrying, schema.EventStepSkipped, schema.EventWorkflowCancelled:
		style = warningStyle
	}
	line := fmt.Sprintf("%s %-18s %s", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.WorkflowID)
	if ev.StepID != "" {
		line += " " + ev.StepID
	}
	if ev.Attempt > 1 {
		line += fmt.Sprintf(" attempt=%d", ev.Attempt)
	}
	fmt.Fprintln(w, style.Render(line))
}
