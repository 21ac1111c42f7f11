package store

import (
	"time"

	"github.com/rendis/botflow/pkg/schema"
)

// Run is a recorded workflow run with its per-attempt step outcomes.
type Run struct {
	ID          int64                 `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	TemplateID  string                `json:"template_id,omitempty"`
	Owner       string                `json:"owner,omitempty"`
	Status      schema.WorkflowStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
	Steps       []schema.StepOutcome  `json:"steps"`
}

// Duration is the wall time the run took.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	WorkflowID string
	TemplateID string
	Owner      string
	Status     *schema.WorkflowStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	WorkflowID string
	StepID     string
	Since      *time.Time
	Limit      int
}
