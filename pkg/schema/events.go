package schema

import "time"

// Event is one entry of a run's history.
type Event struct {
	ID         int64          `json:"id,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id,omitempty"`
	Type       string         `json:"type"`
	Attempt    int            `json:"attempt,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int64          `json:"sequence,omitempty"`
}

// Event type constants recorded in the run history.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal reports whether the status ends a run.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether the step has reached a final outcome for the run.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// ValidStepTransitions lists the allowed step status changes within one run.
// failed -> running is the retry rewind; completed and skipped never regress.
var ValidStepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending: {StepStatusRunning},
	StepStatusRunning: {StepStatusCompleted, StepStatusFailed, StepStatusSkipped},
	StepStatusFailed:  {StepStatusRunning},
}

// ValidWorkflowTransitions lists the allowed workflow status changes.
// Terminal workflows may be run again; paused and cancelled are only
// reached through external overrides or caller cancellation.
var ValidWorkflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusPending:   {WorkflowStatusRunning, WorkflowStatusPaused, WorkflowStatusCancelled},
	WorkflowStatusRunning:   {WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusPaused},
	WorkflowStatusPaused:    {WorkflowStatusRunning, WorkflowStatusCancelled},
	WorkflowStatusCompleted: {WorkflowStatusRunning},
	WorkflowStatusFailed:    {WorkflowStatusRunning},
	WorkflowStatusCancelled: {WorkflowStatusRunning},
}

// CanTransitionStep reports whether a step may move from one status to another.
func CanTransitionStep(from, to StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionWorkflow reports whether a workflow may move from one status to another.
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	for _, a := range ValidWorkflowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
