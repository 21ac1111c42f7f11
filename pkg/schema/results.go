package schema

import "time"

// Skip reason recorded when a step's conditions evaluate false.
const SkipReasonConditions = "Conditions not met"

// ExecutionResult is the structured outcome of one workflow run.
// Step failures are reported here rather than returned as errors.
type ExecutionResult struct {
	WorkflowID  string         `json:"workflow_id"`
	TemplateID  string         `json:"template_id,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Steps       []StepOutcome  `json:"steps"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Error       string         `json:"error,omitempty"`
}

// StepOutcome records one attempt of one step. A retried step appears once
// per attempt, in execution order.
type StepOutcome struct {
	StepID  string     `json:"step_id"`
	Name    string     `json:"name"`
	Status  StepStatus `json:"status"`
	Result  any        `json:"result,omitempty"`
	Error   string     `json:"error,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Attempt int        `json:"attempt"`
}

// StatusSummary is the polling view of a workflow.
type StatusSummary struct {
	WorkflowID  string         `json:"workflow_id"`
	Name        string         `json:"name"`
	TemplateID  string         `json:"template_id,omitempty"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"current_step"`
	TotalSteps  int            `json:"total_steps"`
	Steps       []StepSummary  `json:"steps"`
}

// StepSummary is the per-step part of a StatusSummary.
type StepSummary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// Workflow listing types.
const (
	WorkflowTypeTemplate = "template"
	WorkflowTypeCustom   = "custom"
)

// WorkflowSummary is one entry of a workflow listing.
type WorkflowSummary struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Type        string         `json:"type"`
	Status      WorkflowStatus `json:"status,omitempty"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   *time.Time     `json:"created_at,omitempty"`
	TemplateID  string         `json:"template_id,omitempty"`
	Steps       int            `json:"steps"`
}
