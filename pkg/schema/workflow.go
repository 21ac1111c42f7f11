package schema

import (
	"fmt"
	"sync"
	"time"
)

// Defaults applied to StepSpec fields left unset.
const (
	DefaultRetryCount     = 3
	DefaultTimeoutSeconds = 300
)

// Owner recorded on built-in templates.
const SystemOwner = "system"

// Operator names a Condition comparison.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
	OpExpr      Operator = "expr" // expr-lang expression over the context
	OpCEL       Operator = "cel"  // CEL expression, context bound to `context`
	OpJQ        Operator = "jq"   // jq query over the context
)

// Condition is a single predicate checked against the workflow context
// before a step runs.
type Condition struct {
	Field    string   `json:"field,omitempty" yaml:"field,omitempty"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// StepSpec is the caller-facing description of a step to build.
// Nil RetryCount and TimeoutSeconds take the package defaults.
type StepSpec struct {
	ID             string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Action         string         `json:"action" yaml:"action"`
	Parameters     map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Conditions     []Condition    `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	RetryCount     *int           `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	TimeoutSeconds *int           `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Build creates a pending Step from the spec. index is the step's
// zero-based position, used for the default name.
func (s StepSpec) Build(index int, id string) *Step {
	name := s.Name
	if name == "" {
		name = fmt.Sprintf("Step %d", index+1)
	}
	retries := DefaultRetryCount
	if s.RetryCount != nil {
		retries = *s.RetryCount
	}
	timeout := DefaultTimeoutSeconds
	if s.TimeoutSeconds != nil {
		timeout = *s.TimeoutSeconds
	}
	params := s.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return &Step{
		ID:             id,
		Name:           name,
		Description:    s.Description,
		Action:         s.Action,
		Parameters:     CopyMap(params),
		Conditions:     copyConditions(s.Conditions),
		MaxRetries:     retries,
		TimeoutSeconds: timeout,
		Status:         StepStatusPending,
		RetryCount:     retries,
	}
}

// WorkflowDefinition is the caller-facing description of a custom workflow,
// as accepted by the registry, definition files and the MCP surface.
type WorkflowDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepSpec     `json:"steps" yaml:"steps"`
	Schedule    map[string]any `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Step is a single unit of work within a workflow.
//
// Status, RetryCount, Result and Error are runtime state owned by the
// enclosing Workflow and change only through its methods.
type Step struct {
	ID             string
	Name           string
	Description    string
	Action         string
	Parameters     map[string]any
	Conditions     []Condition
	MaxRetries     int
	TimeoutSeconds int

	Status     StepStatus
	RetryCount int
	Result     any
	Error      string
}

// Timeout returns the per-attempt deadline, or zero when unset.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func (s *Step) clone() *Step {
	cp := *s
	cp.Parameters = CopyMap(s.Parameters)
	cp.Conditions = copyConditions(s.Conditions)
	cp.Result = CopyValue(s.Result)
	return &cp
}

// copyConditions never returns nil so a step without conditions reports [].
func copyConditions(conds []Condition) []Condition {
	out := make([]Condition, len(conds))
	copy(out, conds)
	return out
}

// Workflow is an ordered sequence of steps plus shared run state.
// The step list is fixed after construction. Mutable state is guarded by
// an internal lock so readers can poll while a run is in flight.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Steps       []*Step
	CreatedBy   string
	CreatedAt   time.Time
	Schedule    map[string]any
	TemplateID  string

	mu          sync.RWMutex
	status      WorkflowStatus
	currentStep int
	context     map[string]any
}

// NewWorkflow creates a pending workflow owning the given steps.
func NewWorkflow(id, name, description, createdBy string, steps []*Step) *Workflow {
	return &Workflow{
		ID:          id,
		Name:        name,
		Description: description,
		Steps:       steps,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
		status:      WorkflowStatusPending,
		context:     map[string]any{},
	}
}

// Status returns the workflow status.
func (w *Workflow) Status() WorkflowStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// CurrentStep returns the index of the step executing or last attempted.
func (w *Workflow) CurrentStep() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.currentStep
}

// SetCurrentStep moves the progress cursor.
func (w *Workflow) SetCurrentStep(i int) {
	w.mu.Lock()
	w.currentStep = i
	w.mu.Unlock()
}

// Transition moves the workflow to a new status if the change is allowed.
func (w *Workflow) Transition(to WorkflowStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(to)
}

func (w *Workflow) transitionLocked(to WorkflowStatus) error {
	if !CanTransitionWorkflow(w.status, to) {
		return NewErrorf(ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", w.status, to).
			WithDetails(map[string]any{"workflow_id": w.ID, "from": string(w.status), "to": string(to)})
	}
	w.status = to
	return nil
}

// BeginRun resets per-run step state, merges the initial context (caller
// values win) and moves the workflow to running.
func (w *Workflow) BeginRun(initial map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transitionLocked(WorkflowStatusRunning); err != nil {
		return err
	}
	w.currentStep = 0
	for _, s := range w.Steps {
		s.Status = StepStatusPending
		s.RetryCount = s.MaxRetries
		s.Result = nil
		s.Error = ""
	}
	if w.context == nil {
		w.context = map[string]any{}
	}
	for k, v := range initial {
		w.context[k] = v
	}
	return nil
}

// Context returns a shallow copy of the shared context.
func (w *Workflow) Context() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]any, len(w.context))
	for k, v := range w.context {
		out[k] = v
	}
	return out
}

// SetContextValue writes a single context entry.
func (w *Workflow) SetContextValue(key string, value any) {
	w.mu.Lock()
	if w.context == nil {
		w.context = map[string]any{}
	}
	w.context[key] = value
	w.mu.Unlock()
}

// StepResultKey is the context key under which a completed step's result
// is published to later steps.
func StepResultKey(stepID string) string {
	return "step_" + stepID + "_result"
}

// TransitionStep moves step i to a new status if the change is allowed.
func (w *Workflow) TransitionStep(i int, to StepStatus) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionStepLocked(i, to)
}

func (w *Workflow) transitionStepLocked(i int, to StepStatus) error {
	s := w.Steps[i]
	if !CanTransitionStep(s.Status, to) {
		return NewErrorf(ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", s.Status, to).WithStep(s.ID)
	}
	s.Status = to
	return nil
}

// CompleteStep marks step i completed and publishes its result to the context.
func (w *Workflow) CompleteStep(i int, result any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transitionStepLocked(i, StepStatusCompleted); err != nil {
		return err
	}
	s := w.Steps[i]
	s.Result = result
	s.Error = ""
	if w.context == nil {
		w.context = map[string]any{}
	}
	w.context[StepResultKey(s.ID)] = result
	return nil
}

// FailStep marks step i failed with the given message.
func (w *Workflow) FailStep(i int, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.transitionStepLocked(i, StepStatusFailed); err != nil {
		return err
	}
	w.Steps[i].Error = msg
	return nil
}

// Finish fails any step still running with msg and, if the workflow is
// still running, moves it to the given status. A workflow already moved by
// an external override keeps that status.
func (w *Workflow) Finish(to WorkflowStatus, msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.Steps {
		if s.Status == StepStatusRunning {
			s.Status = StepStatusFailed
			s.Error = msg
		}
	}
	if w.status != WorkflowStatusRunning || to == WorkflowStatusRunning {
		return nil
	}
	return w.transitionLocked(to)
}

// ConsumeRetry decrements step i's remaining retry budget. It reports false
// when the budget is already exhausted.
func (w *Workflow) ConsumeRetry(i int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.Steps[i]
	if s.RetryCount <= 0 {
		return false
	}
	s.RetryCount--
	return true
}

// Summary returns a consistent status snapshot.
func (w *Workflow) Summary() *StatusSummary {
	w.mu.RLock()
	defer w.mu.RUnlock()
	sum := &StatusSummary{
		WorkflowID:  w.ID,
		Name:        w.Name,
		TemplateID:  w.TemplateID,
		Status:      w.status,
		CurrentStep: w.currentStep,
		TotalSteps:  len(w.Steps),
		Steps:       make([]StepSummary, 0, len(w.Steps)),
	}
	for _, s := range w.Steps {
		sum.Steps = append(sum.Steps, StepSummary{
			ID:         s.ID,
			Name:       s.Name,
			Status:     s.Status,
			Error:      s.Error,
			RetryCount: s.RetryCount,
		})
	}
	return sum
}

// Clone returns an independent deep copy. The copy keeps the source's
// status and context; callers instantiating a run reset it via BeginRun.
func (w *Workflow) Clone() *Workflow {
	w.mu.RLock()
	defer w.mu.RUnlock()
	steps := make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		steps[i] = s.clone()
	}
	ctx := CopyMap(w.context)
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &Workflow{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Steps:       steps,
		CreatedBy:   w.CreatedBy,
		CreatedAt:   w.CreatedAt,
		Schedule:    CopyMap(w.Schedule),
		TemplateID:  w.TemplateID,
		status:      w.status,
		currentStep: w.currentStep,
		context:     ctx,
	}
}

// CopyMap deep-copies a map of JSON-like values. A nil map stays nil.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies maps and slices; other values are returned as is.
func CopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CopyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			out[i] = CopyMap(e)
		}
		return out
	default:
		return v
	}
}
