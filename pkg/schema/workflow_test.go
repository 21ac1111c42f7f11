package schema

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestStepSpec_BuildDefaults(t *testing.T) {
	s := StepSpec{Action: "notion.create_page"}.Build(2, "step_2")

	assert.Equal(t, "step_2", s.ID)
	assert.Equal(t, "Step 3", s.Name)
	assert.Equal(t, DefaultRetryCount, s.MaxRetries)
	assert.Equal(t, DefaultRetryCount, s.RetryCount)
	assert.Equal(t, DefaultTimeoutSeconds, s.TimeoutSeconds)
	assert.Equal(t, StepStatusPending, s.Status)
	assert.NotNil(t, s.Parameters)
	assert.NotNil(t, s.Conditions)
	assert.Nil(t, s.Result)
	assert.Empty(t, s.Error)
}

func TestStepSpec_BuildExplicitZeroes(t *testing.T) {
	s := StepSpec{
		Name:           "send",
		Action:         "slack.send_message",
		RetryCount:     intPtr(0),
		TimeoutSeconds: intPtr(0),
	}.Build(0, "send")

	assert.Equal(t, "send", s.Name)
	assert.Equal(t, 0, s.MaxRetries)
	assert.Equal(t, 0, s.RetryCount)
	assert.Equal(t, time.Duration(0), s.Timeout())
}

func TestStepSpec_BuildCopiesParameters(t *testing.T) {
	params := map[string]any{"nested": map[string]any{"a": 1}}
	s := StepSpec{Action: "x", Parameters: params}.Build(0, "s")

	params["nested"].(map[string]any)["a"] = 2
	assert.Equal(t, 1, s.Parameters["nested"].(map[string]any)["a"])
}

func newTestWorkflow(n int) *Workflow {
	steps := make([]*Step, n)
	for i := range steps {
		steps[i] = StepSpec{Action: "noop"}.Build(i, fmt.Sprintf("step_%d", i))
	}
	return NewWorkflow("wf_1", "test", "desc", "alice", steps)
}

func TestNewWorkflow(t *testing.T) {
	wf := newTestWorkflow(2)

	assert.Equal(t, WorkflowStatusPending, wf.Status())
	assert.Equal(t, 0, wf.CurrentStep())
	assert.Empty(t, wf.Context())
	assert.False(t, wf.CreatedAt.IsZero())
}

func TestWorkflow_Transition(t *testing.T) {
	wf := newTestWorkflow(1)

	require.NoError(t, wf.Transition(WorkflowStatusRunning))
	require.NoError(t, wf.Transition(WorkflowStatusCompleted))

	err := wf.Transition(WorkflowStatusPaused)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidTransition, CodeOf(err))
	assert.Equal(t, WorkflowStatusCompleted, wf.Status())
}

func TestWorkflow_BeginRunResetsSteps(t *testing.T) {
	wf := newTestWorkflow(2)
	require.NoError(t, wf.BeginRun(map[string]any{"user": "alice"}))

	require.NoError(t, wf.TransitionStep(0, StepStatusRunning))
	require.NoError(t, wf.FailStep(0, "boom"))
	assert.True(t, wf.ConsumeRetry(0))
	require.NoError(t, wf.Transition(WorkflowStatusFailed))

	require.NoError(t, wf.BeginRun(map[string]any{"user": "bob"}))

	s := wf.Steps[0]
	assert.Equal(t, StepStatusPending, s.Status)
	assert.Equal(t, s.MaxRetries, s.RetryCount)
	assert.Empty(t, s.Error)
	assert.Equal(t, "bob", wf.Context()["user"])
	assert.Equal(t, WorkflowStatusRunning, wf.Status())
}

func TestWorkflow_CompleteStepPublishesResult(t *testing.T) {
	wf := newTestWorkflow(1)
	require.NoError(t, wf.BeginRun(nil))
	require.NoError(t, wf.TransitionStep(0, StepStatusRunning))
	require.NoError(t, wf.CompleteStep(0, map[string]any{"ok": true}))

	assert.Equal(t, map[string]any{"ok": true}, wf.Context()["step_step_0_result"])
	assert.Equal(t, StepStatusCompleted, wf.Steps[0].Status)
}

func TestWorkflow_StepTransitions(t *testing.T) {
	wf := newTestWorkflow(1)
	require.NoError(t, wf.BeginRun(nil))

	err := wf.CompleteStep(0, nil)
	assert.Equal(t, ErrCodeInvalidTransition, CodeOf(err))

	require.NoError(t, wf.TransitionStep(0, StepStatusRunning))
	require.NoError(t, wf.FailStep(0, "x"))
	require.NoError(t, wf.TransitionStep(0, StepStatusRunning))
	require.NoError(t, wf.TransitionStep(0, StepStatusSkipped))

	err = wf.TransitionStep(0, StepStatusRunning)
	var fe *FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "step_0", fe.StepID)
}

func TestWorkflow_ConsumeRetry(t *testing.T) {
	steps := []*Step{StepSpec{Action: "noop", RetryCount: intPtr(1)}.Build(0, "s")}
	wf := NewWorkflow("wf", "n", "", "u", steps)

	assert.True(t, wf.ConsumeRetry(0))
	assert.False(t, wf.ConsumeRetry(0))
	assert.Equal(t, 0, wf.Steps[0].RetryCount)
}

func TestWorkflow_CloneIsIndependent(t *testing.T) {
	wf := newTestWorkflow(1)
	wf.Steps[0].Parameters["list"] = []any{"a"}
	wf.SetContextValue("k", "v")

	cp := wf.Clone()
	cp.Steps[0].Parameters["list"].([]any)[0] = "changed"
	cp.Steps[0].Status = StepStatusCompleted
	cp.SetContextValue("k", "other")

	assert.Equal(t, "a", wf.Steps[0].Parameters["list"].([]any)[0])
	assert.Equal(t, StepStatusPending, wf.Steps[0].Status)
	assert.Equal(t, "v", wf.Context()["k"])
	assert.Equal(t, wf.ID, cp.ID)
}

func TestWorkflow_CloneKeepsEmptyConditions(t *testing.T) {
	wf := NewWorkflow("wf_1", "bare", "", "system", []*Step{{ID: "s0", Action: "noop"}})
	cp := wf.Clone()
	require.NotNil(t, cp.Steps[0].Conditions)
	assert.Empty(t, cp.Steps[0].Conditions)

	withCond := StepSpec{Action: "noop", Conditions: []Condition{{Field: "x", Operator: OpExists}}}.Build(0, "s0")
	other := NewWorkflow("wf_2", "guarded", "", "system", []*Step{withCond}).Clone()
	other.Steps[0].Conditions[0].Field = "y"
	assert.Equal(t, "x", withCond.Conditions[0].Field)
}

func TestWorkflow_Summary(t *testing.T) {
	wf := newTestWorkflow(3)
	require.NoError(t, wf.BeginRun(nil))
	wf.SetCurrentStep(1)

	sum := wf.Summary()
	assert.Equal(t, "wf_1", sum.WorkflowID)
	assert.Equal(t, WorkflowStatusRunning, sum.Status)
	assert.Equal(t, 1, sum.CurrentStep)
	assert.Equal(t, 3, sum.TotalSteps)
	require.Len(t, sum.Steps, 3)
	assert.Equal(t, "Step 2", sum.Steps[1].Name)
}

func TestStepResultKey(t *testing.T) {
	assert.Equal(t, "step_step_0_result", StepResultKey("step_0"))
	assert.Equal(t, "step_research_result", StepResultKey("research"))
}

func TestFlowError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewErrorf(ErrCodeExecution, "call %s failed", "notion").WithStep("s1").WithCause(cause)

	assert.Equal(t, "[EXECUTION_ERROR] step s1: call notion failed", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, ErrCodeExecution, CodeOf(wrapped))
	assert.Equal(t, "", CodeOf(cause))
	assert.True(t, IsNotFound(NewError(ErrCodeNotFound, "x")))
	assert.True(t, IsConflict(NewError(ErrCodeConflict, "x")))
}

func TestTransitionTables(t *testing.T) {
	assert.True(t, CanTransitionStep(StepStatusFailed, StepStatusRunning))
	assert.False(t, CanTransitionStep(StepStatusCompleted, StepStatusRunning))
	assert.False(t, CanTransitionStep(StepStatusPending, StepStatusCompleted))
	assert.True(t, CanTransitionWorkflow(WorkflowStatusFailed, WorkflowStatusRunning))
	assert.False(t, CanTransitionWorkflow(WorkflowStatusPending, WorkflowStatusCompleted))
	assert.True(t, WorkflowStatusCancelled.IsTerminal())
	assert.False(t, WorkflowStatusPaused.IsTerminal())
	assert.True(t, StepStatusSkipped.IsTerminal())
}

func TestWorkflow_Finish(t *testing.T) {
	wf := newTestWorkflow(2)
	require.NoError(t, wf.BeginRun(nil))
	require.NoError(t, wf.TransitionStep(0, StepStatusRunning))

	require.NoError(t, wf.Finish(WorkflowStatusFailed, "interrupted"))
	assert.Equal(t, WorkflowStatusFailed, wf.Status())
	assert.Equal(t, StepStatusFailed, wf.Steps[0].Status)
	assert.Equal(t, "interrupted", wf.Steps[0].Error)
	assert.Equal(t, StepStatusPending, wf.Steps[1].Status)
}

func TestWorkflow_FinishKeepsExternalOverride(t *testing.T) {
	wf := newTestWorkflow(1)
	require.NoError(t, wf.BeginRun(nil))
	require.NoError(t, wf.Transition(WorkflowStatusPaused))

	require.NoError(t, wf.Finish(WorkflowStatusCompleted, ""))
	assert.Equal(t, WorkflowStatusPaused, wf.Status())
}
