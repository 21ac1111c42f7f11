package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rendis/botflow/internal/engine"
	"github.com/rendis/botflow/internal/expressions"
	"github.com/rendis/botflow/internal/templates"
	"github.com/rendis/botflow/internal/validation"
	"github.com/rendis/botflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

type fixture struct {
	reg       *Registry
	evaluator *expressions.Evaluator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	v, err := validation.New(ev)
	require.NoError(t, err)
	lib, err := templates.New(v, templates.PackCommerce)
	require.NoError(t, err)
	opts = append([]Option{WithValidator(v)}, opts...)
	return &fixture{reg: New(lib, opts...), evaluator: ev}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestCreateWorkflow_BuildsSteps(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	f := newFixture(t, WithClock(fixedClock(ts)))

	wf, err := f.reg.CreateWorkflow(context.Background(), "Launch", "prep", []schema.StepSpec{
		{Action: "notion.create_page", Parameters: map[string]any{"title": "{product}"}},
		{Name: "Announce", Action: "slack.send_message", RetryCount: intPtr(0), TimeoutSeconds: intPtr(5)},
	}, "U0123456789", map[string]any{"cron": "0 9 * * 1"})
	require.NoError(t, err)

	assert.Equal(t, "wf_20250314092653_U0123456", wf.ID)
	assert.Equal(t, "U0123456789", wf.CreatedBy)
	assert.Equal(t, schema.WorkflowStatusPending, wf.Status())
	assert.Equal(t, ts, wf.CreatedAt)
	assert.Equal(t, "0 9 * * 1", wf.Schedule["cron"])

	require.Len(t, wf.Steps, 2)
	assert.Equal(t, "step_0", wf.Steps[0].ID)
	assert.Equal(t, "Step 1", wf.Steps[0].Name)
	assert.Equal(t, schema.DefaultRetryCount, wf.Steps[0].MaxRetries)
	assert.Equal(t, schema.DefaultTimeoutSeconds, wf.Steps[0].TimeoutSeconds)
	assert.Equal(t, "step_1", wf.Steps[1].ID)
	assert.Equal(t, "Announce", wf.Steps[1].Name)
	assert.Equal(t, 0, wf.Steps[1].MaxRetries)
	assert.Equal(t, 5, wf.Steps[1].TimeoutSeconds)
}

func TestCreateWorkflow_IDCollision(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	f := newFixture(t, WithClock(fixedClock(ts)))
	specs := []schema.StepSpec{{Action: "noop"}}

	a, err := f.reg.CreateWorkflow(context.Background(), "A", "", specs, "U1", nil)
	require.NoError(t, err)
	b, err := f.reg.CreateWorkflow(context.Background(), "B", "", specs, "U1", nil)
	require.NoError(t, err)

	assert.Equal(t, "wf_20250314092653_U1", a.ID)
	assert.Equal(t, "wf_20250314092653_U1_2", b.ID)
}

func TestCreateWorkflow_Rejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.reg.CreateWorkflow(context.Background(), "", "", []schema.StepSpec{{Action: "noop"}}, "U1", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = f.reg.CreateWorkflow(context.Background(), "bad op", "", []schema.StepSpec{
		{Action: "noop", Conditions: []schema.Condition{{Field: "x", Operator: "approximately"}}},
	}, "U1", nil)
	assert.Equal(t, schema.ErrCodeUnknownOperator, schema.CodeOf(err))

	_, err = f.reg.Create(context.Background(), nil, "U1")
	assert.Error(t, err)
	assert.Empty(t, f.reg.ListWorkflows("U1")[6:])
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	wf, err := f.reg.CreateWorkflow(context.Background(), "Mine", "", []schema.StepSpec{{Action: "noop"}}, "U1", nil)
	require.NoError(t, err)

	got, isTemplate, err := f.reg.Resolve(wf.ID)
	require.NoError(t, err)
	assert.False(t, isTemplate)
	assert.Same(t, wf, got)

	tpl, isTemplate, err := f.reg.Resolve("ppc_campaign")
	require.NoError(t, err)
	assert.True(t, isTemplate)
	assert.Equal(t, "ppc_campaign_template", tpl.ID)

	_, _, err = f.reg.Resolve("wf_missing")
	assert.True(t, schema.IsNotFound(err))
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)

	sum, ok := f.reg.GetStatus("product_launch_template")
	require.True(t, ok)
	assert.Equal(t, schema.WorkflowStatusPending, sum.Status)
	assert.Equal(t, 0, sum.CurrentStep)
	assert.Equal(t, len(sum.Steps), sum.TotalSteps)

	_, ok = f.reg.GetStatus("nope")
	assert.False(t, ok)
}

func TestTrack_Conflict(t *testing.T) {
	f := newFixture(t)
	run := schema.NewWorkflow("run_1", "r", "", "U1", nil)
	run.TemplateID = "ppc_campaign_template"

	require.NoError(t, f.reg.Track(run))
	assert.True(t, schema.IsConflict(f.reg.Track(run)))
	assert.Equal(t, []*schema.Workflow{run}, f.reg.Runs("ppc_campaign"))
}

func TestListWorkflows(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	f := newFixture(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))
	specs := []schema.StepSpec{{Action: "noop"}}
	ctx := context.Background()

	first, err := f.reg.CreateWorkflow(ctx, "first", "", specs, "alice", nil)
	require.NoError(t, err)
	second, err := f.reg.CreateWorkflow(ctx, "second", "", specs, "bob", nil)
	require.NoError(t, err)
	third, err := f.reg.CreateWorkflow(ctx, "third", "", specs, "alice", nil)
	require.NoError(t, err)

	run := schema.NewWorkflow("run_x", "run", "", "alice", nil)
	run.TemplateID = "ppc_campaign_template"
	require.NoError(t, f.reg.Track(run))

	all := f.reg.ListWorkflows("")
	require.Len(t, all, 6+3)
	for _, s := range all[:6] {
		assert.Equal(t, schema.WorkflowTypeTemplate, s.Type)
		assert.Nil(t, s.CreatedAt)
	}
	assert.Equal(t, []string{first.ID, second.ID, third.ID},
		[]string{all[6].ID, all[7].ID, all[8].ID})
	assert.Equal(t, schema.WorkflowTypeCustom, all[6].Type)
	assert.Equal(t, schema.WorkflowStatusPending, all[6].Status)

	mine := f.reg.ListWorkflows("alice")
	require.Len(t, mine, 6+2)
	assert.Equal(t, first.ID, mine[6].ID)
	assert.Equal(t, third.ID, mine[7].ID)

	assert.Equal(t, all, f.reg.ListWorkflows(""), "listing is repeatable")
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	wf, err := f.reg.CreateWorkflow(context.Background(), "w", "", []schema.StepSpec{{Action: "noop"}}, "U1", nil)
	require.NoError(t, err)

	require.NoError(t, f.reg.SetStatus(wf.ID, schema.WorkflowStatusPaused))
	assert.Equal(t, schema.WorkflowStatusPaused, wf.Status())

	err = f.reg.SetStatus(wf.ID, schema.WorkflowStatusCompleted)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(f.reg.SetStatus("ppc_campaign", schema.WorkflowStatusPaused)))
	assert.True(t, schema.IsNotFound(f.reg.SetStatus("nope", schema.WorkflowStatusPaused)))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	wf, err := f.reg.CreateWorkflow(context.Background(), "w", "", []schema.StepSpec{{Action: "noop"}}, "U1", nil)
	require.NoError(t, err)

	require.NoError(t, f.reg.Delete(wf.ID))
	_, ok := f.reg.Lookup(wf.ID)
	assert.False(t, ok)
	assert.True(t, schema.IsNotFound(f.reg.Delete(wf.ID)))
}

// End to end: registry, engine and evaluator wired together.

func okExecutor() engine.Executor {
	return engine.ExecutorFunc(func(context.Context, string, map[string]any) (any, error) { return "ok", nil })
}

func TestDemo_CustomWorkflowRun(t *testing.T) {
	f := newFixture(t)
	eng := engine.New(f.reg, f.evaluator, engine.Config{})

	wf, err := f.reg.CreateWorkflow(context.Background(), "demo", "", []schema.StepSpec{
		{Name: "A", Action: "noop", RetryCount: intPtr(1)},
		{Name: "B", Action: "noop", Conditions: []schema.Condition{{Field: "flag", Operator: schema.OpEquals, Value: true}}},
	}, "U1", nil)
	require.NoError(t, err)

	res, err := eng.Execute(context.Background(), wf.ID, map[string]any{"flag": false}, okExecutor())
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, schema.StepStatusCompleted, res.Steps[0].Status)
	assert.Equal(t, schema.StepStatusSkipped, res.Steps[1].Status)

	sum, ok := f.reg.GetStatus(wf.ID)
	require.True(t, ok)
	assert.Equal(t, schema.WorkflowStatusCompleted, sum.Status)
	assert.Equal(t, "ok", wf.Context()["step_step_0_result"])
}

func TestDemo_EmptyWorkflowCompletes(t *testing.T) {
	f := newFixture(t)
	eng := engine.New(f.reg, f.evaluator, engine.Config{})

	wf, err := f.reg.CreateWorkflow(context.Background(), "placeholder", "", nil, "U1", nil)
	require.NoError(t, err)
	assert.Empty(t, wf.Steps)

	res, err := eng.Execute(context.Background(), wf.ID, map[string]any{"k": "v"}, okExecutor())
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
	assert.Empty(t, res.Steps)
	assert.Equal(t, "v", wf.Context()["k"])
}

func TestDemo_TemplateRunsAreTracked(t *testing.T) {
	f := newFixture(t)
	eng := engine.New(f.reg, f.evaluator, engine.Config{})

	var wg sync.WaitGroup
	results := make([]*schema.ExecutionResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := eng.Execute(context.Background(), "ppc_campaign", map[string]any{"product": "lamp"}, okExecutor(), engine.WithOwner("U1"))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, schema.WorkflowStatusCompleted, res.Status)
		assert.Equal(t, "ppc_campaign_template", res.TemplateID)
		assert.False(t, seen[res.WorkflowID])
		seen[res.WorkflowID] = true

		sum, ok := f.reg.GetStatus(res.WorkflowID)
		require.True(t, ok)
		assert.Equal(t, schema.WorkflowStatusCompleted, sum.Status)
	}
	assert.Len(t, f.reg.Runs("ppc_campaign_template"), 4)

	tpl, ok := f.reg.GetStatus("ppc_campaign_template")
	require.True(t, ok)
	assert.Equal(t, schema.WorkflowStatusPending, tpl.Status)
	assert.Len(t, f.reg.ListWorkflows(""), 6)
}
