package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/botflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func sampleResult(workflowID string, started time.Time) *schema.ExecutionResult {
	return &schema.ExecutionResult{
		WorkflowID: workflowID,
		Status:     schema.WorkflowStatusCompleted,
		StartedAt:  started,
		Steps: []schema.StepOutcome{
			{StepID: "step_0", Name: "Fetch", Status: schema.StepStatusFailed, Error: "boom", Attempt: 1},
			{StepID: "step_0", Name: "Fetch", Status: schema.StepStatusCompleted, Result: map[string]any{"rows": float64(3)}, Attempt: 2},
			{StepID: "step_1", Name: "Notify", Status: schema.StepStatusSkipped, Reason: schema.SkipReasonConditions, Attempt: 1},
		},
		CompletedAt: started.Add(2 * time.Second),
	}
}

// --- Runs ---

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SaveRun(ctx, sampleResult("wf_1", started), "U1"))

	run, err := s.LatestRun(ctx, "wf_1")
	require.NoError(t, err)
	assert.Equal(t, "wf_1", run.WorkflowID)
	assert.Equal(t, "U1", run.Owner)
	assert.Equal(t, schema.WorkflowStatusCompleted, run.Status)
	assert.Empty(t, run.TemplateID)
	assert.WithinDuration(t, started, run.StartedAt, time.Second)
	assert.Equal(t, 2*time.Second, run.Duration().Round(time.Second))

	require.Len(t, run.Steps, 3)
	assert.Equal(t, "boom", run.Steps[0].Error)
	assert.Equal(t, 2, run.Steps[1].Attempt)
	assert.Equal(t, map[string]any{"rows": float64(3)}, run.Steps[1].Result)
	assert.Equal(t, schema.SkipReasonConditions, run.Steps[2].Reason)
	assert.Nil(t, run.Steps[2].Result)

	byID, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run, byID)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), 42)
	assert.True(t, schema.IsNotFound(err))

	_, err = s.LatestRun(context.Background(), "wf_missing")
	assert.True(t, schema.IsNotFound(err))
}

func TestSaveRun_Nil(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.SaveRun(context.Background(), nil, ""))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	custom := sampleResult("wf_1", base)
	require.NoError(t, s.SaveRun(ctx, custom, "U1"))

	rerun := sampleResult("wf_1", base.Add(time.Minute))
	rerun.Status = schema.WorkflowStatusFailed
	rerun.Error = "[ORCHESTRATION_ERROR] boom"
	require.NoError(t, s.SaveRun(ctx, rerun, "U1"))

	tpl := sampleResult("run_abc", base.Add(2*time.Minute))
	tpl.TemplateID = "ppc_campaign_template"
	require.NoError(t, s.SaveRun(ctx, tpl, "U2"))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run_abc", all[0].WorkflowID, "newest first")
	assert.Len(t, all[0].Steps, 3)

	byWorkflow, err := s.ListRuns(ctx, RunFilter{WorkflowID: "wf_1"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 2)

	failed := schema.WorkflowStatusFailed
	byStatus, err := s.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "[ORCHESTRATION_ERROR] boom", byStatus[0].Error)

	byTemplate, err := s.ListRuns(ctx, RunFilter{TemplateID: "ppc_campaign_template"})
	require.NoError(t, err)
	require.Len(t, byTemplate, 1)
	assert.Equal(t, "U2", byTemplate[0].Owner)

	byOwner, err := s.ListRuns(ctx, RunFilter{Owner: "U1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, schema.WorkflowStatusFailed, byOwner[0].Status)

	page, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, schema.WorkflowStatusCompleted, page[0].Status)
}

func TestPruneRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.SaveRun(ctx, sampleResult("wf_old", now.Add(-48*time.Hour)), ""))
	require.NoError(t, s.SaveRun(ctx, sampleResult("wf_new", now), ""))

	n, err := s.PruneRuns(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf_new", runs[0].WorkflowID)

	var orphans int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_steps WHERE run_id NOT IN (SELECT id FROM runs)`).Scan(&orphans))
	assert.Zero(t, orphans)
}

// --- Events ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	types := []string{
		schema.EventWorkflowStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventWorkflowCompleted,
	}
	for _, typ := range types {
		ev := &schema.Event{WorkflowID: "wf_1", Type: typ}
		if typ != schema.EventWorkflowStarted && typ != schema.EventWorkflowCompleted {
			ev.StepID = "step_0"
			ev.Attempt = 1
		}
		require.NoError(t, s.AppendEvent(ctx, ev))
		assert.NotZero(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	require.NoError(t, s.AppendEvent(ctx, &schema.Event{WorkflowID: "wf_2", Type: schema.EventWorkflowStarted,
		Payload: map[string]any{"name": "other"}}))

	events, err := s.GetEvents(ctx, "wf_1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, types[i], ev.Type)
	}
	assert.Equal(t, "step_0", events[1].StepID)
	assert.Equal(t, 1, events[1].Attempt)

	tail, err := s.GetEvents(ctx, "wf_1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)

	other, err := s.GetEvents(ctx, "wf_2", 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence, "sequences are per workflow")
	assert.Equal(t, "other", other[0].Payload["name"])
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, wf := range []string{"wf_1", "wf_2"} {
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{WorkflowID: wf, Type: schema.EventStepRetrying, StepID: "step_0", Attempt: 1}))
		require.NoError(t, s.AppendEvent(ctx, &schema.Event{WorkflowID: wf, Type: schema.EventStepFailed, StepID: "step_0", Attempt: 2}))
	}

	retries, err := s.GetEventsByType(ctx, schema.EventStepRetrying, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, retries, 2)

	scoped, err := s.GetEventsByType(ctx, schema.EventStepFailed, EventFilter{WorkflowID: "wf_2", StepID: "step_0", Limit: 5})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, 2, scoped[0].Attempt)
}

func TestAppendEvent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := s.AppendEvent(ctx, &schema.Event{
					WorkflowID: "wf_shared",
					Type:       schema.EventStepStarted,
					StepID:     fmt.Sprintf("step_%d", w),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, "wf_shared", 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version, applied int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version), COUNT(*) FROM botflow_migrations`).Scan(&version, &applied))
	assert.Equal(t, 2, version)
	assert.Equal(t, 2, applied)
}

func TestLoadMigrations(t *testing.T) {
	embedded, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.Len(t, embedded, 2)
	assert.Equal(t, "run_history", embedded[0].Name)
	assert.Equal(t, "run_events", embedded[1].Name)

	ordered, err := loadMigrations(fstest.MapFS{
		"migrations/010_late.sql":  {Data: []byte("SELECT 1;")},
		"migrations/002_early.sql": {Data: []byte("SELECT 2;")},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 10}, []int{ordered[0].Version, ordered[1].Version})

	for name, fsys := range map[string]fstest.MapFS{
		"no version": {"migrations/init.sql": {}},
		"duplicate": {
			"migrations/001_a.sql": {},
			"migrations/1_b.sql":   {},
		},
	} {
		_, err := loadMigrations(fsys)
		assert.Error(t, err, name)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment\n;\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"-- header\nCREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}
