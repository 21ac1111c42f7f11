package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/botflow/pkg/schema"
)

// LibSQLStore implements RunStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ RunStore = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a store.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "open libsql").WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate run history").WithCause(err)
	}
	return nil
}

// --- Runs ---

// SaveRun records a finished run and its step outcomes in one transaction.
func (s *LibSQLStore) SaveRun(ctx context.Context, res *schema.ExecutionResult, owner string) error {
	if res == nil {
		return schema.NewError(schema.ErrCodeValidation, "run result is nil")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var runID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO runs (workflow_id, template_id, owner, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		res.WorkflowID, nullStr(res.TemplateID), nullStr(owner), string(res.Status), nullStr(res.Error),
		timeOrNow(res.StartedAt), timeOrNow(res.CompletedAt),
	).Scan(&runID)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, step := range res.Steps {
		result, err := nullableJSON(step.Result)
		if err != nil {
			return fmt.Errorf("marshal result of step %s: %w", step.StepID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, position, step_id, name, status, attempt, result, error, reason)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, step.StepID, nullStr(step.Name), string(step.Status), step.Attempt,
			result, nullStr(step.Error), nullStr(step.Reason),
		)
		if err != nil {
			return fmt.Errorf("insert run step %s: %w", step.StepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_id, template_id, owner, status, error, started_at, completed_at`

// GetRun returns a recorded run with its steps.
func (s *LibSQLStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", fmt.Sprint(id))
	}
	if err != nil {
		return nil, err
	}
	if run.Steps, err = s.runSteps(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// LatestRun returns the most recent run of a workflow.
func (s *LibSQLStore) LatestRun(ctx context.Context, workflowID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`, workflowID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run of workflow", workflowID)
	}
	if err != nil {
		return nil, err
	}
	if run.Steps, err = s.runSteps(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs matching filter, newest first. Steps are included.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Single connection: steps are loaded after the run cursor is closed.
	for _, run := range runs {
		if run.Steps, err = s.runSteps(ctx, run.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// PruneRuns deletes runs that started before the cutoff and returns how
// many were removed.
func (s *LibSQLStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_steps WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?)`, before); err != nil {
		return 0, fmt.Errorf("prune run steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *LibSQLStore) runSteps(ctx context.Context, runID int64) ([]schema.StepOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, name, status, attempt, result, error, reason
		 FROM run_steps WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []schema.StepOutcome{}
	for rows.Next() {
		var (
			o                            schema.StepOutcome
			name, result, errMsg, reason sql.NullString
			status                       string
		)
		if err := rows.Scan(&o.StepID, &name, &status, &o.Attempt, &result, &errMsg, &reason); err != nil {
			return nil, err
		}
		o.Name = name.String
		o.Status = schema.StepStatus(status)
		o.Error = errMsg.String
		o.Reason = reason.String
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &o.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result of step %s: %w", o.StepID, err)
			}
		}
		steps = append(steps, o)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		templateID, owner, errMsg sql.NullString
		status                    string
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &templateID, &owner, &status, &errMsg,
		&run.StartedAt, &run.CompletedAt); err != nil {
		return nil, err
	}
	run.TemplateID = templateID.String
	run.Owner = owner.String
	run.Status = schema.WorkflowStatus(status)
	run.Error = errMsg.String
	return run, nil
}

// --- Events ---

// AppendEvent appends an event with a monotonically increasing per-workflow
// sequence and sets event.ID and event.Sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := nullableJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO run_events (workflow_id, step_id, event_type, attempt, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		event.WorkflowID, nullStr(event.StepID), event.Type, event.Attempt, payload, event.Timestamp, seq,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	event.ID = id
	event.Sequence = seq
	return nil
}

const eventColumns = `id, workflow_id, step_id, event_type, attempt, payload, timestamp, sequence`

// GetEvents returns events for a workflow with sequence > since, in order.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM run_events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns events of one type, newest first.
func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM run_events WHERE ` + strings.Join(where, " AND ") +
		" ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &stepID, &e.Type, &e.Attempt, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
