package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/botflow/internal/expressions"
	"github.com/rendis/botflow/internal/logging"
	"github.com/rendis/botflow/pkg/schema"
)

// Executor performs the real work behind a step's action. It receives the
// fully substituted parameters and returns an opaque result; any error is
// the step's failure.
type Executor interface {
	Execute(ctx context.Context, action string, params map[string]any) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action string, params map[string]any) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	return f(ctx, action, params)
}

// Resolver finds workflows to run. Custom workflows are returned as stored;
// templates are reported as such so the engine can instantiate a run.
// Satisfied by *registry.Registry.
type Resolver interface {
	Resolve(id string) (wf *schema.Workflow, isTemplate bool, err error)
	Track(wf *schema.Workflow) error
}

// RunRecorder persists finished runs. Satisfied by the run history store.
type RunRecorder interface {
	SaveRun(ctx context.Context, result *schema.ExecutionResult, owner string) error
}

// EventAppender receives run history events as they happen.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// Config holds engine dependencies and defaults. Every field is optional.
type Config struct {
	Logger         *slog.Logger
	Retry          RetryPolicy
	CircuitBreaker *CircuitBreakerConfig // nil disables the breaker
	Recorder       RunRecorder
	Events         EventAppender
}

// RunOption customises a single Execute call.
type RunOption func(*runOptions)

type runOptions struct {
	owner string
	retry RetryPolicy
}

// WithOwner records who triggered a run. Template runs are owned by this
// user instead of the system.
func WithOwner(owner string) RunOption {
	return func(o *runOptions) { o.owner = owner }
}

// WithRetryPolicy overrides the engine's retry delay policy for one run.
func WithRetryPolicy(p RetryPolicy) RunOption {
	return func(o *runOptions) { o.retry = p }
}

// Engine runs workflows step by step. One Engine serves any number of
// concurrent runs of distinct workflows; a second concurrent run of the
// same workflow id is rejected.
type Engine struct {
	resolver  Resolver
	evaluator *expressions.Evaluator
	logger    *slog.Logger
	cfg       Config
	breakers  *CircuitBreakerRegistry

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates an Engine.
func New(resolver Resolver, evaluator *expressions.Evaluator, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		resolver:  resolver,
		evaluator: evaluator,
		logger:    logger.With(slog.String("component", "engine")),
		cfg:       cfg,
		running:   make(map[string]context.CancelFunc),
	}
	if cfg.CircuitBreaker != nil {
		e.breakers = NewCircuitBreakerRegistry(*cfg.CircuitBreaker)
	}
	return e
}

// CircuitBreakers returns the breaker registry, or nil when disabled.
func (e *Engine) CircuitBreakers() *CircuitBreakerRegistry {
	return e.breakers
}

// Execute runs the workflow identified by workflowID to completion.
//
// Only lookup and admission problems are returned as errors: an unknown id
// (NOT_FOUND), a run already in flight for the id (CONFLICT) or a missing
// executor. Step failures, cancellation and internal faults are reported in
// the result.
func (e *Engine) Execute(ctx context.Context, workflowID string, initial map[string]any, exec Executor, opts ...RunOption) (*schema.ExecutionResult, error) {
	if exec == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor is required")
	}
	ro := runOptions{retry: e.cfg.Retry}
	for _, opt := range opts {
		opt(&ro)
	}

	wf, isTemplate, err := e.resolver.Resolve(workflowID)
	if err != nil {
		return nil, err
	}
	if isTemplate {
		wf = instantiate(wf, ro.owner)
	}
	if ro.owner == "" {
		ro.owner = wf.CreatedBy
	}

	runCtx, release, err := e.acquire(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if isTemplate {
		if err := e.resolver.Track(wf); err != nil {
			return nil, err
		}
	}
	if e.breakers != nil {
		exec = e.breakers.Wrap(exec)
	}

	runCtx = logging.WithIDs(runCtx, wf.ID, "", wf.TemplateID)
	return e.run(runCtx, wf, initial, exec, ro)
}

// Cancel stops the in-flight run of workflowID. The run finishes with
// status cancelled.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	cancel, ok := e.running[workflowID]
	e.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s is not running", workflowID)
	}
	cancel()
	return nil
}

// Running reports whether a run of workflowID is in flight.
func (e *Engine) Running(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[workflowID]
	return ok
}

func (e *Engine) acquire(ctx context.Context, id string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[id]; busy {
		return nil, nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already running", id).
			WithDetails(map[string]any{"workflow_id": id})
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running[id] = cancel
	return runCtx, func() {
		cancel()
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}, nil
}

// instantiate clones a template blueprint into a fresh run.
func instantiate(tpl *schema.Workflow, owner string) *schema.Workflow {
	run := tpl.Clone()
	run.ID = "run_" + uuid.NewString()
	run.TemplateID = tpl.ID
	run.CreatedAt = time.Now().UTC()
	run.CreatedBy = schema.SystemOwner
	if owner != "" {
		run.CreatedBy = owner
	}
	return run
}

func (e *Engine) run(ctx context.Context, wf *schema.Workflow, initial map[string]any, exec Executor, ro runOptions) (*schema.ExecutionResult, error) {
	res := &schema.ExecutionResult{
		WorkflowID: wf.ID,
		TemplateID: wf.TemplateID,
		Steps:      []schema.StepOutcome{},
		StartedAt:  time.Now().UTC(),
	}

	if err := wf.BeginRun(initial); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "workflow run started",
		slog.String("name", wf.Name),
		slog.Int("steps", len(wf.Steps)),
		slog.String("owner", ro.owner))
	e.emit(ctx, &schema.Event{WorkflowID: wf.ID, Type: schema.EventWorkflowStarted,
		Payload: map[string]any{"name": wf.Name, "template_id": wf.TemplateID}})

	final, runErr := e.runSteps(ctx, wf, exec, ro, res)

	switch {
	case runErr == nil:
	case schema.CodeOf(runErr) == schema.ErrCodeCancelled:
		final = schema.WorkflowStatusCancelled
		res.Error = runErr.Error()
	default:
		final = schema.WorkflowStatusFailed
		res.Error = runErr.Error()
	}

	msg := "interrupted"
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := wf.Finish(final, msg); err != nil {
		e.logger.ErrorContext(ctx, "finish workflow", slog.String("error", err.Error()))
	}

	res.Status = wf.Status()
	res.CompletedAt = time.Now().UTC()

	e.logger.InfoContext(ctx, "workflow run finished",
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.CompletedAt.Sub(res.StartedAt)))
	e.emit(ctx, &schema.Event{WorkflowID: wf.ID, Type: workflowEventType(res.Status),
		Payload: map[string]any{"status": string(res.Status), "error": res.Error}})

	if e.cfg.Recorder != nil {
		if err := e.cfg.Recorder.SaveRun(context.WithoutCancel(ctx), res, ro.owner); err != nil {
			e.logger.WarnContext(ctx, "record run history", slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// runSteps is the sequential loop. It returns the status the workflow
// should end in, or an error that ends the run early (CANCELLED, or any
// orchestration fault).
func (e *Engine) runSteps(ctx context.Context, wf *schema.Workflow, exec Executor, ro runOptions, res *schema.ExecutionResult) (final schema.WorkflowStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "workflow run panicked", slog.Any("panic", r))
			err = schema.NewErrorf(schema.ErrCodeOrchestration, "workflow run panicked: %v", r)
		}
	}()

	i, attempt := 0, 1
	for i < len(wf.Steps) {
		if st := wf.Status(); st != schema.WorkflowStatusRunning {
			// Paused or cancelled from outside between steps.
			return st, nil
		}
		if ctx.Err() != nil {
			return "", cancelled(ctx)
		}

		step := wf.Steps[i]
		stepCtx := logging.WithStepID(ctx, step.ID)
		wf.SetCurrentStep(i)
		if err := wf.TransitionStep(i, schema.StepStatusRunning); err != nil {
			return "", err
		}

		data := wf.Context()
		params := expressions.SubstituteParams(step.Parameters, data)

		ok, err := e.evaluator.ConditionsMet(stepCtx, step.Conditions, data)
		if err != nil {
			return "", stepError(err, step.ID)
		}
		if !ok {
			if err := wf.TransitionStep(i, schema.StepStatusSkipped); err != nil {
				return "", err
			}
			res.Steps = append(res.Steps, schema.StepOutcome{
				StepID: step.ID, Name: step.Name, Status: schema.StepStatusSkipped,
				Reason: schema.SkipReasonConditions, Attempt: attempt,
			})
			e.logger.DebugContext(stepCtx, "step skipped", slog.String("reason", schema.SkipReasonConditions))
			e.emit(stepCtx, &schema.Event{WorkflowID: wf.ID, StepID: step.ID, Type: schema.EventStepSkipped,
				Attempt: attempt, Payload: map[string]any{"reason": schema.SkipReasonConditions}})
			i, attempt = i+1, 1
			continue
		}

		e.emit(stepCtx, &schema.Event{WorkflowID: wf.ID, StepID: step.ID, Type: schema.EventStepStarted,
			Attempt: attempt, Payload: map[string]any{"action": step.Action}})
		started := time.Now()
		out, execErr := e.invoke(stepCtx, step, exec, params)

		if execErr == nil {
			if err := wf.CompleteStep(i, out); err != nil {
				return "", err
			}
			res.Steps = append(res.Steps, schema.StepOutcome{
				StepID: step.ID, Name: step.Name, Status: schema.StepStatusCompleted,
				Result: out, Attempt: attempt,
			})
			e.logger.DebugContext(stepCtx, "step completed",
				slog.String("action", step.Action),
				slog.Int("attempt", attempt),
				slog.Duration("duration", time.Since(started)))
			e.emit(stepCtx, &schema.Event{WorkflowID: wf.ID, StepID: step.ID, Type: schema.EventStepCompleted,
				Attempt: attempt, Payload: map[string]any{"result": out}})
			i, attempt = i+1, 1
			continue
		}

		if ctx.Err() != nil {
			return "", cancelled(ctx)
		}

		if err := wf.FailStep(i, execErr.Error()); err != nil {
			return "", err
		}
		res.Steps = append(res.Steps, schema.StepOutcome{
			StepID: step.ID, Name: step.Name, Status: schema.StepStatusFailed,
			Error: execErr.Error(), Attempt: attempt,
		})
		e.logger.WarnContext(stepCtx, "step failed",
			slog.String("action", step.Action),
			slog.Int("attempt", attempt),
			slog.String("error", execErr.Error()))
		e.emit(stepCtx, &schema.Event{WorkflowID: wf.ID, StepID: step.ID, Type: schema.EventStepFailed,
			Attempt: attempt, Payload: map[string]any{"error": execErr.Error(), "code": schema.CodeOf(execErr)}})

		if !wf.ConsumeRetry(i) {
			return schema.WorkflowStatusFailed, nil
		}

		delay := ComputeBackoff(ro.retry, attempt)
		e.emit(stepCtx, &schema.Event{WorkflowID: wf.ID, StepID: step.ID, Type: schema.EventStepRetrying,
			Attempt: attempt + 1, Payload: map[string]any{"delay": delay.String()}})
		if err := WaitForBackoff(ctx, delay); err != nil {
			return "", cancelled(ctx)
		}
		// Same index again: the failed step rewinds to running.
		attempt++
	}
	return schema.WorkflowStatusCompleted, nil
}

type invokeResult struct {
	out any
	err error
}

// invoke calls the executor under the step's deadline. The executor runs on
// its own goroutine so an executor that ignores ctx cannot stall the run.
func (e *Engine) invoke(ctx context.Context, step *schema.Step, exec Executor, params map[string]any) (any, error) {
	attemptCtx := ctx
	if d := step.Timeout(); d > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: schema.NewErrorf(schema.ErrCodeExecution, "executor panicked: %v", r).WithStep(step.ID)}
			}
		}()
		out, err := exec.Execute(attemptCtx, step.Action, params)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(step, r.err)
		}
		return r.out, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(step, attemptCtx.Err())
	}
}

func timeoutError(step *schema.Step, cause error) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", step.Timeout()).
		WithStep(step.ID).
		WithCause(cause)
}

func cancelled(ctx context.Context) error {
	return schema.NewError(schema.ErrCodeCancelled, "workflow run cancelled").WithCause(ctx.Err())
}

// stepError attaches the step to err, wrapping plain errors as
// orchestration faults.
func stepError(err error, stepID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.StepID == "" {
			fe.StepID = stepID
		}
		return fe
	}
	return schema.NewError(schema.ErrCodeOrchestration, err.Error()).WithStep(stepID).WithCause(err)
}

func (e *Engine) emit(ctx context.Context, ev *schema.Event) {
	if e.cfg.Events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := e.cfg.Events.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.WarnContext(ctx, "append run event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()))
	}
}

func workflowEventType(s schema.WorkflowStatus) string {
	switch s {
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	default:
		return fmt.Sprintf("workflow_%s", s)
	}
}
