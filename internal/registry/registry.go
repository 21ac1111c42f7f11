package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/botflow/internal/templates"
	"github.com/rendis/botflow/internal/validation"
	"github.com/rendis/botflow/pkg/schema"
)

// Registry owns the custom workflows and template runs of one host process
// and resolves ids for the engine. It is safe for concurrent use.
type Registry struct {
	library   *templates.Library
	validator *validation.Validator
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	workflows map[string]*schema.Workflow
}

// Option configures a Registry.
type Option func(*Registry)

// WithValidator validates step specs before workflows are created.
func WithValidator(v *validation.Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now, for id generation in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry backed by library.
func New(library *templates.Library, opts ...Option) *Registry {
	r := &Registry{
		library:   library,
		logger:    slog.Default(),
		now:       time.Now,
		workflows: make(map[string]*schema.Workflow),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "registry"))
	return r
}

// CreateWorkflow builds a custom workflow from step specs and stores it.
// Steps get ids step_0..step_n-1 and the documented defaults.
func (r *Registry) CreateWorkflow(ctx context.Context, name, description string, specs []schema.StepSpec, owner string, schedule map[string]any) (*schema.Workflow, error) {
	def := &schema.WorkflowDefinition{Name: name, Description: description, Steps: specs, Schedule: schedule}
	return r.Create(ctx, def, owner)
}

// Create is CreateWorkflow taking a definition document.
func (r *Registry) Create(ctx context.Context, def *schema.WorkflowDefinition, owner string) (*schema.Workflow, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if r.validator != nil {
		if err := r.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}

	steps := make([]*schema.Step, len(def.Steps))
	for i, spec := range def.Steps {
		steps[i] = spec.Build(i, fmt.Sprintf("step_%d", i))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	created := r.now().UTC()
	id := r.uniqueIDLocked(workflowID(created, owner))
	wf := schema.NewWorkflow(id, def.Name, def.Description, owner, steps)
	wf.CreatedAt = created
	wf.Schedule = schema.CopyMap(def.Schedule)
	r.workflows[id] = wf

	r.logger.InfoContext(ctx, "workflow created",
		slog.String("workflow_id", id),
		slog.String("owner", owner),
		slog.Int("steps", len(steps)))
	return wf, nil
}

// workflowID formats wf_<YYYYMMDDHHMMSS>_<owner[:8]>.
func workflowID(t time.Time, owner string) string {
	short := owner
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("wf_%s_%s", t.Format("20060102150405"), short)
}

func (r *Registry) uniqueIDLocked(base string) string {
	if _, taken := r.workflows[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		id := fmt.Sprintf("%s_%d", base, n)
		if _, taken := r.workflows[id]; !taken {
			return id
		}
	}
}

// Resolve finds a workflow for execution: registered workflows first, then
// templates. Unknown ids yield NOT_FOUND.
func (r *Registry) Resolve(id string) (*schema.Workflow, bool, error) {
	if wf, ok := r.Lookup(id); ok {
		return wf, false, nil
	}
	if r.library != nil {
		if tpl, ok := r.library.Get(id); ok {
			return tpl, true, nil
		}
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id).
		WithDetails(map[string]any{"workflow_id": id})
}

// Lookup returns a registered custom workflow or template run.
func (r *Registry) Lookup(id string) (*schema.Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	return wf, ok
}

// Track registers a template run so its status can be polled.
func (r *Registry) Track(wf *schema.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.workflows[wf.ID]; taken {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already registered", wf.ID)
	}
	r.workflows[wf.ID] = wf
	return nil
}

// GetStatus returns a status summary for a custom workflow, a template run
// or a template (always pending). ok is false for unknown ids.
func (r *Registry) GetStatus(id string) (*schema.StatusSummary, bool) {
	wf, _, err := r.Resolve(id)
	if err != nil {
		return nil, false
	}
	return wf.Summary(), true
}

// ListWorkflows returns every template once, then custom workflows sorted
// by creation time. A non-empty owner filters custom workflows only.
// Template runs are not listed; poll them through GetStatus.
func (r *Registry) ListWorkflows(owner string) []schema.WorkflowSummary {
	var out []schema.WorkflowSummary
	if r.library != nil {
		for _, tpl := range r.library.All() {
			out = append(out, schema.WorkflowSummary{
				ID:          tpl.ID,
				Name:        tpl.Name,
				Description: tpl.Description,
				Type:        schema.WorkflowTypeTemplate,
				CreatedBy:   tpl.CreatedBy,
				Steps:       len(tpl.Steps),
			})
		}
	}

	r.mu.RLock()
	custom := make([]*schema.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		if wf.TemplateID != "" {
			continue
		}
		if owner != "" && wf.CreatedBy != owner {
			continue
		}
		custom = append(custom, wf)
	}
	r.mu.RUnlock()

	sort.Slice(custom, func(i, j int) bool {
		if custom[i].CreatedAt.Equal(custom[j].CreatedAt) {
			return custom[i].ID < custom[j].ID
		}
		return custom[i].CreatedAt.Before(custom[j].CreatedAt)
	})
	for _, wf := range custom {
		created := wf.CreatedAt
		out = append(out, schema.WorkflowSummary{
			ID:          wf.ID,
			Name:        wf.Name,
			Description: wf.Description,
			Type:        schema.WorkflowTypeCustom,
			Status:      wf.Status(),
			CreatedBy:   wf.CreatedBy,
			CreatedAt:   &created,
			Steps:       len(wf.Steps),
		})
	}
	return out
}

// Runs returns the tracked runs of a template, newest first.
func (r *Registry) Runs(templateID string) []*schema.Workflow {
	if r.library != nil {
		if tpl, ok := r.library.Get(templateID); ok {
			templateID = tpl.ID
		}
	}
	r.mu.RLock()
	var runs []*schema.Workflow
	for _, wf := range r.workflows {
		if wf.TemplateID == templateID {
			runs = append(runs, wf)
		}
	}
	r.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs
}

// SetStatus applies an external status override such as pause or cancel.
// The running engine honours it before the next step. Templates have no
// runtime status and cannot be overridden.
func (r *Registry) SetStatus(id string, status schema.WorkflowStatus) error {
	wf, ok := r.Lookup(id)
	if !ok {
		if r.library != nil && r.library.Has(id) {
			return schema.NewErrorf(schema.ErrCodeValidation, "template %s has no runtime status", id)
		}
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if err := wf.Transition(status); err != nil {
		return err
	}
	r.logger.Info("workflow status overridden",
		slog.String("workflow_id", id),
		slog.String("status", string(status)))
	return nil
}

// Delete removes a custom workflow or template run.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if wf.Status() == schema.WorkflowStatusRunning {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is running", id)
	}
	delete(r.workflows, id)
	return nil
}
