package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/botflow/pkg/schema"
)

// Registry is a thread-safe set of actions keyed by name. It is the step
// executor handed to the engine and the action lookup used by validation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		_, simulated := a.(*simulatedAction)
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: a.Schema().Description,
			Simulated:   simulated,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterNamespace bulk-registers actions under a bot namespace.
// Each action name becomes "namespace.originalName" (e.g. "slack.send_message").
func (r *Registry) RegisterNamespace(namespace string, acts []Action) (int, error) {
	if namespace == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "action namespace is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, a := range acts {
		prefixed := fmt.Sprintf("%s.%s", namespace, a.Name())
		if _, exists := r.actions[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", prefixed)
		}
		r.actions[prefixed] = &prefixedAction{inner: a, name: prefixed}
		registered++
	}
	return registered, nil
}

// RegisterSimulated registers a dry-run stand-in for every name not already
// registered and returns how many were added. Simulated actions echo their
// parameters back as the result.
func (r *Registry) RegisterSimulated(names ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, exists := r.actions[name]; exists {
			continue
		}
		r.actions[name] = &simulatedAction{name: name}
		added++
	}
	return added
}

// Has checks if an action is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

// Execute resolves the action, validates params and runs it. The output
// data is returned as the step result.
func (r *Registry) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	a, err := r.Get(action)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	out, err := a.Execute(ctx, ActionInput{Params: params})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return out.Data, nil
}

// prefixedAction wraps a namespaced action with its full name.
type prefixedAction struct {
	inner Action
	name  string
}

func (p *prefixedAction) Name() string                        { return p.name }
func (p *prefixedAction) Schema() ActionSchema                { return p.inner.Schema() }
func (p *prefixedAction) Validate(input map[string]any) error { return p.inner.Validate(input) }

func (p *prefixedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}

type simulatedAction struct {
	name string
}

func (s *simulatedAction) Name() string { return s.name }

func (s *simulatedAction) Schema() ActionSchema {
	return ActionSchema{Description: "Simulated action: returns its parameters without side effects"}
}

func (s *simulatedAction) Validate(map[string]any) error { return nil }

func (s *simulatedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{
		"action":     s.name,
		"parameters": schema.CopyMap(input.Params),
		"simulated":  true,
	}}, nil
}
