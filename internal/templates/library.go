package templates

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rendis/botflow/internal/validation"
	"github.com/rendis/botflow/pkg/schema"
	"gopkg.in/yaml.v3"
)

//go:embed packs/*.yaml
var packFS embed.FS

// Built-in packs, one per bot.
const (
	PackAssistant = "assistant"
	PackCommerce  = "commerce"
	PackNotion    = "notion"
)

// BuiltinPacks lists the embedded pack names.
func BuiltinPacks() []string {
	return []string{PackAssistant, PackCommerce, PackNotion}
}

type packDoc struct {
	Pack      string        `yaml:"pack"`
	Templates []templateDoc `yaml:"templates"`
}

type templateDoc struct {
	Key         string            `yaml:"key"`
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Schedule    map[string]any    `yaml:"schedule"`
	Steps       []schema.StepSpec `yaml:"steps"`
}

// Library is a read-only set of workflow blueprints keyed by template id.
// Blueprints returned by Get are shared; callers clone before running.
type Library struct {
	byID    map[string]*schema.Workflow
	aliases map[string]string
	packs   map[string]string
	ids     []string
}

// New loads the named built-in packs, or all of them when none are given.
// Every template is validated on load.
func New(v *validation.Validator, packs ...string) (*Library, error) {
	if len(packs) == 0 {
		packs = BuiltinPacks()
	}
	l := empty()
	for _, name := range packs {
		data, err := packFS.ReadFile(path.Join("packs", name+".yaml"))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown template pack %q", name).WithCause(err)
		}
		if err := l.AddYAML(v, data); err != nil {
			return nil, fmt.Errorf("load pack %s: %w", name, err)
		}
	}
	return l, nil
}

func empty() *Library {
	return &Library{
		byID:    make(map[string]*schema.Workflow),
		aliases: make(map[string]string),
		packs:   make(map[string]string),
	}
}

// AddYAML validates a pack document and adds its templates. Hosts use it to
// ship their own packs next to the built-in ones. Ids must not collide with
// templates already loaded.
func (l *Library) AddYAML(v *validation.Validator, data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "template pack is not valid YAML").WithCause(err)
	}
	if v != nil {
		if err := v.ValidatePack(raw); err != nil {
			return err
		}
	}

	var doc packDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "decode template pack").WithCause(err)
	}

	for _, t := range doc.Templates {
		if v != nil {
			if err := v.ValidateSteps(t.Steps); err != nil {
				return fmt.Errorf("template %s: %w", t.ID, err)
			}
		}
		if _, dup := l.byID[t.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "template %s already loaded from pack %s", t.ID, l.packs[t.ID])
		}
		if _, dup := l.aliases[t.Key]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "template key %s already loaded", t.Key)
		}

		wf := schema.NewWorkflow(t.ID, t.Name, t.Description, schema.SystemOwner, buildSteps(t.Steps))
		wf.Schedule = t.Schedule
		l.byID[t.ID] = wf
		l.aliases[t.Key] = t.ID
		l.packs[t.ID] = doc.Pack
		l.ids = append(l.ids, t.ID)
	}
	sort.Strings(l.ids)
	return nil
}

func buildSteps(specs []schema.StepSpec) []*schema.Step {
	steps := make([]*schema.Step, len(specs))
	for i, s := range specs {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i)
		}
		steps[i] = s.Build(i, id)
	}
	return steps
}

// Get returns the blueprint for a full template id ("product_launch_template")
// or its short key ("product_launch").
func (l *Library) Get(id string) (*schema.Workflow, bool) {
	if wf, ok := l.byID[id]; ok {
		return wf, true
	}
	if full, ok := l.aliases[id]; ok {
		return l.byID[full], true
	}
	return nil, false
}

// Has reports whether id names a template.
func (l *Library) Has(id string) bool {
	_, ok := l.Get(id)
	return ok
}

// IDs returns every template id in sorted order.
func (l *Library) IDs() []string {
	return append([]string(nil), l.ids...)
}

// All returns every blueprint in id order.
func (l *Library) All() []*schema.Workflow {
	out := make([]*schema.Workflow, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.byID[id])
	}
	return out
}

// Pack returns the pack a template was loaded from.
func (l *Library) Pack(id string) string {
	if full, ok := l.aliases[id]; ok {
		id = full
	}
	return l.packs[id]
}

// Key returns the short key for a template id.
func (l *Library) Key(id string) string {
	for k, full := range l.aliases {
		if full == id {
			return k
		}
	}
	return strings.TrimSuffix(id, "_template")
}

// Actions returns the distinct action names used by the loaded templates,
// sorted. Hosts use it to check which bot actions they still need to provide.
func (l *Library) Actions() []string {
	seen := make(map[string]struct{})
	for _, wf := range l.byID {
		for _, s := range wf.Steps {
			seen[s.Action] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
