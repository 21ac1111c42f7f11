package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/botflow/internal/expressions"
	"github.com/rendis/botflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	definitionSchemaURL = "https://botflow.dev/schemas/definition.json"
	packSchemaURL       = "https://botflow.dev/schemas/pack.json"
)

// stepSchemaJSON holds the shared step definitions referenced by both
// document schemas.
const stepSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://botflow.dev/schemas/step.json",
  "$defs": {
    "step": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "id": { "type": "string", "pattern": "^[A-Za-z0-9_.-]+$" },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "action": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "retry_count": { "type": "integer", "minimum": 0 },
        "timeout_seconds": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["operator"],
      "properties": {
        "field": { "type": "string" },
        "operator": { "type": "string", "minLength": 1 },
        "value": {}
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    }
  }
}`

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://botflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "steps": { "$ref": "step.json#/$defs/steps" },
    "schedule": { "type": "object" }
  },
  "additionalProperties": false
}`

const packSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://botflow.dev/schemas/pack.json",
  "type": "object",
  "required": ["pack", "templates"],
  "properties": {
    "pack": { "type": "string", "minLength": 1 },
    "templates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["key", "id", "name", "steps"],
        "properties": {
          "key": { "type": "string", "pattern": "^[a-z0-9_]+$" },
          "id": { "type": "string", "pattern": "_template$" },
          "name": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "schedule": { "type": "object" },
          "steps": { "$ref": "step.json#/$defs/steps", "minItems": 1 }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// ActionLookup reports whether an action name is known to the host.
type ActionLookup interface {
	Has(action string) bool
}

// Option configures a Validator.
type Option func(*Validator)

// WithActionLookup makes validation reject steps whose action the lookup
// does not know.
func WithActionLookup(lookup ActionLookup) Option {
	return func(v *Validator) { v.actions = lookup }
}

// Validator checks workflow definitions and template packs before they are
// registered: JSON Schema (Draft 2020-12) for shape, then structural checks
// the schema cannot express (duplicate step ids, condition operators and
// expressions, optionally action names). It is safe for concurrent use.
type Validator struct {
	definition *jsonschema.Schema
	pack       *jsonschema.Schema
	evaluator  *expressions.Evaluator
	actions    ActionLookup
}

// New creates a Validator with both document schemas pre-compiled.
// evaluator is used to check condition operators and expressions.
func New(evaluator *expressions.Evaluator, opts ...Option) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	resources := map[string]string{
		"https://botflow.dev/schemas/step.json": stepSchemaJSON,
		definitionSchemaURL:                     definitionSchemaJSON,
		packSchemaURL:                           packSchemaJSON,
	}
	for url, text := range resources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	def, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	pack, err := c.Compile(packSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pack schema: %w", err)
	}

	v := &Validator{definition: def, pack: pack, evaluator: evaluator}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ValidateDefinition checks a custom workflow definition.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	// A workflow without steps is allowed and completes immediately.
	d := *def
	if d.Steps == nil {
		d.Steps = []schema.StepSpec{}
	}
	doc, err := toJSONValue(&d)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.definition.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return v.ValidateSteps(def.Steps)
}

// ValidatePack checks a decoded template pack document (as produced by a
// YAML or JSON decoder) against the pack schema.
func (v *Validator) ValidatePack(doc any) error {
	jv, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "template pack is not JSON-compatible").WithCause(err)
	}
	if err := v.pack.Validate(jv); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateSteps runs the structural checks on a step list.
func (v *Validator) ValidateSteps(specs []schema.StepSpec) error {
	seen := make(map[string]int, len(specs))
	for i, s := range specs {
		path := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Action) == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: action is required", path)
		}
		if s.RetryCount != nil && *s.RetryCount < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: retry_count must be >= 0", path)
		}
		if s.TimeoutSeconds != nil && *s.TimeoutSeconds < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: timeout_seconds must be >= 0", path)
		}
		if s.ID != "" {
			if prev, dup := seen[s.ID]; dup {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s: duplicate step id %q (first used by steps[%d])", path, s.ID, prev)
			}
			seen[s.ID] = i
		}
		if v.actions != nil && !v.actions.Has(s.Action) {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: unknown action %q", path, s.Action).
				WithDetails(map[string]any{"action": s.Action})
		}
		if v.evaluator != nil {
			if err := v.evaluator.Validate(s.Conditions); err != nil {
				if fe, ok := err.(*schema.FlowError); ok {
					fe.Message = path + ": " + fe.Message
					return fe
				}
				return err
			}
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// listing every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors: %s",
			len(violations), strings.Join(violations, "; ")).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
