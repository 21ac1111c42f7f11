package expressions

import (
	"context"
	"encoding/json"
	"reflect"
	"strings"

	"github.com/rendis/botflow/pkg/schema"
)

// Evaluator decides whether a step's conditions hold for a context.
// It is safe for concurrent use.
type Evaluator struct {
	engines     map[schema.Operator]Engine
	passUnknown bool
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithUnknownOperatorPassThrough makes unrecognised operators evaluate as
// satisfied instead of failing with UNKNOWN_OPERATOR.
func WithUnknownOperatorPassThrough() EvaluatorOption {
	return func(e *Evaluator) { e.passUnknown = true }
}

// NewEvaluator creates an Evaluator with the expr, cel and jq operators wired.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		engines: map[schema.Operator]Engine{
			schema.OpExpr: NewExprEngine(),
			schema.OpCEL:  celEngine,
			schema.OpJQ:   NewGoJQEngine(),
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ConditionsMet reports whether every condition holds. An empty list always
// holds; evaluation stops at the first failing predicate.
func (e *Evaluator) ConditionsMet(ctx context.Context, conditions []schema.Condition, data map[string]any) (bool, error) {
	for _, c := range conditions {
		ok, err := e.check(ctx, c, data)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) check(ctx context.Context, c schema.Condition, data map[string]any) (bool, error) {
	actual, present := data[c.Field]
	switch c.Operator {
	case schema.OpEquals:
		return looseEqual(actual, c.Value), nil
	case schema.OpNotEquals:
		return !looseEqual(actual, c.Value), nil
	case schema.OpContains:
		var hay string
		if present && actual != nil {
			hay = Stringify(actual)
		}
		return strings.Contains(hay, Stringify(c.Value)), nil
	case schema.OpExists:
		return present && actual != nil, nil
	}

	if eng, ok := e.engines[c.Operator]; ok {
		exprText, _ := c.Value.(string)
		out, err := eng.Evaluate(ctx, exprText, data)
		if err != nil {
			return false, err
		}
		return Truthy(out), nil
	}

	if e.passUnknown {
		return true, nil
	}
	return false, unknownOperator(c.Operator)
}

// Validate checks operators and pre-compiles expression conditions so
// definition mistakes surface before a run starts.
func (e *Evaluator) Validate(conditions []schema.Condition) error {
	for _, c := range conditions {
		if err := ValidateOperator(c.Operator); err != nil {
			if e.passUnknown {
				continue
			}
			return err
		}
		switch c.Operator {
		case schema.OpExpr, schema.OpCEL, schema.OpJQ:
			exprText, ok := c.Value.(string)
			if !ok || exprText == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s condition needs a non-empty string expression as value", c.Operator)
			}
			if err := e.compile(c.Operator, exprText); err != nil {
				return err
			}
		default:
			if c.Field == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "%s condition needs a field", c.Operator)
			}
		}
	}
	return nil
}

func (e *Evaluator) compile(op schema.Operator, exprText string) error {
	var err error
	switch eng := e.engines[op].(type) {
	case *ExprEngine:
		_, err = eng.Compile(exprText)
	case *CELEngine:
		_, err = eng.Compile(exprText)
	case *GoJQEngine:
		_, err = eng.Compile(exprText)
	}
	return err
}

// KnownOperators lists every supported condition operator.
var KnownOperators = []schema.Operator{
	schema.OpEquals, schema.OpNotEquals, schema.OpContains, schema.OpExists,
	schema.OpExpr, schema.OpCEL, schema.OpJQ,
}

// ValidateOperator returns an UNKNOWN_OPERATOR error for unsupported operators.
func ValidateOperator(op schema.Operator) error {
	for _, k := range KnownOperators {
		if op == k {
			return nil
		}
	}
	return unknownOperator(op)
}

func unknownOperator(op schema.Operator) error {
	known := make([]string, len(KnownOperators))
	for i, k := range KnownOperators {
		known[i] = string(k)
	}
	return schema.NewErrorf(schema.ErrCodeUnknownOperator,
		"unknown condition operator %q; supported: %s", op, strings.Join(known, ", ")).
		WithDetails(map[string]any{"operator": string(op)})
}

// looseEqual compares numbers by value across int and float kinds and
// everything else structurally.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
