package expressions

import "context"

// Engine evaluates an expression against a workflow context.
// Three implementations back the expression condition operators:
// Expr (expr), CEL (cel) and GoJQ (jq).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Truthy reports whether an expression result lets a step run.
// Booleans are taken as is; nil, zero numbers, empty strings and empty
// collections are false; everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
