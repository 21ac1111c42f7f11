package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderPattern matches {key} and {a.b.c}; braces do not nest.
var placeholderPattern = regexp.MustCompile(`\{([^{}]+?)\}`)

// Substitute replaces {key} and {a.b.c} placeholders in value with entries
// from data. Strings are rewritten, maps and slices are walked recursively,
// anything else is returned unchanged. Placeholders that cannot be resolved
// are left as written. The input is never modified.
func Substitute(value any, data map[string]any) any {
	switch v := value.(type) {
	case string:
		return SubstituteString(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Substitute(item, data)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Substitute(item, data)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = SubstituteString(item, data)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = SubstituteParams(item, data)
		}
		return out
	default:
		return value
	}
}

// SubstituteParams is Substitute specialised to a parameter map.
func SubstituteParams(params map[string]any, data map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return Substitute(params, data).(map[string]any)
}

// SubstituteString rewrites every placeholder in s.
func SubstituteString(s string, data map[string]any) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[1 : len(match)-1]
		val, ok := Lookup(data, key)
		if !ok {
			return match
		}
		return Stringify(val)
	})
}

// Lookup resolves a plain or dotted key against data. Dotted keys walk
// nested maps; a non-map intermediate or a missing key reports false.
func Lookup(data map[string]any, key string) (any, bool) {
	if !strings.Contains(key, ".") {
		v, ok := data[key]
		return v, ok
	}
	var cur any = data
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// Stringify renders a context value for inlining into a string.
// Scalars use their plain form; maps and slices are rendered as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any, []string, []map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
