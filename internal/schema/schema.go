// Package schema checks agent results against the JSON Schema subset used in
// cluster configs: type, properties, required, enum, items,
// additionalProperties (false or a schema), minItems, maxItems and minLength.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// ValidationError lists every violation found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "schema validation failed: " + strings.Join(e.Problems, "; ")
}

// Validate returns a *ValidationError when v does not satisfy s. A nil or
// empty schema accepts everything.
func Validate(s map[string]any, v any) error {
	if len(s) == 0 {
		return nil
	}
	var problems []string
	check(s, normalize(v), "$", &problems)
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func check(s map[string]any, v any, path string, problems *[]string) {
	add := func(format string, args ...any) {
		*problems = append(*problems, path+": "+fmt.Sprintf(format, args...))
	}

	if t, ok := s["type"]; ok && !matchesType(t, v) {
		add("expected %s, got %s", typeString(t), kindOf(v))
		return
	}

	if enum, ok := s["enum"].([]any); ok {
		found := false
		for _, e := range enum {
			if reflect.DeepEqual(normalize(e), v) {
				found = true
				break
			}
		}
		if !found {
			add("value %s not in enum", compact(v))
		}
	}

	switch val := v.(type) {
	case map[string]any:
		props, _ := s["properties"].(map[string]any)
		for _, r := range asStrings(s["required"]) {
			if _, ok := val[r]; !ok {
				add("missing required property %q", r)
			}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if ps, ok := props[k].(map[string]any); ok {
				check(ps, val[k], path+"."+k, problems)
				continue
			}
			switch ap := s["additionalProperties"].(type) {
			case bool:
				if !ap {
					add("unexpected property %q", k)
				}
			case map[string]any:
				check(ap, val[k], path+"."+k, problems)
			}
		}
	case []any:
		if n, ok := toFloat(s["minItems"]); ok && float64(len(val)) < n {
			add("expected at least %v items, got %d", n, len(val))
		}
		if n, ok := toFloat(s["maxItems"]); ok && float64(len(val)) > n {
			add("expected at most %v items, got %d", n, len(val))
		}
		if items, ok := s["items"].(map[string]any); ok {
			for i, item := range val {
				check(items, item, fmt.Sprintf("%s[%d]", path, i), problems)
			}
		}
	case string:
		if n, ok := toFloat(s["minLength"]); ok && float64(len([]rune(val))) < n {
			add("expected length >= %v", n)
		}
	}
}

func matchesType(t any, v any) bool {
	switch tt := t.(type) {
	case string:
		return isType(tt, v)
	case []any:
		for _, x := range tt {
			if name, ok := x.(string); ok && isType(name, v) {
				return true
			}
		}
		return false
	}
	return true
}

func isType(name string, v any) bool {
	switch name {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	}
	return false
}

func typeString(t any) string {
	if s, ok := t.(string); ok {
		return s
	}
	return strings.Join(asStrings(t), " or ")
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}

func asStrings(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// normalize converts values decoded from YAML or built in Go to the shapes
// encoding/json produces, so numbers compare as float64.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
