// Package template resolves {{...}} references in agent prompts and hook configs.
//
// A reference is a dot path. Its first segment names either a binding
// (result, cluster, agent, iteration, message) or a topic; a topic resolves to
// the triggering event when it matches, else to the most recent event with
// that topic. Unresolved references stay in the output verbatim and are
// reported so callers can log them.
package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/mtzanidakis/conclave/internal/bus"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

type Resolver struct {
	// Events is the cluster history in append order.
	Events []bus.Event
	// Trigger is the event that started the current action, if any.
	Trigger *bus.Event
	// Bindings take precedence over topic names.
	Bindings map[string]any
}

// String interpolates every reference in s. Non-string values are JSON encoded.
func (r *Resolver) String(s string) (string, []string) {
	var unresolved []string
	out := placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		ref := placeholderRe.FindStringSubmatch(tok)[1]
		v, ok := r.Lookup(ref)
		if !ok {
			unresolved = append(unresolved, ref)
			return tok
		}
		return render(v)
	})
	return out, unresolved
}

// Value resolves references inside a decoded config value. A string that is
// exactly one reference is replaced by the raw value, so objects stay objects.
func (r *Resolver) Value(v any) (any, []string) {
	var unresolved []string
	var walk func(any) any
	walk = func(v any) any {
		switch t := v.(type) {
		case string:
			if m := placeholderRe.FindStringSubmatch(strings.TrimSpace(t)); m != nil && m[0] == strings.TrimSpace(t) {
				if val, ok := r.Lookup(m[1]); ok {
					return val
				}
				unresolved = append(unresolved, m[1])
				return t
			}
			s, u := r.String(t)
			unresolved = append(unresolved, u...)
			return s
		case map[string]any:
			out := make(map[string]any, len(t))
			for k, val := range t {
				out[k] = walk(val)
			}
			return out
		case []any:
			out := make([]any, len(t))
			for i, val := range t {
				out[i] = walk(val)
			}
			return out
		default:
			return v
		}
	}
	return walk(v), unresolved
}

// Lookup resolves one dot path.
func (r *Resolver) Lookup(ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	root, rest := parts[0], parts[1:]

	if v, ok := r.Bindings[root]; ok {
		return walkPath(normalize(v), rest)
	}

	ev := r.event(root)
	if ev == nil {
		return nil, false
	}
	return walkPath(ev.Tree(), rest)
}

func (r *Resolver) event(topic string) *bus.Event {
	if r.Trigger != nil && r.Trigger.Topic == topic {
		return r.Trigger
	}
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Topic == topic {
			return &r.Events[i]
		}
	}
	return nil
}

func walkPath(v any, path []string) (any, bool) {
	cur := v
	for i, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		case string:
			// content.data may hold a JSON document encoded as a string.
			obj, ok := decodeJSON(node)
			if !ok {
				return nil, false
			}
			return walkPath(obj, path[i:])
		default:
			return nil, false
		}
	}
	return cur, true
}

func decodeJSON(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// normalize turns typed bindings into generic JSON values so paths can walk them.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any:
		return v
	}
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

func render(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
