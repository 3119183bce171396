package template

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/mtzanidakis/conclave/internal/bus"
)

func event(id int64, topic, sender, text, data string) bus.Event {
	ev := bus.Event{ID: id, ClusterID: "c1", Topic: topic, Sender: sender, Content: bus.Content{Text: text}}
	if data != "" {
		ev.Content.Data = json.RawMessage(data)
	}
	return ev
}

func TestStringResolvesTopicPaths(t *testing.T) {
	r := &Resolver{Events: []bus.Event{
		event(1, "ISSUE_OPENED", "system", "Fix login", `{"issue":{"number":42,"labels":["bug","auth"]}}`),
		event(2, "PLAN_READY", "planner", "Plan v1", `{"steps":3}`),
		event(3, "PLAN_READY", "planner", "Plan v2", `{"steps":5}`),
	}}

	got, unresolved := r.String("Task: {{ISSUE_OPENED.content.text}} #{{ISSUE_OPENED.content.data.issue.number}} [{{ISSUE_OPENED.content.data.issue.labels.1}}] steps={{PLAN_READY.content.data.steps}} by {{ PLAN_READY.sender }}")
	want := "Task: Fix login #42 [auth] steps=5 by planner"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if len(unresolved) != 0 {
		t.Errorf("expected no unresolved refs, got %v", unresolved)
	}
}

func TestTriggerPreferredOverLatest(t *testing.T) {
	first := event(1, "WORKER_DONE", "worker-a", "from a", "")
	r := &Resolver{
		Events:  []bus.Event{first, event(2, "WORKER_DONE", "worker-b", "from b", "")},
		Trigger: &first,
	}

	got, _ := r.String("{{WORKER_DONE.content.text}}")
	if got != "from a" {
		t.Errorf("expected triggering event text, got %q", got)
	}
}

func TestUnresolvedLeftInPlace(t *testing.T) {
	r := &Resolver{Events: []bus.Event{event(1, "ISSUE_OPENED", "system", "x", "")}}

	got, unresolved := r.String("a={{MISSING.content.text}} b={{ISSUE_OPENED.content.data.nope}}")
	if got != "a={{MISSING.content.text}} b={{ISSUE_OPENED.content.data.nope}}" {
		t.Errorf("expected placeholders kept, got %q", got)
	}
	want := []string{"MISSING.content.text", "ISSUE_OPENED.content.data.nope"}
	if !reflect.DeepEqual(unresolved, want) {
		t.Errorf("expected unresolved %v, got %v", want, unresolved)
	}
}

func TestBindings(t *testing.T) {
	r := &Resolver{Bindings: map[string]any{
		"result":    map[string]any{"complexity": "SIMPLE", "files": []any{"a.go"}},
		"iteration": 3,
		"cluster":   map[string]any{"id": "c1"},
	}}

	got, _ := r.String("{{cluster.id}}#{{iteration}}: {{result.complexity}} {{result}}")
	want := `c1#3: SIMPLE {"complexity":"SIMPLE","files":["a.go"]}`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBindingShadowsTopic(t *testing.T) {
	r := &Resolver{
		Events:   []bus.Event{event(1, "result", "x", "topic text", "")},
		Bindings: map[string]any{"result": map[string]any{"content": map[string]any{"text": "bound"}}},
	}
	got, _ := r.String("{{result.content.text}}")
	if got != "bound" {
		t.Errorf("expected binding to win, got %q", got)
	}
}

func TestValueKeepsObjects(t *testing.T) {
	result := map[string]any{"complexity": "TRIVIAL", "reasoning": "typo"}
	r := &Resolver{Bindings: map[string]any{"result": result}}

	cfg := map[string]any{
		"topic": "CLASSIFICATION_DONE",
		"content": map[string]any{
			"text": "Classified as {{result.complexity}}",
			"data": map[string]any{"result": "{{result}}", "tags": []any{"{{result.complexity}}", 7}},
		},
	}

	got, unresolved := r.Value(cfg)
	if len(unresolved) != 0 {
		t.Fatalf("unexpected unresolved %v", unresolved)
	}
	m := got.(map[string]any)
	content := m["content"].(map[string]any)
	if content["text"] != "Classified as TRIVIAL" {
		t.Errorf("unexpected text %v", content["text"])
	}
	data := content["data"].(map[string]any)
	if !reflect.DeepEqual(data["result"], result) {
		t.Errorf("expected raw result object, got %#v", data["result"])
	}
	if !reflect.DeepEqual(data["tags"], []any{"TRIVIAL", 7}) {
		t.Errorf("unexpected tags %v", data["tags"])
	}

	// The input config is not modified.
	if cfg["content"].(map[string]any)["text"] != "Classified as {{result.complexity}}" {
		t.Error("input config was mutated")
	}
}

func TestLookupIntoStringEncodedData(t *testing.T) {
	r := &Resolver{Events: []bus.Event{
		event(1, "RAW", "w", "", `{"payload":"{\"inner\":{\"ok\":true}}"}`),
	}}
	v, ok := r.Lookup("RAW.content.data.payload.inner.ok")
	if !ok || v != true {
		t.Errorf("expected true through string-encoded json, got %v (%v)", v, ok)
	}
}

func TestTypedBindingNormalized(t *testing.T) {
	type agent struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	}
	r := &Resolver{Bindings: map[string]any{"agent": agent{ID: "validator", Role: "validator"}}}
	got, unresolved := r.String("{{agent.id}}/{{agent.role}}")
	if got != "validator/validator" || len(unresolved) != 0 {
		t.Errorf("expected struct binding resolved, got %q %v", got, unresolved)
	}
}
