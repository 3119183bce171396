package extract

import (
	"reflect"
	"strings"
	"testing"
)

func lines(l ...string) string { return strings.Join(l, "\n") }

var approved = map[string]any{"approved": true, "summary": "ok", "errors": []any{}}

func TestGeminiPrefixedLines(t *testing.T) {
	out := lines(
		`validator       | {"type":"init","timestamp":"2026-01-12T00:00:00.000Z","session_id":"x","model":"auto"}`,
		`validator       | {"type":"message","timestamp":"2026-01-12T00:00:01.000Z","role":"assistant","content":"{\"approved\":true,\"summary\":\"ok\",\"errors\":[]}","delta":true}`,
		`validator       | {"type":"result","timestamp":"2026-01-12T00:00:02.000Z","status":"success","stats":{"total_tokens":1}}`,
	)

	got := Extract(out, "google")
	if !reflect.DeepEqual(got, approved) {
		t.Errorf("expected %v, got %v", approved, got)
	}
}

func TestGeminiTimestampPrefixedLines(t *testing.T) {
	out := lines(
		`[1700000000000]validator | {"type":"message","role":"assistant","content":"{\"approved\":true,\"summary\":\"ok\",\"errors\":[]}","delta":true}`,
		`[1700000000001]validator | {"type":"result","status":"success","stats":{"total_tokens":1}}`,
	)

	got := Extract(out, "gemini")
	if !reflect.DeepEqual(got, approved) {
		t.Errorf("expected %v, got %v", approved, got)
	}
}

func TestGeminiDeltaChunksThenComplete(t *testing.T) {
	out := lines(
		`validator | {"type":"message","role":"assistant","content":"{\"approved\":tr","delta":true}`,
		`validator | {"type":"message","role":"assistant","content":"ue,\"summary\":\"partial\"","delta":true}`,
		`validator | {"type":"message","role":"assistant","content":"{\"approved\":true,\"summary\":\"ok\",\"errors\":[]}","delta":false}`,
	)

	got := Extract(out, "google")
	if !reflect.DeepEqual(got, approved) {
		t.Errorf("expected complete message to win, got %v", got)
	}
}

func TestGeminiDeltaConcatenation(t *testing.T) {
	out := lines(
		`{"type":"message","role":"assistant","content":"Let me check.","delta":true}`,
		`{"type":"message","role":"assistant","content":"{\"approved\":true,","delta":true}`,
		`{"type":"message","role":"assistant","content":"\"summary\":\"ok\",","delta":true}`,
		`{"type":"message","role":"assistant","content":"\"errors\":[]}","delta":true}`,
	)

	got := Extract(out, "google")
	if !reflect.DeepEqual(got, approved) {
		t.Errorf("expected concatenated deltas to parse, got %v", got)
	}
}

func TestGeminiDeltaNestedObjects(t *testing.T) {
	out := lines(
		`{"type":"message","role":"assistant","content":"{\"approved\":true,\"criteriaResults\":[","delta":true}`,
		`{"type":"message","role":"assistant","content":"{\"id\":\"AC1\",","delta":true}`,
		`{"type":"message","role":"assistant","content":"\"status\":\"PASS\"}]}","delta":true}`,
	)

	want := map[string]any{
		"approved":        true,
		"criteriaResults": []any{map[string]any{"id": "AC1", "status": "PASS"}},
	}
	got := Extract(out, "google")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected nested chunks to be concatenated, got %v", got)
	}
}

func TestGeminiPartialMessageThenDeltas(t *testing.T) {
	out := lines(
		`{"type":"message","role":"assistant","content":"{\"approved\":true,","delta":false}`,
		`{"type":"message","role":"assistant","content":"\"summary\":\"ok\",\"errors\":[]}","delta":true}`,
	)

	got := Extract(out, "google")
	if !reflect.DeepEqual(got, approved) {
		t.Errorf("expected deltas to extend the partial message, got %v", got)
	}
}

func TestGeminiDeltaStrayBraceInProse(t *testing.T) {
	out := lines(
		`{"type":"message","role":"assistant","content":"Checking the { handling. ","delta":true}`,
		`{"type":"message","role":"assistant","content":"{\"approved\":true,","delta":true}`,
		`{"type":"message","role":"assistant","content":"\"summary\":\"ok\",\"errors\":[]}","delta":true}`,
	)

	got := Extract(out, "google")
	if !reflect.DeepEqual(got, approved) {
		t.Errorf("expected object after stray brace to parse, got %v", got)
	}
}

func TestOpencodePrefixedLines(t *testing.T) {
	out := lines(
		`investigator | {"type":"text","part":{"type":"text","text":"{\"foo\":\"bar\"}"}}`,
		`investigator | {"type":"step_finish","part":{"type":"step-finish","tokens":{"input":1,"output":1}}}`,
	)

	got := Extract(out, "opencode")
	if !reflect.DeepEqual(got, map[string]any{"foo": "bar"}) {
		t.Errorf("expected {foo:bar}, got %v", got)
	}
}

func TestOpencodeSkipsProse(t *testing.T) {
	out := lines(
		`[1700000000000]investigator | {"type":"text","part":{"type":"text","text":"Working..."}}`,
		`[1700000000001]investigator | {"type":"text","part":{"type":"text","text":"{\"foo\":\"bar\"}"}}`,
		`[1700000000002]investigator | {"type":"text","part":{"type":"text","text":"Done."}}`,
	)

	got := Extract(out, "opencode")
	if !reflect.DeepEqual(got, map[string]any{"foo": "bar"}) {
		t.Errorf("expected {foo:bar}, got %v", got)
	}
}

func TestClaudeResultEnvelope(t *testing.T) {
	out := lines(
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"{\"draft\":true}"}]}}`,
		`{"type":"result","subtype":"success","result":"{\"complexity\":\"SIMPLE\",\"reasoning\":\"small\"}"}`,
	)

	got := Extract(out, "claude")
	want := map[string]any{"complexity": "SIMPLE", "reasoning": "small"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestClaudeStructuredOutput(t *testing.T) {
	out := `{"type":"result","result":"prose answer","structured_output":{"approved":false}}`

	got := Extract(out, "anthropic")
	if !reflect.DeepEqual(got, map[string]any{"approved": false}) {
		t.Errorf("expected structured output, got %v", got)
	}
}

func TestClaudeFencedResult(t *testing.T) {
	out := "{\"type\":\"result\",\"result\":\"```json\\n{\\\"ok\\\":1}\\n```\"}"

	got := Extract(out, "claude")
	if !reflect.DeepEqual(got, map[string]any{"ok": float64(1)}) {
		t.Errorf("expected fenced json to parse, got %v", got)
	}
}

func TestMalformedLinesDoNotAbortScan(t *testing.T) {
	out := lines(
		`{"type":"text","part":{"type":"text","text":"{\"a\":1}"}}`,
		`{"type":"text","part":{"type":"te`,
		`not json at all`,
		`{"type":"text","part":{"type":"text","text":"{\"truncated\":"}}`,
		`{"type":"text","part":{"type":"text","text":"{\"b\":2}"}}`,
	)

	got := Extract(out, "opencode")
	if !reflect.DeepEqual(got, map[string]any{"b": float64(2)}) {
		t.Errorf("expected last parseable object, got %v", got)
	}
}

func TestNoResult(t *testing.T) {
	for _, out := range []string{
		"",
		"plain text\nmore text",
		`{"type":"message","role":"user","content":"{\"x\":1}"}`,
		`{"type":"text","part":{"type":"text","text":"[1,2,3]"}}`,
	} {
		if got := Extract(out, "google"); got != nil {
			t.Errorf("expected nil for %q, got %v", out, got)
		}
	}
}

func TestUnknownProviderFallback(t *testing.T) {
	out := lines(
		`worker | starting`,
		`worker | {"type":"progress","pct":50}`,
		`worker | {"status":"done","files":["a.go"]}`,
	)

	got := Extract(out, "custom-cli")
	want := map[string]any{"status": "done", "files": []any{"a.go"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStripPrefix(t *testing.T) {
	cases := map[string]string{
		`validator       | {"a":1}`:          `{"a":1}`,
		`[1700000000000]validator | {"a":1}`: `{"a":1}`,
		`[1700000000000]{"a":1}`:            `{"a":1}`,
		`{"a":1}`:                           `{"a":1}`,
		`code-reviewer.2| {"a":1}`:          `{"a":1}`,
	}
	for in, want := range cases {
		if got := StripPrefix(in); got != want {
			t.Errorf("StripPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

type upperAdapter struct{}

func (upperAdapter) Name() string                 { return "upper" }
func (upperAdapter) Matches(provider string) bool { return provider == "upper" }
func (upperAdapter) Candidate(env Envelope) (Candidate, bool) {
	text, ok := env["OUT"].(string)
	return Candidate{Text: text}, ok
}

func TestRegisterAdapter(t *testing.T) {
	Register(upperAdapter{})

	if AdapterFor("UPPER").Name() != "upper" {
		t.Fatal("expected registered adapter to match case-insensitively")
	}
	got := Extract(`{"OUT":"{\"x\":\"y\"}"}`, "upper")
	if !reflect.DeepEqual(got, map[string]any{"x": "y"}) {
		t.Errorf("expected {x:y}, got %v", got)
	}
	if AdapterFor("opencode").Name() != "opencode" {
		t.Error("expected built-in adapters still reachable")
	}
}
