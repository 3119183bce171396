package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
)

func validationEvent(data string) bus.Event {
	return bus.Event{
		ID:        3,
		ClusterID: "c1",
		Topic:     bus.TopicValidationResult,
		Sender:    "validator",
		Timestamp: time.Date(2026, 1, 1, 10, 0, 5, 0, time.UTC),
		Content:   bus.Content{Text: "validation done", Data: json.RawMessage(data)},
	}
}

func report(events ...bus.Event) Report {
	created := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	finished := created.Add(90 * time.Second)
	return Report{
		ID:         "c1",
		Name:       "fix-login",
		State:      "completed",
		Reason:     "all criteria passed",
		Task:       "Fix the login bug",
		CreatedAt:  created,
		FinishedAt: &finished,
		Agents: []config.AgentSpec{{
			ID:       "validator",
			Role:     "validator",
			Provider: "claude",
			Triggers: []config.Trigger{{Topic: "IMPLEMENTATION_READY", Action: config.ActionExecuteTask}},
		}},
		Events: events,
	}
}

func TestMarkdownCannotValidate(t *testing.T) {
	md := Markdown(report(validationEvent(`{"approved":true,"criteriaResults":[
		{"id":"AC1","status":"PASS"},
		{"id":"AC2","status":"CANNOT_VALIDATE","reason":"kubectl not installed"},
		{"id":"AC3","status":"CANNOT_VALIDATE","reason":"no cluster access"}
	]}`)))

	for _, want := range []string{
		"Could Not Validate",
		"2 criteria",
		"**AC2**: kubectl not installed",
		"**AC3**: no cluster access",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("expected %q in report:\n%s", want, md)
		}
	}
}

func TestMarkdownNoCannotValidateSection(t *testing.T) {
	md := Markdown(report(validationEvent(`{"approved":true,"criteriaResults":[
		{"id":"AC1","status":"PASS"},
		{"id":"AC2","status":"PASS"}
	]}`)))
	if strings.Contains(md, "Could Not Validate") {
		t.Errorf("expected no warning section when all criteria pass:\n%s", md)
	}
	if !strings.Contains(md, "✅ approved") {
		t.Errorf("expected approved verdict:\n%s", md)
	}
}

func TestMarkdownMissingReason(t *testing.T) {
	md := Markdown(report(validationEvent(`{"approved":false,"criteriaResults":[
		{"id":"AC1","status":"CANNOT_VALIDATE"}
	]}`)))
	if !strings.Contains(md, "**AC1**: No reason provided") {
		t.Errorf("expected default reason:\n%s", md)
	}
	if !strings.Contains(md, "1 criteria") {
		t.Errorf("expected criteria count:\n%s", md)
	}
}

func TestMarkdownHeader(t *testing.T) {
	out := bus.Event{ID: 2, Topic: bus.TopicAgentOutput, Sender: "worker", Content: bus.Content{Text: "noise"}}
	md := Markdown(report(out))

	for _, want := range []string{
		"# Cluster fix-login",
		"**State**: completed",
		"**Reason**: all criteria passed",
		"**Duration**: 1m30s",
		"## Task\n\nFix the login bug",
		"| validator | validator | claude |  | IMPLEMENTATION_READY |",
		"1 agent output lines omitted",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("expected %q in report:\n%s", want, md)
		}
	}
	if strings.Contains(md, "noise") {
		t.Error("expected agent output to be left out of the timeline")
	}
}

func TestMarkdownTaskFromIntake(t *testing.T) {
	r := report(bus.Event{ID: 1, Topic: bus.TopicIssueOpened, Sender: bus.SenderSystem, Content: bus.Content{Text: "from intake"}})
	r.Task = ""
	if md := Markdown(r); !strings.Contains(md, "## Task\n\nfrom intake") {
		t.Errorf("expected task taken from ISSUE_OPENED:\n%s", md)
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	events := []bus.Event{
		{ID: 1, ClusterID: "c1", Topic: bus.TopicIssueOpened, Sender: bus.SenderSystem, Content: bus.Content{Text: "Fix the login bug"}},
		validationEvent(`{"approved":true,"criteriaResults":[]}`),
	}

	var buf bytes.Buffer
	if err := Archive(&buf, report(events...)); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, md, err := ReadArchive(&buf)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].Topic != bus.TopicValidationResult || got[1].ID != 3 {
		t.Errorf("unexpected event %+v", got[1])
	}
	if !strings.Contains(md, "# Cluster fix-login") {
		t.Errorf("expected report in archive, got %q", md)
	}
}

func TestReadArchiveInvalid(t *testing.T) {
	if _, _, err := ReadArchive(strings.NewReader("not an archive")); err == nil {
		t.Fatal("expected error for invalid archive")
	}
}
