// Package export renders finished clusters as Markdown reports and archives.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/validation"
)

// maxTimelineText bounds the event text shown per timeline entry.
const maxTimelineText = 200

type Report struct {
	ID         string
	Name       string
	State      string
	Reason     string
	Task       string
	CreatedAt  time.Time
	FinishedAt *time.Time
	Agents     []config.AgentSpec
	Events     []bus.Event
}

func (r Report) title() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

// Markdown renders the report. CANNOT_VALIDATE criteria are listed as
// warnings, never as failures.
func Markdown(r Report) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Cluster %s\n\n", r.title())
	fmt.Fprintf(&sb, "- **ID**: %s\n", r.ID)
	fmt.Fprintf(&sb, "- **State**: %s\n", r.State)
	if r.Reason != "" {
		fmt.Fprintf(&sb, "- **Reason**: %s\n", r.Reason)
	}
	if !r.CreatedAt.IsZero() {
		fmt.Fprintf(&sb, "- **Created**: %s\n", r.CreatedAt.Format(time.RFC3339))
		if r.FinishedAt != nil {
			fmt.Fprintf(&sb, "- **Duration**: %s\n", r.FinishedAt.Sub(r.CreatedAt).Round(time.Second))
		}
	}
	fmt.Fprintf(&sb, "- **Events**: %d\n", len(r.Events))

	if task := r.task(); task != "" {
		fmt.Fprintf(&sb, "\n## Task\n\n%s\n", task)
	}

	if len(r.Agents) > 0 {
		sb.WriteString("\n## Agents\n\n| ID | Role | Provider | Model | Triggers |\n|---|---|---|---|---|\n")
		for _, a := range r.Agents {
			topics := make([]string, 0, len(a.Triggers))
			for _, t := range a.Triggers {
				topics = append(topics, t.Topic)
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n", a.ID, a.Role, a.Provider, a.Model, strings.Join(topics, ", "))
		}
	}

	var results []bus.Event
	for _, ev := range r.Events {
		if ev.Topic == bus.TopicValidationResult {
			results = append(results, ev)
		}
	}
	writeValidation(&sb, results)

	if skipped := validation.CannotValidate(results); len(skipped) > 0 {
		fmt.Fprintf(&sb, "\n## ⚠️ Could Not Validate (%d criteria)\n\n", len(skipped))
		sb.WriteString("These criteria could not be verified in the validation environment and need a manual check.\n\n")
		for _, c := range skipped {
			fmt.Fprintf(&sb, "- **%s**: %s\n", c.ID, c.Reason)
		}
	}

	writeTimeline(&sb, r.Events)
	return sb.String()
}

func (r Report) task() string {
	if r.Task != "" {
		return r.Task
	}
	for _, ev := range r.Events {
		if ev.Topic == bus.TopicIssueOpened {
			return ev.Content.Text
		}
	}
	return ""
}

func writeValidation(sb *strings.Builder, events []bus.Event) {
	if len(events) == 0 {
		return
	}
	sb.WriteString("\n## Validation\n")
	for _, ev := range events {
		res, ok := validation.Parse(ev)
		if !ok {
			continue
		}
		verdict := "❌ rejected"
		if res.Approved {
			verdict = "✅ approved"
		}
		fmt.Fprintf(sb, "\n### %s: %s\n\n", ev.Sender, verdict)
		if res.Summary != "" {
			fmt.Fprintf(sb, "%s\n\n", res.Summary)
		}
		for _, c := range res.CriteriaResults {
			fmt.Fprintf(sb, "- %s **%s** %s\n", statusIcon(c.Status), c.ID, c.Status)
		}
	}
}

func statusIcon(status string) string {
	switch status {
	case validation.StatusPass:
		return "✅"
	case validation.StatusCannotValidate:
		return "⚠️"
	}
	return "❌"
}

func writeTimeline(sb *strings.Builder, events []bus.Event) {
	var outputLines int
	sb.WriteString("\n## Timeline\n\n")
	for _, ev := range events {
		if ev.Topic == bus.TopicAgentOutput {
			outputLines++
			continue
		}
		text := strings.Join(strings.Fields(ev.Content.Text), " ")
		if len(text) > maxTimelineText {
			text = text[:maxTimelineText] + "..."
		}
		fmt.Fprintf(sb, "- `%s` **%s** from %s", ev.Timestamp.Format("15:04:05"), ev.Topic, ev.Sender)
		if text != "" {
			fmt.Fprintf(sb, ": %s", text)
		}
		sb.WriteString("\n")
	}
	if outputLines > 0 {
		fmt.Fprintf(sb, "\n%d agent output lines omitted.\n", outputLines)
	}
}
