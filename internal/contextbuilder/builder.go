// Package contextbuilder assembles the history block handed to an agent invocation.
package contextbuilder

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/validation"
)

const (
	RoleValidator = "validator"

	// maxTextLen bounds a single event's text in the history block.
	maxTextLen = 4000
)

type Querier interface {
	Query(f bus.Filter) []bus.Event
}

type Cluster struct {
	ID        string
	CreatedAt time.Time
}

type Params struct {
	ID        string
	Role      string
	Iteration int
	Config    config.AgentSpec
	Bus       Querier
	Cluster   Cluster
	Trigger   *bus.Event
}

// Build renders the context for one invocation. Malformed history never fails
// the build; the affected parts are left out.
func Build(p Params) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Context\n\nYou are agent %q (role: %s) in cluster %s, iteration %d.\n",
		p.ID, p.Role, p.Cluster.ID, p.Iteration)

	if p.Trigger != nil {
		sb.WriteString("\n## Triggering Message\n\n")
		writeEvent(&sb, *p.Trigger)
	}

	if p.Bus == nil {
		return sb.String()
	}

	if history := sourceEvents(p); len(history) > 0 {
		sb.WriteString("\n## Message History\n")
		for _, ev := range history {
			sb.WriteString("\n")
			writeEvent(&sb, ev)
		}
	}

	if p.Role == RoleValidator {
		results := p.Bus.Query(bus.Filter{
			ClusterID: p.Cluster.ID,
			Topic:     bus.TopicValidationResult,
			Since:     p.Cluster.CreatedAt,
		})
		writeUnverifiable(&sb, validation.CannotValidate(results))
	}

	return sb.String()
}

func sourceEvents(p Params) []bus.Event {
	seen := make(map[int64]bool)
	var out []bus.Event
	for _, src := range p.Config.ContextStrategy.Sources {
		if src.Topic == "" {
			continue
		}
		f := bus.Filter{ClusterID: p.Cluster.ID, Sender: src.Sender, Since: p.Cluster.CreatedAt}
		if src.Topic != config.WildcardTopic {
			f.Topic = src.Topic
		}
		events := p.Bus.Query(f)
		if src.Limit > 0 && len(events) > src.Limit {
			events = events[len(events)-src.Limit:]
		}
		for _, ev := range events {
			if p.Trigger != nil && ev.ID == p.Trigger.ID {
				continue
			}
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	slices.SortFunc(out, func(a, b bus.Event) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func writeEvent(sb *strings.Builder, ev bus.Event) {
	fmt.Fprintf(sb, "### [%s] %s from %s\n", ev.Timestamp.Format(time.RFC3339), ev.Topic, ev.Sender)
	if text := strings.TrimSpace(ev.Content.Text); text != "" {
		if len(text) > maxTextLen {
			text = text[:maxTextLen] + "\n... (truncated)"
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	if len(ev.Content.Data) > 0 && ev.Content.DecodeData() != nil {
		fmt.Fprintf(sb, "```json\n%s\n```\n", ev.Content.Data)
	}
}

func writeUnverifiable(sb *strings.Builder, criteria []validation.Criterion) {
	if len(criteria) == 0 {
		return
	}
	sb.WriteString("\n## Previously Unverifiable Criteria\n\n")
	sb.WriteString("Earlier validation runs in this cluster could not verify these acceptance criteria:\n\n")
	for _, c := range criteria {
		fmt.Fprintf(sb, "- **%s**: %s\n", c.ID, c.Reason)
	}
	sb.WriteString("\nDo NOT re-attempt verification of these criteria. ")
	sb.WriteString("Report each of them again as CANNOT_VALIDATE with the same reason and spend your effort on the remaining criteria.\n")
}
