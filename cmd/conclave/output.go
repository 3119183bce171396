package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/dispatch"
)

const maxEventText = 160

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func colorState(s cluster.State) string {
	switch s {
	case cluster.StateCompleted:
		return color.GreenString(string(s))
	case cluster.StateFailed, cluster.StateKilled:
		return color.RedString(string(s))
	case cluster.StateRunning:
		return color.CyanString(string(s))
	}
	return color.YellowString(string(s))
}

// printEvent writes one event line. AGENT_OUTPUT is only shown when verbose.
func printEvent(w io.Writer, ev bus.Event, verbose bool) {
	if ev.Topic == bus.TopicAgentOutput && !verbose {
		return
	}

	text := ev.Content.Text
	if ev.Topic == bus.TopicAgentLifecycle {
		if data, ok := ev.Content.DecodeData().(map[string]any); ok {
			text = fmt.Sprint(data["event"])
			if it, ok := data["iteration"]; ok {
				text += fmt.Sprintf(" #%v", it)
			}
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > maxEventText {
		text = text[:maxEventText] + "..."
	}

	topic := ev.Topic
	switch ev.Topic {
	case bus.TopicAgentError, bus.TopicClusterFailed:
		topic = color.RedString(topic)
	case bus.TopicClusterComplete:
		topic = color.GreenString(topic)
	case bus.TopicAgentLifecycle, bus.TopicAgentOutput:
		topic = color.HiBlackString(topic)
	default:
		topic = color.CyanString(topic)
	}

	fmt.Fprintf(w, "%s %s %s %s\n",
		color.HiBlackString(ev.Timestamp.Local().Format("15:04:05")),
		topic,
		color.YellowString(ev.Sender),
		text)
}

func renderClusters(infos []cluster.Info) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "State", "Created", "Duration", "Reason"})
	for _, info := range infos {
		tw.AppendRow(table.Row{info.ID, info.Name, colorState(info.State), info.CreatedAt.Local().Format("Jan 2 15:04"), duration(info), info.Reason})
	}
	tw.Render()
}

func renderCluster(info cluster.Info) {
	fmt.Printf("ID:      %s\n", info.ID)
	fmt.Printf("Name:    %s\n", info.Name)
	fmt.Printf("State:   %s\n", colorState(info.State))
	if info.Reason != "" {
		fmt.Printf("Reason:  %s\n", info.Reason)
	}
	fmt.Printf("Created: %s (%s)\n", info.CreatedAt.Local().Format(time.RFC3339), duration(info))
	if info.Task != "" {
		fmt.Printf("Task:    %s\n", info.Task)
	}
	if len(info.Agents) == 0 {
		return
	}

	fmt.Println()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Agent", "Role", "State", "Iteration", "Queued"})
	for _, a := range info.Agents {
		tw.AppendRow(table.Row{a.ID, a.Role, agentState(a), a.Iteration, a.Queued})
	}
	tw.Render()
}

func agentState(a dispatch.AgentStatus) string {
	if a.Running {
		return color.CyanString(a.State)
	}
	if a.State == dispatch.StateError {
		return color.RedString(a.State)
	}
	return a.State
}

func duration(info cluster.Info) string {
	end := time.Now()
	if info.FinishedAt != nil {
		end = *info.FinishedAt
	}
	return end.Sub(info.CreatedAt).Round(time.Second).String()
}
