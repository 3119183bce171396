package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
)

// producerSystem marks topics the orchestrator itself publishes.
const producerSystem = "system"

// Topology describes which agents publish and consume which topics.
type Topology struct {
	Producers map[string][]string // topic -> agent ids (or "system")
	Consumers map[string][]string // topic -> agent ids
	// Stages groups agents by the earliest step after intake at which they can run.
	Stages [][]string
	// Unreachable agents have no trigger that any producer can satisfy.
	Unreachable []string
	// Dynamic is set when some published topic is templated and cannot be known.
	Dynamic  bool
	Warnings []string
}

// BuildTopology analyses agent triggers and outputs. It never fails; problems
// are reported as warnings because agents may publish topics at runtime that
// their config does not declare.
func BuildTopology(agents []config.AgentSpec) *Topology {
	t := &Topology{
		Producers: make(map[string][]string),
		Consumers: make(map[string][]string),
	}

	t.addProducer(bus.TopicIssueOpened, producerSystem)
	for _, a := range agents {
		// Every registered agent announces itself.
		t.addProducer(bus.TopicAgentLifecycle, a.ID)

		for _, tr := range a.Triggers {
			t.Consumers[tr.Topic] = append(t.Consumers[tr.Topic], a.ID)
			for _, topic := range t.outputs(a, tr) {
				t.addProducer(topic, a.ID)
			}
		}
	}

	t.computeStages(agents)

	if len(t.Consumers[bus.TopicIssueOpened]) == 0 && len(t.Consumers[config.WildcardTopic]) == 0 {
		t.Warnings = append(t.Warnings, "no agent is triggered by "+bus.TopicIssueOpened)
	}
	if t.Dynamic {
		return t
	}
	for _, a := range agents {
		for _, tr := range a.Triggers {
			if tr.Topic == config.WildcardTopic || len(t.Producers[tr.Topic]) > 0 {
				continue
			}
			t.Warnings = append(t.Warnings, fmt.Sprintf("agent %s: no agent publishes trigger topic %s", a.ID, tr.Topic))
		}
	}
	for _, id := range t.Unreachable {
		t.Warnings = append(t.Warnings, fmt.Sprintf("agent %s can never be triggered", id))
	}
	if len(t.Producers[bus.TopicClusterComplete]) == 0 {
		t.Warnings = append(t.Warnings, "no agent publishes "+bus.TopicClusterComplete+"; the cluster runs until it is idle or killed")
	}
	return t
}

// outputs returns the topics an agent may publish when tr fires.
func (t *Topology) outputs(a config.AgentSpec, tr config.Trigger) []string {
	var topics []string
	switch tr.Action {
	case config.ActionPublishMessage:
		topics = append(topics, t.configTopic(tr.Config)...)
	case config.ActionExecuteTask:
		topics = append(topics, bus.TopicAgentOutput, bus.TopicAgentError)
		if h := a.Hooks.OnComplete; h != nil {
			topics = append(topics, t.configTopic(h.Config)...)
		} else {
			topics = append(topics, a.ResultTopic())
		}
	}
	return topics
}

func (t *Topology) configTopic(cfg map[string]any) []string {
	topic, _ := cfg["topic"].(string)
	if topic == "" {
		return nil
	}
	if strings.Contains(topic, "{{") {
		t.Dynamic = true
		return nil
	}
	return []string{topic}
}

func (t *Topology) addProducer(topic, id string) {
	for _, p := range t.Producers[topic] {
		if p == id {
			return
		}
	}
	t.Producers[topic] = append(t.Producers[topic], id)
}

// computeStages walks from the intake breadth-first: an agent joins the stage
// after the first stage that publishes one of its trigger topics.
func (t *Topology) computeStages(agents []config.AgentSpec) {
	available := map[string]bool{bus.TopicIssueOpened: true, bus.TopicAgentLifecycle: true}
	stage := make(map[string]int)

	for depth := 0; ; depth++ {
		var next []config.AgentSpec
		for _, a := range agents {
			if _, done := stage[a.ID]; done {
				continue
			}
			for _, tr := range a.Triggers {
				if tr.Topic == config.WildcardTopic || available[tr.Topic] {
					next = append(next, a)
					break
				}
			}
		}
		if len(next) == 0 {
			break
		}

		ids := make([]string, 0, len(next))
		for _, a := range next {
			stage[a.ID] = depth
			ids = append(ids, a.ID)
		}
		t.Stages = append(t.Stages, ids)

		// Outputs become available to the following stage.
		for _, a := range next {
			for _, tr := range a.Triggers {
				for _, topic := range t.outputs(a, tr) {
					available[topic] = true
				}
			}
		}
	}

	for _, a := range agents {
		if _, ok := stage[a.ID]; !ok {
			t.Unreachable = append(t.Unreachable, a.ID)
		}
	}
	sort.Strings(t.Unreachable)
}
