package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ActionExecuteTask    = "execute_task"
	ActionPublishMessage = "publish_message"
)

const (
	OutputJSON       = "json"
	OutputStreamJSON = "stream-json"
	OutputText       = "text"
)

// WildcardTopic matches every topic in a trigger.
const WildcardTopic = "*"

var triggerActions = map[string]bool{
	ActionExecuteTask:    true,
	ActionPublishMessage: true,
}

var hookActions = map[string]bool{
	ActionPublishMessage: true,
}

// ClusterConfig describes the agents of one cluster. Loaded from YAML or JSON.
type ClusterConfig struct {
	Name   string      `yaml:"name" json:"name,omitempty"`
	Agents []AgentSpec `yaml:"agents" json:"agents"`
}

type AgentSpec struct {
	ID              string          `yaml:"id" json:"id"`
	Role            string          `yaml:"role" json:"role"`
	Model           string          `yaml:"model" json:"model,omitempty"`
	Provider        string          `yaml:"provider" json:"provider,omitempty"`
	OutputFormat    string          `yaml:"outputFormat" json:"outputFormat,omitempty"`
	JSONSchema      map[string]any  `yaml:"jsonSchema" json:"jsonSchema,omitempty"`
	Prompt          string          `yaml:"prompt" json:"prompt,omitempty"`
	Triggers        []Trigger       `yaml:"triggers" json:"triggers"`
	Hooks           Hooks           `yaml:"hooks" json:"hooks"`
	ContextStrategy ContextStrategy `yaml:"contextStrategy" json:"contextStrategy"`
	Command         []string        `yaml:"command" json:"command,omitempty"`
	Timeout         time.Duration   `yaml:"timeout" json:"timeout,omitempty"`
}

type Trigger struct {
	Topic  string         `yaml:"topic" json:"topic"`
	Action string         `yaml:"action" json:"action"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

// Matches reports whether the trigger fires for topic.
func (t Trigger) Matches(topic string) bool {
	return t.Topic == topic || t.Topic == WildcardTopic
}

type Hooks struct {
	OnComplete *Hook `yaml:"onComplete" json:"onComplete,omitempty"`
}

type Hook struct {
	Action string         `yaml:"action" json:"action"`
	Config map[string]any `yaml:"config" json:"config,omitempty"`
}

type ContextStrategy struct {
	Sources []ContextSource `yaml:"sources" json:"sources,omitempty"`
}

// ContextSource selects history events for an agent's context. Limit keeps the last N.
type ContextSource struct {
	Topic  string `yaml:"topic" json:"topic"`
	Sender string `yaml:"sender" json:"sender,omitempty"`
	Limit  int    `yaml:"limit" json:"limit,omitempty"`
}

// LoadCluster reads a cluster config file. JSON files parse as YAML.
func LoadCluster(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config: %w", err)
	}
	return ParseCluster(data)
}

func ParseCluster(data []byte) (*ClusterConfig, error) {
	var cc ClusterConfig
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parse cluster config: %w", err)
	}
	return &cc, nil
}

// Validate checks agent ids and the closed sets of actions and output formats.
func (cc *ClusterConfig) Validate() error {
	if len(cc.Agents) == 0 {
		return errors.New("cluster config has no agents")
	}

	var problems []string
	seen := make(map[string]bool, len(cc.Agents))
	for i, a := range cc.Agents {
		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("agent #%d: missing id", i))
			continue
		}
		if strings.ContainsAny(a.ID, " \t\n.*>") {
			problems = append(problems, fmt.Sprintf("agent %s: id contains invalid characters", a.ID))
		}
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("agent %s: duplicate id", a.ID))
		}
		seen[a.ID] = true

		switch a.OutputFormat {
		case "", OutputJSON, OutputStreamJSON, OutputText:
		default:
			problems = append(problems, fmt.Sprintf("agent %s: unknown outputFormat %q", a.ID, a.OutputFormat))
		}

		if len(a.Triggers) == 0 {
			problems = append(problems, fmt.Sprintf("agent %s: no triggers", a.ID))
		}
		for _, t := range a.Triggers {
			if t.Topic == "" {
				problems = append(problems, fmt.Sprintf("agent %s: trigger without topic", a.ID))
			}
			if !triggerActions[t.Action] {
				problems = append(problems, fmt.Sprintf("agent %s: unknown trigger action %q", a.ID, t.Action))
			}
			if t.Action == ActionPublishMessage && t.Config["topic"] == nil {
				problems = append(problems, fmt.Sprintf("agent %s: publish_message trigger needs config.topic", a.ID))
			}
			if t.Action == ActionExecuteTask && a.Prompt == "" {
				problems = append(problems, fmt.Sprintf("agent %s: execute_task needs a prompt", a.ID))
			}
		}

		if h := a.Hooks.OnComplete; h != nil {
			if !hookActions[h.Action] {
				problems = append(problems, fmt.Sprintf("agent %s: unknown onComplete action %q", a.ID, h.Action))
			} else if h.Config["topic"] == nil {
				problems = append(problems, fmt.Sprintf("agent %s: onComplete publish_message needs config.topic", a.ID))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid cluster config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResultTopic is the topic used for an agent's result when it has no onComplete hook.
func (a AgentSpec) ResultTopic() string {
	return strings.ToUpper(strings.ReplaceAll(a.ID, "-", "_")) + "_RESULT"
}

// WantsJSON reports whether the agent's output must yield a structured result.
func (a AgentSpec) WantsJSON() bool {
	return a.OutputFormat != OutputText
}
