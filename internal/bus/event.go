package bus

import (
	"encoding/json"
	"time"
)

// Topics published by the orchestrator itself. Agent result topics are free-form.
const (
	TopicIssueOpened      = "ISSUE_OPENED"
	TopicAgentLifecycle   = "AGENT_LIFECYCLE"
	TopicAgentError       = "AGENT_ERROR"
	TopicAgentOutput      = "AGENT_OUTPUT"
	TopicValidationResult = "VALIDATION_RESULT"
	TopicClusterComplete  = "CLUSTER_COMPLETE"
	TopicClusterFailed    = "CLUSTER_FAILED"
)

// SenderSystem is the sender of events injected by the orchestrator on behalf of the user.
const SenderSystem = "system"

type Content struct {
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event is an immutable bus record. ID and Timestamp are assigned by Publish.
type Event struct {
	ID        int64     `json:"id"`
	ClusterID string    `json:"cluster_id"`
	Topic     string    `json:"topic"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Content   Content   `json:"content"`
}

// NewContent builds content with data marshalled to JSON. A nil data leaves Data empty.
func NewContent(text string, data any) (Content, error) {
	c := Content{Text: text}
	if data == nil {
		return c, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		c.Data = raw
		return c, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return c, err
	}
	c.Data = b
	return c, nil
}

// DecodeData returns the decoded data payload, or nil when absent or malformed.
func (c Content) DecodeData() any {
	if len(c.Data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(c.Data, &v); err != nil {
		return nil
	}
	return v
}

// Tree returns the event as generic JSON values for path lookups.
func (e Event) Tree() map[string]any {
	content := map[string]any{"text": e.Content.Text}
	if d := e.Content.DecodeData(); d != nil {
		content["data"] = d
	}
	return map[string]any{
		"id":         e.ID,
		"cluster_id": e.ClusterID,
		"topic":      e.Topic,
		"sender":     e.Sender,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
		"content":    content,
	}
}

// Filter narrows Query results. Zero fields do not constrain. Since is exclusive.
type Filter struct {
	ClusterID string
	Topic     string
	Sender    string
	Since     time.Time
}

func (f Filter) match(e *Event) bool {
	if f.ClusterID != "" && e.ClusterID != f.ClusterID {
		return false
	}
	if f.Topic != "" && e.Topic != f.Topic {
		return false
	}
	if f.Sender != "" && e.Sender != f.Sender {
		return false
	}
	if !f.Since.IsZero() && !e.Timestamp.After(f.Since) {
		return false
	}
	return true
}
