package extract

import "strings"

// geminiAdapter reads {type:"message", role:"assistant", content:"<json>", delta:bool}.
type geminiAdapter struct{}

func (geminiAdapter) Name() string { return "gemini" }

func (geminiAdapter) Matches(provider string) bool {
	return provider == "google" || provider == "gemini"
}

func (geminiAdapter) Candidate(env Envelope) (Candidate, bool) {
	if env["type"] != "message" || env["role"] != "assistant" {
		return Candidate{}, false
	}
	text, ok := env["content"].(string)
	if !ok {
		return Candidate{}, false
	}
	delta, _ := env["delta"].(bool)
	return Candidate{Text: text, Delta: delta}, true
}

// opencodeAdapter reads {type:"text", part:{type:"text", text:"..."}}.
type opencodeAdapter struct{}

func (opencodeAdapter) Name() string { return "opencode" }

func (opencodeAdapter) Matches(provider string) bool {
	return provider == "opencode"
}

func (opencodeAdapter) Candidate(env Envelope) (Candidate, bool) {
	if env["type"] != "text" {
		return Candidate{}, false
	}
	part, ok := env["part"].(map[string]any)
	if !ok || part["type"] != "text" {
		return Candidate{}, false
	}
	text, ok := part["text"].(string)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Text: text}, true
}

// claudeAdapter reads the final {type:"result"} envelope and assistant messages.
type claudeAdapter struct{}

func (claudeAdapter) Name() string { return "claude" }

func (claudeAdapter) Matches(provider string) bool {
	return provider == "" || provider == "claude" || provider == "anthropic"
}

func (claudeAdapter) Candidate(env Envelope) (Candidate, bool) {
	switch env["type"] {
	case "result":
		if obj, ok := env["structured_output"].(map[string]any); ok {
			return Candidate{Object: obj}, true
		}
		if text, ok := env["result"].(string); ok {
			return Candidate{Text: text}, true
		}
	case "assistant":
		msg, ok := env["message"].(map[string]any)
		if !ok {
			return Candidate{}, false
		}
		blocks, ok := msg["content"].([]any)
		if !ok {
			return Candidate{}, false
		}
		var sb strings.Builder
		for _, b := range blocks {
			block, ok := b.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		if sb.Len() > 0 {
			return Candidate{Text: sb.String()}, true
		}
	}
	return Candidate{}, false
}

// genericAdapter treats any plain JSON object line without a type as the result.
type genericAdapter struct{}

func (genericAdapter) Name() string { return "generic" }

func (genericAdapter) Matches(string) bool { return true }

func (genericAdapter) Candidate(env Envelope) (Candidate, bool) {
	if _, typed := env["type"]; typed {
		return Candidate{}, false
	}
	return Candidate{Object: map[string]any(env)}, true
}
