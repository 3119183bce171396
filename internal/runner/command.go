package runner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Invocation describes an agent call independent of the CLI that serves it.
type Invocation struct {
	Provider     string
	Model        string
	OutputFormat string
	JSONSchema   map[string]any
	Prompt       string
	// Command overrides the provider command line. The prompt is appended.
	Command []string
}

// BuildCommand returns the command and arguments for an invocation.
func BuildCommand(inv Invocation) (string, []string, error) {
	if len(inv.Command) > 0 {
		args := append([]string{}, inv.Command[1:]...)
		return inv.Command[0], append(args, inv.Prompt), nil
	}

	text := inv.OutputFormat == "text"

	switch strings.ToLower(inv.Provider) {
	case "", "claude", "anthropic":
		args := []string{"-p"}
		if text {
			args = append(args, "--output-format", "text")
		} else {
			args = append(args, "--output-format", "stream-json", "--verbose")
		}
		if inv.Model != "" {
			args = append(args, "--model", inv.Model)
		}
		if len(inv.JSONSchema) > 0 && !text {
			b, err := json.Marshal(inv.JSONSchema)
			if err != nil {
				return "", nil, fmt.Errorf("encode json schema: %w", err)
			}
			args = append(args, "--json-schema", string(b))
		}
		return "claude", append(args, inv.Prompt), nil

	case "gemini", "google":
		format := "stream-json"
		if text {
			format = "text"
		}
		args := []string{"--output-format", format}
		if inv.Model != "" {
			args = append(args, "-m", inv.Model)
		}
		return "gemini", append(args, "-p", inv.Prompt), nil

	case "opencode":
		args := []string{"run", "--format", "json"}
		if text {
			args = []string{"run"}
		}
		if inv.Model != "" {
			args = append(args, "-m", inv.Model)
		}
		return "opencode", append(args, inv.Prompt), nil
	}

	return "", nil, fmt.Errorf("unknown provider %q and no command configured", inv.Provider)
}

// Binary returns the executable a provider needs on PATH.
func Binary(provider string) string {
	switch strings.ToLower(provider) {
	case "", "claude", "anthropic":
		return "claude"
	case "gemini", "google":
		return "gemini"
	case "opencode":
		return "opencode"
	}
	return ""
}
