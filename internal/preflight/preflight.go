// Package preflight verifies the host can run a cluster before anything starts.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mtzanidakis/conclave/internal/runner"
)

type Options struct {
	// Providers in use by the cluster's agents.
	Providers []string
	// Commands are per-agent command overrides; their binaries must exist.
	Commands [][]string
	// Isolation requires a reachable docker daemon.
	Isolation bool
	LogDir    string

	LookPath   func(file string) (string, error)
	DockerPing func(ctx context.Context) error
}

type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Err returns the errors joined into one error, or nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("preflight failed:\n%s", strings.Join(r.Errors, "\n"))
}

// Key identifies the checks an Options value performs, for caching results.
func (o Options) Key() string {
	providers := append([]string{}, o.Providers...)
	sort.Strings(providers)
	var cmds []string
	for _, c := range o.Commands {
		if len(c) > 0 {
			cmds = append(cmds, c[0])
		}
	}
	sort.Strings(cmds)
	return fmt.Sprintf("%s|%s|%t|%s", strings.Join(providers, ","), strings.Join(cmds, ","), o.Isolation, o.LogDir)
}

func Run(ctx context.Context, opts Options) Result {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var res Result
	seen := make(map[string]bool)

	// In isolation mode the CLIs live in the agent image, not on the host.
	if !opts.Isolation {
		for _, p := range opts.Providers {
			bin := runner.Binary(p)
			if bin == "" || seen[bin] {
				continue
			}
			seen[bin] = true
			if _, err := lookPath(bin); err != nil {
				res.Errors = append(res.Errors, FormatError(
					fmt.Sprintf("%s CLI not found", bin),
					fmt.Sprintf("Agents using provider %q need the %s command on PATH.", p, bin),
					installSteps(bin),
				))
				continue
			}
			if bin == "claude" && !claudeCredentials() {
				res.Warnings = append(res.Warnings, "No Claude credentials found; run 'claude login' or set ANTHROPIC_API_KEY if agents fail to authenticate.")
			}
		}
		for _, c := range opts.Commands {
			if len(c) == 0 || seen[c[0]] {
				continue
			}
			seen[c[0]] = true
			if _, err := lookPath(c[0]); err != nil {
				res.Errors = append(res.Errors, FormatError(
					fmt.Sprintf("Agent command %s not found", c[0]),
					err.Error(),
					[]string{"Check the agent's command setting in the cluster config", "Make sure the binary is installed and on PATH"},
				))
			}
		}
	}

	if opts.Isolation {
		switch {
		case opts.DockerPing == nil:
			res.Errors = append(res.Errors, FormatError("Docker not configured",
				"Isolation mode was requested but no docker client is available.", nil))
		default:
			if err := opts.DockerPing(ctx); err != nil {
				res.Errors = append(res.Errors, FormatError("Docker not available", err.Error(), []string{
					"Start the docker daemon",
					"Make sure your user can access the docker socket (DOCKER_HOST)",
					"Or run without --isolation",
				}))
			}
		}
	}

	if opts.LogDir != "" {
		if err := checkWritable(opts.LogDir); err != nil {
			res.Errors = append(res.Errors, FormatError("Log directory not writable", err.Error(), []string{
				fmt.Sprintf("Create %s or point CONCLAVE_LOG_DIR at a writable directory", opts.LogDir),
			}))
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// FormatError renders an error with numbered recovery steps.
func FormatError(title, detail string, steps []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "❌ %s\n\n  %s\n", title, detail)
	if len(steps) > 0 {
		sb.WriteString("\n  To fix:\n")
		for i, s := range steps {
			fmt.Fprintf(&sb, "    %d. %s\n", i+1, s)
		}
	}
	return sb.String()
}

func installSteps(bin string) []string {
	switch bin {
	case "claude":
		return []string{"npm install -g @anthropic-ai/claude-code", "claude login"}
	case "gemini":
		return []string{"npm install -g @google/gemini-cli", "gemini (sign in on first run)"}
	case "opencode":
		return []string{"npm install -g opencode-ai", "opencode auth login"}
	}
	return nil
}

func claudeCredentials() bool {
	if os.Getenv("ANTHROPIC_API_KEY") != "" || os.Getenv("CLAUDE_CODE_OAUTH_TOKEN") != "" {
		return true
	}
	dir := os.Getenv("CLAUDE_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return false
		}
		dir = filepath.Join(home, ".claude")
	}
	_, err := os.Stat(filepath.Join(dir, ".credentials.json"))
	return err == nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
