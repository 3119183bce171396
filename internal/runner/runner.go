// Package runner executes agent command lines and captures their output in a log file.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrTimeout is returned when an agent runs past its timeout.
var ErrTimeout = errors.New("agent run timed out")

type Spec struct {
	ClusterID string
	AgentID   string
	Command   string
	Args      []string
	Env       map[string]string
	// Dir is the working directory, mounted as /workspace in isolation mode.
	Dir     string
	Timeout time.Duration
	// LogPath receives stdout and stderr. The orchestrator reads results from it.
	LogPath string
}

type Result struct {
	ExitCode int
	LogPath  string
	Duration time.Duration
}

// Runner runs one agent invocation to completion. Cancelling ctx kills it.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func timeoutError(d time.Duration) error {
	return fmt.Errorf("%w after %s", ErrTimeout, d)
}
