package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ProcessRunner runs agents as local subprocesses.
type ProcessRunner struct {
	// WaitDelay bounds how long output pipes may stay open after a kill.
	WaitDelay time.Duration
}

func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{WaitDelay: 5 * time.Second}
}

func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	res := Result{LogPath: spec.LogPath}

	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err != nil {
		return res, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.Create(spec.LogPath)
	if err != nil {
		return res, fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.WaitDelay = r.WaitDelay

	start := time.Now()
	err = cmd.Run()
	res.Duration = time.Since(start)

	switch {
	case ctx.Err() != nil:
		return res, ctx.Err()
	case runCtx.Err() != nil:
		slog.Warn("agent process timed out", "agent", spec.AgentID, "timeout", spec.Timeout)
		return res, timeoutError(spec.Timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", spec.Command, err)
	}
	return res, nil
}
