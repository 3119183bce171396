package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/export"
	"github.com/spf13/cobra"
)

const idleReason = "idle: no agent is running or queued and nothing completed the cluster"

type runOptions struct {
	name        string
	workdir     string
	data        string
	exportPath  string
	archivePath string
	isolation   bool
	verbose     bool
	timeout     time.Duration
}

func newRunCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <template> <task...>",
		Short: "Run a cluster in the foreground until it finishes",
		Long: "Starts a cluster from a template name or file and streams its events.\n" +
			"The cluster is killed when it goes idle without publishing CLUSTER_COMPLETE.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCluster(cmd.Context(), g, opts, args[0], strings.Join(args[1:], " "))
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.name, "name", "", "cluster name (default: template name)")
	f.StringVar(&opts.workdir, "workdir", "", "agent working directory")
	f.StringVar(&opts.data, "data", "", "JSON attached to ISSUE_OPENED as content.data")
	f.StringVarP(&opts.exportPath, "export", "o", "", "write a Markdown report to this file")
	f.StringVar(&opts.archivePath, "archive", "", "write a tar.zst archive to this file")
	f.BoolVar(&opts.isolation, "isolation", false, "run agents in docker containers")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "show agent output lines")
	f.DurationVar(&opts.timeout, "timeout", 0, "kill the cluster after this long (0 = no limit)")
	return cmd
}

func runCluster(parent context.Context, g *globalFlags, opts *runOptions, ref, text string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var data any
	if opts.data != "" {
		if err := json.Unmarshal([]byte(opts.data), &data); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
	}

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	if opts.isolation {
		if err := a.enableIsolation(ctx); err != nil {
			return fmt.Errorf("isolation mode: %w", err)
		}
	}

	cc, err := a.registry.Get(ref)
	if err != nil {
		return err
	}

	id := uuid.New().String()
	unsubscribe := a.bus.Subscribe(func(ev bus.Event) {
		if ev.ClusterID == id {
			printEvent(os.Stdout, ev, opts.verbose)
		}
	})
	defer unsubscribe()

	if _, err := a.orch.Start(ctx, cc, cluster.Intake{Text: text, Data: data}, cluster.Options{
		ID:        id,
		Name:      opts.name,
		Isolation: opts.isolation,
		Workdir:   opts.workdir,
	}); err != nil {
		return err
	}
	fmt.Println(color.HiBlackString("cluster %s started", id))

	waitCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	state, err := a.orch.WaitIdle(waitCtx, id)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		killCluster(a, id, fmt.Sprintf("timed out after %s", opts.timeout))
	case err != nil:
		killCluster(a, id, "interrupted")
	case !state.Terminal():
		killCluster(a, id, idleReason)
	}

	rep, err := a.orch.Report(context.Background(), id)
	if err != nil {
		return err
	}
	if err := writeExports(rep, opts); err != nil {
		return err
	}

	fmt.Printf("\ncluster %s %s", id, colorState(cluster.State(rep.State)))
	if rep.Reason != "" {
		fmt.Printf(": %s", rep.Reason)
	}
	fmt.Println()

	if rep.State != string(cluster.StateCompleted) {
		return fmt.Errorf("cluster %s", rep.State)
	}
	return nil
}

func killCluster(a *app, id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.orch.Kill(ctx, id, reason); err != nil && !errors.Is(err, cluster.ErrTerminal) {
		fmt.Fprintln(os.Stderr, color.YellowString("kill cluster: %v", err))
	}
}

func writeExports(rep export.Report, opts *runOptions) error {
	if opts.exportPath != "" {
		if err := os.WriteFile(opts.exportPath, []byte(export.Markdown(rep)), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if opts.archivePath != "" {
		if err := writeArchive(opts.archivePath, rep); err != nil {
			return err
		}
	}
	return nil
}

func writeArchive(path string, rep export.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if err := export.Archive(f, rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
