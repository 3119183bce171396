package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/scheduler"
	"github.com/mtzanidakis/conclave/internal/web"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway: NATS control, web API and scheduled clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), g)
		},
	}
}

func runGateway(parent context.Context, g *globalFlags) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting conclave gateway", "version", version)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	if err := a.orch.Recover(ctx); err != nil {
		return err
	}

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "url", bus.ClientURL())

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return err
	}
	defer client.Close()
	a.orch.SetNATS(client)
	if _, err := a.orch.ServeControl(client); err != nil {
		return fmt.Errorf("serve control: %w", err)
	}

	// Isolation is optional for the gateway.
	if err := a.enableIsolation(ctx); err != nil {
		slog.Warn("isolation mode unavailable", "error", err)
	}

	if err := a.registry.Init(); err != nil {
		return fmt.Errorf("init templates: %w", err)
	}

	sched, err := scheduler.New(a.orch, a.registry, cfg.Schedules, cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.SetNATS(client)
	go sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(a.orch, a.registry, sched, a.store, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()
	return nil
}
