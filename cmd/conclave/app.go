package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/registry"
	"github.com/mtzanidakis/conclave/internal/runner"
	"github.com/mtzanidakis/conclave/internal/store"
)

// app is the in-process stack shared by run, serve and the store-backed commands.
type app struct {
	cfg        *config.Config
	store      *store.Store
	bus        *bus.Bus
	orch       *cluster.Orchestrator
	registry   *registry.Registry
	containers *runner.ContainerRunner
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	slog.Debug("store initialized", "path", cfg.Store.Path)

	b := bus.New(db)
	if err := b.Replay(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    db,
		bus:      b,
		orch:     cluster.New(b, db, runner.NewProcessRunner(), *cfg),
		registry: registry.New(cfg.Orchestrator.TemplatesDir),
	}, nil
}

// enableIsolation connects to docker and makes isolation mode available.
func (a *app) enableIsolation(ctx context.Context) error {
	cr, err := runner.NewContainerRunner(a.cfg.Runner)
	if err != nil {
		return err
	}
	if err := cr.Ping(ctx); err != nil {
		cr.Close()
		return err
	}
	if err := cr.CleanupStale(ctx); err != nil {
		slog.Warn("cleanup stale agent containers", "error", err)
	}
	if err := cr.EnsureImage(ctx); err != nil {
		cr.Close()
		return fmt.Errorf("agent image: %w", err)
	}
	a.containers = cr
	a.orch.SetIsolationRunner(cr, cr.Ping)
	return nil
}

func (a *app) Close(ctx context.Context) {
	a.orch.Shutdown(ctx)
	if a.containers != nil {
		a.containers.StopAll(ctx)
		a.containers.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("close store", "error", err)
	}
}

var errNoGateway = errors.New("no gateway reachable")

// dialGateway connects to a running `conclave serve`.
func dialGateway(cfg *config.Config) (*natsbus.Client, error) {
	client, err := natsbus.NewClientFromURL(cfg.NATS.ClientURL())
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", errNoGateway, cfg.NATS.ClientURL(), err)
	}
	return client, nil
}

// control sends one request to the gateway.
func control(cfg *config.Config, req cluster.ControlRequest) (*cluster.ControlResponse, error) {
	client, err := dialGateway(cfg)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return cluster.SendControl(client, req)
}
