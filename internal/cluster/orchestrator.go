// Package cluster owns cluster lifecycles: it starts clusters, routes bus
// events to their dispatchers and records state transitions.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/dispatch"
	"github.com/mtzanidakis/conclave/internal/export"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/preflight"
	"github.com/mtzanidakis/conclave/internal/runner"
	"github.com/mtzanidakis/conclave/internal/store"
)

// Store persists cluster records.
type Store interface {
	SaveCluster(ctx context.Context, r *store.ClusterRecord) error
	UpdateClusterState(ctx context.Context, id, state, reason string, finishedAt *time.Time) error
	GetCluster(ctx context.Context, id string) (*store.ClusterRecord, error)
	ListClusters(ctx context.Context) ([]store.ClusterRecord, error)
}

type PreflightFunc func(ctx context.Context, opts preflight.Options) preflight.Result

type Orchestrator struct {
	bus    *bus.Bus
	store  Store
	runner runner.Runner
	cfg    config.Config

	isolated   runner.Runner
	dockerPing func(ctx context.Context) error
	nats       *natsbus.Client
	preflight  PreflightFunc

	clusters map[string]*Cluster
	checked  map[string]bool
	mu       sync.RWMutex

	lastHandled atomic.Int64
	unsubscribe func()
}

func New(b *bus.Bus, st Store, run runner.Runner, cfg config.Config) *Orchestrator {
	o := &Orchestrator{
		bus:       b,
		store:     st,
		runner:    run,
		cfg:       cfg,
		preflight: preflight.Run,
		clusters:  make(map[string]*Cluster),
		checked:   make(map[string]bool),
	}
	o.lastHandled.Store(b.LastID())
	o.unsubscribe = b.Subscribe(o.onEvent)
	return o
}

// SetIsolationRunner enables isolation mode with a container runner.
func (o *Orchestrator) SetIsolationRunner(r runner.Runner, ping func(ctx context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.isolated = r
	o.dockerPing = ping
}

// SetNATS mirrors events and state transitions to NATS subjects.
func (o *Orchestrator) SetNATS(c *natsbus.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nats = c
}

func (o *Orchestrator) SetPreflight(fn PreflightFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.preflight = fn
}

// Start validates cc, creates the cluster and publishes the intake as ISSUE_OPENED.
// Nothing is created when validation or preflight fails.
func (o *Orchestrator) Start(ctx context.Context, cc *config.ClusterConfig, in Intake, opts Options) (*Cluster, error) {
	if err := cc.Validate(); err != nil {
		return nil, err
	}

	resolved := *cc
	resolved.Agents = o.resolveAgents(cc.Agents)
	if opts.Name == "" {
		opts.Name = cc.Name
	}

	o.mu.RLock()
	run := o.runner
	if opts.Isolation {
		run = o.isolated
	}
	o.mu.RUnlock()
	if run == nil {
		return nil, fmt.Errorf("isolation mode is not available: no container runner configured")
	}

	if err := o.checkPreflight(ctx, resolved.Agents, opts.Isolation); err != nil {
		return nil, err
	}

	for _, w := range BuildTopology(resolved.Agents).Warnings {
		slog.Warn("cluster topology", "name", opts.Name, "warning", w)
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	o.mu.RLock()
	_, exists := o.clusters[id]
	o.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("cluster %s already exists", id)
	}

	workdir := opts.Workdir
	if workdir == "" {
		workdir = o.cfg.Orchestrator.Workdir
	}

	c := &Cluster{
		ID:        id,
		Name:      opts.Name,
		CreatedAt: o.bus.Now(),
		Config:    resolved,
		Task:      in.Text,
		Isolation: opts.Isolation,
		state:     StatePending,
		done:      make(chan struct{}),
	}

	d, err := dispatch.New(dispatch.Options{
		ClusterID:      id,
		CreatedAt:      c.CreatedAt,
		Agents:         resolved.Agents,
		Bus:            o.bus,
		Runner:         run,
		LogDir:         o.cfg.Runner.LogDir,
		Workdir:        workdir,
		DefaultTimeout: o.cfg.Runner.Timeout,
		OnFirstTrigger: func() { o.markRunning(c) },
		OnFatal: func(err error) {
			o.finish(c, StateFailed, fmt.Sprintf("event ledger: %v", err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	c.dispatcher = d

	cfgJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode cluster config: %w", err)
	}
	if err := o.store.SaveCluster(ctx, &store.ClusterRecord{
		ID:        id,
		Name:      c.Name,
		State:     string(StatePending),
		Config:    cfgJSON,
		Task:      in.Text,
		Isolation: opts.Isolation,
		CreatedAt: c.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("save cluster: %w", err)
	}

	o.mu.Lock()
	o.clusters[id] = c
	o.mu.Unlock()
	o.publishState(c)

	if err := d.Register(ctx); err != nil {
		o.finish(c, StateFailed, err.Error())
		return nil, err
	}

	content, err := bus.NewContent(in.Text, in.Data)
	if err != nil {
		o.finish(c, StateFailed, err.Error())
		return nil, fmt.Errorf("encode intake: %w", err)
	}
	if _, err := o.bus.Publish(ctx, bus.Event{
		ClusterID: id,
		Topic:     bus.TopicIssueOpened,
		Sender:    bus.SenderSystem,
		Content:   content,
	}); err != nil {
		o.finish(c, StateFailed, err.Error())
		return nil, fmt.Errorf("publish intake: %w", err)
	}

	slog.Info("cluster started", "id", id, "name", c.Name, "agents", len(resolved.Agents), "isolation", opts.Isolation)
	return c, nil
}

func (o *Orchestrator) resolveAgents(agents []config.AgentSpec) []config.AgentSpec {
	out := make([]config.AgentSpec, len(agents))
	for i, a := range agents {
		if a.Provider == "" && len(a.Command) == 0 {
			a.Provider = o.cfg.Orchestrator.Provider
		}
		if a.Model == "" {
			a.Model = o.cfg.Orchestrator.Model
		}
		out[i] = a
	}
	return out
}

// checkPreflight runs preflight once per distinct set of requirements.
func (o *Orchestrator) checkPreflight(ctx context.Context, agents []config.AgentSpec, isolation bool) error {
	o.mu.RLock()
	opts := preflight.Options{
		Isolation:  isolation,
		LogDir:     o.cfg.Runner.LogDir,
		DockerPing: o.dockerPing,
	}
	check := o.preflight
	o.mu.RUnlock()

	for _, a := range agents {
		if len(a.Command) > 0 {
			opts.Commands = append(opts.Commands, a.Command)
			continue
		}
		opts.Providers = append(opts.Providers, a.Provider)
	}

	key := opts.Key()
	o.mu.RLock()
	ok := o.checked[key]
	o.mu.RUnlock()
	if ok {
		return nil
	}

	res := check(ctx, opts)
	for _, w := range res.Warnings {
		slog.Warn("preflight", "warning", w)
	}
	if err := res.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	o.checked[key] = true
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) onEvent(ev bus.Event) {
	defer o.lastHandled.Store(ev.ID)

	o.mirror(ev)

	c := o.lookup(ev.ClusterID)
	if c == nil || c.State().Terminal() {
		return
	}

	switch ev.Topic {
	case bus.TopicClusterComplete:
		o.finish(c, StateCompleted, eventReason(ev))
		return
	case bus.TopicClusterFailed:
		o.finish(c, StateFailed, eventReason(ev))
		return
	}

	c.dispatcher.HandleEvent(ev)
}

func eventReason(ev bus.Event) string {
	if data, ok := ev.Content.DecodeData().(map[string]any); ok {
		if r, ok := data["reason"].(string); ok && r != "" {
			return r
		}
	}
	return ev.Content.Text
}

func (o *Orchestrator) markRunning(c *Cluster) {
	if !c.setState(StateRunning, "") {
		return
	}
	if err := o.store.UpdateClusterState(context.Background(), c.ID, string(StateRunning), "", nil); err != nil {
		slog.Error("persist cluster state", "id", c.ID, "error", err)
	}
	o.publishState(c)
	slog.Info("cluster running", "id", c.ID)
}

// finish moves c to a terminal state and stops its dispatcher. It reports
// false when c was already terminal.
func (o *Orchestrator) finish(c *Cluster, state State, reason string) bool {
	if !c.setState(state, reason) {
		return false
	}
	c.dispatcher.Kill()

	info := c.Info()
	if err := o.store.UpdateClusterState(context.Background(), c.ID, string(state), reason, info.FinishedAt); err != nil {
		slog.Error("persist cluster state", "id", c.ID, "error", err)
	}
	o.publishState(c)
	slog.Info("cluster finished", "id", c.ID, "state", state, "reason", reason)
	return true
}

func (o *Orchestrator) mirror(ev bus.Event) {
	o.mu.RLock()
	nc := o.nats
	o.mu.RUnlock()
	if nc == nil {
		return
	}
	if err := nc.PublishJSON(natsbus.TopicClusterEvents(ev.ClusterID), ev); err != nil {
		slog.Warn("mirror event to nats", "cluster", ev.ClusterID, "error", err)
	}
}

func (o *Orchestrator) publishState(c *Cluster) {
	o.mu.RLock()
	nc := o.nats
	o.mu.RUnlock()
	if nc == nil {
		return
	}
	info := c.Info()
	if err := nc.PublishJSON(natsbus.TopicClusterState(c.ID), map[string]any{
		"id":        info.ID,
		"name":      info.Name,
		"state":     info.State,
		"reason":    info.Reason,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		slog.Warn("publish cluster state", "cluster", c.ID, "error", err)
	}
}

func (o *Orchestrator) lookup(id string) *Cluster {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clusters[id]
}

func (o *Orchestrator) Get(id string) (*Cluster, error) {
	c := o.lookup(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Info describes a live cluster or, failing that, a persisted one.
func (o *Orchestrator) Info(ctx context.Context, id string) (Info, error) {
	if c := o.lookup(id); c != nil {
		return c.Info(), nil
	}
	rec, err := o.store.GetCluster(ctx, id)
	if err != nil {
		return Info{}, fmt.Errorf("get cluster: %w", err)
	}
	if rec == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recordInfo(*rec), nil
}

// List returns live and persisted clusters, newest first.
func (o *Orchestrator) List(ctx context.Context) ([]Info, error) {
	recs, err := o.store.ListClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}

	seen := make(map[string]bool)
	var out []Info
	o.mu.RLock()
	for _, c := range o.clusters {
		seen[c.ID] = true
		out = append(out, c.Info())
	}
	o.mu.RUnlock()

	for _, r := range recs {
		if !seen[r.ID] {
			out = append(out, recordInfo(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func recordInfo(r store.ClusterRecord) Info {
	return Info{
		ID:         r.ID,
		Name:       r.Name,
		State:      State(r.State),
		Reason:     r.Reason,
		Task:       r.Task,
		Isolation:  r.Isolation,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
}

// Kill stops a cluster and waits for its running agents to exit.
func (o *Orchestrator) Kill(ctx context.Context, id, reason string) error {
	c, err := o.Get(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "killed"
	}
	if !o.finish(c, StateKilled, reason) {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, c.State())
	}
	return c.dispatcher.Wait(ctx)
}

// Wait blocks until the cluster reaches a terminal state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (State, error) {
	c, err := o.Get(id)
	if err != nil {
		return "", err
	}
	select {
	case <-c.done:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// WaitIdle blocks until the cluster is terminal or has no queued or running
// agent and every published event has been dispatched.
func (o *Orchestrator) WaitIdle(ctx context.Context, id string) (State, error) {
	c, err := o.Get(id)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s := c.State(); s.Terminal() {
			return s, nil
		}
		// Claims for an event happen before it counts as handled, so reading
		// in this order cannot miss a task started by a late event.
		handled := o.lastHandled.Load()
		idle := c.dispatcher.Idle()
		if idle && handled >= o.bus.LastID() {
			return c.State(), nil
		}
		select {
		case <-c.done:
			return c.State(), nil
		case <-ctx.Done():
			return c.State(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// Report collects what an export needs for one cluster.
func (o *Orchestrator) Report(ctx context.Context, id string) (export.Report, error) {
	info, err := o.Info(ctx, id)
	if err != nil {
		return export.Report{}, err
	}

	var agents []config.AgentSpec
	if c := o.lookup(id); c != nil {
		agents = c.Config.Agents
	} else if rec, err := o.store.GetCluster(ctx, id); err == nil && rec != nil {
		var cc config.ClusterConfig
		if err := json.Unmarshal(rec.Config, &cc); err != nil {
			slog.Warn("decode stored cluster config", "id", id, "error", err)
		}
		agents = cc.Agents
	}

	return export.Report{
		ID:         info.ID,
		Name:       info.Name,
		State:      string(info.State),
		Reason:     info.Reason,
		Task:       info.Task,
		CreatedAt:  info.CreatedAt,
		FinishedAt: info.FinishedAt,
		Agents:     agents,
		Events:     o.bus.Query(bus.Filter{ClusterID: id}),
	}, nil
}

// Export renders a cluster as Markdown.
func (o *Orchestrator) Export(ctx context.Context, id string) (string, error) {
	r, err := o.Report(ctx, id)
	if err != nil {
		return "", err
	}
	return export.Markdown(r), nil
}

// Recover marks clusters that were live when the process last stopped as failed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	recs, err := o.store.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("list clusters: %w", err)
	}
	for _, r := range recs {
		if State(r.State).Terminal() || o.lookup(r.ID) != nil {
			continue
		}
		now := time.Now().UTC()
		if err := o.store.UpdateClusterState(ctx, r.ID, string(StateFailed), "interrupted: orchestrator restarted", &now); err != nil {
			return fmt.Errorf("recover cluster %s: %w", r.ID, err)
		}
		slog.Warn("cluster interrupted by restart", "id", r.ID, "state", r.State)
	}
	return nil
}

// Shutdown kills every live cluster and stops event routing.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	live := make([]*Cluster, 0, len(o.clusters))
	for _, c := range o.clusters {
		live = append(live, c)
	}
	o.mu.RUnlock()

	for _, c := range live {
		if err := o.Kill(ctx, c.ID, "orchestrator shutdown"); err != nil && !errors.Is(err, ErrTerminal) {
			slog.Warn("kill cluster on shutdown", "id", c.ID, "error", err)
		}
	}
	o.unsubscribe()
}
