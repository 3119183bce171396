// Package scheduler starts clusters from templates on configured schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/schedule"
)

// Starter starts a cluster. Implemented by *cluster.Orchestrator.
type Starter interface {
	Start(ctx context.Context, cc *config.ClusterConfig, in cluster.Intake, opts cluster.Options) (*cluster.Cluster, error)
}

// Templates resolves template references. Implemented by *registry.Registry.
type Templates interface {
	Get(ref string) (*config.ClusterConfig, error)
}

// Entry is the runtime view of one configured schedule.
type Entry struct {
	Name       string     `json:"name"`
	Template   string     `json:"template"`
	Schedule   string     `json:"schedule"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastID     string     `json:"last_cluster,omitempty"`

	cfg      config.ScheduleConfig
	schedule *schedule.Schedule
}

type Scheduler struct {
	starter      Starter
	templates    Templates
	natsClient   *natsbus.Client
	pollInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries []*Entry
}

// New validates every schedule up front so a typo fails at startup.
func New(starter Starter, templates Templates, schedules []config.ScheduleConfig, cfg config.SchedulerConfig) (*Scheduler, error) {
	s := &Scheduler{
		starter:      starter,
		templates:    templates,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}

	now := s.now()
	seen := make(map[string]bool)
	for _, sc := range schedules {
		if sc.Name == "" {
			sc.Name = sc.Template
		}
		if sc.Template == "" {
			return nil, fmt.Errorf("schedule %s: missing template", sc.Name)
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("schedule %s: duplicate name", sc.Name)
		}
		seen[sc.Name] = true

		parsed, err := schedule.Parse(sc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
		e := &Entry{
			Name:     sc.Name,
			Template: sc.Template,
			Schedule: parsed.String(),
			cfg:      sc,
			schedule: parsed,
		}
		if next, ok := parsed.Next(now); ok {
			e.NextRun = &next
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// SetNATS publishes a notification on natsbus.TopicScheduleFired for every run.
func (s *Scheduler) SetNATS(c *natsbus.Client) {
	s.natsClient = c
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval, "schedules", len(s.entries))

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if e.NextRun != nil && !e.NextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.execute(ctx, e, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *Entry, now time.Time) {
	slog.Info("executing scheduled cluster", "name", e.Name, "template", e.Template)

	id, err := s.startCluster(ctx, e)

	status := "success"
	if err != nil {
		status = "error"
		slog.Error("scheduled cluster failed to start", "name", e.Name, "error", err)
	}

	s.mu.Lock()
	e.LastRun = &now
	e.LastStatus = status
	e.LastID = id
	e.LastError = ""
	if err != nil {
		e.LastError = err.Error()
	}
	e.NextRun = nil
	if next, ok := e.schedule.Next(now); ok {
		e.NextRun = &next
	}
	s.mu.Unlock()

	if e.NextRun == nil {
		slog.Info("no next run, schedule finished", "name", e.Name)
	}
	s.publishFired(e.Name, id, status, err)
}

func (s *Scheduler) startCluster(ctx context.Context, e *Entry) (string, error) {
	cc, err := s.templates.Get(e.Template)
	if err != nil {
		return "", err
	}
	text := e.cfg.Text
	if text == "" {
		text = fmt.Sprintf("Scheduled run of %s", e.Name)
	}
	c, err := s.starter.Start(ctx, cc, cluster.Intake{Text: text}, cluster.Options{
		Name:      e.Name,
		Isolation: e.cfg.Isolation,
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (s *Scheduler) publishFired(name, clusterID, status string, runErr error) {
	if s.natsClient == nil {
		return
	}

	data := map[string]any{
		"name":    name,
		"cluster": clusterID,
		"status":  status,
	}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	event := map[string]any{
		"type":      "schedule_fired",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := s.natsClient.PublishJSON(natsbus.TopicScheduleFired, event); err != nil {
		slog.Warn("publish schedule event", "name", name, "error", err)
	}
}

// Entries returns a snapshot of every schedule.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}
