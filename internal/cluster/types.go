package cluster

import (
	"errors"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/dispatch"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateKilled    State = "killed"
)

// Terminal reports whether no further dispatch happens in state s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateKilled
}

var (
	ErrNotFound = errors.New("cluster not found")
	ErrTerminal = errors.New("cluster already finished")
)

// Intake is the content of the ISSUE_OPENED event that starts a cluster.
type Intake struct {
	Text string `json:"text"`
	Data any    `json:"data,omitempty"`
}

type Options struct {
	// ID is generated when empty.
	ID        string
	Name      string
	Isolation bool
	// Workdir overrides the configured agent working directory.
	Workdir string
}

type Cluster struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Config    config.ClusterConfig
	Task      string
	Isolation bool

	mu         sync.Mutex
	state      State
	reason     string
	finishedAt *time.Time

	dispatcher *dispatch.Dispatcher
	done       chan struct{}
}

// Info is a point-in-time view of a cluster.
type Info struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	State      State                  `json:"state"`
	Reason     string                 `json:"reason,omitempty"`
	Task       string                 `json:"task"`
	Isolation  bool                   `json:"isolation"`
	CreatedAt  time.Time              `json:"created_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Agents     []dispatch.AgentStatus `json:"agents,omitempty"`
}

func (c *Cluster) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the cluster reaches a terminal state.
func (c *Cluster) Done() <-chan struct{} {
	return c.done
}

func (c *Cluster) Info() Info {
	c.mu.Lock()
	info := Info{
		ID:         c.ID,
		Name:       c.Name,
		State:      c.state,
		Reason:     c.reason,
		Task:       c.Task,
		Isolation:  c.Isolation,
		CreatedAt:  c.CreatedAt,
		FinishedAt: c.finishedAt,
	}
	c.mu.Unlock()

	if c.dispatcher != nil {
		info.Agents = c.dispatcher.Agents()
	}
	return info
}

// setState applies a transition. Terminal states are final and running is
// only entered from pending.
func (c *Cluster) setState(to State, reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state.Terminal():
		return false
	case to == StateRunning && c.state != StatePending:
		return false
	}
	c.state = to
	if to.Terminal() {
		now := time.Now().UTC()
		c.reason = reason
		c.finishedAt = &now
		close(c.done)
	}
	return true
}
