package dispatch

import (
	"context"
	"sync"
	"time"
)

// invocation is a running agent process.
type invocation struct {
	AgentID   string
	Iteration int
	LogPath   string
	StartedAt time.Time

	cancel context.CancelFunc
}

// inflightTracker maps agent id to its running invocation.
type inflightTracker struct {
	running map[string]*invocation
	mu      sync.RWMutex
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{
		running: make(map[string]*invocation),
	}
}

func (t *inflightTracker) Set(agentID string, inv *invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[agentID] = inv
}

func (t *inflightTracker) Get(agentID string) *invocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running[agentID]
}

func (t *inflightTracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, agentID)
}

// CancelAll cancels every running invocation and returns the affected agents.
func (t *inflightTracker) CancelAll() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for agentID, inv := range t.running {
		inv.cancel()
		ids = append(ids, agentID)
	}
	return ids
}
