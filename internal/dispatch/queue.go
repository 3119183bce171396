package dispatch

import (
	"sync"

	"github.com/mtzanidakis/conclave/internal/bus"
	"github.com/mtzanidakis/conclave/internal/config"
)

// task is one claimed trigger waiting for its agent.
type task struct {
	trigger config.Trigger
	event   bus.Event
}

// taskQueue serialises an agent's claimed triggers. Only the holder of the
// drain lock runs tasks.
type taskQueue struct {
	agentID string
	pending []task
	mu      sync.Mutex
	locked  bool
}

func newTaskQueue(agentID string) *taskQueue {
	return &taskQueue{agentID: agentID}
}

func (q *taskQueue) Enqueue(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, t)
}

func (q *taskQueue) Dequeue() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return task{}, false
	}

	t := q.pending[0]
	q.pending = q.pending[1:]
	return t, true
}

func (q *taskQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

func (q *taskQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drop discards pending tasks and returns how many were dropped.
func (q *taskQueue) Drop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = nil
	return n
}
