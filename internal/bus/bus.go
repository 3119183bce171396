package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Ledger durably records events. The bus keeps an in-memory index on top of it.
type Ledger interface {
	AppendEvent(ctx context.Context, ev Event) error
	LoadEvents(ctx context.Context) ([]Event, error)
}

type Bus struct {
	ledger Ledger
	clock  func() time.Time

	mu     sync.RWMutex
	events []Event
	lastID int64
	lastTS time.Time

	subMu   sync.Mutex
	subs    map[int]*subscription
	nextSub int
}

// New creates a bus backed by ledger. A nil ledger keeps events in memory only.
func New(ledger Ledger) *Bus {
	return &Bus{
		ledger: ledger,
		clock:  time.Now,
		subs:   make(map[int]*subscription),
	}
}

// Replay loads the ledger into the in-memory index. Call before publishing.
func (b *Bus) Replay(ctx context.Context) error {
	if b.ledger == nil {
		return nil
	}
	events, err := b.ledger.LoadEvents(ctx)
	if err != nil {
		return fmt.Errorf("replay events: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
	for _, ev := range events {
		if ev.ID > b.lastID {
			b.lastID = ev.ID
		}
		if ev.Timestamp.After(b.lastTS) {
			b.lastTS = ev.Timestamp
		}
	}
	slog.Info("bus replayed", "events", len(events), "last_id", b.lastID)
	return nil
}

// Publish assigns the event a fresh id and timestamp and appends it.
// Nothing is appended when the ledger write fails.
func (b *Bus) Publish(ctx context.Context, ev Event) (Event, error) {
	if ev.ClusterID == "" {
		return Event{}, errors.New("publish: missing cluster id")
	}
	if ev.Topic == "" {
		return Event{}, errors.New("publish: missing topic")
	}

	b.mu.Lock()
	ev.ID = b.lastID + 1
	ev.Timestamp = b.tickLocked()
	if b.ledger != nil {
		if err := b.ledger.AppendEvent(ctx, ev); err != nil {
			b.mu.Unlock()
			return Event{}, fmt.Errorf("append event: %w", err)
		}
	}
	b.lastID = ev.ID
	b.lastTS = ev.Timestamp
	b.events = append(b.events, ev)

	// Delivery is queued under the write lock so every subscriber sees append order.
	b.subMu.Lock()
	for _, s := range b.subs {
		s.push(ev)
	}
	b.subMu.Unlock()
	b.mu.Unlock()

	return ev, nil
}

// Now reserves a timestamp after every published event and before every later one.
func (b *Bus) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts := b.tickLocked()
	b.lastTS = ts
	return ts
}

func (b *Bus) tickLocked() time.Time {
	ts := b.clock().UTC()
	if !ts.After(b.lastTS) {
		ts = b.lastTS.Add(time.Nanosecond)
	}
	return ts
}

// Query returns a copy of all matching events in append order.
func (b *Bus) Query(f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := range b.events {
		if f.match(&b.events[i]) {
			out = append(out, b.events[i])
		}
	}
	return out
}

// LastID returns the id of the most recently appended event.
func (b *Bus) LastID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastID
}

// Subscribe delivers every event appended after the call to fn, in order, on a
// dedicated goroutine. The returned func stops delivery.
func (b *Bus) Subscribe(fn func(Event)) func() {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = s
	b.subMu.Unlock()

	go s.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subMu.Lock()
			delete(b.subs, id)
			b.subMu.Unlock()
			close(s.done)
		})
	}
}

type subscription struct {
	fn      func(Event)
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
}

func (s *subscription) push(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(ev)
			}
		}
	}
}
