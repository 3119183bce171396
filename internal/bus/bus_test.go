package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memLedger struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (l *memLedger) AppendEvent(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.events = append(l.events, ev)
	return nil
}

func (l *memLedger) LoadEvents(context.Context) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...), nil
}

func publish(t *testing.T, b *Bus, cluster, topic, sender, text string) Event {
	t.Helper()
	ev, err := b.Publish(context.Background(), Event{
		ClusterID: cluster,
		Topic:     topic,
		Sender:    sender,
		Content:   Content{Text: text},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return ev
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	b := New(nil)

	e1 := publish(t, b, "c1", "ISSUE_OPENED", "system", "one")
	e2 := publish(t, b, "c1", "PLAN_READY", "planner", "two")

	if e1.ID == 0 || e2.ID <= e1.ID {
		t.Errorf("expected increasing ids, got %d then %d", e1.ID, e2.ID)
	}
	if !e2.Timestamp.After(e1.Timestamp) {
		t.Errorf("expected strictly increasing timestamps, got %v then %v", e1.Timestamp, e2.Timestamp)
	}
}

func TestPublishRejectsMissingFields(t *testing.T) {
	b := New(nil)
	if _, err := b.Publish(context.Background(), Event{Topic: "X"}); err == nil {
		t.Error("expected error for missing cluster id")
	}
	if _, err := b.Publish(context.Background(), Event{ClusterID: "c1"}); err == nil {
		t.Error("expected error for missing topic")
	}
}

func TestQueryFilters(t *testing.T) {
	b := New(nil)
	publish(t, b, "c1", "ISSUE_OPENED", "system", "a")
	mid := publish(t, b, "c1", "PLAN_READY", "planner", "b")
	publish(t, b, "c2", "PLAN_READY", "planner", "c")
	publish(t, b, "c1", "PLAN_READY", "reviewer", "d")

	if got := b.Query(Filter{ClusterID: "c1"}); len(got) != 3 {
		t.Errorf("expected 3 events in c1, got %d", len(got))
	}
	if got := b.Query(Filter{ClusterID: "c1", Topic: "PLAN_READY"}); len(got) != 2 {
		t.Errorf("expected 2 PLAN_READY in c1, got %d", len(got))
	}
	got := b.Query(Filter{ClusterID: "c1", Topic: "PLAN_READY", Sender: "reviewer"})
	if len(got) != 1 || got[0].Content.Text != "d" {
		t.Errorf("expected reviewer event d, got %+v", got)
	}

	// Since is exclusive.
	got = b.Query(Filter{ClusterID: "c1", Since: mid.Timestamp})
	if len(got) != 1 || got[0].Content.Text != "d" {
		t.Errorf("expected only event after mid, got %+v", got)
	}

	if got := b.Query(Filter{}); len(got) != 4 {
		t.Errorf("expected 4 events without filter, got %d", len(got))
	}
}

func TestQueryReturnsCopy(t *testing.T) {
	b := New(nil)
	publish(t, b, "c1", "T", "s", "original")

	got := b.Query(Filter{ClusterID: "c1"})
	got[0].Content.Text = "mutated"

	again := b.Query(Filter{ClusterID: "c1"})
	if again[0].Content.Text != "original" {
		t.Errorf("expected stored event untouched, got %q", again[0].Content.Text)
	}
}

func TestNowOrdersBetweenEvents(t *testing.T) {
	b := New(nil)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.clock = func() time.Time { return frozen }

	before := publish(t, b, "c1", "T", "s", "before")
	created := b.Now()
	after := publish(t, b, "c1", "T", "s", "after")

	if !created.After(before.Timestamp) {
		t.Errorf("expected reserved time after %v, got %v", before.Timestamp, created)
	}
	got := b.Query(Filter{ClusterID: "c1", Since: created})
	if len(got) != 1 || got[0].ID != after.ID {
		t.Errorf("expected only the later event, got %+v", got)
	}
}

func TestConcurrentPublishNoLossNoDuplicates(t *testing.T) {
	b := New(nil)
	const writers, perWriter = 8, 50

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				_, err := b.Publish(context.Background(), Event{
					ClusterID: "c1",
					Topic:     "WORK",
					Sender:    fmt.Sprintf("w%d", w),
					Content:   Content{Text: fmt.Sprint(i)},
				})
				if err != nil {
					t.Errorf("publish: %v", err)
				}
				_ = b.Query(Filter{ClusterID: "c1", Topic: "WORK"})
			}
		}()
	}
	wg.Wait()

	got := b.Query(Filter{ClusterID: "c1", Topic: "WORK"})
	if len(got) != writers*perWriter {
		t.Fatalf("expected %d events, got %d", writers*perWriter, len(got))
	}
	seen := make(map[int64]bool)
	for i, ev := range got {
		if seen[ev.ID] {
			t.Fatalf("duplicate event id %d", ev.ID)
		}
		seen[ev.ID] = true
		if i > 0 && ev.ID <= got[i-1].ID {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestLedgerFailureAppendsNothing(t *testing.T) {
	ledger := &memLedger{fail: errors.New("disk full")}
	b := New(ledger)

	_, err := b.Publish(context.Background(), Event{ClusterID: "c1", Topic: "T"})
	if err == nil {
		t.Fatal("expected ledger error")
	}
	if got := b.Query(Filter{}); len(got) != 0 {
		t.Errorf("expected no events after failed write, got %d", len(got))
	}
	if b.LastID() != 0 {
		t.Errorf("expected last id 0, got %d", b.LastID())
	}
}

func TestReplay(t *testing.T) {
	ledger := &memLedger{}
	b := New(ledger)
	publish(t, b, "c1", "ISSUE_OPENED", "system", "a")
	last := publish(t, b, "c1", "DONE", "worker", "b")

	restarted := New(ledger)
	if err := restarted.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := restarted.Query(Filter{ClusterID: "c1"}); len(got) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(got))
	}

	next := publish(t, restarted, "c1", "MORE", "worker", "c")
	if next.ID <= last.ID || !next.Timestamp.After(last.Timestamp) {
		t.Errorf("expected replayed bus to continue after id %d, got %d", last.ID, next.ID)
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	b := New(nil)

	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})
	unsubscribe := b.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.ID)
		n := len(got)
		mu.Unlock()
		if n == 20 {
			close(done)
		}
	})
	defer unsubscribe()

	for range 20 {
		publish(t, b, "c1", "T", "s", "")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("delivery out of order: %v", got)
		}
	}
}

func TestSubscriberMayPublish(t *testing.T) {
	b := New(nil)
	done := make(chan Event, 1)
	unsubscribe := b.Subscribe(func(ev Event) {
		switch ev.Topic {
		case "PING":
			if _, err := b.Publish(context.Background(), Event{ClusterID: ev.ClusterID, Topic: "PONG", Sender: "echo"}); err != nil {
				t.Errorf("publish from subscriber: %v", err)
			}
		case "PONG":
			done <- ev
		}
	})
	defer unsubscribe()

	publish(t, b, "c1", "PING", "system", "")

	select {
	case ev := <-done:
		if ev.Sender != "echo" {
			t.Errorf("expected echo sender, got %s", ev.Sender)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PONG")
	}
}

func TestEventTree(t *testing.T) {
	content, err := NewContent("hello", map[string]any{"result": map[string]any{"ok": true}})
	if err != nil {
		t.Fatal(err)
	}
	ev := Event{ID: 7, Topic: "T", Sender: "s", Content: content}

	tree := ev.Tree()
	c := tree["content"].(map[string]any)
	if c["text"] != "hello" {
		t.Errorf("expected text hello, got %v", c["text"])
	}
	data := c["data"].(map[string]any)
	if data["result"].(map[string]any)["ok"] != true {
		t.Errorf("expected nested data, got %v", data)
	}
}

func TestDecodeDataMalformed(t *testing.T) {
	c := Content{Data: []byte("{not json")}
	if c.DecodeData() != nil {
		t.Error("expected nil for malformed data")
	}
}
