package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/conclave/internal/bus"
)

const eventColumns = `id, cluster_id, topic, sender, ts, text, data`

func scanEvent(scanner interface {
	Scan(dest ...any) error
}) (bus.Event, error) {
	var ev bus.Event
	var ts int64
	var text, data *string
	if err := scanner.Scan(&ev.ID, &ev.ClusterID, &ev.Topic, &ev.Sender, &ts, &text, &data); err != nil {
		return ev, err
	}
	ev.Timestamp = time.Unix(0, ts).UTC()
	if text != nil {
		ev.Content.Text = *text
	}
	if data != nil {
		ev.Content.Data = json.RawMessage(*data)
	}
	return ev, nil
}

// AppendEvent writes one event row. The id comes from the bus.
func (s *Store) AppendEvent(ctx context.Context, ev bus.Event) error {
	var data *string
	if len(ev.Content.Data) > 0 {
		d := string(ev.Content.Data)
		data = &d
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ClusterID, ev.Topic, ev.Sender, ev.Timestamp.UnixNano(), ev.Content.Text, data)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// LoadEvents returns every event in append order.
func (s *Store) LoadEvents(ctx context.Context) ([]bus.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListEvents returns a cluster's events, optionally restricted to one topic.
func (s *Store) ListEvents(ctx context.Context, clusterID, topic string) ([]bus.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE cluster_id = ?`
	args := []any{clusterID}
	if topic != "" {
		query += ` AND topic = ?`
		args = append(args, topic)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

type EventStats struct {
	ClusterID string
	Count     int
	LastAt    time.Time
}

// GetEventStats returns per-cluster event counts and the time of the last event.
func (s *Store) GetEventStats(ctx context.Context) (map[string]EventStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cluster_id, COUNT(*), MAX(ts)
		FROM events
		GROUP BY cluster_id`)
	if err != nil {
		return nil, fmt.Errorf("get event stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]EventStats)
	for rows.Next() {
		var es EventStats
		var last int64
		if err := rows.Scan(&es.ClusterID, &es.Count, &last); err != nil {
			return nil, fmt.Errorf("scan event stats: %w", err)
		}
		es.LastAt = time.Unix(0, last).UTC()
		stats[es.ClusterID] = es
	}
	return stats, rows.Err()
}

func collectEvents(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]bus.Event, error) {
	var events []bus.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
