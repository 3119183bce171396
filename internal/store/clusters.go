package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type ClusterRecord struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	State      string          `json:"state"`
	Config     json.RawMessage `json:"config"`
	Task       string          `json:"task"`
	Isolation  bool            `json:"isolation"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

const clusterColumns = `id, name, state, config, task, isolation, reason, created_at, finished_at`

func scanCluster(scanner interface {
	Scan(dest ...any) error
}) (*ClusterRecord, error) {
	r := &ClusterRecord{}
	var config string
	var reason *string
	var created int64
	var finished *int64
	err := scanner.Scan(&r.ID, &r.Name, &r.State, &config, &r.Task, &r.Isolation, &reason, &created, &finished)
	if err != nil {
		return nil, err
	}
	r.Config = json.RawMessage(config)
	if reason != nil {
		r.Reason = *reason
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	if finished != nil {
		t := time.Unix(0, *finished).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *Store) SaveCluster(ctx context.Context, r *ClusterRecord) error {
	var finished *int64
	if r.FinishedAt != nil {
		n := r.FinishedAt.UnixNano()
		finished = &n
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters (`+clusterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			finished_at = excluded.finished_at`,
		r.ID, r.Name, r.State, string(r.Config), r.Task, r.Isolation, r.Reason, r.CreatedAt.UnixNano(), finished)
	if err != nil {
		return fmt.Errorf("save cluster: %w", err)
	}
	return nil
}

// UpdateClusterState records a transition. finishedAt is set for terminal states only.
func (s *Store) UpdateClusterState(ctx context.Context, id, state, reason string, finishedAt *time.Time) error {
	var finished *int64
	if finishedAt != nil {
		n := finishedAt.UnixNano()
		finished = &n
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE clusters
		SET state = ?, reason = ?, finished_at = COALESCE(?, finished_at)
		WHERE id = ?`, state, reason, finished, id)
	if err != nil {
		return fmt.Errorf("update cluster state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update cluster state: cluster %s not found", id)
	}
	return nil
}

func (s *Store) GetCluster(ctx context.Context, id string) (*ClusterRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	r, err := scanCluster(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return r, nil
}

func (s *Store) ListClusters(ctx context.Context) ([]ClusterRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []ClusterRecord
	for rows.Next() {
		r, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, *r)
	}
	return clusters, rows.Err()
}
