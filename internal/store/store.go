package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/conclave/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The ledger is written by one bus; a single connection keeps the pragmas below in effect.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS clusters (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			state       TEXT NOT NULL DEFAULT 'pending',
			config      TEXT NOT NULL,
			task        TEXT NOT NULL DEFAULT '',
			isolation   BOOLEAN DEFAULT FALSE,
			reason      TEXT,
			created_at  INTEGER NOT NULL,
			finished_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_created ON clusters(created_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id          INTEGER PRIMARY KEY,
			cluster_id  TEXT NOT NULL,
			topic       TEXT NOT NULL,
			sender      TEXT NOT NULL,
			ts          INTEGER NOT NULL,
			text        TEXT,
			data        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_cluster ON events(cluster_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_topic ON events(cluster_id, topic)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Schema additions (idempotent ALTER TABLE)
	alterations := []string{
		`ALTER TABLE clusters ADD COLUMN isolation BOOLEAN DEFAULT FALSE`,
	}
	for _, a := range alterations {
		_, _ = s.db.Exec(a) // ignore "duplicate column" errors
	}

	return nil
}
