// Package store persists streams, events and inference logs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	_ "modernc.org/sqlite"

	"vigil/internal/log"
)

// Sentinel errors surfaced to the API layer.
var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrEventNotFound  = errors.New("event not found")
	ErrTerminalStatus = errors.New("event status is terminal")
)

// Store wraps the SQLite handle and hands out repositories.
type Store struct {
	db *sql.DB
}

// Open connects to the SQLite database at path and applies pragmas for
// concurrent access.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &Store{db: db}, nil
}

// OpenWithRetry opens the database, retrying a handful of times before
// giving up so the process can outwait a slow volume mount.
func OpenWithRetry(ctx context.Context, path string) (*Store, error) {
	lg := log.WithComponent("store")

	return retry.DoWithData(
		func() (*Store, error) {
			s, err := Open(path)
			if err != nil {
				return nil, err
			}
			if err := s.Migrate(); err != nil {
				s.Close()
				return nil, err
			}
			return s, nil
		},
		retry.Attempts(5),
		retry.Delay(3*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			lg.Warn().Uint("attempt", n+1).Err(err).Msg("database open failed, retrying")
		}),
	)
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			stream_type TEXT NOT NULL,
			location TEXT DEFAULT '',
			target_fps INTEGER NOT NULL DEFAULT 30,
			resize_width INTEGER NOT NULL DEFAULT 640,
			resize_height INTEGER NOT NULL DEFAULT 360,
			custom_threshold REAL,
			custom_window_seconds REAL,
			is_active INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'created',
			last_frame_at DATETIME,
			last_error TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			stream_id TEXT NOT NULL,
			stream_name TEXT NOT NULL,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			duration_seconds REAL,
			max_confidence REAL NOT NULL,
			avg_confidence REAL NOT NULL,
			min_confidence REAL NOT NULL,
			frame_count INTEGER NOT NULL DEFAULT 0,
			severity TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			clip_path TEXT,
			clip_duration REAL,
			thumbnail_path TEXT,
			person_images TEXT,
			reviewed_at DATETIME,
			reviewed_by TEXT,
			notes TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS inference_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			violence_score REAL NOT NULL,
			smoothed_score REAL NOT NULL,
			inference_ms REAL NOT NULL,
			frame_count INTEGER NOT NULL,
			window_start DATETIME NOT NULL,
			window_end DATETIME NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_stream_start ON events(stream_id, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status ON events(status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_status_severity_start ON events(status, severity, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_active ON streams(is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_inference_logs_stream_time ON inference_logs(stream_id, window_end DESC)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Streams returns the stream repository.
func (s *Store) Streams() *StreamRepository {
	return &StreamRepository{db: s.db}
}

// Events returns the event repository.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

// InferenceLogs returns the inference log repository.
func (s *Store) InferenceLogs() *InferenceLogRepository {
	return &InferenceLogRepository{db: s.db}
}
