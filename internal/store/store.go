package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded by the lifecycle controller.
const (
	EventLaunch        = "launch"
	EventReady         = "ready"
	EventStartupFailed = "startup_failed"
	EventIndexing      = "indexing"
	EventCrash         = "crash"
	EventShutdown      = "shutdown"
)

// Event is one lifecycle history record. Detail carries the failure kind,
// skip reason, or similar short context.
type Event struct {
	ID         int64
	Kind       string
	Detail     string
	PID        int
	OccurredAt time.Time
}

// DB persists lifecycle events in a local SQLite file (modernc.org/sqlite,
// CGO-free). Use ":memory:" for tests. The controller treats the store as
// best-effort: write errors are logged by the caller, never propagated.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty history db path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lifecycle_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_kind ON lifecycle_events(kind);`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_occurred ON lifecycle_events(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Append records one event. OccurredAt defaults to now.
func (s *DB) Append(ctx context.Context, e Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lifecycle_events(kind, detail, pid, occurred_at)
		VALUES(?, ?, ?, ?);`,
		e.Kind, e.Detail, e.PID, at.UTC())
	return err
}

// Recent returns up to limit events, newest first.
func (s *DB) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, detail, pid, occurred_at
		FROM lifecycle_events
		ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Detail, &e.PID, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
