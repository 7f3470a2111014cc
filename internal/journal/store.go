// Package journal keeps a local SQLite record of confirmed transitions so the
// history survives broker outages and restarts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sweeney/gasmeter-sensor/internal/logic"
)

// DefaultRecentLimit is the number of entries served when no limit is given.
const DefaultRecentLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL CHECK(direction IN ('HIGH','LOW')),
	occurred_at TEXT NOT NULL,
	published INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS events_occurred_at ON events(occurred_at);
`

// tsLayout is fixed-width so occurred_at sorts lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one journalled transition.
type Entry struct {
	ID        string          `json:"id"`
	Direction logic.Direction `json:"direction"`
	Timestamp time.Time       `json:"timestamp"`
	Published bool            `json:"published"`
}

// Store is the event journal. A nil *Store is a disabled journal: writes are
// dropped and reads return nothing.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod journal path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends a transition. published reports whether the MQTT publish
// was accepted (sent or buffered).
func (s *Store) Record(ctx context.Context, event logic.Event, published bool) (Entry, error) {
	entry := Entry{
		ID:        uuid.NewString(),
		Direction: event.Direction,
		Timestamp: event.Timestamp.UTC(),
		Published: published,
	}
	if s == nil || s.db == nil {
		return entry, nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(id, direction, occurred_at, published)
VALUES (?, ?, ?, ?)
`, entry.ID, string(entry.Direction), ts(entry.Timestamp), boolToInt(published))
	if err != nil {
		return Entry{}, fmt.Errorf("insert event: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// means DefaultRecentLimit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, direction, occurred_at, published
FROM events
ORDER BY occurred_at DESC, rowid DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			direction  string
			occurredAt string
			published  int
		)
		if err := rows.Scan(&e.ID, &direction, &occurredAt, &published); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		t, err := parseTS(occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse occurred_at %q: %w", occurredAt, err)
		}
		e.Direction = logic.Direction(direction)
		e.Timestamp = t
		e.Published = published != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Counts returns the number of journalled transitions per direction.
func (s *Store) Counts(ctx context.Context) (logic.EventCounts, error) {
	var counts logic.EventCounts
	if s == nil || s.db == nil {
		return counts, nil
	}
	err := s.db.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN direction = 'HIGH' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN direction = 'LOW' THEN 1 ELSE 0 END), 0)
FROM events
`).Scan(&counts.High, &counts.Low)
	if err != nil {
		return logic.EventCounts{}, fmt.Errorf("count events: %w", err)
	}
	return counts, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
