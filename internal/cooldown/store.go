// Package cooldown provides atomic check-and-reserve throttling for
// background tool dispatch. Counters are global across sessions, keyed
// by (agent, action, user|global); the check and the reservation happen
// under one lock so two concurrent turns can never both pass a window
// that only one should.
package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sortableTime is RFC 3339 with a fixed-width fraction so stored
// timestamps compare correctly as text. RFC3339Nano drops trailing
// fractional zeros and misorders values within the same second.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// Key builds a counter key. userID is empty for global windows.
func Key(agent, action, userID string) string {
	parts := []string{agent, action}
	if userID != "" {
		parts = append(parts, userID)
	}
	return strings.Join(parts, "|")
}

// Store is the SQLite-backed throttle state.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (or creates) the cooldown database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cooldown database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cooldown schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reservations (
		key            TEXT PRIMARY KEY,
		reserved_until TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_events (
		key TEXT NOT NULL,
		ts  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rate_events_key ON rate_events(key, ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Reserve attempts to claim the cooldown window for key. Returns true
// when the window was free and is now reserved for `window`, false when
// a prior reservation is still active. A zero or negative window always
// succeeds without reserving anything.
func (s *Store) Reserve(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var until sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT reserved_until FROM reservations WHERE key = ?`, key).Scan(&until)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("query reservation: %w", err)
	}
	if until.Valid {
		t, perr := time.Parse(time.RFC3339Nano, until.String)
		if perr == nil && t.After(now) {
			return false, nil
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reservations (key, reserved_until) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET reserved_until = excluded.reserved_until`,
		key, now.Add(window).Format(sortableTime),
	)
	if err != nil {
		return false, fmt.Errorf("write reservation: %w", err)
	}
	return true, nil
}

// ReserveRate attempts to consume one unit of key's hourly budget.
// Returns true when the budget had room (the unit is consumed), false
// when the cap is already reached (nothing is consumed). A zero or
// negative cap always succeeds.
func (s *Store) ReserveRate(ctx context.Context, key string, maxPerHour int) (bool, error) {
	if maxPerHour <= 0 {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cutoff := now.Add(-1 * time.Hour).Format(sortableTime)

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_events WHERE key = ? AND ts > ?`, key, cutoff).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count rate events: %w", err)
	}
	if count >= maxPerHour {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rate_events (key, ts) VALUES (?, ?)`,
		key, now.Format(sortableTime),
	)
	if err != nil {
		return false, fmt.Errorf("insert rate event: %w", err)
	}

	// Opportunistic cleanup of stale events for this key.
	_, _ = s.db.ExecContext(ctx, `DELETE FROM rate_events WHERE key = ? AND ts <= ?`, key, cutoff)

	return true, nil
}
