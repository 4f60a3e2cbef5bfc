// Package checkpoint persists resumable state for background runs that
// hit the continuation cap. A later scheduled run picks up the saved
// record and continues from where the capped run stopped instead of
// starting the task list over.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Reasons a checkpoint was written.
const (
	ReasonContinuationCap = "continuation-cap"
	ReasonShutdown        = "shutdown"
)

// ErrNotFound is returned when no checkpoint exists with the given id.
var ErrNotFound = errors.New("checkpoint not found")

// sortableTime is RFC 3339 with a fixed-width fraction so created_at
// orders and compares correctly as text. RFC3339Nano drops trailing
// fractional zeros and misorders values within the same second.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one resumable snapshot of a background run.
type Record struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason"`
	// RemainingTasks is what the capped run did not get to.
	RemainingTasks []string `json:"remaining_tasks"`
	// CompletedActions summarizes what already executed, so the resumed
	// run does not repeat it.
	CompletedActions []string   `json:"completed_actions,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ResumedAt        *time.Time `json:"resumed_at,omitempty"`
}

// Store handles checkpoint persistence.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the checkpoint database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id                TEXT PRIMARY KEY,
			run_id            TEXT NOT NULL,
			agent_id          TEXT NOT NULL,
			session_id        TEXT,
			reason            TEXT NOT NULL,
			remaining_tasks   TEXT NOT NULL,
			completed_actions TEXT,
			created_at        TEXT NOT NULL,
			resumed_at        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_agent
			ON checkpoints(agent_id, created_at DESC);
	`)
	return err
}

// Save persists a new checkpoint and returns it with ID populated.
func (s *Store) Save(ctx context.Context, rec Record) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	rec.ID = id.String()
	rec.CreatedAt = time.Now().UTC()

	remaining, err := json.Marshal(rec.RemainingTasks)
	if err != nil {
		return nil, fmt.Errorf("marshal remaining tasks: %w", err)
	}
	completed, err := json.Marshal(rec.CompletedActions)
	if err != nil {
		return nil, fmt.Errorf("marshal completed actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, run_id, agent_id, session_id, reason, remaining_tasks, completed_actions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.RunID, rec.AgentID, rec.SessionID, rec.Reason,
		string(remaining), string(completed), rec.CreatedAt.Format(sortableTime))
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return &rec, nil
}

// Get retrieves a checkpoint by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, agent_id, session_id, reason, remaining_tasks, completed_actions, created_at, resumed_at
		FROM checkpoints WHERE id = ?
	`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// LatestUnresumed returns the agent's newest checkpoint that has not
// been picked up yet, or nil if none exists.
func (s *Store) LatestUnresumed(ctx context.Context, agentID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, agent_id, session_id, reason, remaining_tasks, completed_actions, created_at, resumed_at
		FROM checkpoints
		WHERE agent_id = ? AND resumed_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, agentID)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// MarkResumed stamps a checkpoint as picked up. A checkpoint is resumed
// at most once: the NULL predicate is part of the UPDATE.
func (s *Store) MarkResumed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET resumed_at = ? WHERE id = ? AND resumed_at IS NULL
	`, time.Now().UTC().Format(sortableTime), id)
	if err != nil {
		return fmt.Errorf("mark resumed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("checkpoint %s already resumed or missing", id)
	}
	return nil
}

// Prune removes resumed checkpoints older than the given duration.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE resumed_at IS NOT NULL AND created_at < ?
	`, cutoff.Format(sortableTime))
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scan(row *sql.Row) (*Record, error) {
	var rec Record
	var sessionID, completed, resumedAt sql.NullString
	var remaining, createdAt string

	err := row.Scan(&rec.ID, &rec.RunID, &rec.AgentID, &sessionID, &rec.Reason,
		&remaining, &completed, &createdAt, &resumedAt)
	if err != nil {
		return nil, err
	}

	if sessionID.Valid {
		rec.SessionID = sessionID.String
	}
	if err := json.Unmarshal([]byte(remaining), &rec.RemainingTasks); err != nil {
		return nil, fmt.Errorf("unmarshal remaining tasks: %w", err)
	}
	if completed.Valid && completed.String != "" {
		if err := json.Unmarshal([]byte(completed.String), &rec.CompletedActions); err != nil {
			return nil, fmt.Errorf("unmarshal completed actions: %w", err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if resumedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resumedAt.String)
		rec.ResumedAt = &t
	}
	return &rec, nil
}
