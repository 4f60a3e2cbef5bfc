// Package audit provides the durable, append-only record of every
// dispatch decision and the per-run token/cost accounting. Records are
// never mutated or deleted by this core.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one dispatch decision: observed, blocked, or executed.
type Record struct {
	ID        string
	RunID     string
	Timestamp time.Time
	ToolName  string
	Arguments map[string]any
	// Executed is true only when the tool's Execute ran and returned
	// without error.
	Executed bool
	Result   string
	Error    string
	// BlockedReason is non-empty for every blocked dispatch
	// (validation failure, cooldown, rate limit, unknown tool).
	BlockedReason string
}

// UsageRecord is one provider turn's token usage, recorded exactly once
// per turn.
type UsageRecord struct {
	ID           string
	RunID        string
	SessionID    string
	Timestamp    time.Time
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	// Role distinguishes interactive chat from scheduled agents.
	Role string
}

// RunAccounting is the derived per-run rollup. Never persisted
// separately; always computed by summing the run's records.
type RunAccounting struct {
	RunID           string
	InputTokens     int64
	OutputTokens    int64
	CostUSD         float64
	Turns           int
	ActionsLogged   int
	ActionsExecuted int
}

// Store is an append-only SQLite store for audit and usage records.
// All public methods are safe for concurrent use (SQLite serializes
// writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an audit store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id             TEXT PRIMARY KEY,
		run_id         TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		tool_name      TEXT NOT NULL,
		arguments      TEXT NOT NULL,
		executed       INTEGER NOT NULL,
		result         TEXT,
		error          TEXT,
		blocked_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_records(timestamp);

	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		run_id        TEXT NOT NULL,
		session_id    TEXT,
		timestamp     TEXT NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		role          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// sortableTime is RFC 3339 with a fixed-width fraction so timestamp
// columns compare correctly as text. RFC3339Nano drops trailing
// fractional zeros and misorders values within the same second.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate record ID: %w", err)
	}
	return id.String(), nil
}

// RecordDispatch appends one dispatch decision.
func (s *Store) RecordDispatch(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshal argument snapshot: %w", err)
	}

	executed := 0
	if rec.Executed {
		executed = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records
			(id, run_id, timestamp, tool_name, arguments, executed, result, error, blocked_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Timestamp.UTC().Format(sortableTime),
		rec.ToolName, string(args), executed, rec.Result, rec.Error, rec.BlockedReason,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// RecordUsage appends one provider turn's token usage.
func (s *Store) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, run_id, session_id, timestamp, model, provider, input_tokens, output_tokens, cost_usd, role)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.SessionID, rec.Timestamp.UTC().Format(sortableTime),
		rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Role,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Accounting computes the rollup for one run id by summing its records.
func (s *Store) Accounting(ctx context.Context, runID string) (*RunAccounting, error) {
	acc := &RunAccounting{RunID: runID}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE run_id = ?`, runID)
	if err := row.Scan(&acc.Turns, &acc.InputTokens, &acc.OutputTokens, &acc.CostUSD); err != nil {
		return nil, fmt.Errorf("sum usage records: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(executed), 0) FROM audit_records WHERE run_id = ?`, runID)
	if err := row.Scan(&acc.ActionsLogged, &acc.ActionsExecuted); err != nil {
		return nil, fmt.Errorf("sum audit records: %w", err)
	}

	return acc, nil
}

// RecordsForRun returns the run's audit records in insertion order.
func (s *Store) RecordsForRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, timestamp, tool_name, arguments, executed, result, error, blocked_reason
		 FROM audit_records WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var ts, args string
		var executed int
		var result, errMsg, blocked sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &ts, &rec.ToolName, &args, &executed, &result, &errMsg, &blocked); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if err := json.Unmarshal([]byte(args), &rec.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal argument snapshot: %w", err)
		}
		rec.Executed = executed == 1
		if result.Valid {
			rec.Result = result.String
		}
		if errMsg.Valid {
			rec.Error = errMsg.String
		}
		if blocked.Valid {
			rec.BlockedReason = blocked.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// UsageSummary returns aggregate usage for records within [start, end).
func (s *Store) UsageSummary(ctx context.Context, start, end time.Time) (*RunAccounting, error) {
	acc := &RunAccounting{}
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(sortableTime), end.UTC().Format(sortableTime))
	if err := row.Scan(&acc.Turns, &acc.InputTokens, &acc.OutputTokens, &acc.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return acc, nil
}
