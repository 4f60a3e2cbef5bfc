// Package session provides the durable conversation transcript and
// pending-action storage. Records are append-only: messages are never
// edited in place, and pending actions only move forward through their
// state machine.
package session

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

// Roles for transcript messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PendingState is the lifecycle state of a PendingAction.
type PendingState string

const (
	StatePending  PendingState = "pending"
	StateApproved PendingState = "approved"
	StateRejected PendingState = "rejected"
	StateExpired  PendingState = "expired"
)

// ErrNotPending is returned when a transition targets an action that
// has already left the pending state (or does not exist).
var ErrNotPending = errors.New("pending action is not pending")

// sortableTime is RFC 3339 with a fixed-width fraction. Columns that
// are compared or ordered as text must use it: RFC3339Nano drops
// trailing fractional zeros, so values within the same second misorder
// lexicographically.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// Session is one conversation with its ordered transcript.
type Session struct {
	ID        string
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
}

// Message is a single immutable transcript entry.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	ToolCalls []ToolInvocation
	CreatedAt time.Time
}

// ToolInvocation records one model-requested call within a message.
type ToolInvocation struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Arguments       map[string]any `json:"arguments,omitempty"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	PendingActionID string         `json:"pending_action_id,omitempty"`
}

// PendingAction is a tool invocation awaiting human approval.
type PendingAction struct {
	ID          string
	SessionID   string
	ToolName    string
	Arguments   map[string]any
	ConfirmText string
	State       PendingState
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Result      string
	ExecutedAt  *time.Time
}

// Store is the SQLite-backed session store. Safe for concurrent use
// (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database at the given path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tool_calls TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);

	CREATE TABLE IF NOT EXISTS pending_actions (
		id           TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		tool_name    TEXT NOT NULL,
		arguments    TEXT NOT NULL,
		confirm_text TEXT NOT NULL,
		state        TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		expires_at   TEXT NOT NULL,
		result       TEXT,
		executed_at  TEXT,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_actions(session_id, state);
	CREATE INDEX IF NOT EXISTS idx_pending_expiry ON pending_actions(state, expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to v4 if the clock source
// fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateSession creates a new session owned by userID.
func (s *Store) CreateSession(ctx context.Context, userID, title string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        NewID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession loads a session with its full transcript in insertion
// order. Returns sql.ErrNoRows when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM sessions WHERE id = ?`, id)

	var sess Session
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	msgs, err := s.messages(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	sess.Messages = msgs
	return &sess, nil
}

// DeleteSession removes a session, its transcript, and its pending
// actions (cascade).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// AppendMessage appends one immutable message to the transcript.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.Role, msg.Content, toolCalls,
		msg.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return &msg, nil
}

// RecentWindow returns the most recent n messages in insertion order.
// The full transcript stays in the store; callers never load and slice
// the whole history.
func (s *Store) RecentWindow(ctx context.Context, sessionID string, n int) ([]Message, error) {
	return s.messages(ctx, sessionID, n)
}

// messages loads the transcript; limit 0 means all, otherwise the most
// recent limit entries. Result is always in insertion order.
func (s *Store) messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	query := `SELECT id, role, content, tool_calls, created_at FROM messages WHERE session_id = ? ORDER BY rowid`
	args := []any{sessionID}
	if limit > 0 {
		// Grab the tail, then restore insertion order.
		query = `SELECT id, role, content, tool_calls, created_at FROM (
			SELECT rowid AS rid, id, role, content, tool_calls, created_at
			FROM messages WHERE session_id = ? ORDER BY rid DESC LIMIT ?
		) ORDER BY rid`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var toolCalls sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCalls, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SessionID = sessionID
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreatePendingAction persists a new pending action. State is always
// pending on creation.
func (s *Store) CreatePendingAction(ctx context.Context, pa *PendingAction) error {
	if pa.ID == "" {
		pa.ID = NewID()
	}
	if pa.CreatedAt.IsZero() {
		pa.CreatedAt = time.Now().UTC()
	}
	pa.State = StatePending

	raw, err := json.Marshal(pa.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_actions
			(id, session_id, tool_name, arguments, confirm_text, state, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pa.ID, pa.SessionID, pa.ToolName, string(raw), pa.ConfirmText, string(pa.State),
		pa.CreatedAt.UTC().Format(sortableTime), pa.ExpiresAt.UTC().Format(sortableTime),
	)
	if err != nil {
		return fmt.Errorf("insert pending action: %w", err)
	}
	return nil
}

// GetPendingAction loads one pending action by id. Returns
// sql.ErrNoRows when absent.
func (s *Store) GetPendingAction(ctx context.Context, id string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, tool_name, arguments, confirm_text, state, created_at, expires_at, result, executed_at
		 FROM pending_actions WHERE id = ?`, id)
	return scanPendingAction(row)
}

// TransitionPendingAction flips an action out of the pending state.
// The pending predicate is part of the UPDATE, so a row that already
// reached a terminal state is never touched; ErrNotPending is returned
// in that case. For approvals, result and execution time land in the
// same statement as the state flip, so an action is never observably
// approved without its result.
func (s *Store) TransitionPendingAction(ctx context.Context, id string, newState PendingState, result string) error {
	if newState == StatePending {
		return fmt.Errorf("cannot transition to pending")
	}

	var res sql.Result
	var err error
	if newState == StateApproved {
		res, err = s.db.ExecContext(ctx,
			`UPDATE pending_actions SET state = ?, result = ?, executed_at = ?
			 WHERE id = ? AND state = ?`,
			string(newState), result, time.Now().UTC().Format(sortableTime),
			id, string(StatePending),
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE pending_actions SET state = ? WHERE id = ? AND state = ?`,
			string(newState), id, string(StatePending),
		)
	}
	if err != nil {
		return fmt.Errorf("transition pending action: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// ListPendingActions returns a session's actions, optionally filtered
// by state ("" = all), newest first.
func (s *Store) ListPendingActions(ctx context.Context, sessionID string, state PendingState) ([]*PendingAction, error) {
	query := `SELECT id, session_id, tool_name, arguments, confirm_text, state, created_at, expires_at, result, executed_at
		FROM pending_actions WHERE session_id = ?`
	args := []any{sessionID}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	defer rows.Close()

	var actions []*PendingAction
	for rows.Next() {
		pa, err := scanPendingActionRow(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, pa)
	}
	return actions, rows.Err()
}

// SweepExpired flips every pending action past its expiry to expired
// in one batch. Idempotent and safe to run concurrently with
// approvals: the pending predicate lives in the UPDATE itself, so rows
// that reach a terminal state between selection and update are never
// touched. Returns the number of rows expired.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET state = ? WHERE state = ? AND expires_at <= ?`,
		string(StateExpired), string(StatePending), now.UTC().Format(sortableTime),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingAction(row *sql.Row) (*PendingAction, error) {
	return scanPA(row)
}

func scanPendingActionRow(rows *sql.Rows) (*PendingAction, error) {
	return scanPA(rows)
}

func scanPA(r rowScanner) (*PendingAction, error) {
	var pa PendingAction
	var args, state, createdAt, expiresAt string
	var result, executedAt sql.NullString

	err := r.Scan(&pa.ID, &pa.SessionID, &pa.ToolName, &args, &pa.ConfirmText,
		&state, &createdAt, &expiresAt, &result, &executedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &pa.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	pa.State = PendingState(state)
	pa.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	pa.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if result.Valid {
		pa.Result = result.String
	}
	if executedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, executedAt.String)
		pa.ExecutedAt = &t
	}
	return &pa, nil
}
