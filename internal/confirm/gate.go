// Package confirm implements the human-approval gate for consequential
// tool calls. Gated calls are parked as pending actions; a later
// approval executes the stored call, a rejection or expiry discards it.
// Resolution is one-way: once an action leaves the pending state it
// never returns, and concurrent resolutions cannot double-execute.
package confirm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
)

// ErrNotFound is returned when no action exists with the given id.
var ErrNotFound = errors.New("pending action not found")

// ConflictError is returned when a resolution targets an action that has
// already reached a terminal state. The message names the state the
// action is actually in, so callers can surface it verbatim.
type ConflictError struct {
	ID    string
	State session.PendingState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pending action %s is already %s", e.ID, e.State)
}

// Notifier is told about new pending actions so an approver can be
// reached out-of-band. Failures are logged, never propagated: a broken
// notification channel must not lose the pending action itself.
type Notifier interface {
	PendingActionCreated(ctx context.Context, pa *session.PendingAction)
}

// Gate owns the pending-action lifecycle.
type Gate struct {
	store    *session.Store
	registry *tools.Registry
	audit    *audit.Store
	bus      *events.Bus
	notifier Notifier
	expiry   time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*actionLock
}

// actionLock serializes resolutions of one action id. refs counts the
// resolvers holding or waiting on the lock so the entry can be dropped
// once the last one leaves.
type actionLock struct {
	mu   sync.Mutex
	refs int
}

// NewGate creates a confirmation gate. notifier and bus may be nil.
func NewGate(store *session.Store, registry *tools.Registry, auditStore *audit.Store, bus *events.Bus, notifier Notifier, expiry time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		store:    store,
		registry: registry,
		audit:    auditStore,
		bus:      bus,
		notifier: notifier,
		expiry:   expiry,
		logger:   logger.With("component", "confirm"),
		locks:    make(map[string]*actionLock),
	}
}

// lockAction claims the resolution lock for one action id. Approve and
// Reject hold it across their check-then-act sequence, so two resolvers
// of the same action can never both observe the pending state. The
// returned func releases the lock.
func (g *Gate) lockAction(id string) func() {
	g.mu.Lock()
	l := g.locks[id]
	if l == nil {
		l = &actionLock{}
		g.locks[id] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, id)
		}
		g.mu.Unlock()
	}
}

// Create parks a gated tool call as a pending action and notifies the
// approver. The call is not executed. Returns the stored action so the
// caller can surface its id and confirmation text.
func (g *Gate) Create(ctx context.Context, sessionID, runID string, call llm.ToolCall) (*session.PendingAction, error) {
	tool := g.registry.Get(call.Name)
	if tool == nil {
		return nil, fmt.Errorf("create pending action: %w", &tools.ErrUnknownTool{ToolName: call.Name})
	}

	confirmText := fmt.Sprintf("Approve %s?", call.Name)
	if c, ok := tool.(tools.Confirmer); ok {
		confirmText = c.ConfirmationMessage(call.Arguments)
	}

	now := time.Now().UTC()
	pa := &session.PendingAction{
		SessionID:   sessionID,
		ToolName:    call.Name,
		Arguments:   call.Arguments,
		ConfirmText: confirmText,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.expiry),
	}
	if err := g.store.CreatePendingAction(ctx, pa); err != nil {
		return nil, fmt.Errorf("create pending action: %w", err)
	}

	if err := g.audit.RecordDispatch(ctx, audit.Record{
		RunID:         runID,
		ToolName:      call.Name,
		Arguments:     call.Arguments,
		Executed:      false,
		BlockedReason: "awaiting confirmation",
	}); err != nil {
		g.logger.Error("record pending dispatch", "error", err, "pending_id", pa.ID)
	}

	g.bus.Publish(events.Event{
		Source: events.SourceConfirm,
		Kind:   events.KindPendingCreated,
		Data: map[string]any{
			"pending_id": pa.ID,
			"session_id": sessionID,
			"tool":       call.Name,
		},
	})

	if g.notifier != nil {
		g.notifier.PendingActionCreated(ctx, pa)
	}

	g.logger.Info("pending action created",
		"pending_id", pa.ID, "tool", call.Name, "session_id", sessionID,
		"expires_at", pa.ExpiresAt)
	return pa, nil
}

// Approve executes the stored call and flips the action to approved.
// Resolutions of one action are serialized: a concurrent approver waits,
// then finds the action already resolved and gets a ConflictError, so
// the call executes at most once no matter how many times the approve
// button is pressed. An action past its expiry cannot be approved even
// if the sweeper has not run yet.
func (g *Gate) Approve(ctx context.Context, id string, ec tools.ExecContext) (*session.PendingAction, error) {
	unlock := g.lockAction(id)
	defer unlock()

	pa, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pa.State != session.StatePending {
		return nil, &ConflictError{ID: id, State: pa.State}
	}
	if time.Now().After(pa.ExpiresAt) {
		// Lazily expire rather than approve a stale action. A sweep
		// racing us here is harmless: both write the same state.
		if err := g.store.TransitionPendingAction(ctx, id, session.StateExpired, ""); err != nil && !errors.Is(err, session.ErrNotPending) {
			return nil, fmt.Errorf("expire stale action: %w", err)
		}
		g.publishResolved(id, session.StateExpired)
		return nil, &ConflictError{ID: id, State: session.StateExpired}
	}

	tool := g.registry.Get(pa.ToolName)
	if tool == nil {
		// Tool was unregistered since the action was parked.
		return nil, fmt.Errorf("approve pending action: %w", &tools.ErrUnknownTool{ToolName: pa.ToolName})
	}

	result, execErr := tool.Execute(ctx, ec, pa.Arguments)
	if execErr != nil {
		result = fmt.Sprintf("Error: %v", execErr)
	}

	// The execution happened; it goes on the audit trail even if the
	// flip below loses to the expiry sweeper.
	rec := audit.Record{
		RunID:     ec.RunID,
		ToolName:  pa.ToolName,
		Arguments: pa.Arguments,
		Executed:  execErr == nil,
		Result:    result,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := g.audit.RecordDispatch(ctx, rec); err != nil {
		g.logger.Error("record approved dispatch", "error", err, "pending_id", id)
	}

	if err := g.store.TransitionPendingAction(ctx, id, session.StateApproved, result); err != nil {
		if errors.Is(err, session.ErrNotPending) {
			// The sweeper expired the action while the tool ran. The
			// predicate in the UPDATE keeps the stored state intact.
			fresh, lerr := g.load(ctx, id)
			if lerr != nil {
				return nil, lerr
			}
			return nil, &ConflictError{ID: id, State: fresh.State}
		}
		return nil, fmt.Errorf("approve pending action: %w", err)
	}

	g.publishResolved(id, session.StateApproved)
	g.logger.Info("pending action approved",
		"pending_id", id, "tool", pa.ToolName, "ok", execErr == nil)

	return g.load(ctx, id)
}

// Reject flips the action to rejected without executing anything.
// Serialized with Approve, so a rejection can never interleave with an
// in-flight approval of the same action.
func (g *Gate) Reject(ctx context.Context, id, runID string) (*session.PendingAction, error) {
	unlock := g.lockAction(id)
	defer unlock()

	pa, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if pa.State != session.StatePending {
		return nil, &ConflictError{ID: id, State: pa.State}
	}

	if err := g.store.TransitionPendingAction(ctx, id, session.StateRejected, ""); err != nil {
		if errors.Is(err, session.ErrNotPending) {
			fresh, lerr := g.load(ctx, id)
			if lerr != nil {
				return nil, lerr
			}
			return nil, &ConflictError{ID: id, State: fresh.State}
		}
		return nil, fmt.Errorf("reject pending action: %w", err)
	}

	if err := g.audit.RecordDispatch(ctx, audit.Record{
		RunID:         runID,
		ToolName:      pa.ToolName,
		Arguments:     pa.Arguments,
		Executed:      false,
		BlockedReason: "rejected by user",
	}); err != nil {
		g.logger.Error("record rejected dispatch", "error", err, "pending_id", id)
	}

	g.publishResolved(id, session.StateRejected)
	g.logger.Info("pending action rejected", "pending_id", id, "tool", pa.ToolName)
	return g.load(ctx, id)
}

// Sweep expires every pending action past its deadline. Safe to run on
// a timer alongside live approvals. Returns the number expired.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	n, err := g.store.SweepExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep pending actions: %w", err)
	}
	if n > 0 {
		g.bus.Publish(events.Event{
			Source: events.SourceConfirm,
			Kind:   events.KindPendingResolved,
			Data:   map[string]any{"state": string(session.StateExpired), "count": n},
		})
		g.logger.Info("expired pending actions", "count", n)
	}
	return n, nil
}

// RunSweeper expires stale actions on a fixed interval until the
// context is cancelled.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Pending lists a session's unresolved actions, newest first.
func (g *Gate) Pending(ctx context.Context, sessionID string) ([]*session.PendingAction, error) {
	return g.store.ListPendingActions(ctx, sessionID, session.StatePending)
}

// Get loads one action regardless of state.
func (g *Gate) Get(ctx context.Context, id string) (*session.PendingAction, error) {
	return g.load(ctx, id)
}

func (g *Gate) load(ctx context.Context, id string) (*session.PendingAction, error) {
	pa, err := g.store.GetPendingAction(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load pending action: %w", err)
	}
	return pa, nil
}

func (g *Gate) publishResolved(id string, state session.PendingState) {
	g.bus.Publish(events.Event{
		Source: events.SourceConfirm,
		Kind:   events.KindPendingResolved,
		Data:   map[string]any{"pending_id": id, "state": string(state)},
	})
}
