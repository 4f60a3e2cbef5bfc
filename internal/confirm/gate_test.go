package confirm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
)

// fakeTool is a gated capability that counts its executions.
type fakeTool struct {
	mu      sync.Mutex
	name    string
	result  string
	execErr error
	calls   int
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Description() string           { return "test tool" }
func (f *fakeTool) Parameters() map[string]any    { return map[string]any{"type": "object"} }
func (f *fakeTool) Validate(map[string]any) error { return nil }
func (f *fakeTool) RequiresConfirmation() bool    { return true }

func (f *fakeTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.execErr
}

func (f *fakeTool) ConfirmationMessage(args map[string]any) string {
	return fmt.Sprintf("Run %s with %v?", f.name, args["target"])
}

func (f *fakeTool) executions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type gateFixture struct {
	gate     *Gate
	store    *session.Store
	audit    *audit.Store
	tool     *fakeTool
	session  *session.Session
	registry *tools.Registry
}

func newGateFixture(t *testing.T, expiry time.Duration) *gateFixture {
	t.Helper()
	dir := t.TempDir()

	store, err := session.NewStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auditStore, err := audit.NewStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	sess, err := store.CreateSession(context.Background(), "u1", "gate test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	tool := &fakeTool{name: "assign_shift", result: `{"assigned":true}`}
	registry := tools.NewRegistry()
	registry.Register(tool)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := NewGate(store, registry, auditStore, nil, nil, expiry, logger)

	return &gateFixture{gate: gate, store: store, audit: auditStore, tool: tool, session: sess, registry: registry}
}

func (fx *gateFixture) park(t *testing.T, runID string) *session.PendingAction {
	t.Helper()
	pa, err := fx.gate.Create(context.Background(), fx.session.ID, runID, llm.ToolCall{
		ID:        "t1",
		Name:      fx.tool.name,
		Arguments: map[string]any{"target": "s1"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return pa
}

func TestCreateParksWithoutExecuting(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	ctx := context.Background()

	pa := fx.park(t, "run1")

	if fx.tool.executions() != 0 {
		t.Errorf("tool executed %d times on create, want 0", fx.tool.executions())
	}
	if pa.State != session.StatePending {
		t.Errorf("state = %s, want pending", pa.State)
	}
	if pa.ConfirmText != "Run assign_shift with s1?" {
		t.Errorf("confirm text = %q, want tool-provided message", pa.ConfirmText)
	}
	if pa.ExpiresAt.Before(pa.CreatedAt.Add(29 * time.Minute)) {
		t.Errorf("expiry = %v, want about 30m after creation %v", pa.ExpiresAt, pa.CreatedAt)
	}

	recs, err := fx.audit.RecordsForRun(ctx, "run1")
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	if len(recs) != 1 || recs[0].Executed || recs[0].BlockedReason != "awaiting confirmation" {
		t.Errorf("audit = %+v, want one unexecuted awaiting-confirmation record", recs)
	}
}

func TestCreateUnknownTool(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	_, err := fx.gate.Create(context.Background(), fx.session.ID, "run1", llm.ToolCall{Name: "nope"})
	var unknown *tools.ErrUnknownTool
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %v, want ErrUnknownTool", err)
	}
}

func TestApproveExecutesAndStoresResult(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	ctx := context.Background()
	pa := fx.park(t, "run1")

	got, err := fx.gate.Approve(ctx, pa.ID, tools.ExecContext{RunID: "approval-" + pa.ID})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if fx.tool.executions() != 1 {
		t.Errorf("executions = %d, want 1", fx.tool.executions())
	}
	if got.State != session.StateApproved {
		t.Errorf("state = %s, want approved", got.State)
	}
	if got.Result != `{"assigned":true}` {
		t.Errorf("result = %q, want execution output", got.Result)
	}
	if got.ExecutedAt == nil {
		t.Error("executed_at not set")
	}

	recs, err := fx.audit.RecordsForRun(ctx, "approval-"+pa.ID)
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	if len(recs) != 1 || !recs[0].Executed || recs[0].Result != `{"assigned":true}` {
		t.Errorf("approval audit = %+v, want one executed record with the result", recs)
	}
}

func TestApproveWithFailedExecution(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	fx.tool.execErr = errors.New("shift s1 is already assigned to e2")
	ctx := context.Background()
	pa := fx.park(t, "run1")

	got, err := fx.gate.Approve(ctx, pa.ID, tools.ExecContext{RunID: "approval-" + pa.ID})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	// The approval stands; the failure lands in the stored result.
	if got.State != session.StateApproved {
		t.Errorf("state = %s, want approved", got.State)
	}
	if got.Result != "Error: shift s1 is already assigned to e2" {
		t.Errorf("result = %q, want the execution error", got.Result)
	}

	recs, _ := fx.audit.RecordsForRun(ctx, "approval-"+pa.ID)
	if len(recs) != 1 || recs[0].Executed || recs[0].Error == "" {
		t.Errorf("audit = %+v, want one unexecuted record carrying the error", recs)
	}
}

func TestRejectDoesNotExecute(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	ctx := context.Background()
	pa := fx.park(t, "run1")

	got, err := fx.gate.Reject(ctx, pa.ID, "run1")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if fx.tool.executions() != 0 {
		t.Errorf("executions = %d, want 0 after rejection", fx.tool.executions())
	}
	if got.State != session.StateRejected {
		t.Errorf("state = %s, want rejected", got.State)
	}
	if got.Result != "" {
		t.Errorf("result = %q, want empty for a rejected action", got.Result)
	}
}

// blockingTool parks inside Execute until released, so a test can hold
// one resolution in flight while another arrives.
type blockingTool struct {
	fakeTool
	started chan struct{}
	release chan struct{}
}

func (b *blockingTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
	b.started <- struct{}{}
	<-b.release
	return b.fakeTool.Execute(ctx, ec, args)
}

func TestConcurrentApprovalExecutesOnce(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	ctx := context.Background()

	bt := &blockingTool{
		fakeTool: fakeTool{name: "assign_shift", result: `{"assigned":true}`},
		started:  make(chan struct{}, 2),
		release:  make(chan struct{}),
	}
	fx.registry.Register(bt)
	pa := fx.park(t, "run1")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := fx.gate.Approve(ctx, pa.ID, tools.ExecContext{RunID: "approval-" + pa.ID})
			results <- err
		}()
	}

	// One approver is inside Execute; the other must be waiting, not
	// executing. Release and let both finish.
	<-bt.started
	close(bt.release)

	first, second := <-results, <-results
	var conflict *ConflictError
	switch {
	case first == nil && errors.As(second, &conflict):
	case second == nil && errors.As(first, &conflict):
	default:
		t.Fatalf("results = %v / %v, want one success and one conflict", first, second)
	}
	if conflict.State != session.StateApproved {
		t.Errorf("conflict state = %s, want approved", conflict.State)
	}
	if bt.executions() != 1 {
		t.Errorf("executions = %d, want exactly 1 for one approval", bt.executions())
	}

	recs, err := fx.audit.RecordsForRun(ctx, "approval-"+pa.ID)
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	if len(recs) != 1 || !recs[0].Executed {
		t.Errorf("audit = %+v, want exactly one executed record", recs)
	}
}

func TestDoubleResolveConflicts(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	ctx := context.Background()
	pa := fx.park(t, "run1")

	if _, err := fx.gate.Approve(ctx, pa.ID, tools.ExecContext{}); err != nil {
		t.Fatalf("first approve: %v", err)
	}

	_, err := fx.gate.Reject(ctx, pa.ID, "run1")
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second resolve error = %v, want ConflictError", err)
	}
	if conflict.State != session.StateApproved {
		t.Errorf("conflict names state %s, want approved", conflict.State)
	}
	if fx.tool.executions() != 1 {
		t.Errorf("executions = %d, want exactly 1", fx.tool.executions())
	}
}

func TestApproveAfterExpiry(t *testing.T) {
	fx := newGateFixture(t, -time.Minute) // parked already past its deadline
	ctx := context.Background()
	pa := fx.park(t, "run1")

	_, err := fx.gate.Approve(ctx, pa.ID, tools.ExecContext{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want ConflictError", err)
	}
	if conflict.State != session.StateExpired {
		t.Errorf("conflict state = %s, want expired", conflict.State)
	}
	if fx.tool.executions() != 0 {
		t.Errorf("executions = %d, want 0 for a stale action", fx.tool.executions())
	}

	got, err := fx.gate.Get(ctx, pa.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != session.StateExpired {
		t.Errorf("stored state = %s, want expired", got.State)
	}
}

func TestSweepExpiresStaleActions(t *testing.T) {
	fx := newGateFixture(t, -time.Minute)
	ctx := context.Background()
	fx.park(t, "run1")
	fx.park(t, "run1")

	n, err := fx.gate.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d, want 2", n)
	}

	n, err = fx.gate.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}
}

func TestGetNotFound(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	_, err := fx.gate.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestPendingListsOnlyUnresolved(t *testing.T) {
	fx := newGateFixture(t, 30*time.Minute)
	ctx := context.Background()

	first := fx.park(t, "run1")
	fx.park(t, "run1")
	if _, err := fx.gate.Reject(ctx, first.ID, "run1"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	pending, err := fx.gate.Pending(ctx, fx.session.ID)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].ID == first.ID {
		t.Error("rejected action still listed as pending")
	}
}
