package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/checkpoint"
	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/confirm"
	"github.com/crewline/crewline/internal/cooldown"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
)

// scriptedTurn is one pre-baked provider response.
type scriptedTurn struct {
	text      string
	calls     []llm.ToolCall
	usage     llm.Usage
	streamErr string
}

// fakeClient replays scripted turns in order and records every request
// it receives.
type fakeClient struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []llm.Request
	// onRequest, when set, runs after a request is recorded. Used to
	// cancel the context mid-run.
	onRequest func(turn int)
}

func (c *fakeClient) take(req llm.Request) (scriptedTurn, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	idx := len(c.requests) - 1
	hook := c.onRequest
	c.mu.Unlock()

	if hook != nil {
		hook(idx)
	}
	if idx >= len(c.turns) {
		return scriptedTurn{}, fmt.Errorf("script exhausted at turn %d", idx)
	}
	return c.turns[idx], nil
}

func (c *fakeClient) recorded() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request{}, c.requests...)
}

func (c *fakeClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	turn, err := c.take(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Event, 32)
	if turn.text != "" {
		ch <- llm.Event{Kind: llm.EventText, Text: turn.text}
	}
	if turn.streamErr != "" {
		ch <- llm.Event{Kind: llm.EventError, Err: turn.streamErr}
		close(ch)
		return ch, nil
	}
	for _, call := range turn.calls {
		ch <- llm.Event{Kind: llm.EventToolStart, ToolID: call.ID, ToolName: call.Name}
		ch <- llm.Event{Kind: llm.EventToolComplete, ToolID: call.ID, ToolName: call.Name, Args: call.Arguments}
	}
	ch <- llm.Event{Kind: llm.EventUsage, Usage: turn.usage}
	ch <- llm.Event{Kind: llm.EventDone}
	close(ch)
	return ch, nil
}

func (c *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Turn, error) {
	turn, err := c.take(req)
	if err != nil {
		return nil, err
	}
	if turn.streamErr != "" {
		return nil, errors.New(turn.streamErr)
	}
	return &llm.Turn{Text: turn.text, ToolCalls: turn.calls, Usage: turn.usage}, nil
}

// stubTool is a scriptable registry entry.
type stubTool struct {
	mu       sync.Mutex
	name     string
	confirm  bool
	execErr  error
	cooldown tools.CooldownPolicy
	rate     int
	calls    int
}

func (s *stubTool) Name() string                  { return s.name }
func (s *stubTool) Description() string           { return "stub" }
func (s *stubTool) Parameters() map[string]any    { return map[string]any{"type": "object"} }
func (s *stubTool) Validate(map[string]any) error { return nil }
func (s *stubTool) RequiresConfirmation() bool    { return s.confirm }
func (s *stubTool) Cooldown() tools.CooldownPolicy {
	return s.cooldown
}
func (s *stubTool) RateLimit() tools.RateLimit {
	return tools.RateLimit{MaxPerHour: s.rate}
}

func (s *stubTool) Execute(ctx context.Context, ec tools.ExecContext, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.execErr != nil {
		return "", s.execErr
	}
	return fmt.Sprintf(`{"ok":true,"call":%d}`, s.calls), nil
}

func (s *stubTool) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type loopFixture struct {
	loop        *Loop
	client      *fakeClient
	store       *session.Store
	audit       *audit.Store
	checkpoints *checkpoint.Store
	session     *session.Session
	echo        *stubTool
	gated       *stubTool
	throttled   *stubTool
}

func newLoopFixture(t *testing.T, client *fakeClient, opts Options) *loopFixture {
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

	cooldowns, err := cooldown.NewStore(filepath.Join(dir, "cooldowns.db"))
	if err != nil {
		t.Fatalf("cooldown store: %v", err)
	}
	t.Cleanup(func() { cooldowns.Close() })

	checkpoints, err := checkpoint.NewStore(filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}
	t.Cleanup(func() { checkpoints.Close() })

	sess, err := store.CreateSession(context.Background(), "u1", "loop test")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	echo := &stubTool{name: "echo"}
	gated := &stubTool{name: "gated", confirm: true}
	throttled := &stubTool{name: "throttled", cooldown: tools.CooldownPolicy{Global: time.Hour}}
	registry := tools.NewRegistry()
	registry.Register(echo)
	registry.Register(gated)
	registry.Register(throttled)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := confirm.NewGate(store, registry, auditStore, nil, nil, 30*time.Minute, logger)
	pricing := map[string]config.PricingEntry{
		"test-model": {InputPerMillion: 3, OutputPerMillion: 15},
	}
	loop := NewLoop(client, store, registry, gate, auditStore, cooldowns, checkpoints, nil, pricing, opts, logger)

	return &loopFixture{
		loop: loop, client: client, store: store, audit: auditStore,
		checkpoints: checkpoints, session: sess,
		echo: echo, gated: gated, throttled: throttled,
	}
}

func (fx *loopFixture) run(t *testing.T, req RunRequest) ([]Event, error) {
	t.Helper()
	if req.SessionID == "" {
		req.SessionID = fx.session.ID
	}
	if req.UserID == "" {
		req.UserID = "u1"
	}
	if req.AgentID == "" {
		req.AgentID = "chat"
	}
	if req.Model == "" {
		req.Model = "test-model"
	}
	var events []Event
	err := fx.loop.Run(context.Background(), req, func(ev Event) { events = append(events, ev) })
	return events, err
}

func eventsOfType(events []Event, et EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunPlainAnswer(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{text: "All shifts are covered.", usage: llm.Usage{InputTokens: 100, OutputTokens: 20}},
	}}
	fx := newLoopFixture(t, client, Options{})

	events, err := fx.run(t, RunRequest{UserMessage: "are we covered tomorrow?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var text string
	for _, ev := range eventsOfType(events, EventText) {
		text += ev.Text
	}
	if text != "All shifts are covered." {
		t.Errorf("text = %q", text)
	}

	done := eventsOfType(events, EventDone)
	if len(done) != 1 {
		t.Fatalf("done events = %d, want exactly 1", len(done))
	}
	if done[0].InputTokens != 100 || done[0].OutputTokens != 20 {
		t.Errorf("totals = %d/%d, want 100/20", done[0].InputTokens, done[0].OutputTokens)
	}
	// 100 in * $3/M + 20 out * $15/M = $0.0006, give or take one
	// billable unit of rounding.
	if math.Abs(done[0].CostUSD-0.0006) > 2e-6 {
		t.Errorf("cost = %v, want about 0.0006", done[0].CostUSD)
	}
	if done[0].SoftError != "" {
		t.Errorf("soft error = %q, want none", done[0].SoftError)
	}

	sess, err := fx.store.GetSession(context.Background(), fx.session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("transcript = %d messages, want user + assistant", len(sess.Messages))
	}
	if sess.Messages[1].Content != "All shifts are covered." {
		t.Errorf("assistant message = %q", sess.Messages[1].Content)
	}
}

func TestRunObservedTurnAudited(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{text: "Nothing to do.", usage: llm.Usage{InputTokens: 50, OutputTokens: 10}},
	}}
	fx := newLoopFixture(t, client, Options{})

	events, err := fx.run(t, RunRequest{UserMessage: "status?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	done := eventsOfType(events, EventDone)
	if len(done) != 1 || done[0].RunID == "" {
		t.Fatalf("done = %+v, want one event carrying the run id", done)
	}

	// A turn with no tool calls still leaves one dispatch decision on
	// the audit trail, so the run is never invisible there.
	recs, err := fx.audit.RecordsForRun(context.Background(), done[0].RunID)
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	if len(recs) != 1 || recs[0].Executed || recs[0].ToolName != "" {
		t.Errorf("audit = %+v, want one unexecuted observed record", recs)
	}

	acc, err := fx.audit.Accounting(context.Background(), done[0].RunID)
	if err != nil {
		t.Fatalf("Accounting: %v", err)
	}
	if acc.ActionsLogged != 1 || acc.ActionsExecuted != 0 {
		t.Errorf("accounting = %+v, want 1 logged, 0 executed", acc)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	call := llm.ToolCall{ID: "t1", Name: "echo", Arguments: map[string]any{"v": "x"}}
	client := &fakeClient{turns: []scriptedTurn{
		{text: "Let me check.", calls: []llm.ToolCall{call}, usage: llm.Usage{InputTokens: 10, OutputTokens: 5}},
		{text: "Done.", usage: llm.Usage{InputTokens: 20, OutputTokens: 3}},
	}}
	fx := newLoopFixture(t, client, Options{})

	events, err := fx.run(t, RunRequest{UserMessage: "do the thing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fx.echo.executions() != 1 {
		t.Errorf("executions = %d, want 1", fx.echo.executions())
	}
	results := eventsOfType(events, EventToolResult)
	if len(results) != 1 || results[0].ToolName != "echo" {
		t.Fatalf("tool result events = %+v, want one for echo", results)
	}

	reqs := client.recorded()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	// The continuation prompt pairs the declaration with its result.
	msgs := reqs[1].Messages
	if len(msgs) < 3 {
		t.Fatalf("continuation prompt = %d messages, want user + assistant + tool", len(msgs))
	}
	am, tm := msgs[len(msgs)-2], msgs[len(msgs)-1]
	if am.Role != "assistant" || len(am.ToolCalls) != 1 || am.ToolCalls[0].ID != "t1" {
		t.Errorf("assistant declaration = %+v", am)
	}
	if tm.Role != "tool" || tm.ToolCallID != "t1" || tm.Content == "" {
		t.Errorf("paired result = %+v", tm)
	}

	done := eventsOfType(events, EventDone)
	if len(done) != 1 {
		t.Fatalf("done events = %d, want 1", len(done))
	}
	if done[0].InputTokens != 30 || done[0].OutputTokens != 8 {
		t.Errorf("totals = %d/%d, want summed across turns", done[0].InputTokens, done[0].OutputTokens)
	}

	sess, _ := fx.store.GetSession(context.Background(), fx.session.ID)
	// user, assistant(turn with invocation), assistant(final).
	if len(sess.Messages) != 3 {
		t.Fatalf("transcript = %d messages, want 3", len(sess.Messages))
	}
	inv := sess.Messages[1].ToolCalls
	if len(inv) != 1 || inv[0].Result == "" || inv[0].Error != "" {
		t.Errorf("stored invocation = %+v, want recorded result", inv)
	}
}

func TestRunGatedToolParks(t *testing.T) {
	call := llm.ToolCall{ID: "t1", Name: "gated", Arguments: map[string]any{"target": "s1"}}
	client := &fakeClient{turns: []scriptedTurn{
		{text: "This needs approval.", calls: []llm.ToolCall{call}, usage: llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
	fx := newLoopFixture(t, client, Options{})

	events, err := fx.run(t, RunRequest{UserMessage: "assign it"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if fx.gated.executions() != 0 {
		t.Errorf("gated tool executed %d times, want 0 before approval", fx.gated.executions())
	}
	pending := eventsOfType(events, EventPendingAction)
	if len(pending) != 1 || pending[0].PendingID == "" || pending[0].ConfirmText == "" {
		t.Fatalf("pending events = %+v, want one with id and confirm text", pending)
	}
	// A turn that produced only parked calls halts for human input.
	if len(client.recorded()) != 1 {
		t.Errorf("provider calls = %d, want 1 (no continuation)", len(client.recorded()))
	}
	if len(eventsOfType(events, EventDone)) != 1 {
		t.Error("run must still end with done")
	}

	sess, _ := fx.store.GetSession(context.Background(), fx.session.ID)
	inv := sess.Messages[1].ToolCalls
	if len(inv) != 1 {
		t.Fatalf("invocations = %d, want 1", len(inv))
	}
	if inv[0].PendingActionID != pending[0].PendingID {
		t.Errorf("stored pending id = %q, want %q", inv[0].PendingActionID, pending[0].PendingID)
	}
	if !strings.Contains(inv[0].Result, "awaiting_confirmation") {
		t.Errorf("stored result = %q, want awaiting-confirmation marker", inv[0].Result)
	}

	pa, err := fx.store.GetPendingAction(context.Background(), pending[0].PendingID)
	if err != nil {
		t.Fatalf("pending action not persisted: %v", err)
	}
	if pa.State != session.StatePending {
		t.Errorf("state = %s, want pending", pa.State)
	}
}

func TestRunForcedToolFirstTurnOnly(t *testing.T) {
	call := llm.ToolCall{ID: "t1", Name: "echo", Arguments: map[string]any{}}
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{call}},
		{text: "done"},
	}}
	fx := newLoopFixture(t, client, Options{})

	if _, err := fx.run(t, RunRequest{UserMessage: "go", ForceTool: "echo"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reqs := client.recorded()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	if reqs[0].ForceTool != "echo" {
		t.Errorf("first turn force = %q, want echo", reqs[0].ForceTool)
	}
	if reqs[1].ForceTool != "" {
		t.Errorf("continuation force = %q, want unset", reqs[1].ForceTool)
	}
}

func TestRunContinuationCap(t *testing.T) {
	call := llm.ToolCall{ID: "t1", Name: "echo", Arguments: map[string]any{}}
	// Every turn requests more work; the loop must stop on its own.
	turns := make([]scriptedTurn, 10)
	for i := range turns {
		turns[i] = scriptedTurn{calls: []llm.ToolCall{{ID: fmt.Sprintf("t%d", i), Name: call.Name}}}
	}
	client := &fakeClient{turns: turns}
	fx := newLoopFixture(t, client, Options{MaxContinuations: 2})

	events, err := fx.run(t, RunRequest{UserMessage: "loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Turn 0 plus 2 continuations.
	if got := len(client.recorded()); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	done := eventsOfType(events, EventDone)
	if len(done) != 1 {
		t.Fatalf("done events = %d, want 1", len(done))
	}
	if !strings.Contains(done[0].SoftError, "work remaining") {
		t.Errorf("soft error = %q, want cap message", done[0].SoftError)
	}
	if len(eventsOfType(events, EventError)) != 0 {
		t.Error("hitting the cap is a soft stop, not an error event")
	}
}

func TestRunUnknownToolFeedsErrorBack(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "t1", Name: "no_such_tool"}}},
		{text: "sorry"},
	}}
	fx := newLoopFixture(t, client, Options{})

	events, err := fx.run(t, RunRequest{UserMessage: "go"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	results := eventsOfType(events, EventToolResult)
	if len(results) != 1 || !strings.Contains(results[0].Result, "unknown tool") {
		t.Fatalf("results = %+v, want unknown-tool error result", results)
	}
	// The error is fed back so the model can recover.
	reqs := client.recorded()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	tail := reqs[1].Messages[len(reqs[1].Messages)-1]
	if tail.Role != "tool" || !strings.Contains(tail.Content, "unknown tool") {
		t.Errorf("continuation tail = %+v, want paired error result", tail)
	}
}

func TestRunStreamError(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{text: "partial answer ", streamErr: "overloaded"},
	}}
	fx := newLoopFixture(t, client, Options{})

	events, err := fx.run(t, RunRequest{UserMessage: "hi"})
	if err == nil {
		t.Fatal("Run must fail on a stream error")
	}

	errs := eventsOfType(events, EventError)
	if len(errs) != 1 || errs[0].Message != "overloaded" {
		t.Errorf("error events = %+v, want one carrying the provider message", errs)
	}
	if len(eventsOfType(events, EventDone)) != 0 {
		t.Error("a failed run must not also emit done")
	}

	// Partial text already shown to the caller stays in the transcript.
	sess, _ := fx.store.GetSession(context.Background(), fx.session.ID)
	if len(sess.Messages) != 2 || sess.Messages[1].Content != "partial answer " {
		t.Errorf("transcript = %+v, want the partial turn persisted", sess.Messages)
	}
}

func TestRunCancellation(t *testing.T) {
	call := llm.ToolCall{ID: "t1", Name: "echo", Arguments: map[string]any{}}
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{
		turns: []scriptedTurn{{calls: []llm.ToolCall{call}}},
		// Cancel while the first turn streams.
		onRequest: func(int) { cancel() },
	}
	fx := newLoopFixture(t, client, Options{})

	var events []Event
	err := fx.loop.Run(ctx, RunRequest{
		SessionID: fx.session.ID, UserID: "u1", AgentID: "chat",
		Model: "test-model", UserMessage: "go",
	}, func(ev Event) { events = append(events, ev) })

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// No terminal event, and nothing decoded after the cancel is
	// dispatched.
	if len(eventsOfType(events, EventDone)) != 0 || len(eventsOfType(events, EventError)) != 0 {
		t.Errorf("events = %+v, want no terminal event on cancellation", events)
	}
	if fx.echo.executions() != 0 {
		t.Errorf("executions = %d, want 0 after cancellation", fx.echo.executions())
	}
}

func TestRunBackgroundCheckpointAndResume(t *testing.T) {
	ctx := context.Background()
	call := llm.ToolCall{ID: "t1", Name: "echo", Arguments: map[string]any{}}
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{call}},
		{calls: []llm.ToolCall{{ID: "t2", Name: "echo"}}},
	}}
	fx := newLoopFixture(t, client, Options{MaxContinuations: 1})

	res, err := fx.loop.RunBackground(ctx, BackgroundRequest{
		AgentID: "nightly", Model: "test-model", System: "work",
		Tasks: []string{"audit the roster", "send the recap"},
	})
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}
	if res.CheckpointID == "" {
		t.Fatal("capped run must checkpoint")
	}
	if len(res.Executed) != 2 {
		t.Errorf("executed = %v, want both dispatches", res.Executed)
	}

	cp, err := fx.checkpoints.Get(ctx, res.CheckpointID)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.Reason != checkpoint.ReasonContinuationCap {
		t.Errorf("reason = %q, want continuation cap", cp.Reason)
	}
	if len(cp.RemainingTasks) != 2 {
		t.Errorf("remaining tasks = %v, want the original work list", cp.RemainingTasks)
	}
	if len(cp.CompletedActions) != 2 {
		t.Errorf("completed actions = %v, want the executed tools", cp.CompletedActions)
	}

	// A later run picks up the checkpoint, prepends its tasks, and names
	// the already-done actions so they are not repeated.
	client2 := &fakeClient{turns: []scriptedTurn{{text: "all caught up"}}}
	fx.loop.client = client2

	res2, err := fx.loop.RunBackground(ctx, BackgroundRequest{
		AgentID: "nightly", Model: "test-model", System: "work",
		Tasks: []string{"new task"},
	})
	if err != nil {
		t.Fatalf("resumed RunBackground: %v", err)
	}
	if res2.CheckpointID != "" {
		t.Errorf("resumed run checkpointed %q, want none", res2.CheckpointID)
	}

	prompt := client2.recorded()[0].Messages[0].Content
	for _, want := range []string{"audit the roster", "send the recap", "new task", "do not repeat"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("resume prompt missing %q:\n%s", want, prompt)
		}
	}

	// Resumed at most once.
	left, err := fx.checkpoints.LatestUnresumed(ctx, "nightly")
	if err != nil {
		t.Fatalf("LatestUnresumed: %v", err)
	}
	if left != nil {
		t.Errorf("unresumed checkpoint %q still claimable", left.ID)
	}
}

func TestRunBackgroundThrottles(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "t1", Name: "throttled"}}},
		{calls: []llm.ToolCall{{ID: "t2", Name: "throttled"}}},
		{text: "stopping"},
	}}
	fx := newLoopFixture(t, client, Options{})

	res, err := fx.loop.RunBackground(context.Background(), BackgroundRequest{
		AgentID: "nightly", Model: "test-model", Tasks: []string{"poke"},
	})
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}

	// First dispatch reserves the global window; the second is blocked.
	if fx.throttled.executions() != 1 {
		t.Errorf("executions = %d, want 1", fx.throttled.executions())
	}
	if len(res.Executed) != 1 {
		t.Errorf("executed = %v, want one entry", res.Executed)
	}

	recs, err := fx.audit.RecordsForRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	var blocked bool
	for _, rec := range recs {
		if rec.BlockedReason == "global cooldown active" {
			blocked = true
		}
	}
	if !blocked {
		t.Errorf("audit = %+v, want a global-cooldown block recorded", recs)
	}
}

func TestRunBackgroundToolFilter(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "t1", Name: "echo"}}},
		{text: "done"},
	}}
	fx := newLoopFixture(t, client, Options{})

	if _, err := fx.loop.RunBackground(context.Background(), BackgroundRequest{
		AgentID: "nightly", Model: "test-model",
		Tasks: []string{"poke"},
		Tools: []string{"echo"},
	}); err != nil {
		t.Fatalf("RunBackground: %v", err)
	}

	// The provider only sees the allow-listed capability.
	reqs := client.recorded()
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Errorf("advertised tools = %+v, want only echo", reqs[0].Tools)
	}
	if fx.echo.executions() != 1 {
		t.Errorf("echo executions = %d, want 1", fx.echo.executions())
	}

	// A call outside the allow list is refused, not executed.
	client2 := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "t1", Name: "throttled"}}},
		{text: "done"},
	}}
	fx.loop.client = client2

	res, err := fx.loop.RunBackground(context.Background(), BackgroundRequest{
		AgentID: "nightly", Model: "test-model",
		Tasks: []string{"poke"},
		Tools: []string{"echo"},
	})
	if err != nil {
		t.Fatalf("filtered RunBackground: %v", err)
	}
	if fx.throttled.executions() != 0 {
		t.Errorf("throttled executions = %d, want 0 outside the allow list", fx.throttled.executions())
	}

	recs, _ := fx.audit.RecordsForRun(context.Background(), res.RunID)
	var refused bool
	for _, rec := range recs {
		if rec.BlockedReason == "unknown tool" {
			refused = true
		}
	}
	if !refused {
		t.Errorf("audit = %+v, want an unknown-tool block for the filtered call", recs)
	}
}

func TestRunBackgroundGatedWithoutSession(t *testing.T) {
	client := &fakeClient{turns: []scriptedTurn{
		{calls: []llm.ToolCall{{ID: "t1", Name: "gated"}}},
		{text: "cannot do that"},
	}}
	fx := newLoopFixture(t, client, Options{})

	res, err := fx.loop.RunBackground(context.Background(), BackgroundRequest{
		AgentID: "nightly", Model: "test-model", Tasks: []string{"try"},
	})
	if err != nil {
		t.Fatalf("RunBackground: %v", err)
	}
	if fx.gated.executions() != 0 {
		t.Errorf("executions = %d, want 0 without a session to park in", fx.gated.executions())
	}

	recs, _ := fx.audit.RecordsForRun(context.Background(), res.RunID)
	var refused bool
	for _, rec := range recs {
		if rec.BlockedReason == "requires confirmation" {
			refused = true
		}
	}
	if !refused {
		t.Errorf("audit = %+v, want a requires-confirmation block", recs)
	}
}

func TestHistoryReplayPairsInvocations(t *testing.T) {
	msgs := historyToLLM([]session.Message{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "checking", ToolCalls: []session.ToolInvocation{
			{ID: "t1", Name: "echo", Result: `{"ok":true}`},
			{ID: "t2", Name: "echo", Error: "boom"},
		}},
	})

	if len(msgs) != 4 {
		t.Fatalf("replayed = %d messages, want user + assistant + 2 results", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 2 {
		t.Errorf("declaration = %+v", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "t1" || msgs[2].Content != `{"ok":true}` {
		t.Errorf("first result = %+v", msgs[2])
	}
	if msgs[3].ToolCallID != "t2" || msgs[3].Content != "Error: boom" {
		t.Errorf("second result = %+v", msgs[3])
	}
}
