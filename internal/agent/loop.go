// Package agent implements the conversation loop: it drives the model
// through repeated reasoning/tool-execution cycles, dispatches completed
// tool invocations against the registry, routes gated calls to the
// confirmation gate, and bounds the whole process with a continuation
// cap. One invocation owns its in-memory turn state exclusively; the
// session store owns the durable transcript.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/checkpoint"
	"github.com/crewline/crewline/internal/config"
	"github.com/crewline/crewline/internal/confirm"
	"github.com/crewline/crewline/internal/cooldown"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
)

// Options bounds one loop invocation. Zero values take the configured
// defaults.
type Options struct {
	// MaxContinuations is the hard cap on continuation turns per
	// invocation. The first turn is not a continuation.
	MaxContinuations int
	// HistoryWindow is how many recent transcript messages are replayed
	// verbatim into the prompt.
	HistoryWindow int
	// MaxTokens is the per-turn response budget.
	MaxTokens int
}

func (o *Options) applyDefaults() {
	if o.MaxContinuations <= 0 {
		o.MaxContinuations = config.DefaultMaxContinuations
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = config.DefaultHistoryWindow
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = config.DefaultMaxTokens
	}
}

// Loop is the conversation orchestrator.
type Loop struct {
	client      llm.Client
	store       *session.Store
	registry    *tools.Registry
	gate        *confirm.Gate
	auditStore  *audit.Store
	cooldowns   *cooldown.Store
	checkpoints *checkpoint.Store
	bus         *events.Bus
	pricing     map[string]config.PricingEntry
	opts        Options
	logger      *slog.Logger
}

// NewLoop creates a conversation loop. bus may be nil; checkpoints may
// be nil when no background agents are configured.
func NewLoop(
	client llm.Client,
	store *session.Store,
	registry *tools.Registry,
	gate *confirm.Gate,
	auditStore *audit.Store,
	cooldowns *cooldown.Store,
	checkpoints *checkpoint.Store,
	bus *events.Bus,
	pricing map[string]config.PricingEntry,
	opts Options,
	logger *slog.Logger,
) *Loop {
	opts.applyDefaults()
	return &Loop{
		client:      client,
		store:       store,
		registry:    registry,
		gate:        gate,
		auditStore:  auditStore,
		cooldowns:   cooldowns,
		checkpoints: checkpoints,
		bus:         bus,
		pricing:     pricing,
		opts:        opts,
		logger:      logger.With("component", "agent"),
	}
}

// RunRequest is one interactive chat invocation.
type RunRequest struct {
	SessionID string
	UserID    string
	AgentID   string
	Model     string
	// System is the base system prompt.
	System string
	// Context is assembled business data appended to the system prompt.
	Context string
	// UserMessage is the inbound message; it is appended to the
	// transcript before the first turn.
	UserMessage string
	// ForceTool pins the model to one named tool on the first turn only.
	ForceTool string
}

// Run executes one interactive invocation, forwarding caller events
// through emit as they happen. Every invocation ends with exactly one
// EventDone or EventError, except when ctx is cancelled, in which case
// the context error is returned and no terminal event is emitted.
// Partial text already emitted is never retracted.
func (l *Loop) Run(ctx context.Context, req RunRequest, emit func(Event)) error {
	runID := session.NewID()
	logger := l.logger.With("run_id", runID, "session_id", req.SessionID)
	started := time.Now()

	logger.Info("run started", "model", req.Model, "forced_tool", req.ForceTool)
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRunStart,
		Data:   map[string]any{"run_id": runID, "session_id": req.SessionID, "agent": req.AgentID},
	})

	if _, err := l.store.AppendMessage(ctx, req.SessionID, session.Message{
		Role:    session.RoleUser,
		Content: req.UserMessage,
	}); err != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("persist message: %v", err)})
		return fmt.Errorf("append user message: %w", err)
	}

	window, err := l.store.RecentWindow(ctx, req.SessionID, l.opts.HistoryWindow)
	if err != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("load history: %v", err)})
		return fmt.Errorf("load history window: %w", err)
	}
	msgs := historyToLLM(window)

	system := req.System
	if req.Context != "" {
		system += "\n\n" + req.Context
	}

	ec := tools.ExecContext{
		RunID:     runID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Model:     req.Model,
	}

	var total llm.Usage
	var totalCost float64
	softError := ""

	for turn := 0; ; turn++ {
		lreq := llm.Request{
			Model:     req.Model,
			System:    system,
			Messages:  msgs,
			Tools:     l.registry.Specs(),
			MaxTokens: l.opts.MaxTokens,
		}
		if turn == 0 {
			lreq.ForceTool = req.ForceTool
		}

		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"run_id": runID, "turn": turn, "model": req.Model},
		})

		stream, err := l.client.Stream(ctx, lreq)
		if err != nil {
			emit(Event{Type: EventError, Message: fmt.Sprintf("provider request: %v", err)})
			return fmt.Errorf("open provider stream: %w", err)
		}

		var text strings.Builder
		var calls []llm.ToolCall
		var usage llm.Usage
		streamErr := ""

		for ev := range stream {
			switch ev.Kind {
			case llm.EventText:
				text.WriteString(ev.Text)
				emit(Event{Type: EventText, Text: ev.Text})
			case llm.EventToolStart:
				emit(Event{Type: EventToolStart, ToolName: ev.ToolName})
			case llm.EventToolComplete:
				calls = append(calls, llm.ToolCall{ID: ev.ToolID, Name: ev.ToolName, Arguments: ev.Args})
			case llm.EventUsage:
				usage = ev.Usage
			case llm.EventError:
				if ev.ToolID != "" {
					// Scoped to one invocation; the stream goes on and
					// the broken call is never dispatched.
					logger.Warn("tool invocation failed to decode",
						"tool", ev.ToolName, "error", ev.Err)
					continue
				}
				streamErr = ev.Err
			}
		}

		if ctx.Err() != nil {
			// Cancelled: the stream is closed, nothing partially decoded
			// is dispatched, already-applied side effects stand.
			logger.Info("run cancelled", "turn", turn)
			return ctx.Err()
		}

		cost := audit.ComputeCost(req.Model, usage.InputTokens, usage.OutputTokens, l.pricing)
		if err := l.auditStore.RecordUsage(ctx, audit.UsageRecord{
			RunID:        runID,
			SessionID:    req.SessionID,
			Model:        req.Model,
			Provider:     "anthropic",
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CostUSD:      cost,
			Role:         "chat",
		}); err != nil {
			logger.Error("record usage", "error", err)
		}
		total.InputTokens += usage.InputTokens
		total.OutputTokens += usage.OutputTokens
		totalCost += cost

		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"run_id": runID, "turn": turn, "model": req.Model,
				"tokens_in": usage.InputTokens, "tokens_out": usage.OutputTokens,
				"tool_calls": len(calls),
			},
		})

		if streamErr != "" {
			// Fatal to the turn. Text produced so far stays in the
			// transcript; the caller already saw it.
			if text.Len() > 0 {
				if _, err := l.store.AppendMessage(ctx, req.SessionID, session.Message{
					Role:    session.RoleAssistant,
					Content: text.String(),
				}); err != nil {
					logger.Error("persist partial turn", "error", err)
				}
			}
			emit(Event{Type: EventError, Message: streamErr})
			return fmt.Errorf("provider stream: %s", streamErr)
		}

		// Sequential dispatch in declaration order. Later tools may
		// depend on earlier tools' side effects within the same turn.
		needsContinuation := false
		outcomes := make([]outcome, 0, len(calls))
		invocations := make([]session.ToolInvocation, 0, len(calls))
		for _, call := range calls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			out := l.dispatch(ctx, l.registry, ec, req.SessionID, call, false)
			outcomes = append(outcomes, out)

			inv := session.ToolInvocation{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
				Result:    out.resultForModel,
				Error:     out.execErr,
			}
			if out.pending != nil {
				inv.PendingActionID = out.pending.ID
				emit(Event{
					Type:        EventPendingAction,
					ToolName:    call.Name,
					PendingID:   out.pending.ID,
					ConfirmText: out.pending.ConfirmText,
				})
			} else {
				display := out.display
				if display == "" {
					display = out.resultForModel
				}
				emit(Event{Type: EventToolResult, ToolName: call.Name, Result: display})
			}
			invocations = append(invocations, inv)

			if out.continues {
				needsContinuation = true
			}
		}

		if len(calls) == 0 {
			// No tool calls: the model observed and answered. Still one
			// dispatch decision on the trail for this turn.
			if err := l.auditStore.RecordDispatch(ctx, audit.Record{RunID: runID}); err != nil {
				logger.Error("record observed turn", "error", err)
			}
		}

		if _, err := l.store.AppendMessage(ctx, req.SessionID, session.Message{
			Role:      session.RoleAssistant,
			Content:   text.String(),
			ToolCalls: invocations,
		}); err != nil {
			emit(Event{Type: EventError, Message: fmt.Sprintf("persist turn: %v", err)})
			return fmt.Errorf("append assistant message: %w", err)
		}

		if !needsContinuation {
			break
		}
		if turn >= l.opts.MaxContinuations {
			softError = fmt.Sprintf("stopped after %d continuation turns with work remaining", l.opts.MaxContinuations)
			logger.Warn("continuation cap reached", "turns", turn+1)
			break
		}

		msgs = appendContinuation(msgs, text.String(), outcomes)
	}

	emit(Event{
		Type:         EventDone,
		RunID:        runID,
		InputTokens:  total.InputTokens,
		OutputTokens: total.OutputTokens,
		CostUSD:      totalCost,
		SoftError:    softError,
	})
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRunComplete,
		Data: map[string]any{
			"run_id": runID,
			"tokens_in": total.InputTokens, "tokens_out": total.OutputTokens,
			"cost_usd": totalCost, "elapsed_ms": time.Since(started).Milliseconds(),
		},
	})
	logger.Info("run completed",
		"tokens_in", total.InputTokens, "tokens_out", total.OutputTokens,
		"cost_usd", totalCost, "soft_error", softError,
		"elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

// historyToLLM converts transcript messages into provider messages.
// Assistant messages with tool invocations replay as a declaration
// followed by one paired result per invocation, so history replays
// never violate the declaration/result pairing the protocol requires.
func historyToLLM(msgs []session.Message) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		switch m.Role {
		case session.RoleUser:
			out = append(out, llm.Message{Role: "user", Content: m.Content})
		case session.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, llm.Message{Role: "assistant", Content: m.Content})
				continue
			}
			am := llm.Message{Role: "assistant", Content: m.Content}
			for _, inv := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, llm.ToolCall{
					ID:        inv.ID,
					Name:      inv.Name,
					Arguments: inv.Arguments,
				})
			}
			out = append(out, am)
			for _, inv := range m.ToolCalls {
				result := inv.Result
				if result == "" && inv.Error != "" {
					result = "Error: " + inv.Error
				}
				out = append(out, llm.Message{Role: "tool", ToolCallID: inv.ID, Content: result})
			}
		}
	}
	return out
}

// appendContinuation extends the prompt with the prior turn's assistant
// declarations and one paired result per declared call. Parked calls
// answer with their awaiting-confirmation marker, never an omission.
func appendContinuation(msgs []llm.Message, text string, outs []outcome) []llm.Message {
	am := llm.Message{Role: "assistant", Content: text}
	for _, o := range outs {
		am.ToolCalls = append(am.ToolCalls, o.call)
	}
	msgs = append(msgs, am)
	for _, o := range outs {
		msgs = append(msgs, llm.Message{Role: "tool", ToolCallID: o.call.ID, Content: o.resultForModel})
	}
	return msgs
}
