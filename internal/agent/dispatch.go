package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/cooldown"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
)

// outcome is the loop-internal result of dispatching one completed tool
// invocation. resultForModel is always set: every declared call gets a
// paired answer in the continuation history, including parked ones.
type outcome struct {
	call           llm.ToolCall
	resultForModel string
	display        string
	executed       bool
	execErr        string
	blockedReason  string
	pending        *session.PendingAction
	// continues marks the dispatch as requiring another model turn so
	// the model can react to the result.
	continues bool
}

// dispatch runs one completed tool invocation through reg. Failures
// never propagate: every path converts into a result string and an
// audit record. reg is the run's tool set, which background runs may
// narrow to an allow list. background enables cooldown and rate-limit
// enforcement, which interactively confirmed chat turns skip.
func (l *Loop) dispatch(ctx context.Context, reg *tools.Registry, ec tools.ExecContext, sessionID string, call llm.ToolCall, background bool) outcome {
	out := outcome{call: call}
	started := time.Now()
	logger := l.logger.With("run_id", ec.RunID, "tool", call.Name)

	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindToolDispatch,
		Data:   map[string]any{"run_id": ec.RunID, "tool": call.Name},
	})
	defer func() {
		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindToolDone,
			Data: map[string]any{
				"run_id":      ec.RunID,
				"tool":        call.Name,
				"ok":          out.executed,
				"blocked":     out.blockedReason,
				"duration_ms": time.Since(started).Milliseconds(),
			},
		})
	}()

	tool := reg.Get(call.Name)
	if tool == nil {
		out.resultForModel = fmt.Sprintf("Error: unknown tool %q", call.Name)
		out.blockedReason = "unknown tool"
		out.continues = true
		logger.Warn("model requested unknown tool")
		l.recordDispatch(ctx, ec.RunID, out)
		return out
	}

	if err := tool.Validate(call.Arguments); err != nil {
		out.resultForModel = fmt.Sprintf("Error: invalid arguments: %v", err)
		out.blockedReason = "validation failure"
		out.continues = true
		logger.Warn("argument validation failed", "error", err)
		l.recordDispatch(ctx, ec.RunID, out)
		return out
	}

	if tool.RequiresConfirmation() {
		if sessionID == "" {
			// No interactive session to park the action in. The model
			// is told instead of silently dropping the call.
			out.resultForModel = fmt.Sprintf("Error: %s requires human confirmation and cannot run unattended", call.Name)
			out.blockedReason = "requires confirmation"
			out.continues = true
			l.recordDispatch(ctx, ec.RunID, out)
			return out
		}
		pa, err := l.gate.Create(ctx, sessionID, ec.RunID, call)
		if err != nil {
			out.resultForModel = fmt.Sprintf("Error: could not request confirmation: %v", err)
			out.blockedReason = "confirmation gate failure"
			out.continues = true
			logger.Error("create pending action failed", "error", err)
			l.recordDispatch(ctx, ec.RunID, out)
			return out
		}
		// Parked, not executed. The gate wrote the audit record. A turn
		// that produced only parked calls halts for human input.
		out.pending = pa
		out.resultForModel = fmt.Sprintf(`{"status":"awaiting_confirmation","pending_action_id":%q}`, pa.ID)
		return out
	}

	if background {
		if blocked := l.checkThrottles(ctx, ec, tool, call.Name); blocked != "" {
			out.resultForModel = fmt.Sprintf("Error: %s blocked: %s", call.Name, blocked)
			out.blockedReason = blocked
			out.continues = true
			logger.Info("dispatch blocked", "reason", blocked)
			l.recordDispatch(ctx, ec.RunID, out)
			return out
		}
	}

	result, err := tool.Execute(ctx, ec, call.Arguments)
	out.continues = true
	if err != nil {
		out.execErr = err.Error()
		out.resultForModel = fmt.Sprintf("Error: %v", err)
		logger.Warn("tool execution failed", "error", err)
	} else {
		out.executed = true
		out.resultForModel = result
		out.display = result
		if f, ok := tool.(tools.ResultFormatter); ok {
			out.display = f.FormatResult(result)
		}
		logger.Debug("tool executed", "duration_ms", time.Since(started).Milliseconds())
	}
	l.recordDispatch(ctx, ec.RunID, out)
	return out
}

// checkThrottles enforces cooldown windows and the hourly rate budget.
// Returns a non-empty blocked reason on a hit. Cooldowns are checked
// first so a cooldown hit never consumes rate budget.
func (l *Loop) checkThrottles(ctx context.Context, ec tools.ExecContext, tool tools.Tool, name string) string {
	if th, ok := tool.(tools.Throttled); ok {
		cd := th.Cooldown()
		if cd.PerUser > 0 && ec.UserID != "" {
			free, err := l.cooldowns.Reserve(ctx, cooldown.Key(ec.AgentID, name, ec.UserID), cd.PerUser)
			if err != nil {
				return fmt.Sprintf("cooldown check failed: %v", err)
			}
			if !free {
				return "per-user cooldown active"
			}
		}
		if cd.Global > 0 {
			free, err := l.cooldowns.Reserve(ctx, cooldown.Key(ec.AgentID, name, ""), cd.Global)
			if err != nil {
				return fmt.Sprintf("cooldown check failed: %v", err)
			}
			if !free {
				return "global cooldown active"
			}
		}
	}
	if rl, ok := tool.(tools.RateLimited); ok {
		limit := rl.RateLimit()
		if limit.MaxPerHour > 0 {
			free, err := l.cooldowns.ReserveRate(ctx, cooldown.Key(ec.AgentID, name, ""), limit.MaxPerHour)
			if err != nil {
				return fmt.Sprintf("rate check failed: %v", err)
			}
			if !free {
				return "rate limit exceeded"
			}
		}
	}
	return ""
}

// recordDispatch appends the audit record for one dispatch outcome.
// Audit failures are logged, never propagated: a broken audit store
// must not turn a succeeded tool into a failed turn.
func (l *Loop) recordDispatch(ctx context.Context, runID string, out outcome) {
	rec := audit.Record{
		RunID:         runID,
		ToolName:      out.call.Name,
		Arguments:     out.call.Arguments,
		Executed:      out.executed,
		Result:        out.resultForModel,
		Error:         out.execErr,
		BlockedReason: out.blockedReason,
	}
	if out.executed {
		rec.Error = ""
	}
	if err := l.auditStore.RecordDispatch(ctx, rec); err != nil {
		l.logger.Error("record dispatch", "error", err, "run_id", runID, "tool", out.call.Name)
	}
}
