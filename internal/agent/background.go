package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crewline/crewline/internal/audit"
	"github.com/crewline/crewline/internal/checkpoint"
	"github.com/crewline/crewline/internal/events"
	"github.com/crewline/crewline/internal/llm"
	"github.com/crewline/crewline/internal/session"
	"github.com/crewline/crewline/internal/tools"
)

// BackgroundRequest is one scheduled, non-interactive invocation.
// Background runs use the blocking provider call, enforce cooldown and
// rate-limit policies, and checkpoint instead of soft-erroring when
// they hit the continuation cap.
type BackgroundRequest struct {
	AgentID string
	Model   string
	System  string
	// Tasks is the agent's work list for this run, one line each.
	Tasks []string
	// Tools optionally narrows the run to a named subset of the
	// registry. Empty means every registered tool is available.
	Tools []string
	// SessionID optionally parks confirmation-gated calls in an
	// interactive session. Empty means gated calls are refused.
	SessionID string
	UserID    string
	DryRun    bool
}

// BackgroundResult summarizes a completed background run.
type BackgroundResult struct {
	RunID   string
	Text    string
	Turns   int
	Usage   llm.Usage
	CostUSD float64
	// Executed lists the tools that actually ran, in dispatch order.
	Executed []string
	// CheckpointID is set when the run hit the continuation cap and
	// persisted resumable state.
	CheckpointID string
}

// RunBackground executes one scheduled invocation to completion, cap,
// or error. If an unresumed checkpoint exists for the agent, its
// remaining tasks are prepended to this run's work list.
func (l *Loop) RunBackground(ctx context.Context, req BackgroundRequest) (*BackgroundResult, error) {
	runID := session.NewID()
	logger := l.logger.With("run_id", runID, "agent", req.AgentID)
	started := time.Now()

	tasks := req.Tasks
	var priorActions []string
	if l.checkpoints != nil {
		cp, err := l.checkpoints.LatestUnresumed(ctx, req.AgentID)
		if err != nil {
			logger.Error("load checkpoint", "error", err)
		} else if cp != nil {
			if err := l.checkpoints.MarkResumed(ctx, cp.ID); err != nil {
				// Another instance claimed it first.
				logger.Info("checkpoint already claimed", "checkpoint_id", cp.ID)
			} else {
				tasks = append(append([]string{}, cp.RemainingTasks...), tasks...)
				priorActions = cp.CompletedActions
				logger.Info("resuming from checkpoint",
					"checkpoint_id", cp.ID, "remaining_tasks", len(cp.RemainingTasks))
			}
		}
	}

	registry := l.registry
	if len(req.Tools) > 0 {
		registry = l.registry.FilteredCopy(req.Tools)
	}

	logger.Info("background run started",
		"model", req.Model, "tasks", len(tasks), "tools", len(registry.Names()), "dry_run", req.DryRun)
	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRunStart,
		Data:   map[string]any{"run_id": runID, "agent": req.AgentID},
	})

	ec := tools.ExecContext{
		RunID:     runID,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Model:     req.Model,
		DryRun:    req.DryRun,
	}

	res := &BackgroundResult{RunID: runID}
	msgs := []llm.Message{{Role: "user", Content: taskPrompt(tasks, priorActions)}}

	for turn := 0; ; turn++ {
		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMCall,
			Data:   map[string]any{"run_id": runID, "turn": turn, "model": req.Model},
		})

		turnRes, err := l.client.Complete(ctx, llm.Request{
			Model:     req.Model,
			System:    req.System,
			Messages:  msgs,
			Tools:     registry.Specs(),
			MaxTokens: l.opts.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("provider turn %d: %w", turn, err)
		}
		res.Turns++
		res.Text = turnRes.Text

		cost := audit.ComputeCost(req.Model, turnRes.Usage.InputTokens, turnRes.Usage.OutputTokens, l.pricing)
		if err := l.auditStore.RecordUsage(ctx, audit.UsageRecord{
			RunID:        runID,
			SessionID:    req.SessionID,
			Model:        req.Model,
			Provider:     "anthropic",
			InputTokens:  turnRes.Usage.InputTokens,
			OutputTokens: turnRes.Usage.OutputTokens,
			CostUSD:      cost,
			Role:         "agent",
		}); err != nil {
			logger.Error("record usage", "error", err)
		}
		res.Usage.InputTokens += turnRes.Usage.InputTokens
		res.Usage.OutputTokens += turnRes.Usage.OutputTokens
		res.CostUSD += cost

		l.bus.Publish(events.Event{
			Source: events.SourceAgent,
			Kind:   events.KindLLMResponse,
			Data: map[string]any{
				"run_id": runID, "turn": turn, "model": req.Model,
				"tokens_in": turnRes.Usage.InputTokens, "tokens_out": turnRes.Usage.OutputTokens,
				"tool_calls": len(turnRes.ToolCalls),
			},
		})

		needsContinuation := false
		outcomes := make([]outcome, 0, len(turnRes.ToolCalls))
		for _, call := range turnRes.ToolCalls {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			out := l.dispatch(ctx, registry, ec, req.SessionID, call, true)
			outcomes = append(outcomes, out)
			if out.executed {
				res.Executed = append(res.Executed, call.Name)
			}
			if out.continues {
				needsContinuation = true
			}
		}

		if len(turnRes.ToolCalls) == 0 {
			// Observed-only turn; still one dispatch decision recorded.
			if err := l.auditStore.RecordDispatch(ctx, audit.Record{RunID: runID}); err != nil {
				logger.Error("record observed turn", "error", err)
			}
		}

		if !needsContinuation {
			break
		}
		if turn >= l.opts.MaxContinuations {
			if l.checkpoints == nil {
				logger.Warn("continuation cap reached, no checkpoint store configured", "turns", turn+1)
				break
			}
			cp, err := l.checkpoints.Save(ctx, checkpoint.Record{
				RunID:            runID,
				AgentID:          req.AgentID,
				SessionID:        req.SessionID,
				Reason:           checkpoint.ReasonContinuationCap,
				RemainingTasks:   tasks,
				CompletedActions: append(append([]string{}, priorActions...), res.Executed...),
			})
			if err != nil {
				logger.Error("save checkpoint", "error", err)
			} else {
				res.CheckpointID = cp.ID
				l.bus.Publish(events.Event{
					Source: events.SourceAgent,
					Kind:   events.KindCheckpointSaved,
					Data:   map[string]any{"run_id": runID, "remaining_tasks": len(tasks)},
				})
				logger.Warn("continuation cap reached, checkpointed",
					"checkpoint_id", cp.ID, "turns", turn+1)
			}
			break
		}

		msgs = appendContinuation(msgs, turnRes.Text, outcomes)
	}

	l.bus.Publish(events.Event{
		Source: events.SourceAgent,
		Kind:   events.KindRunComplete,
		Data: map[string]any{
			"run_id": runID,
			"tokens_in": res.Usage.InputTokens, "tokens_out": res.Usage.OutputTokens,
			"cost_usd": res.CostUSD, "elapsed_ms": time.Since(started).Milliseconds(),
		},
	})
	logger.Info("background run completed",
		"turns", res.Turns, "executed", len(res.Executed),
		"checkpointed", res.CheckpointID != "",
		"elapsed", time.Since(started).Round(time.Millisecond))
	return res, nil
}

// taskPrompt renders the work list the model is asked to carry out.
func taskPrompt(tasks, priorActions []string) string {
	var b strings.Builder
	b.WriteString("Work through the following tasks using the available tools:\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	if len(priorActions) > 0 {
		b.WriteString("\nA previous run already completed these actions; do not repeat them:\n")
		for _, a := range priorActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}
