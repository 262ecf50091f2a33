// Package agent implements the core loop that drives one ticket from a
// customer message to a terminal action: call the model, dispatch the
// tool calls it emits, feed results back, repeat until the ticket is
// resolved or a budget runs out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deskhand/deskhand/internal/config"
	"github.com/deskhand/deskhand/internal/conversation"
	"github.com/deskhand/deskhand/internal/llm"
	"github.com/deskhand/deskhand/internal/tools"
)

// Outcome classifies how a processing session ended.
type Outcome string

const (
	// OutcomeResolved means a customer-visible action was taken: a reply
	// went out, or the ticket was escalated or closed.
	OutcomeResolved Outcome = "resolved"

	// OutcomeIncomplete means the model stopped emitting tool calls
	// without taking a terminal action. The ticket stays open for a
	// human to pick up.
	OutcomeIncomplete Outcome = "incomplete"

	// OutcomeModelUnavailable means every model call attempt failed.
	OutcomeModelUnavailable Outcome = "model_unavailable"

	// OutcomeBudgetExceeded means the iteration budget ran out before a
	// terminal action.
	OutcomeBudgetExceeded Outcome = "budget_exceeded"

	// OutcomeCancelled means the context was cancelled mid-session; the
	// ticket is closed so it cannot dangle half-processed.
	OutcomeCancelled Outcome = "cancelled"
)

// terminalTools are the actions that end a processing session. Only the
// first successful one per assistant turn takes effect.
var terminalTools = map[string]bool{
	"reply":    true,
	"escalate": true,
	"close":    true,
}

// Result describes one completed processing session.
type Result struct {
	Outcome     Outcome
	Iterations  int
	FinalStatus conversation.Status
}

// UsageRecorder receives one record per dispatched tool call. Optional;
// a nil recorder disables usage tracking.
type UsageRecorder interface {
	RecordCall(ticketID, toolName string, args map[string]any, payload string, ok bool, d time.Duration)
}

// Loop drives conversations against a model and a tool registry.
type Loop struct {
	client   llm.Client
	model    string
	registry *tools.Registry
	cfg      config.LoopConfig
	usage    UsageRecorder
	logger   *slog.Logger

	// backoffBase is the first retry delay; doubles per attempt.
	backoffBase time.Duration
}

// NewLoop creates an agent loop.
func NewLoop(client llm.Client, model string, registry *tools.Registry, cfg config.LoopConfig, usage UsageRecorder, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:      client,
		model:       model,
		registry:    registry,
		cfg:         cfg,
		usage:       usage,
		logger:      logger,
		backoffBase: time.Second,
	}
}

// Run processes the conversation until a terminal action, an exhausted
// budget, a dead model, or cancellation. The conversation is mutated in
// place; callers persist it afterwards regardless of outcome.
func (l *Loop) Run(ctx context.Context, conv *conversation.Conversation) *Result {
	logger := l.logger.With("ticket_id", conv.TicketID())
	catalog := l.registry.Describe()

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			return l.cancel(ctx, conv, iteration-1, logger)
		}

		logger.Debug("awaiting model", "iteration", iteration)

		resp, err := l.chatWithRetry(ctx, conv, catalog, logger)
		if err != nil {
			if ctx.Err() != nil {
				return l.cancel(ctx, conv, iteration, logger)
			}
			logger.Error("model unavailable", "iteration", iteration, "error", err)
			return &Result{
				Outcome:     OutcomeModelUnavailable,
				Iterations:  iteration,
				FinalStatus: conv.Status(),
			}
		}

		calls := convertCalls(resp.Message.ToolCalls, iteration)
		if err := conv.AppendAssistant(resp.Message.Content, calls); err != nil {
			// Unreachable when dispatch below answers every call; treat
			// as a bug worth a loud log rather than a crash.
			logger.Error("transcript invariant violated", "error", err)
			return &Result{
				Outcome:     OutcomeIncomplete,
				Iterations:  iteration,
				FinalStatus: conv.Status(),
			}
		}

		if len(calls) == 0 {
			// Plain prose with no terminal action leaves the customer
			// without an answer; hand the ticket to a human.
			logger.Info("model stopped without terminal action", "iteration", iteration)
			return &Result{
				Outcome:     OutcomeIncomplete,
				Iterations:  iteration,
				FinalStatus: conv.Status(),
			}
		}

		logger.Debug("dispatching tools", "iteration", iteration, "calls", len(calls))
		l.dispatchTurn(ctx, conv, calls, logger)

		if conv.Status().Resolved() {
			logger.Info("ticket resolved",
				"iteration", iteration,
				"status", conv.Status(),
			)
			return &Result{
				Outcome:     OutcomeResolved,
				Iterations:  iteration,
				FinalStatus: conv.Status(),
			}
		}
	}

	logger.Warn("iteration budget exceeded", "budget", l.cfg.MaxIterations)
	return &Result{
		Outcome:     OutcomeBudgetExceeded,
		Iterations:  l.cfg.MaxIterations,
		FinalStatus: conv.Status(),
	}
}

// dispatchTurn runs every tool call of one assistant turn in emission
// order. After the first successful terminal action, further terminal
// calls in the same turn are answered with a failure result instead of
// being executed: one turn gets at most one customer-visible action.
func (l *Loop) dispatchTurn(ctx context.Context, conv *conversation.Conversation, calls []conversation.ToolCallRequest, logger *slog.Logger) {
	terminalDone := false

	for _, call := range calls {
		var result tools.Result

		if terminalTools[call.Name] && terminalDone {
			result = tools.Result{
				ToolCallID: call.ID,
				ErrorKind:  tools.ErrorHandlerFailure,
				Payload:    fmt.Sprintf("%s rejected: another terminal action was already taken this turn", call.Name),
			}
		} else {
			start := time.Now()
			result = tools.Dispatch(ctx, call, l.registry, conv)
			if l.usage != nil {
				l.usage.RecordCall(conv.TicketID(), call.Name, call.Arguments, result.Payload, result.OK, time.Since(start))
			}
		}

		if result.OK && terminalTools[call.Name] {
			terminalDone = true
		}

		content := result.Payload
		if !result.OK {
			content = fmt.Sprintf("tool error (%s): %s", result.ErrorKind, result.Payload)
			logger.Warn("tool call failed",
				"tool", call.Name,
				"kind", result.ErrorKind,
			)
		}

		if err := conv.AppendToolResult(call.ID, content); err != nil {
			logger.Error("tool result rejected", "tool", call.Name, "error", err)
		}
	}
}

// chatWithRetry calls the model with exponential backoff. Transport and
// API failures are retried up to MaxAttempts; context cancellation is
// passed through immediately.
func (l *Loop) chatWithRetry(ctx context.Context, conv *conversation.Conversation, catalog []map[string]any, logger *slog.Logger) (*llm.ChatResponse, error) {
	messages := convertTranscript(conv.Transcript())

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if timeout := l.cfg.CallTimeout(); timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		resp, err := l.client.Chat(callCtx, l.model, messages, catalog)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == l.cfg.MaxAttempts {
			break
		}

		backoff := l.backoffBase << (attempt - 1)
		logger.Warn("model call failed, backing off",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("model call failed after %d attempts: %w", l.cfg.MaxAttempts, lastErr)
}

// cancel closes the ticket and reports a cancelled session. A ticket
// already in a terminal status keeps it.
func (l *Loop) cancel(ctx context.Context, conv *conversation.Conversation, iterations int, logger *slog.Logger) *Result {
	if !conv.Status().Terminal() {
		if err := conv.SetStatus(conversation.StatusClosed); err != nil {
			logger.Error("close on cancel failed", "error", err)
		}
	}
	logger.Info("session cancelled", "cause", ctx.Err(), "status", conv.Status())
	return &Result{
		Outcome:     OutcomeCancelled,
		Iterations:  iterations,
		FinalStatus: conv.Status(),
	}
}

// convertCalls maps provider tool calls onto conversation requests,
// synthesizing ids for providers that omit them.
func convertCalls(calls []llm.ToolCall, iteration int) []conversation.ToolCallRequest {
	out := make([]conversation.ToolCallRequest, 0, len(calls))
	for i, tc := range calls {
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", iteration, i)
		}
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, conversation.ToolCallRequest{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

// convertTranscript maps conversation turns onto provider messages.
func convertTranscript(turns []conversation.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msg := llm.Message{
			Role:       string(t.Role),
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
		}
		for _, tc := range t.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.NewToolCall(tc.ID, tc.Name, tc.Arguments))
		}
		out = append(out, msg)
	}
	return out
}
