// Package executor runs admitted tool calls to completion.
//
// Every call is dispatched to its registered handler under a timeout, with
// panics recovered and all failures converted into error results. The
// ledger entry of the call is completed on every path, so a key can never
// be left in flight by the executor.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// DefaultTimeout bounds a single handler invocation.
const DefaultTimeout = 30 * time.Second

var tracer = otel.Tracer("scrivia/executor")

// Executor dispatches tool calls to the registry.
type Executor struct {
	registry *Registry
	ledger   contracts.Ledger
	timeout  time.Duration
}

// New creates an Executor. ledger may be nil when calls are not tracked.
func New(registry *Registry, ledger contracts.Ledger, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{registry: registry, ledger: ledger, timeout: timeout}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

type handlerOutcome struct {
	data any
	err  error
}

// Execute runs call and never returns an error: every failure becomes an
// error result.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, ec models.ExecutionContext) (res models.ToolExecutionResult) {
	start := time.Now()
	res = models.ToolExecutionResult{ToolCallID: call.ID, Name: call.Name}

	ctx, span := tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
			attribute.String("session.id", ec.SessionID),
		),
	)

	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()

		outcome := contracts.OutcomeSucceeded
		if res.Kind != models.ResultSuccess {
			outcome = contracts.OutcomeFailed
		}
		if e.ledger != nil && ec.LedgerKey != "" {
			e.ledger.Complete(ec.LedgerKey, outcome)
		}

		span.SetAttributes(
			attribute.String("tool.result", string(res.Kind)),
			attribute.Int64("tool.duration_ms", res.DurationMs),
		)
		if res.Error != nil {
			span.SetStatus(codes.Error, res.Error.Message)
			log.Warn().
				Str("tool", call.Name).
				Str("call_id", call.ID).
				Str("code", res.Error.Code).
				Int64("duration_ms", res.DurationMs).
				Msg(res.Error.Message)
		} else {
			log.Debug().
				Str("tool", call.Name).
				Str("call_id", call.ID).
				Int64("duration_ms", res.DurationMs).
				Msg("Tool call completed")
		}
		span.End()
	}()

	handler, ok := e.registry.Lookup(call.Name)
	if !ok {
		res.Kind = models.ResultError
		res.Error = models.NewToolError(models.CodeUnknownTool, "unknown tool %q", call.Name)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerOutcome{err: &panicError{value: p}}
			}
		}()
		data, err := handler(ctx, call.Arguments, ec)
		done <- handlerOutcome{data: data, err: err}
	}()

	var out handlerOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = handlerOutcome{err: ctx.Err()}
	}

	if out.err != nil {
		res.Kind = models.ResultError
		res.Error = e.toolError(out.err)
		return res
	}

	data, err := encode(out.data)
	if err != nil {
		res.Kind = models.ResultError
		res.Error = models.NewToolError(models.CodeHandlerFailed, "encode result: %v", err)
		return res
	}
	res.Kind = models.ResultSuccess
	res.Data = data
	return res
}

func (e *Executor) toolError(err error) *models.ToolError {
	var te *models.ToolError
	var pe *panicError
	switch {
	case errors.As(err, &te):
		cp := *te
		return &cp
	case errors.As(err, &pe):
		return models.NewToolError(models.CodeHandlerPanic, "%v", pe.value)
	case errors.Is(err, context.DeadlineExceeded):
		return &models.ToolError{
			Code:      models.CodeTimeout,
			Message:   fmt.Sprintf("tool call timed out after %s", e.timeout),
			Retryable: true,
		}
	case errors.Is(err, context.Canceled):
		return models.NewToolError(models.CodeCanceled, "tool call canceled")
	default:
		return models.NewToolError(models.CodeHandlerFailed, "%v", err)
	}
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(t) {
			return nil, fmt.Errorf("handler returned invalid JSON")
		}
		return t, nil
	default:
		return json.Marshal(v)
	}
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}
