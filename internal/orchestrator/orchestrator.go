// Package orchestrator drives the agentic round loop:
//
//	conversation → model → proposed tool calls → ledger admit/reject →
//	concurrent execution → results folded into the conversation → repeat
//	until the model answers without tool calls or the round cap is hit.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/ledger"
	"github.com/scrivia/agentcore/internal/signature"
	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

var (
	// ErrRoundLimit is returned, together with the partial result, when the
	// model is still proposing tool calls after the last allowed round.
	ErrRoundLimit = errors.New("round limit reached")
	// ErrModelUnavailable wraps model client failures.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrMalformedResponse is returned when the model reply cannot be used.
	ErrMalformedResponse = errors.New("malformed model response")
)

var tracer = otel.Tracer("scrivia/orchestrator")

// State is a phase of one round.
type State string

const (
	StateThinking      State = "thinking"
	StateToolsProposed State = "tools_proposed"
	StateExecuting     State = "executing"
	StateResultsFolded State = "results_folded"
	StateDone          State = "done"
)

// Skip reasons reported for calls that never reach the ledger.
const (
	SkipMissingName = "missing tool name"
	SkipRoundCap    = "too many tool calls in one round"
)

// Config holds the loop's caps and retry policy.
type Config struct {
	MaxRounds            int
	MaxToolCallsPerRound int
	MaxParallelTools     int

	// ToolRetries re-runs calls whose error is marked retryable.
	// ModelRetries retries failed model calls. Both default to 0.
	ToolRetries          int
	ModelRetries         int
	RetryInitialInterval time.Duration

	LedgerScope  ledger.Scope
	SystemPrompt string
}

// DefaultConfig returns the defaults: 10 rounds, no retries, global ledger scope.
func DefaultConfig() Config {
	return Config{
		MaxRounds:            10,
		MaxToolCallsPerRound: 16,
		MaxParallelTools:     4,
		RetryInitialInterval: 200 * time.Millisecond,
		LedgerScope:          ledger.ScopeGlobal,
	}
}

// TurnRequest is one user turn.
type TurnRequest struct {
	SessionID   string
	UserID      string
	DocumentRef string
	History     []models.ChatMessage
	UserMessage string
}

// Round records one iteration of the loop.
type Round struct {
	Number    int                          `json:"number"`
	States    []State                      `json:"states"`
	Content   string                       `json:"content,omitempty"`
	ToolCalls []models.ToolCall            `json:"tool_calls,omitempty"`
	Results   []models.ToolExecutionResult `json:"results,omitempty"`
	LatencyMs int64                        `json:"latency_ms"`
	Usage     models.TokenUsage            `json:"usage"`
}

func (r *Round) enter(s State) {
	r.States = append(r.States, s)
	log.Debug().Int("round", r.Number).Str("state", string(s)).Msg("Round state")
}

// TurnStats counts result kinds across a turn.
type TurnStats struct {
	Executed   int `json:"executed"`
	Errors     int `json:"errors"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// TurnResult is the outcome of RunTurn.
type TurnResult struct {
	TraceID   string               `json:"trace_id"`
	Reply     string               `json:"reply"`
	Messages  []models.ChatMessage `json:"messages"`
	Rounds    []Round              `json:"rounds"`
	Stats     TurnStats            `json:"stats"`
	Usage     models.TokenUsage    `json:"usage"`
	TotalMs   int64                `json:"total_ms"`
	Truncated bool                 `json:"truncated"`

	// prefix is the number of leading Messages that existed before the turn.
	prefix int
}

// Appended returns the messages the turn added after the history: the user
// message, assistant and tool messages, and the final reply.
func (r *TurnResult) Appended() []models.ChatMessage {
	if r.prefix >= len(r.Messages) {
		return nil
	}
	return r.Messages[r.prefix:]
}

// Orchestrator runs turns. It holds no per-turn state and is safe for
// concurrent use.
type Orchestrator struct {
	model    contracts.ModelClient
	ledger   contracts.Ledger
	executor *executor.Executor
	signer   *signature.Signer
	cfg      Config
}

// New creates an Orchestrator. A nil signer uses plain signatures.
func New(model contracts.ModelClient, l contracts.Ledger, ex *executor.Executor, signer *signature.Signer, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = def.MaxRounds
	}
	if cfg.MaxToolCallsPerRound <= 0 {
		cfg.MaxToolCallsPerRound = def.MaxToolCallsPerRound
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = def.MaxParallelTools
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.LedgerScope == "" {
		cfg.LedgerScope = def.LedgerScope
	}
	if signer == nil {
		signer = signature.NewSigner()
	}
	return &Orchestrator{model: model, ledger: l, executor: ex, signer: signer, cfg: cfg}
}

// RunTurn drives the loop for one user message. On ErrRoundLimit the
// partial result is returned alongside the error.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	start := time.Now()
	res := &TurnResult{TraceID: uuid.NewString()}

	messages := make([]models.ChatMessage, 0, len(req.History)+2)
	if o.cfg.SystemPrompt != "" && (len(req.History) == 0 || req.History[0].Role != "system") {
		messages = append(messages, models.ChatMessage{Role: "system", Content: o.cfg.SystemPrompt})
	}
	messages = append(messages, req.History...)
	res.prefix = len(messages)
	if req.UserMessage != "" {
		messages = append(messages, models.ChatMessage{Role: "user", Content: req.UserMessage})
	}
	specs := o.executor.Registry().Specs()

	finish := func() {
		res.Messages = messages
		res.TotalMs = time.Since(start).Milliseconds()
	}

	for n := 1; n <= o.cfg.MaxRounds; n++ {
		roundStart := time.Now()
		round := Round{Number: n}
		round.enter(StateThinking)

		resp, err := o.complete(ctx, models.CompletionRequest{Messages: messages, Tools: specs})
		if err != nil {
			round.LatencyMs = time.Since(roundStart).Milliseconds()
			res.Rounds = append(res.Rounds, round)
			finish()
			span.SetStatus(codes.Error, err.Error())
			return res, fmt.Errorf("round %d: %w", n, err)
		}
		round.Usage = resp.Usage
		res.Usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			round.Content = resp.Content
			round.enter(StateDone)
			round.LatencyMs = time.Since(roundStart).Milliseconds()
			res.Rounds = append(res.Rounds, round)

			messages = append(messages, models.ChatMessage{Role: "assistant", Content: resp.Content})
			res.Reply = resp.Content
			finish()

			log.Info().
				Str("trace_id", res.TraceID).
				Str("session", req.SessionID).
				Int("rounds", n).
				Int("executed", res.Stats.Executed).
				Int("duplicates", res.Stats.Duplicates).
				Int64("total_ms", res.TotalMs).
				Msg("Agent turn complete")
			return res, nil
		}

		round.enter(StateToolsProposed)
		calls := make([]models.ToolCall, len(resp.ToolCalls))
		copy(calls, resp.ToolCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = "call_" + uuid.NewString()
			}
		}
		round.Content = resp.Content
		round.ToolCalls = calls

		round.enter(StateExecuting)
		results := o.executeRound(ctx, req, calls)
		round.Results = results
		res.Stats.add(results)

		messages = fold(messages, resp.Content, calls, results)
		round.enter(StateResultsFolded)
		round.LatencyMs = time.Since(roundStart).Milliseconds()
		res.Rounds = append(res.Rounds, round)

		log.Debug().
			Str("trace_id", res.TraceID).
			Int("round", n).
			Int("tool_calls", len(calls)).
			Msg("Agentic loop continuing")
	}

	last := &res.Rounds[len(res.Rounds)-1]
	last.enter(StateDone)
	res.Truncated = true
	finish()

	log.Warn().
		Str("trace_id", res.TraceID).
		Str("session", req.SessionID).
		Int("max_rounds", o.cfg.MaxRounds).
		Msg("Agent turn hit the round limit")
	span.SetStatus(codes.Error, ErrRoundLimit.Error())
	return res, fmt.Errorf("%w (%d rounds)", ErrRoundLimit, o.cfg.MaxRounds)
}

func (o *Orchestrator) newBackOff(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitialInterval
	b.MaxInterval = 20 * o.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// complete calls the model, retrying transport failures per ModelRetries.
func (o *Orchestrator) complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	attempt := 0
	resp, err := backoff.RetryWithData(func() (*models.CompletionResponse, error) {
		attempt++
		resp, err := o.model.Complete(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("Model call failed")
			return nil, err
		}
		if resp == nil {
			return nil, backoff.Permanent(ErrMalformedResponse)
		}
		return resp, nil
	}, o.newBackOff(ctx, o.cfg.ModelRetries))

	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, ErrMalformedResponse):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
}

type admission struct {
	call models.ToolCall
	ec   models.ExecutionContext
}

// executeRound admits every call in proposal order, then runs the admitted
// ones concurrently. results[i] always corresponds to calls[i].
func (o *Orchestrator) executeRound(ctx context.Context, req TurnRequest, calls []models.ToolCall) []models.ToolExecutionResult {
	results := make([]models.ToolExecutionResult, len(calls))
	admitted := make(map[int]admission, len(calls))

	for i, call := range calls {
		base := models.ToolExecutionResult{ToolCallID: call.ID, Name: call.Name}
		switch {
		case call.Name == "":
			base.Kind, base.SkipReason = models.ResultSkipped, SkipMissingName
			results[i] = base
			continue
		case i >= o.cfg.MaxToolCallsPerRound:
			base.Kind, base.SkipReason = models.ResultSkipped, SkipRoundCap
			results[i] = base
			continue
		}

		sig := o.signer.Of(call.Name, call.Arguments)
		key := ledger.Key(o.cfg.LedgerScope, req.SessionID, sig)
		v := o.ledger.Admit(key)
		switch v.Decision {
		case contracts.Admit:
			admitted[i] = admission{call: call, ec: models.ExecutionContext{
				UserID:         req.UserID,
				SessionID:      req.SessionID,
				DocumentRef:    req.DocumentRef,
				IdempotencyKey: sig,
				LedgerKey:      key,
			}}
		case contracts.RejectDuplicateInFlight:
			base.Kind = models.ResultDuplicate
			base.Duplicate = &models.DuplicateInfo{OccurrenceCount: v.OccurrenceCount, DetectedBy: models.DetectedInFlight}
			results[i] = base
		case contracts.RejectRecentlyCompleted:
			base.Kind = models.ResultDuplicate
			base.Duplicate = &models.DuplicateInfo{OccurrenceCount: v.OccurrenceCount, DetectedBy: models.DetectedLoopBreaker}
			results[i] = base
		}
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallelTools)
	for i, a := range admitted {
		g.Go(func() error {
			results[i] = o.executeWithRetry(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

var errRetryable = errors.New("retryable tool error")

// executeWithRetry runs an admitted call, re-admitting and re-running it
// while it fails with a retryable error and retries remain.
func (o *Orchestrator) executeWithRetry(ctx context.Context, a admission) models.ToolExecutionResult {
	var res models.ToolExecutionResult
	attempt := 0
	_ = backoff.Retry(func() error {
		if attempt > 0 {
			if v := o.ledger.Admit(a.ec.LedgerKey); v.Decision != contracts.Admit {
				return backoff.Permanent(errRetryable)
			}
			log.Debug().Str("tool", a.call.Name).Int("attempt", attempt+1).Msg("Retrying tool call")
		}
		attempt++
		res = o.executor.Execute(ctx, a.call, a.ec)
		if res.Error != nil && res.Error.Retryable {
			return errRetryable
		}
		return nil
	}, o.newBackOff(ctx, o.cfg.ToolRetries))
	return res
}

// observation is the body of a tool message folded back to the model.
type observation struct {
	Status          models.ResultKind `json:"status"`
	Data            json.RawMessage   `json:"data,omitempty"`
	Error           *models.ToolError `json:"error,omitempty"`
	Note            string            `json:"note,omitempty"`
	OccurrenceCount int               `json:"occurrence_count,omitempty"`
}

func observe(r models.ToolExecutionResult) observation {
	obs := observation{Status: r.Kind, Data: r.Data, Error: r.Error}
	switch r.Kind {
	case models.ResultDuplicate:
		obs.OccurrenceCount = r.Duplicate.OccurrenceCount
		if r.Duplicate.DetectedBy == models.DetectedLoopBreaker {
			obs.Note = "this exact call was already executed repeatedly and was not run again; change the arguments or stop"
		} else {
			obs.Note = "an identical call is already running; it was not run twice"
		}
	case models.ResultSkipped:
		obs.Note = r.SkipReason
	}
	return obs
}

// fold appends the assistant message carrying the calls and one tool
// message per result.
func fold(messages []models.ChatMessage, content string, calls []models.ToolCall, results []models.ToolExecutionResult) []models.ChatMessage {
	messages = append(messages, models.ChatMessage{Role: "assistant", Content: content, ToolCalls: calls})
	for _, r := range results {
		body, err := json.Marshal(observe(r))
		if err != nil {
			body = []byte(`{"status":"error"}`)
		}
		messages = append(messages, models.ChatMessage{
			Role:       "tool",
			Content:    string(body),
			ToolCallID: r.ToolCallID,
			Name:       r.Name,
		})
	}
	return messages
}

func (s *TurnStats) add(results []models.ToolExecutionResult) {
	for _, r := range results {
		switch r.Kind {
		case models.ResultSuccess:
			s.Executed++
		case models.ResultError:
			s.Executed++
			s.Errors++
		case models.ResultDuplicate:
			s.Duplicates++
		case models.ResultSkipped:
			s.Skipped++
		}
	}
}
