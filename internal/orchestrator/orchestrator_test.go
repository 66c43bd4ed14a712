package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/ledger"
	"github.com/scrivia/agentcore/internal/orchestrator"
	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// scriptedModel replays canned replies and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []func(models.CompletionRequest) (*models.CompletionResponse, error)
	requests []models.CompletionRequest
}

func (m *scriptedModel) Complete(_ context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return &models.CompletionResponse{Content: "done"}, nil
	}
	step := m.steps[0]
	if len(m.steps) > 1 {
		m.steps = m.steps[1:]
	}
	return step(req)
}

func reply(content string) func(models.CompletionRequest) (*models.CompletionResponse, error) {
	return func(models.CompletionRequest) (*models.CompletionResponse, error) {
		return &models.CompletionResponse{Content: content}, nil
	}
}

func propose(calls ...models.ToolCall) func(models.CompletionRequest) (*models.CompletionResponse, error) {
	return func(models.CompletionRequest) (*models.CompletionResponse, error) {
		return &models.CompletionResponse{ToolCalls: calls}, nil
	}
}

func call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

type harness struct {
	model    *scriptedModel
	ledger   *ledger.Ledger
	registry *executor.Registry
	calls    atomic.Int64
	orch     *orchestrator.Orchestrator
}

func newHarness(t *testing.T, cfg orchestrator.Config, steps ...func(models.CompletionRequest) (*models.CompletionResponse, error)) *harness {
	t.Helper()
	h := &harness{
		model:    &scriptedModel{steps: steps},
		ledger:   ledger.New(ledger.DefaultConfig()),
		registry: executor.NewRegistry(),
	}
	require.NoError(t, h.registry.Register(models.ToolSpec{Name: "note"}, func(_ context.Context, args json.RawMessage, _ models.ExecutionContext) (any, error) {
		h.calls.Add(1)
		return map[string]any{"ok": true}, nil
	}))
	require.NoError(t, h.registry.Register(models.ToolSpec{Name: "broken"}, func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) {
		h.calls.Add(1)
		return nil, errors.New("write failed")
	}))
	h.orch = orchestrator.New(h.model, h.ledger, executor.New(h.registry, h.ledger, time.Second), nil, cfg)
	t.Cleanup(func() { _ = h.ledger.Close() })
	return h
}

func statesOf(r orchestrator.Round) []orchestrator.State { return r.States }

// ─── Loop ───────────────────────────────────────────────────

func TestRunTurn_DirectAnswer(t *testing.T) {
	h := newHarness(t, orchestrator.Config{}, reply("hello"))

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{SessionID: "s1", UserMessage: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Reply)
	require.Len(t, res.Rounds, 1)
	assert.Equal(t, []orchestrator.State{orchestrator.StateThinking, orchestrator.StateDone}, statesOf(res.Rounds[0]))
	assert.NotEmpty(t, res.TraceID)
	require.Len(t, res.Messages, 2)
	assert.Equal(t, "assistant", res.Messages[1].Role)
}

func TestRunTurn_FoldsResultsIntoNextRound(t *testing.T) {
	h := newHarness(t, orchestrator.Config{},
		propose(call("c1", "note", `{"a":1}`), call("c2", "broken", `{}`)),
		reply("all set"),
	)

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{SessionID: "s1", UserMessage: "edit"})
	require.NoError(t, err)
	assert.Equal(t, "all set", res.Reply)

	require.Len(t, res.Rounds, 2)
	assert.Equal(t, []orchestrator.State{
		orchestrator.StateThinking, orchestrator.StateToolsProposed,
		orchestrator.StateExecuting, orchestrator.StateResultsFolded,
	}, statesOf(res.Rounds[0]))

	results := res.Rounds[0].Results
	require.Len(t, results, 2)
	assert.Equal(t, models.ResultSuccess, results[0].Kind)
	assert.Equal(t, models.ResultError, results[1].Kind)
	assert.Equal(t, models.CodeHandlerFailed, results[1].Error.Code)

	require.Len(t, h.model.requests, 2)
	second := h.model.requests[1].Messages
	require.Len(t, second, 4) // user, assistant(tool calls), tool, tool
	assert.Equal(t, "assistant", second[1].Role)
	assert.Len(t, second[1].ToolCalls, 2)
	assert.Equal(t, "tool", second[2].Role)
	assert.Equal(t, "c1", second[2].ToolCallID)
	assert.JSONEq(t, `{"status":"success","data":{"ok":true}}`, second[2].Content)
	assert.Equal(t, "c2", second[3].ToolCallID)
	assert.Contains(t, second[3].Content, `"handler_failed"`)

	assert.Equal(t, orchestrator.TurnStats{Executed: 2, Errors: 1}, res.Stats)
}

func TestRunTurn_SameRoundDuplicateRunsOnce(t *testing.T) {
	h := newHarness(t, orchestrator.Config{},
		propose(call("c1", "note", `{"a":1,"b":2}`), call("c2", "note", `{"b":2,"a":1}`)),
		reply("ok"),
	)

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{SessionID: "s1"})
	require.NoError(t, err)

	results := res.Rounds[0].Results
	assert.Equal(t, models.ResultSuccess, results[0].Kind)
	assert.Equal(t, models.ResultDuplicate, results[1].Kind)
	assert.Equal(t, models.DetectedInFlight, results[1].Duplicate.DetectedBy)
	assert.Equal(t, int64(1), h.calls.Load())
}

func TestRunTurn_LoopBreakerAcrossRounds(t *testing.T) {
	same := propose(call("", "note", `{"ref":"n1"}`))
	h := newHarness(t, orchestrator.Config{}, same, same, same, same, reply("giving up"))

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, res.Rounds, 5)

	for i := 0; i < 3; i++ {
		assert.Equal(t, models.ResultSuccess, res.Rounds[i].Results[0].Kind, "round %d", i+1)
		assert.NotEmpty(t, res.Rounds[i].ToolCalls[0].ID)
	}
	dup := res.Rounds[3].Results[0]
	assert.Equal(t, models.ResultDuplicate, dup.Kind)
	assert.Equal(t, models.DetectedLoopBreaker, dup.Duplicate.DetectedBy)
	assert.Equal(t, 4, dup.Duplicate.OccurrenceCount)
	assert.Equal(t, int64(3), h.calls.Load())
	assert.Equal(t, int64(1), h.ledger.Stats().LoopRejections)
}

func TestRunTurn_LedgerScope(t *testing.T) {
	tests := []struct {
		scope          ledger.Scope
		wantRejections int64
	}{
		{ledger.ScopeGlobal, 1},
		{ledger.ScopeSession, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			same := propose(call("c", "note", `{"ref":"n1"}`))
			h := newHarness(t, orchestrator.Config{LedgerScope: tt.scope},
				same, same, reply("s1 done"),
				same, same, reply("s2 done"),
			)
			for _, session := range []string{"s1", "s2"} {
				_, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{SessionID: session})
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantRejections, h.ledger.Stats().LoopRejections)
		})
	}
}

func TestRunTurn_RoundLimit(t *testing.T) {
	var n atomic.Int64
	varying := func(models.CompletionRequest) (*models.CompletionResponse, error) {
		return &models.CompletionResponse{ToolCalls: []models.ToolCall{
			call("", "note", fmt.Sprintf(`{"n":%d}`, n.Add(1))),
		}}, nil
	}
	h := newHarness(t, orchestrator.Config{MaxRounds: 3}, varying)

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{SessionID: "s1"})
	require.ErrorIs(t, err, orchestrator.ErrRoundLimit)
	require.NotNil(t, res)
	assert.True(t, res.Truncated)
	require.Len(t, res.Rounds, 3)
	last := res.Rounds[2].States
	assert.Equal(t, orchestrator.StateDone, last[len(last)-1])
	assert.Equal(t, int64(3), h.calls.Load())
}

func TestRunTurn_SkipsCallsOverCapAndWithoutName(t *testing.T) {
	h := newHarness(t, orchestrator.Config{MaxToolCallsPerRound: 2},
		propose(call("a", "note", `{"i":1}`), call("b", "", `{}`), call("c", "note", `{"i":3}`)),
		reply("ok"),
	)

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{})
	require.NoError(t, err)

	results := res.Rounds[0].Results
	assert.Equal(t, models.ResultSuccess, results[0].Kind)
	assert.Equal(t, models.ResultSkipped, results[1].Kind)
	assert.Equal(t, orchestrator.SkipMissingName, results[1].SkipReason)
	assert.Equal(t, models.ResultSkipped, results[2].Kind)
	assert.Equal(t, orchestrator.SkipRoundCap, results[2].SkipReason)
	assert.Equal(t, 2, res.Stats.Skipped)
}

func TestRunTurn_UnknownToolDoesNotAbortRound(t *testing.T) {
	h := newHarness(t, orchestrator.Config{},
		propose(call("a", "nope", `{}`), call("b", "note", `{}`)),
		reply("ok"),
	)
	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.CodeUnknownTool, res.Rounds[0].Results[0].Error.Code)
	assert.Equal(t, models.ResultSuccess, res.Rounds[0].Results[1].Kind)
}

func TestRunTurn_ExecutesAdmittedCallsConcurrently(t *testing.T) {
	h := newHarness(t, orchestrator.Config{MaxParallelTools: 2},
		propose(call("a", "barrier", `{"i":1}`), call("b", "barrier", `{"i":2}`)),
		reply("ok"),
	)

	var started sync.WaitGroup
	started.Add(2)
	require.NoError(t, h.registry.Register(models.ToolSpec{Name: "barrier"}, func(ctx context.Context, _ json.RawMessage, _ models.ExecutionContext) (any, error) {
		started.Done()
		waited := make(chan struct{})
		go func() { started.Wait(); close(waited) }()
		select {
		case <-waited:
			return "together", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{})
	require.NoError(t, err)
	for _, r := range res.Rounds[0].Results {
		assert.Equal(t, models.ResultSuccess, r.Kind)
	}
}

// ─── Failures & retries ─────────────────────────────────────

func TestRunTurn_ModelUnavailable(t *testing.T) {
	h := newHarness(t, orchestrator.Config{}, func(models.CompletionRequest) (*models.CompletionResponse, error) {
		return nil, errors.New("connection refused")
	})

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{UserMessage: "hi"})
	require.ErrorIs(t, err, orchestrator.ErrModelUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	require.NotNil(t, res)
	assert.Len(t, h.model.requests, 1)
}

func TestRunTurn_ModelRetries(t *testing.T) {
	var attempts atomic.Int64
	flaky := func(models.CompletionRequest) (*models.CompletionResponse, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("503")
		}
		return &models.CompletionResponse{Content: "recovered"}, nil
	}
	h := newHarness(t, orchestrator.Config{ModelRetries: 2, RetryInitialInterval: time.Millisecond}, flaky)

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{UserMessage: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Reply)
	assert.Equal(t, int64(3), attempts.Load())
}

func TestRunTurn_MalformedResponse(t *testing.T) {
	h := newHarness(t, orchestrator.Config{ModelRetries: 3}, func(models.CompletionRequest) (*models.CompletionResponse, error) {
		return nil, nil
	})
	_, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{UserMessage: "hi"})
	require.ErrorIs(t, err, orchestrator.ErrMalformedResponse)
	assert.Len(t, h.model.requests, 1)
}

func TestRunTurn_ToolRetries(t *testing.T) {
	h := newHarness(t, orchestrator.Config{ToolRetries: 1, RetryInitialInterval: time.Millisecond},
		propose(call("a", "flaky", `{}`)),
		reply("ok"),
	)
	var runs atomic.Int64
	require.NoError(t, h.registry.Register(models.ToolSpec{Name: "flaky"}, func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) {
		if runs.Add(1) == 1 {
			return nil, &models.ToolError{Code: "unavailable", Message: "try again", Retryable: true}
		}
		return "ok", nil
	}))

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultSuccess, res.Rounds[0].Results[0].Kind)
	assert.Equal(t, int64(2), runs.Load())
}

func TestRunTurn_NoToolRetriesByDefault(t *testing.T) {
	h := newHarness(t, orchestrator.Config{},
		propose(call("a", "flaky", `{}`)),
		reply("ok"),
	)
	var runs atomic.Int64
	require.NoError(t, h.registry.Register(models.ToolSpec{Name: "flaky"}, func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) {
		runs.Add(1)
		return nil, &models.ToolError{Code: "unavailable", Message: "try again", Retryable: true}
	}))

	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.ResultError, res.Rounds[0].Results[0].Kind)
	assert.Equal(t, int64(1), runs.Load())
}

func TestRunTurn_SystemPromptAndTools(t *testing.T) {
	h := newHarness(t, orchestrator.Config{SystemPrompt: "be brief"}, reply("ok"))
	_, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{UserMessage: "hi"})
	require.NoError(t, err)

	req := h.model.requests[0]
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "be brief", req.Messages[0].Content)
	assert.Len(t, req.Tools, 2)
}

func TestTurnResult_AppendedExcludesHistoryAndSystemPrompt(t *testing.T) {
	h := newHarness(t, orchestrator.Config{SystemPrompt: "be brief"},
		propose(call("c1", "note", `{}`)),
		reply("done"),
	)
	history := []models.ChatMessage{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "sure"}}
	res, err := h.orch.RunTurn(context.Background(), orchestrator.TurnRequest{History: history, UserMessage: "edit"})
	require.NoError(t, err)

	appended := res.Appended()
	require.Len(t, appended, 4)
	assert.Equal(t, "user", appended[0].Role)
	assert.Equal(t, "edit", appended[0].Content)
	assert.Equal(t, "assistant", appended[1].Role)
	assert.Equal(t, "tool", appended[2].Role)
	assert.Equal(t, "done", appended[3].Content)
}

var _ contracts.ModelClient = (*scriptedModel)(nil)
