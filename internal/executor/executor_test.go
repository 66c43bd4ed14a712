package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/ledger"
	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

func newTestExecutor(t *testing.T, timeout time.Duration) (*executor.Executor, *ledger.Ledger) {
	t.Helper()
	reg := executor.NewRegistry()

	must := func(name string, h executor.Handler) {
		require.NoError(t, reg.Register(models.ToolSpec{Name: name}, h))
	}
	must("echo", func(_ context.Context, args json.RawMessage, ec models.ExecutionContext) (any, error) {
		return map[string]any{"args": args, "session": ec.SessionID}, nil
	})
	must("slow", func(ctx context.Context, _ json.RawMessage, _ models.ExecutionContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	must("boom", func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) {
		panic("kaboom")
	})
	must("conflict", func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) {
		return nil, models.NewToolError(models.CodeConflict, "etag changed")
	})
	must("fail", func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) {
		return nil, errors.New("disk full")
	})

	l := ledger.New(ledger.DefaultConfig())
	return executor.New(reg, l, timeout), l
}

func admitted(t *testing.T, l *ledger.Ledger, key string) models.ExecutionContext {
	t.Helper()
	require.Equal(t, contracts.Admit, l.Admit(key).Decision)
	return models.ExecutionContext{SessionID: "s1", LedgerKey: key, IdempotencyKey: key}
}

func TestExecute_Success(t *testing.T) {
	ex, l := newTestExecutor(t, time.Second)
	ec := admitted(t, l, "k-echo")

	res := ex.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`)}, ec)

	assert.Equal(t, models.ResultSuccess, res.Kind)
	assert.Equal(t, "c1", res.ToolCallID)
	assert.JSONEq(t, `{"args":{"x":1},"session":"s1"}`, string(res.Data))
	assert.Nil(t, res.Error)
	assert.GreaterOrEqual(t, res.DurationMs, int64(0))
	assert.Zero(t, l.Stats().ActiveInFlight)
}

func TestExecute_ErrorCodes(t *testing.T) {
	tests := []struct {
		tool      string
		code      string
		retryable bool
	}{
		{"missing", models.CodeUnknownTool, false},
		{"slow", models.CodeTimeout, true},
		{"boom", models.CodeHandlerPanic, false},
		{"conflict", models.CodeConflict, false},
		{"fail", models.CodeHandlerFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			ex, l := newTestExecutor(t, 20*time.Millisecond)
			ec := admitted(t, l, "k-"+tt.tool)

			res := ex.Execute(context.Background(), models.ToolCall{ID: "c", Name: tt.tool}, ec)

			assert.Equal(t, models.ResultError, res.Kind)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.Equal(t, tt.retryable, res.Error.Retryable)

			// the ledger entry never stays in flight
			assert.Zero(t, l.Stats().ActiveInFlight)
			assert.Equal(t, contracts.Admit, l.Admit("k-"+tt.tool).Decision)
		})
	}
}

func TestExecute_CanceledContext(t *testing.T) {
	ex, l := newTestExecutor(t, time.Minute)
	ec := admitted(t, l, "k-cancel")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ex.Execute(ctx, models.ToolCall{ID: "c", Name: "slow"}, ec)

	require.NotNil(t, res.Error)
	assert.Equal(t, models.CodeCanceled, res.Error.Code)
}

func TestRegistry(t *testing.T) {
	reg := executor.NewRegistry()
	noop := func(context.Context, json.RawMessage, models.ExecutionContext) (any, error) { return nil, nil }

	require.NoError(t, reg.Register(models.ToolSpec{Name: "b"}, noop))
	require.NoError(t, reg.Register(models.ToolSpec{Name: "a"}, noop))

	err := reg.Register(models.ToolSpec{Name: "a"}, noop)
	assert.ErrorIs(t, err, executor.ErrToolAlreadyRegistered)
	assert.Error(t, reg.Register(models.ToolSpec{}, noop))
	assert.Error(t, reg.Register(models.ToolSpec{Name: "c"}, nil))

	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "b", specs[0].Name)
	assert.Equal(t, "a", specs[1].Name)

	_, ok := reg.Lookup("a")
	assert.True(t, ok)
	_, ok = reg.Lookup("zzz")
	assert.False(t, ok)
}
