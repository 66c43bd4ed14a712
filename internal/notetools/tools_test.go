package notetools_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivia/agentcore/internal/contentapply"
	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/notetools"
	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	viewers map[string]bool
	events  []models.StreamEvent
	err     error
}

func (s *recordingSink) HasViewers(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers[ref]
}

func (s *recordingSink) Publish(ev models.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

// racingStore simulates a concurrent writer landing between read and write.
type racingStore struct {
	store.Store
}

func (racingStore) WriteContent(context.Context, string, string, string) (*models.Document, error) {
	return nil, store.ErrConflict
}

const plan = "# Plan\n\n## Goals\nShip.\n"

func setup(t *testing.T) (*notetools.Tools, store.Store, *recordingSink, string) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })

	doc := &models.Document{Title: "Plan", Content: plan, OwnerID: "u1"}
	require.NoError(t, s.CreateDocument(context.Background(), doc))

	sink := &recordingSink{viewers: map[string]bool{doc.Ref: true}}
	return notetools.New(s, contentapply.New(contentapply.DefaultLimits()), sink), s, sink, doc.Ref
}

func insertUnderGoals(ref string, extra string) json.RawMessage {
	return json.RawMessage(`{"ref":"` + ref + `","ops":[{"id":"op1","action":"insert","where":"after",` +
		`"target":{"type":"heading","heading":{"path":["Plan","Goals"]}},"content":"- tests"}]` + extra + `}`)
}

func toolErr(t *testing.T, err error) *models.ToolError {
	t.Helper()
	var te *models.ToolError
	require.True(t, errors.As(err, &te), "expected ToolError, got %v", err)
	return te
}

func TestApplyContent_PersistsAndStreams(t *testing.T) {
	tools, s, sink, ref := setup(t)
	ctx := context.Background()

	out, err := tools.ApplyContent(ctx, insertUnderGoals(ref, `,"return_diff":true,"return_content":true`), models.ExecutionContext{})
	require.NoError(t, err)

	res := out.(*notetools.ApplyContentResult)
	assert.Equal(t, 1, res.Applied)
	assert.Contains(t, res.NewContent, "- tests")
	assert.Contains(t, res.Diff, "+- tests")

	doc, err := s.GetDocument(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, res.NewContent, doc.Content)
	assert.Equal(t, doc.Etag, res.Etag)

	require.Len(t, sink.events, 1)
	assert.Equal(t, ref, sink.events[0].Ref)
	assert.Equal(t, doc.Etag, sink.events[0].Etag)
}

func TestApplyContent_DryRunDoesNotWrite(t *testing.T) {
	tools, s, sink, ref := setup(t)
	ctx := context.Background()

	out, err := tools.ApplyContent(ctx, insertUnderGoals(ref, `,"dry_run":true`), models.ExecutionContext{})
	require.NoError(t, err)
	res := out.(*notetools.ApplyContentResult)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Applied)
	assert.Empty(t, res.Diff)

	doc, err := s.GetDocument(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, plan, doc.Content)
	assert.Empty(t, sink.events)
}

func TestApplyContent_DefaultsToSessionDocument(t *testing.T) {
	tools, _, _, ref := setup(t)

	args := json.RawMessage(`{"ops":[{"id":"a","action":"insert","target":{"type":"position","position":{"mode":"end"}},"content":"tail"}]}`)
	out, err := tools.ApplyContent(context.Background(), args, models.ExecutionContext{DocumentRef: ref})
	require.NoError(t, err)
	assert.Equal(t, ref, out.(*notetools.ApplyContentResult).Ref)

	_, err = tools.ApplyContent(context.Background(), args, models.ExecutionContext{})
	assert.Equal(t, models.CodeValidationFailed, toolErr(t, err).Code)
}

func TestApplyContent_NoViewersNoPublish(t *testing.T) {
	tools, _, sink, ref := setup(t)
	sink.viewers = nil

	_, err := tools.ApplyContent(context.Background(), insertUnderGoals(ref, ""), models.ExecutionContext{})
	require.NoError(t, err)
	assert.Empty(t, sink.events)
}

func TestApplyContent_PublishFailureDoesNotFailEdit(t *testing.T) {
	tools, _, sink, ref := setup(t)
	sink.err = errors.New("stream closed")

	_, err := tools.ApplyContent(context.Background(), insertUnderGoals(ref, ""), models.ExecutionContext{})
	assert.NoError(t, err)
}

func TestApplyContent_Conflicts(t *testing.T) {
	tools, s, _, ref := setup(t)
	ctx := context.Background()

	t.Run("stale expected etag", func(t *testing.T) {
		_, err := tools.ApplyContent(ctx, insertUnderGoals(ref, `,"expected_etag":"stale"`), models.ExecutionContext{})
		assert.Equal(t, models.CodeConflict, toolErr(t, err).Code)
	})

	t.Run("concurrent writer", func(t *testing.T) {
		racing := notetools.New(racingStore{s}, nil, nil)
		_, err := racing.ApplyContent(ctx, insertUnderGoals(ref, ""), models.ExecutionContext{})
		te := toolErr(t, err)
		assert.Equal(t, models.CodeConflict, te.Code)
		assert.True(t, te.Retryable)
	})
}

func TestApplyContent_ValidationAndNotFound(t *testing.T) {
	tools, _, _, ref := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args string
		code string
	}{
		{"unknown field", `{"ref":"` + ref + `","ops":[],"bogus":1}`, models.CodeValidationFailed},
		{"no ops", `{"ref":"` + ref + `","ops":[]}`, models.CodeValidationFailed},
		{"not json", `{"ref":`, models.CodeValidationFailed},
		{"missing note", `{"ref":"nope","ops":[{"id":"a","action":"delete","target":{"type":"anchor","anchor":{"anchor_id":"x"}}}]}`, models.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tools.ApplyContent(ctx, json.RawMessage(tt.args), models.ExecutionContext{})
			assert.Equal(t, tt.code, toolErr(t, err).Code)
		})
	}
}

func TestApplyContent_FailedOpsReportedNotWritten(t *testing.T) {
	tools, s, sink, ref := setup(t)
	ctx := context.Background()

	args := `{"ref":"` + ref + `","ops":[{"id":"a","action":"replace","target":{"type":"heading","heading":{"path":["Missing"]}},"content":"x"}]}`
	out, err := tools.ApplyContent(ctx, json.RawMessage(args), models.ExecutionContext{})
	require.NoError(t, err)

	res := out.(*notetools.ApplyContentResult)
	assert.Zero(t, res.Applied)
	assert.Equal(t, models.StatusNotFound, res.PerOperation[0].Status)

	doc, err := s.GetDocument(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, plan, doc.Content)
	assert.Empty(t, sink.events)
}

func TestApplyContent_MalformedOpDoesNotAbortBatch(t *testing.T) {
	tools, s, _, ref := setup(t)
	ctx := context.Background()

	args := `{"ref":"` + ref + `","ops":[` +
		`{"id":"a","action":"insert","target":{"type":"position","position":{"mode":"end"}},"content":"tail"},` +
		`{"id":"b","action":"insert","target":{"type":"bogus"},"content":"y"},` +
		`{"id":"c","action":"insert","target":{"type":"position","position":{"mode":"offset","offset":"x"}},"content":"z"}]}`
	out, err := tools.ApplyContent(ctx, json.RawMessage(args), models.ExecutionContext{})
	require.NoError(t, err)

	res := out.(*notetools.ApplyContentResult)
	require.Len(t, res.PerOperation, 3)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, models.StatusApplied, res.PerOperation[0].Status)
	assert.Equal(t, models.StatusError, res.PerOperation[1].Status)
	assert.Contains(t, res.PerOperation[1].Error, `unknown target type "bogus"`)
	assert.Equal(t, "c", res.PerOperation[2].OpID)
	assert.Equal(t, models.StatusError, res.PerOperation[2].Status)

	doc, err := s.GetDocument(ctx, ref)
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "tail")
	assert.NotContains(t, doc.Content, "y\n")
}

func TestGetAndCreateNote(t *testing.T) {
	tools, _, _, ref := setup(t)
	ctx := context.Background()

	out, err := tools.GetNote(ctx, json.RawMessage(`{"ref":"`+ref+`"}`), models.ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, plan, out.(*models.Document).Content)

	out, err = tools.CreateNote(ctx, json.RawMessage(`{"title":"  Ideas ","content":"# Ideas\n"}`), models.ExecutionContext{UserID: "u2"})
	require.NoError(t, err)
	created := out.(*models.Document)
	assert.Equal(t, "Ideas", created.Title)
	assert.Equal(t, "u2", created.OwnerID)
	assert.NotEmpty(t, created.Ref)
	assert.Equal(t, contentapply.Etag("# Ideas\n"), created.Etag)

	_, err = tools.CreateNote(ctx, json.RawMessage(`{"title":""}`), models.ExecutionContext{})
	assert.Equal(t, models.CodeValidationFailed, toolErr(t, err).Code)
}

func TestRegister(t *testing.T) {
	tools, _, _, ref := setup(t)
	reg := executor.NewRegistry()
	require.NoError(t, tools.Register(reg))

	var names []string
	for _, spec := range reg.Specs() {
		names = append(names, spec.Name)
		assert.NotEmpty(t, spec.Parameters)
	}
	assert.Equal(t, []string{notetools.ToolApplyContent, notetools.ToolGetNote, notetools.ToolCreateNote}, names)
	assert.ErrorIs(t, tools.Register(reg), executor.ErrToolAlreadyRegistered)

	ex := executor.New(reg, nil, 0)
	res := ex.Execute(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      notetools.ToolGetNote,
		Arguments: json.RawMessage(`{"ref":"` + ref + `"}`),
	}, models.ExecutionContext{})
	assert.True(t, res.Succeeded())
}
