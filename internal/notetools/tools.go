// Package notetools registers the note editing actions the model can call.
package notetools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/contentapply"
	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// Tool names.
const (
	ToolApplyContent = "apply_content"
	ToolGetNote      = "get_note"
	ToolCreateNote   = "create_note"
)

// Tools holds the collaborators shared by the note handlers.
type Tools struct {
	docs   contracts.DocumentStore
	engine *contentapply.Engine
	sink   contracts.LiveSink
	now    func() time.Time
}

// New creates the note tools. sink may be nil when nothing is streamed.
func New(docs contracts.DocumentStore, engine *contentapply.Engine, sink contracts.LiveSink) *Tools {
	if engine == nil {
		engine = contentapply.New(contentapply.DefaultLimits())
	}
	return &Tools{docs: docs, engine: engine, sink: sink, now: time.Now}
}

// Register adds every note tool to reg.
func (t *Tools) Register(reg *executor.Registry) error {
	tools := []struct {
		spec models.ToolSpec
		h    executor.Handler
	}{
		{applyContentSpec, t.ApplyContent},
		{getNoteSpec, t.GetNote},
		{createNoteSpec, t.CreateNote},
	}
	for _, tool := range tools {
		if err := reg.Register(tool.spec, tool.h); err != nil {
			return err
		}
	}
	return nil
}

// ── apply_content ───────────────────────────────────────────

// ApplyRequest is the argument object of apply_content.
type ApplyRequest struct {
	Ref           string                    `json:"ref"`
	Ops           []models.ContentOperation `json:"ops"`
	DryRun        bool                      `json:"dry_run"`
	ReturnDiff    bool                      `json:"return_diff"`
	ReturnContent bool                      `json:"return_content"`
	ExpectedEtag  string                    `json:"expected_etag"`
}

// ApplyContentResult is the data returned by apply_content.
type ApplyContentResult struct {
	Ref          string               `json:"ref"`
	DryRun       bool                 `json:"dry_run"`
	Applied      int                  `json:"applied"`
	PerOperation []models.ApplyResult `json:"per_operation"`
	Etag         string               `json:"etag"`
	Diff         string               `json:"diff,omitempty"`
	NewContent   string               `json:"new_content,omitempty"`
}

// ApplyContent edits a note with a batch of content operations.
func (t *Tools) ApplyContent(ctx context.Context, raw json.RawMessage, ec models.ExecutionContext) (any, error) {
	var args ApplyRequest
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	res, err := t.Apply(ctx, args, ec)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Apply reads the note, runs the engine and, unless DryRun is set, writes
// the new content guarded by the etag that was read. Failures that the
// caller can act on are returned as *models.ToolError.
func (t *Tools) Apply(ctx context.Context, args ApplyRequest, ec models.ExecutionContext) (*ApplyContentResult, error) {
	if len(args.Ops) == 0 {
		return nil, models.NewToolError(models.CodeValidationFailed, "ops must contain at least one operation")
	}
	ref, err := resolveRef(args.Ref, ec)
	if err != nil {
		return nil, err
	}

	doc, err := t.load(ctx, ref)
	if err != nil {
		return nil, err
	}
	if args.ExpectedEtag != "" && args.ExpectedEtag != doc.Etag {
		return nil, models.NewToolError(models.CodeConflict, "note %s changed since etag %s", ref, args.ExpectedEtag)
	}

	outcome := t.engine.Apply(doc.Content, args.Ops, contentapply.Options{
		DryRun:     args.DryRun,
		ReturnDiff: args.ReturnDiff,
	})
	res := &ApplyContentResult{
		Ref:          ref,
		DryRun:       args.DryRun,
		Applied:      outcome.AppliedCount(),
		PerOperation: outcome.PerOperation,
		Etag:         outcome.Etag,
		Diff:         outcome.Diff,
	}
	if args.ReturnContent {
		res.NewContent = outcome.NewContent
	}
	if args.DryRun || outcome.NewContent == doc.Content {
		return res, nil
	}

	saved, err := t.docs.WriteContent(ctx, ref, outcome.NewContent, doc.Etag)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, &models.ToolError{
				Code:      models.CodeConflict,
				Message:   fmt.Sprintf("note %s was modified concurrently; read it again and retry", ref),
				Retryable: true,
			}
		}
		return nil, fmt.Errorf("write note %s: %w", ref, err)
	}
	res.Etag = saved.Etag

	t.publish(models.StreamEvent{
		Ref:        ref,
		Operations: args.Ops,
		NewContent: saved.Content,
		Etag:       saved.Etag,
		At:         t.now().UTC(),
	})
	return res, nil
}

func (t *Tools) publish(ev models.StreamEvent) {
	if t.sink == nil || !t.sink.HasViewers(ev.Ref) {
		return
	}
	if err := t.sink.Publish(ev); err != nil {
		log.Warn().Err(err).Str("ref", ev.Ref).Msg("Failed to stream applied content")
	}
}

// ── get_note ────────────────────────────────────────────────

type getNoteArgs struct {
	Ref string `json:"ref"`
}

// GetNote returns a note's content and etag.
func (t *Tools) GetNote(ctx context.Context, raw json.RawMessage, ec models.ExecutionContext) (any, error) {
	var args getNoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	ref, err := resolveRef(args.Ref, ec)
	if err != nil {
		return nil, err
	}
	return t.load(ctx, ref)
}

// ── create_note ─────────────────────────────────────────────

type createNoteArgs struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// CreateNote creates a note owned by the calling user.
func (t *Tools) CreateNote(ctx context.Context, raw json.RawMessage, ec models.ExecutionContext) (any, error) {
	var args createNoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return nil, models.NewToolError(models.CodeValidationFailed, "title is required")
	}

	doc := &models.Document{
		Ref:     uuid.New().String(),
		Title:   title,
		Content: args.Content,
		OwnerID: ec.UserID,
	}
	if err := t.docs.CreateDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	log.Info().Str("ref", doc.Ref).Str("user", ec.UserID).Msg("Note created")
	return doc, nil
}

// ── helpers ─────────────────────────────────────────────────

func (t *Tools) load(ctx context.Context, ref string) (*models.Document, error) {
	doc, err := t.docs.GetDocument(ctx, ref)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, models.NewToolError(models.CodeNotFound, "note %s not found", ref)
		}
		return nil, fmt.Errorf("read note %s: %w", ref, err)
	}
	return doc, nil
}

// decodeArgs rejects unknown fields and trailing data so a model typo
// surfaces as validation_failed instead of being silently ignored.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return models.NewToolError(models.CodeValidationFailed, "invalid arguments: %v", err)
	}
	if dec.More() {
		return models.NewToolError(models.CodeValidationFailed, "invalid arguments: trailing data")
	}
	return nil
}

func resolveRef(ref string, ec models.ExecutionContext) (string, error) {
	if ref = strings.TrimSpace(ref); ref != "" {
		return ref, nil
	}
	if ec.DocumentRef != "" {
		return ec.DocumentRef, nil
	}
	return "", models.NewToolError(models.CodeValidationFailed, "ref is required when the session has no document")
}
