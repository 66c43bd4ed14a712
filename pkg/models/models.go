// Package models holds the value types shared across the Scrivia agent core:
// tool calls and their results, content operations and their outcomes,
// ledger statistics, chat messages, documents and live-stream events.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ── Tool Calls ───────────────────────────────────────────────

// ToolCall is one invocation proposed by the model in a round.
// Arguments stay raw JSON until the handler that owns them decodes them.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec advertises a tool to the model: a name plus a JSON-Schema
// parameter contract.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ExecutionContext is handed to every domain handler.
type ExecutionContext struct {
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`

	// IdempotencyKey is the call's signature.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// LedgerKey is the key the call was admitted under; the executor
	// completes it when the handler returns.
	LedgerKey string `json:"-"`
}

// ResultKind tags the variant carried by a ToolExecutionResult.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultError     ResultKind = "error"
	ResultDuplicate ResultKind = "duplicate"
	ResultSkipped   ResultKind = "skipped"
)

// Tool error codes.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeTimeout          = "timeout"
	CodeConflict         = "conflict"
	CodeValidationFailed = "validation_failed"
	CodeNotFound         = "not_found"
	CodeHandlerFailed    = "handler_failed"
	CodeHandlerPanic     = "handler_panic"
	CodeCanceled         = "canceled"
)

// Duplicate detectors.
const (
	DetectedInFlight    = "in_flight"
	DetectedLoopBreaker = "loop_breaker"
)

// ToolError is the error variant of a tool result. Handlers return it to
// choose the code the model sees.
type ToolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// NewToolError builds a non-retryable ToolError.
func NewToolError(code, format string, args ...interface{}) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DuplicateInfo is the duplicate variant of a tool result.
type DuplicateInfo struct {
	OccurrenceCount int    `json:"occurrence_count"`
	DetectedBy      string `json:"detected_by"`
}

// ToolExecutionResult is the outcome of one proposed call. Exactly one of
// Data, Error, Duplicate or SkipReason is meaningful, selected by Kind.
type ToolExecutionResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Kind       ResultKind      `json:"kind"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      *ToolError      `json:"error,omitempty"`
	Duplicate  *DuplicateInfo  `json:"duplicate,omitempty"`
	SkipReason string          `json:"skip_reason,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// Succeeded reports whether the call ran and returned without error.
func (r ToolExecutionResult) Succeeded() bool {
	return r.Kind == ResultSuccess
}

// ── Ledger ───────────────────────────────────────────────────

// EntryState is the lifecycle state of a ledger entry.
type EntryState string

const (
	EntryInFlight  EntryState = "in_flight"
	EntryCompleted EntryState = "completed"
	EntryFailed    EntryState = "failed"
)

// DuplicationStats is the ledger's observability snapshot.
type DuplicationStats struct {
	TotalExecuted     int64 `json:"total_executed"`
	UniqueByContent   int64 `json:"unique_by_content"`
	DuplicateAttempts int64 `json:"duplicate_attempts"`
	ActiveInFlight    int64 `json:"active_in_flight"`
	LoopRejections    int64 `json:"loop_rejections"`
	Evicted           int64 `json:"evicted"`
}

// ── Content Operations ───────────────────────────────────────

// Action is the kind of edit a ContentOperation performs.
type Action string

const (
	ActionInsert        Action = "insert"
	ActionReplace       Action = "replace"
	ActionDelete        Action = "delete"
	ActionUpsertSection Action = "upsert_section"
)

// Where positions an insert relative to its resolved target.
type Where string

const (
	WhereBefore Where = "before"
	WhereAfter  Where = "after"
	WhereAt     Where = "at"
)

// Target selects where an operation applies. It is a closed set:
// HeadingTarget, RegexTarget, PositionTarget and AnchorTarget.
type Target interface {
	TargetType() string
	isTarget()
}

// HeadingTarget addresses a markdown section by its heading path.
type HeadingTarget struct {
	Path      []string `json:"path"`
	Level     int      `json:"level,omitempty"`
	HeadingID string   `json:"heading_id,omitempty"`
}

// RegexTarget addresses the Occurrence-th match (0-based) of Pattern.
type RegexTarget struct {
	Pattern    string `json:"pattern"`
	Flags      string `json:"flags,omitempty"`
	Occurrence int    `json:"occurrence,omitempty"`
}

// PositionMode selects how a PositionTarget resolves.
type PositionMode string

const (
	PositionStart  PositionMode = "start"
	PositionEnd    PositionMode = "end"
	PositionOffset PositionMode = "offset"
)

// PositionTarget addresses a document boundary or a character offset.
type PositionTarget struct {
	Mode   PositionMode `json:"mode"`
	Offset int          `json:"offset,omitempty"`
}

// AnchorTarget addresses a semantic marker embedded in the document.
type AnchorTarget struct {
	AnchorID string `json:"anchor_id"`
}

func (HeadingTarget) TargetType() string  { return "heading" }
func (RegexTarget) TargetType() string    { return "regex" }
func (PositionTarget) TargetType() string { return "position" }
func (AnchorTarget) TargetType() string   { return "anchor" }

func (HeadingTarget) isTarget()  {}
func (RegexTarget) isTarget()    {}
func (PositionTarget) isTarget() {}
func (AnchorTarget) isTarget()   {}

// ContentOperation is one declarative edit instruction.
// Content is nil when absent (required for everything except delete).
type ContentOperation struct {
	ID      string  `json:"id"`
	Action  Action  `json:"action"`
	Target  Target  `json:"-"`
	Where   Where   `json:"where,omitempty"`
	Content *string `json:"content,omitempty"`
	// Invalid holds the decode failure of a malformed operation.
	Invalid string `json:"-"`
}

// wireTarget is the JSON envelope of a Target:
// {"type":"heading","heading":{...}}.
type wireTarget struct {
	Type     string          `json:"type"`
	Heading  *HeadingTarget  `json:"heading,omitempty"`
	Regex    *RegexTarget    `json:"regex,omitempty"`
	Position *PositionTarget `json:"position,omitempty"`
	Anchor   *AnchorTarget   `json:"anchor,omitempty"`
}

type wireOperation struct {
	ID      string      `json:"id"`
	Action  Action      `json:"action"`
	Target  *wireTarget `json:"target"`
	Where   Where       `json:"where,omitempty"`
	Content *string     `json:"content,omitempty"`
}

// MarshalJSON encodes the target as a tagged envelope.
func (op ContentOperation) MarshalJSON() ([]byte, error) {
	w := wireOperation{ID: op.ID, Action: op.Action, Where: op.Where, Content: op.Content}
	if op.Target != nil {
		wt := &wireTarget{Type: op.Target.TargetType()}
		switch t := op.Target.(type) {
		case HeadingTarget:
			wt.Heading = &t
		case RegexTarget:
			wt.Regex = &t
		case PositionTarget:
			wt.Position = &t
		case AnchorTarget:
			wt.Anchor = &t
		}
		w.Target = wt
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the tagged target envelope. A malformed operation
// never fails the enclosing batch: the error lands in Invalid and the
// engine reports it for this operation only.
func (op *ContentOperation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		var id struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &id)
		*op = ContentOperation{ID: id.ID, Invalid: err.Error()}
		return nil
	}
	*op = ContentOperation{ID: w.ID, Action: w.Action, Where: w.Where, Content: w.Content}
	if w.Target == nil {
		return nil
	}
	switch w.Target.Type {
	case "heading":
		if w.Target.Heading != nil {
			op.Target = *w.Target.Heading
		}
	case "regex":
		if w.Target.Regex != nil {
			op.Target = *w.Target.Regex
		}
	case "position":
		if w.Target.Position != nil {
			op.Target = *w.Target.Position
		}
	case "anchor":
		if w.Target.Anchor != nil {
			op.Target = *w.Target.Anchor
		}
	default:
		op.Invalid = fmt.Sprintf("unknown target type %q", w.Target.Type)
	}
	return nil
}

// ApplyStatus is the per-operation outcome of the content-apply engine.
type ApplyStatus string

const (
	StatusApplied   ApplyStatus = "applied"
	StatusNotFound  ApplyStatus = "not_found"
	StatusAmbiguous ApplyStatus = "ambiguous"
	StatusError     ApplyStatus = "error"
)

// LineRange is a 1-based inclusive line span.
type LineRange struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// ApplyResult reports what happened to one operation.
type ApplyResult struct {
	OpID         string      `json:"op_id"`
	Status       ApplyStatus `json:"status"`
	RangeApplied *LineRange  `json:"range_applied,omitempty"`
	Matches      int         `json:"matches,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ApplyOutcome is the result of a whole batch.
type ApplyOutcome struct {
	NewContent   string        `json:"new_content"`
	Diff         string        `json:"diff,omitempty"`
	Etag         string        `json:"etag"`
	PerOperation []ApplyResult `json:"per_operation"`
}

// AppliedCount returns how many operations changed the document.
func (o ApplyOutcome) AppliedCount() int {
	n := 0
	for _, r := range o.PerOperation {
		if r.Status == StatusApplied {
			n++
		}
	}
	return n
}

// ── Documents ────────────────────────────────────────────────

// Document is a stored note.
type Document struct {
	Ref       string    `json:"ref"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Etag      string    `json:"etag"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StreamEvent is pushed to live viewers after a persisted content apply.
type StreamEvent struct {
	Ref        string             `json:"ref"`
	Operations []ContentOperation `json:"operations"`
	NewContent string             `json:"new_content"`
	Etag       string             `json:"etag"`
	At         time.Time          `json:"at"`
}

// ── Conversation ─────────────────────────────────────────────

// ChatMessage is one conversation entry sent to the model.
type ChatMessage struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages proposing calls
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	Name       string     `json:"name,omitempty"`         // tool name for tool messages
}

// CompletionRequest is what the orchestrator sends across the model boundary.
type CompletionRequest struct {
	Messages []ChatMessage `json:"messages"`
	Tools    []ToolSpec    `json:"tools,omitempty"`
}

// CompletionResponse is the model's reply: text, tool calls, or both.
type CompletionResponse struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model,omitempty"`
	Usage     TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption of model calls.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.TotalTokens += o.TotalTokens
}

// Session is a multi-turn conversation with the agent.
type Session struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	DocumentRef string        `json:"document_ref,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	TurnCount   int           `json:"turn_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
