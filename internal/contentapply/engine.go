// Package contentapply applies declarative edit operations to markdown
// documents.
//
// Operations are folded left to right: each one resolves its target against
// the output of the previous one, and a failing operation leaves the
// document untouched for that step without aborting the batch. The engine
// performs no I/O.
package contentapply

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/scrivia/agentcore/internal/diff"
	"github.com/scrivia/agentcore/pkg/models"
)

var (
	// ErrInvalidOperation marks operations rejected before resolution.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrRegexCompile marks regex targets that fail to compile.
	ErrRegexCompile = errors.New("regex compile error")
	// ErrTooLarge marks documents or payloads over the configured limits.
	ErrTooLarge = errors.New("content too large")
	// ErrEmptyRange marks deletes whose target resolves to a point.
	ErrEmptyRange = errors.New("target resolves to an empty range")
)

// Where values accepted in addition to before/after/at. inside_start
// inserts right below a heading line; inside_end at the end of its section.
const (
	WhereInsideStart models.Where = "inside_start"
	WhereInsideEnd   models.Where = "inside_end"
)

// Limits bound the engine's inputs. Zero disables a limit.
type Limits struct {
	MaxDocumentBytes int
	MaxContentBytes  int
	MaxPatternLength int
}

// DefaultLimits returns the limits used by Apply.
func DefaultLimits() Limits {
	return Limits{
		MaxDocumentBytes: 1 << 20,
		MaxContentBytes:  100_000,
		MaxPatternLength: 1000,
	}
}

// Options control what Apply returns. DryRun is carried for callers, which
// must not persist the outcome; the engine computes the same result either way.
type Options struct {
	DryRun     bool
	ReturnDiff bool
}

// Engine applies operation batches under fixed limits. It is stateless and
// safe for concurrent use.
type Engine struct {
	limits Limits
}

// New creates an Engine.
func New(limits Limits) *Engine {
	return &Engine{limits: limits}
}

var defaultEngine = New(DefaultLimits())

// Apply runs ops against doc with the default limits.
func Apply(doc string, ops []models.ContentOperation, opts Options) models.ApplyOutcome {
	return defaultEngine.Apply(doc, ops, opts)
}

// Etag returns the fingerprint of content: the hex SHA-256 of its bytes.
func Etag(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Apply folds ops over doc and reports every operation's outcome.
func (e *Engine) Apply(doc string, ops []models.ContentOperation, opts Options) models.ApplyOutcome {
	out := models.ApplyOutcome{PerOperation: make([]models.ApplyResult, 0, len(ops))}

	cur := doc
	if limit := e.limits.MaxDocumentBytes; limit > 0 && len(doc) > limit {
		msg := fmt.Errorf("%w: document exceeds %d bytes", ErrTooLarge, limit).Error()
		for _, op := range ops {
			out.PerOperation = append(out.PerOperation, models.ApplyResult{OpID: op.ID, Status: models.StatusError, Error: msg})
		}
	} else {
		for _, op := range ops {
			var res models.ApplyResult
			cur, res = e.step(cur, op)
			out.PerOperation = append(out.PerOperation, res)
		}
	}

	out.NewContent = cur
	out.Etag = Etag(cur)
	if opts.ReturnDiff {
		out.Diff = diff.Unified(doc, cur, diff.DefaultContext)
	}
	return out
}

// step applies a single operation. On any status other than applied the
// returned document is doc itself.
func (e *Engine) step(doc string, op models.ContentOperation) (string, models.ApplyResult) {
	res := models.ApplyResult{OpID: op.ID}
	fail := func(status models.ApplyStatus, err error) (string, models.ApplyResult) {
		res.Status = status
		if err != nil {
			res.Error = err.Error()
		}
		return doc, res
	}

	if err := e.validate(op); err != nil {
		return fail(models.StatusError, err)
	}

	r := e.resolve(doc, op.Target)
	res.Matches = r.matches
	if r.err != nil {
		return fail(models.StatusError, r.err)
	}

	var (
		next  string
		lines models.LineRange
		err   error
	)
	switch op.Action {
	case models.ActionUpsertSection:
		target := op.Target.(models.HeadingTarget)
		switch r.status {
		case models.StatusApplied:
			next, lines = upsertBody(doc, *r.span.section, *op.Content)
		case models.StatusNotFound:
			next, lines = appendSection(doc, target, *op.Content)
		default:
			return fail(r.status, nil)
		}
	case models.ActionInsert, models.ActionReplace, models.ActionDelete:
		if r.status != models.StatusApplied {
			return fail(r.status, nil)
		}
		switch op.Action {
		case models.ActionInsert:
			next, lines = insert(doc, r.span, op.Where, *op.Content)
		case models.ActionReplace:
			next, lines = replace(doc, r.span, *op.Content)
		case models.ActionDelete:
			next, lines, err = remove(doc, r.span)
		}
	}
	if err != nil {
		return fail(models.StatusError, err)
	}
	if limit := e.limits.MaxDocumentBytes; limit > 0 && len(next) > limit {
		return fail(models.StatusError, fmt.Errorf("%w: result exceeds %d bytes", ErrTooLarge, limit))
	}

	res.Status = models.StatusApplied
	res.RangeApplied = &lines
	if res.Matches == 0 {
		res.Matches = 1
	}
	return next, res
}

func (e *Engine) validate(op models.ContentOperation) error {
	if op.Invalid != "" {
		return fmt.Errorf("%w: %s", ErrInvalidOperation, op.Invalid)
	}
	if op.Target == nil {
		return fmt.Errorf("%w: target is required", ErrInvalidOperation)
	}
	if h, ok := op.Target.(models.HeadingTarget); ok && len(h.Path) == 0 {
		return fmt.Errorf("%w: heading path must not be empty", ErrInvalidOperation)
	}

	switch op.Action {
	case models.ActionInsert:
		switch op.Where {
		case "", models.WhereBefore, models.WhereAfter, models.WhereAt, WhereInsideStart, WhereInsideEnd:
		default:
			return fmt.Errorf("%w: unknown where %q", ErrInvalidOperation, op.Where)
		}
	case models.ActionReplace:
	case models.ActionDelete:
		if _, ok := op.Target.(models.PositionTarget); ok {
			return fmt.Errorf("%w: delete needs a heading, regex or anchor target", ErrInvalidOperation)
		}
		return nil
	case models.ActionUpsertSection:
		if _, ok := op.Target.(models.HeadingTarget); !ok {
			return fmt.Errorf("%w: upsert_section needs a heading target", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidOperation, op.Action)
	}

	if op.Content == nil {
		return fmt.Errorf("%w: content is required for %s", ErrInvalidOperation, op.Action)
	}
	if limit := e.limits.MaxContentBytes; limit > 0 && len(*op.Content) > limit {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrTooLarge, limit)
	}
	return nil
}

// ── Edits ───────────────────────────────────────────────────

// splice replaces doc[start:end] with text and reports the lines text
// occupies in the result. lead is the number of leading bytes of text that
// only separate it from the preceding line.
func splice(doc string, start, end int, text string, lead int) (string, models.LineRange) {
	next := doc[:start] + text + doc[end:]
	from := start + lead
	if from > start+len(text) {
		from = start + len(text)
	}
	to := start + len(text) - 1
	if to < from {
		to = from
	}
	if to > len(next) {
		to = len(next)
	}
	return next, models.LineRange{StartLine: lineOf(next, from), EndLine: lineOf(next, to)}
}

// blockText prepares content for insertion as whole lines at off.
func blockText(doc string, off int, content string) (string, int) {
	lead := 0
	if off > 0 && doc[off-1] != '\n' {
		content = "\n" + content
		lead = 1
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content, lead
}

func insert(doc string, sp span, where models.Where, content string) (string, models.LineRange) {
	var at int
	switch where {
	case models.WhereBefore:
		at = sp.start
	case models.WhereAt:
		return replace(doc, sp, content)
	case WhereInsideStart:
		at = sp.start
		if sp.section != nil {
			at = sp.section.bodyStart
		}
	default: // after, inside_end
		at = sp.end
	}

	if !sp.block {
		return splice(doc, at, at, content, 0)
	}
	text, lead := blockText(doc, at, content)
	return splice(doc, at, at, text, lead)
}

func replace(doc string, sp span, content string) (string, models.LineRange) {
	if !sp.block {
		return splice(doc, sp.start, sp.end, content, 0)
	}
	if sp.start == sp.end {
		text, lead := blockText(doc, sp.start, content)
		return splice(doc, sp.start, sp.end, text, lead)
	}
	if content != "" && doc[sp.end-1] == '\n' && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return splice(doc, sp.start, sp.end, content, 0)
}

// remove deletes the span plus one adjacent newline when the deletion
// would otherwise leave an empty line behind.
func remove(doc string, sp span) (string, models.LineRange, error) {
	start, end := sp.start, sp.end
	if start == end {
		return doc, models.LineRange{}, ErrEmptyRange
	}
	lines := models.LineRange{StartLine: lineOf(doc, start), EndLine: lineOf(doc, end-1)}

	if atLineStart(doc, start) && doc[end-1] != '\n' {
		switch {
		case end < len(doc) && doc[end] == '\n':
			end++
		case end == len(doc) && start > 0:
			start--
		}
	}
	return doc[:start] + doc[end:], lines, nil
}

// upsertBody keeps the heading line of h and replaces everything up to the
// end of its section with content.
func upsertBody(doc string, h heading, content string) (string, models.LineRange) {
	head := doc[h.start:h.bodyStart]
	if !strings.HasSuffix(head, "\n") {
		head += "\n"
	}
	var body string
	if trimmed := strings.TrimSpace(content); trimmed != "" {
		body = "\n" + trimmed + "\n"
	}
	if h.end < len(doc) {
		body += "\n"
	}
	return splice(doc, h.start, h.end, head+body, 0)
}

// appendSection creates the missing section at the end of the document.
func appendSection(doc string, t models.HeadingTarget, content string) (string, models.LineRange) {
	level := t.Level
	if level <= 0 {
		level = len(t.Path)
	}
	level = min(max(level, 1), 6)

	var sep string
	switch {
	case doc == "", strings.HasSuffix(doc, "\n\n"):
	case strings.HasSuffix(doc, "\n"):
		sep = "\n"
	default:
		sep = "\n\n"
	}

	section := strings.Repeat("#", level) + " " + strings.TrimSpace(t.Path[len(t.Path)-1]) + "\n"
	if trimmed := strings.TrimSpace(content); trimmed != "" {
		section += "\n" + trimmed + "\n"
	}
	return splice(doc, len(doc), len(doc), sep+section, len(sep))
}
