package contentapply

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/scrivia/agentcore/pkg/models"
)

// Built-in anchors resolved from document structure rather than markers.
const (
	AnchorDocStart           = "doc_start"
	AnchorDocEnd             = "doc_end"
	AnchorBeforeFirstHeading = "before_first_heading"
	AnchorAfterTOC           = "after_toc"
)

// AnchorMarker returns the literal marker a custom anchor id resolves to.
func AnchorMarker(id string) string {
	return "<!-- anchor:" + id + " -->"
}

var tocTitles = map[string]bool{
	"table of contents": true,
	"contents":          true,
	"toc":               true,
	"sommaire":          true,
}

// span is a resolved target: the byte range [start, end) of the document.
// Block spans start at a line boundary and end at one (or at EOF), so
// insertions around them are snapped to whole lines.
type span struct {
	start, end int
	block      bool
	section    *heading // set for heading targets
}

// resolution is the outcome of resolving a target against a document.
type resolution struct {
	span    span
	status  models.ApplyStatus
	matches int
	err     error
}

func found(sp span) resolution {
	return resolution{span: sp, status: models.StatusApplied, matches: 1}
}

func (e *Engine) resolve(doc string, target models.Target) resolution {
	switch t := target.(type) {
	case models.HeadingTarget:
		return resolveHeading(doc, t)
	case models.RegexTarget:
		return e.resolveRegex(doc, t)
	case models.PositionTarget:
		return resolvePosition(doc, t)
	case models.AnchorTarget:
		return resolveAnchor(doc, t)
	default:
		return resolution{status: models.StatusError, err: fmt.Errorf("%w: unsupported target %T", ErrInvalidOperation, target)}
	}
}

func resolveHeading(doc string, t models.HeadingTarget) resolution {
	outline := parseOutline(doc)

	var hits []int
	if t.HeadingID != "" {
		for i, h := range outline {
			if (h.id == t.HeadingID || Slug(h.title) == t.HeadingID) && (t.Level == 0 || h.level == t.Level) {
				hits = append(hits, i)
			}
		}
	} else {
		for i, h := range outline {
			if titleMatches(h, t.Path[0]) {
				hits = append(hits, i)
			}
		}
		for _, step := range t.Path[1:] {
			var next []int
			for i, h := range outline {
				if !titleMatches(h, step) {
					continue
				}
				for _, p := range hits {
					if isAncestor(outline, p, i) {
						next = append(next, i)
						break
					}
				}
			}
			hits = next
		}
		if t.Level > 0 {
			filtered := hits[:0]
			for _, i := range hits {
				if outline[i].level == t.Level {
					filtered = append(filtered, i)
				}
			}
			hits = filtered
		}
	}

	switch len(hits) {
	case 0:
		return resolution{status: models.StatusNotFound}
	case 1:
		h := outline[hits[0]]
		return found(span{start: h.start, end: h.end, block: true, section: &h})
	default:
		return resolution{status: models.StatusAmbiguous, matches: len(hits)}
	}
}

func (e *Engine) compile(t models.RegexTarget) (*regexp.Regexp, error) {
	if t.Pattern == "" {
		return nil, fmt.Errorf("%w: regex pattern is empty", ErrInvalidOperation)
	}
	if limit := e.limits.MaxPatternLength; limit > 0 && len(t.Pattern) > limit {
		return nil, fmt.Errorf("%w: regex pattern exceeds %d characters", ErrInvalidOperation, limit)
	}

	var inline strings.Builder
	for _, f := range t.Flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(inline.String(), f) {
				inline.WriteRune(f)
			}
		case 'g', 'u':
			// global and unicode are implied by RE2
		default:
			return nil, fmt.Errorf("%w: unsupported regex flag %q", ErrInvalidOperation, f)
		}
	}
	pattern := t.Pattern
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegexCompile, err)
	}
	return re, nil
}

func (e *Engine) resolveRegex(doc string, t models.RegexTarget) resolution {
	if t.Occurrence < 0 {
		return resolution{status: models.StatusError, err: fmt.Errorf("%w: occurrence must be >= 0", ErrInvalidOperation)}
	}
	re, err := e.compile(t)
	if err != nil {
		return resolution{status: models.StatusError, err: err}
	}

	all := re.FindAllStringIndex(doc, -1)
	if len(all) <= t.Occurrence {
		return resolution{status: models.StatusNotFound, matches: len(all)}
	}
	m := all[t.Occurrence]
	sp := span{start: m[0], end: m[1]}
	if m[1] > m[0] && atLineStart(doc, m[0]) && atLineEnd(doc, m[1]) {
		sp.block = true
		if doc[m[1]-1] != '\n' && sp.end < len(doc) && doc[sp.end] == '\n' {
			sp.end++
		}
	}
	res := found(sp)
	res.matches = len(all)
	return res
}

func resolvePosition(doc string, t models.PositionTarget) resolution {
	switch t.Mode {
	case models.PositionStart:
		return found(span{start: 0, end: 0, block: true})
	case models.PositionEnd:
		return found(span{start: len(doc), end: len(doc), block: true})
	case models.PositionOffset:
		off := byteOffset(doc, t.Offset)
		return found(span{start: off, end: off})
	default:
		return resolution{status: models.StatusError, err: fmt.Errorf("%w: unknown position mode %q", ErrInvalidOperation, t.Mode)}
	}
}

func resolveAnchor(doc string, t models.AnchorTarget) resolution {
	switch t.AnchorID {
	case "":
		return resolution{status: models.StatusError, err: fmt.Errorf("%w: anchor_id is required", ErrInvalidOperation)}
	case AnchorDocStart:
		return found(span{start: 0, end: 0, block: true})
	case AnchorDocEnd:
		return found(span{start: len(doc), end: len(doc), block: true})
	case AnchorBeforeFirstHeading:
		at := len(doc)
		if outline := parseOutline(doc); len(outline) > 0 {
			at = outline[0].start
		}
		return found(span{start: at, end: at, block: true})
	case AnchorAfterTOC:
		at := 0
		for _, h := range parseOutline(doc) {
			if tocTitles[strings.ToLower(h.title)] {
				at = h.end
				break
			}
		}
		return found(span{start: at, end: at, block: true})
	}

	marker := AnchorMarker(t.AnchorID)
	switch n := strings.Count(doc, marker); n {
	case 0:
		return resolution{status: models.StatusNotFound}
	case 1:
	default:
		return resolution{status: models.StatusAmbiguous, matches: n}
	}

	idx := strings.Index(doc, marker)
	ls, le := lineBounds(doc, idx)
	if strings.TrimSpace(doc[ls:le]) == marker {
		end := le
		if end < len(doc) {
			end++
		}
		return found(span{start: ls, end: end, block: true})
	}
	return found(span{start: idx, end: idx + len(marker)})
}

// byteOffset converts a character offset to a byte offset, clamped to the
// document.
func byteOffset(doc string, chars int) int {
	if chars <= 0 {
		return 0
	}
	i := 0
	for n := 0; n < chars && i < len(doc); n++ {
		_, size := utf8.DecodeRuneInString(doc[i:])
		i += size
	}
	return i
}

func atLineStart(doc string, off int) bool {
	return off == 0 || doc[off-1] == '\n'
}

func atLineEnd(doc string, off int) bool {
	return off == len(doc) || doc[off] == '\n' || (off > 0 && doc[off-1] == '\n')
}

// lineBounds returns the start of the line containing off and the offset of
// its terminating newline (or EOF).
func lineBounds(doc string, off int) (int, int) {
	start := strings.LastIndexByte(doc[:off], '\n') + 1
	end := len(doc)
	if nl := strings.IndexByte(doc[off:], '\n'); nl >= 0 {
		end = off + nl
	}
	return start, end
}

func lineOf(doc string, off int) int {
	return strings.Count(doc[:off], "\n") + 1
}
