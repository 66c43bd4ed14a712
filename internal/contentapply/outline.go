package contentapply

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	atxHeading    = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*?))?[ \t]*$`)
	closingHashes = regexp.MustCompile(`(?:^|[ \t]+)#+$`)
	explicitID    = regexp.MustCompile(`[ \t]*\{#([A-Za-z0-9_:.-]+)\}$`)
)

// heading is one ATX heading of a document together with the byte range of
// its section.
type heading struct {
	level     int
	title     string
	id        string // explicit {#id}, empty when absent
	line      int    // 1-based
	start     int    // offset of the heading line
	bodyStart int    // offset just past the heading line
	end       int    // offset of the next heading of equal or shallower level
	parent    int    // index of the enclosing heading, -1 for roots
}

// parseOutline returns the document's headings in order. Lines inside
// fenced code blocks are never headings.
func parseOutline(doc string) []heading {
	var out []heading
	var fence string
	offset, lineNo := 0, 0
	for offset < len(doc) {
		lineNo++
		lineEnd, next := len(doc), len(doc)
		if nl := strings.IndexByte(doc[offset:], '\n'); nl >= 0 {
			lineEnd = offset + nl
			next = lineEnd + 1
		}
		line := strings.TrimSuffix(doc[offset:lineEnd], "\r")

		if f := fenceMarker(line); f != "" {
			switch {
			case fence == "":
				fence = f
			case f[0] == fence[0] && len(f) >= len(fence):
				fence = ""
			}
		} else if fence == "" {
			if m := atxHeading.FindStringSubmatch(line); m != nil {
				title := closingHashes.ReplaceAllString(m[2], "")
				var id string
				if idm := explicitID.FindStringSubmatch(title); idm != nil {
					id = idm[1]
					title = title[:len(title)-len(idm[0])]
				}
				out = append(out, heading{
					level:     len(m[1]),
					title:     strings.TrimSpace(title),
					id:        id,
					line:      lineNo,
					start:     offset,
					bodyStart: next,
					parent:    -1,
				})
			}
		}
		offset = next
	}

	var stack []int
	for i := range out {
		for len(stack) > 0 && out[stack[len(stack)-1]].level >= out[i].level {
			out[stack[len(stack)-1]].end = out[i].start
			stack = stack[:len(stack)-1]
		}
		if len(stack) > 0 {
			out[i].parent = stack[len(stack)-1]
		}
		stack = append(stack, i)
	}
	for _, i := range stack {
		out[i].end = len(doc)
	}
	return out
}

// fenceMarker returns the run of backticks or tildes opening a fenced
// code block on line, or "" when the line is not a fence.
func fenceMarker(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 {
		return ""
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 {
		return ""
	}
	return trimmed[:n]
}

func isAncestor(outline []heading, anc, i int) bool {
	for p := outline[i].parent; p >= 0; p = outline[p].parent {
		if p == anc {
			return true
		}
	}
	return false
}

func titleMatches(h heading, want string) bool {
	return strings.EqualFold(h.title, strings.TrimSpace(want))
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug derives the stable identifier of a heading title: lowercase, accents
// stripped, punctuation removed, whitespace runs turned into single dashes.
func Slug(title string) string {
	folded, _, err := transform.String(stripMarks, strings.ToLower(title))
	if err != nil {
		folded = strings.ToLower(title)
	}

	var b strings.Builder
	dash := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'):
			b.WriteRune(r)
			dash = false
		case r == '-' || unicode.IsSpace(r):
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
