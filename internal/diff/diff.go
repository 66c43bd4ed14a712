// Package diff renders line-oriented differences between two revisions of
// a document.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Line is one entry of a line-level edit script.
type Line struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// Line types.
const (
	// LineContext is a line present in both revisions.
	LineContext = "context"
	// LineAdded exists only in the new revision.
	LineAdded = "added"
	// LineRemoved exists only in the old revision.
	LineRemoved = "removed"
)

// DefaultContext is the number of unchanged lines shown around each change.
const DefaultContext = 3

// Lines returns the line-level edit script turning before into after.
func Lines(before, after string) []Line {
	dmp := diffmatchpatch.New()
	beforeChars, afterChars, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeChars, afterChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var lines []Line
	oldLine := 1
	newLine := 1
	for _, d := range diffs {
		chunkLines := strings.Split(d.Text, "\n")
		if len(chunkLines) > 0 && chunkLines[len(chunkLines)-1] == "" {
			chunkLines = chunkLines[:len(chunkLines)-1]
		}
		for _, line := range chunkLines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				lines = append(lines, Line{Type: LineContext, Text: line, OldLine: oldLine, NewLine: newLine})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				lines = append(lines, Line{Type: LineRemoved, Text: line, OldLine: oldLine})
				oldLine++
			case diffmatchpatch.DiffInsert:
				lines = append(lines, Line{Type: LineAdded, Text: line, NewLine: newLine})
				newLine++
			}
		}
	}
	return lines
}

// Unified renders a unified diff with the given number of context lines.
// Identical inputs produce an empty string.
func Unified(before, after string, context int) string {
	if before == after {
		return ""
	}
	if context < 0 {
		context = DefaultContext
	}
	lines := Lines(before, after)

	// oldSeen[k] / newSeen[k] count the old / new lines preceding lines[k].
	oldSeen := make([]int, len(lines)+1)
	newSeen := make([]int, len(lines)+1)
	var changes []int
	for k, l := range lines {
		oldSeen[k+1], newSeen[k+1] = oldSeen[k], newSeen[k]
		if l.Type != LineAdded {
			oldSeen[k+1]++
		}
		if l.Type != LineRemoved {
			newSeen[k+1]++
		}
		if l.Type != LineContext {
			changes = append(changes, k)
		}
	}
	if len(changes) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("--- before\n+++ after\n")
	for i := 0; i < len(changes); {
		start := max(changes[i]-context, 0)
		end := changes[i]
		j := i
		for j+1 < len(changes) && changes[j+1]-end <= 2*context {
			j++
			end = changes[j]
		}
		stop := min(end+context+1, len(lines))

		oldCount := oldSeen[stop] - oldSeen[start]
		newCount := newSeen[stop] - newSeen[start]
		fmt.Fprintf(&b, "@@ -%s +%s @@\n",
			hunkRange(oldSeen[start], oldCount), hunkRange(newSeen[start], newCount))
		for _, l := range lines[start:stop] {
			switch l.Type {
			case LineContext:
				b.WriteByte(' ')
			case LineAdded:
				b.WriteByte('+')
			case LineRemoved:
				b.WriteByte('-')
			}
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
		i = j + 1
	}
	return b.String()
}

// hunkRange formats "start,count"; an empty side points at the line
// preceding the hunk.
func hunkRange(before, count int) string {
	if count == 0 {
		return fmt.Sprintf("%d,0", before)
	}
	return fmt.Sprintf("%d,%d", before+1, count)
}

const MaxDiffLines = 5000

// UnifiedWithLimit is Unified but gives up on inputs whose combined line
// count exceeds maxLines, reporting truncated=true.
func UnifiedWithLimit(before, after string, maxLines int) (string, bool) {
	if maxLines <= 0 {
		maxLines = MaxDiffLines
	}
	if lineCount(before)+lineCount(after) > maxLines {
		return "", true
	}
	return Unified(before, after, DefaultContext), false
}

func lineCount(value string) int {
	if value == "" {
		return 0
	}
	return strings.Count(value, "\n") + 1
}
