package history

import (
	"bytes"
	"errors"
	"strings"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
)

// ErrConflict is returned by merge3 when the two sides edited overlapping
// regions of base in incompatible ways.
var ErrConflict = errors.New("merge conflict")

var differ = dmp.New()

// hunk describes a contiguous run of base lines [start, end) replaced by
// lines, relative to one side's diff against base.
type hunk struct {
	start, end int
	lines      []string
}

// merge3 performs a line-based three-way textual merge of a and b against
// their common ancestor base. It returns ErrConflict (non-fatal to the
// caller) when the two sides touch overlapping base regions differently.
func merge3(base, a, b []byte) ([]byte, error) {
	if bytes.Equal(a, b) {
		return a, nil
	}
	if bytes.Equal(base, a) {
		return b, nil
	}
	if bytes.Equal(base, b) {
		return a, nil
	}

	baseLines := splitLines(string(base))

	hunksA := diffHunks(base, a)
	hunksB := diffHunks(base, b)

	merged, err := zipHunks(baseLines, hunksA, hunksB)
	if err != nil {
		return nil, err
	}
	return []byte(strings.Join(merged, "")), nil
}

// diffHunks computes the line-level hunks that turn base into other.
func diffHunks(base, other []byte) []hunk {
	baseEnc, otherEnc, lineArray := differ.DiffLinesToChars(string(base), string(other))
	diffs := differ.DiffMain(baseEnc, otherEnc, false)
	diffs = differ.DiffCharsToLines(diffs, lineArray)
	return buildHunks(diffs)
}

// buildHunks collapses a line-mode diff into base-anchored replacement
// hunks: each maximal run of Delete/Insert ops becomes one hunk spanning
// the base line range it replaces.
func buildHunks(diffs []dmp.Diff) []hunk {
	var hunks []hunk
	cursor := 0
	var cur *hunk

	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}

	for _, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case dmp.DiffEqual:
			flush()
			cursor += len(lines)
		case dmp.DiffDelete:
			if cur == nil {
				cur = &hunk{start: cursor, end: cursor}
			}
			cursor += len(lines)
			cur.end = cursor
		case dmp.DiffInsert:
			if cur == nil {
				cur = &hunk{start: cursor, end: cursor}
			}
			cur.lines = append(cur.lines, lines...)
		}
	}
	flush()

	return hunks
}

// zipHunks walks the two hunk sequences in base order, emitting unchanged
// base lines between them and applying each side's replacement where only
// one side touched a region. Overlapping, non-identical hunks are
// reported as a conflict.
func zipHunks(base []string, hunksA, hunksB []hunk) ([]string, error) {
	var out []string
	cursor, i, j := 0, 0, 0

	emitUnchanged := func(upTo int) {
		out = append(out, base[cursor:upTo]...)
	}

	for i < len(hunksA) || j < len(hunksB) {
		switch {
		case i < len(hunksA) && (j >= len(hunksB) || hunksA[i].end <= hunksB[j].start):
			emitUnchanged(hunksA[i].start)
			out = append(out, hunksA[i].lines...)
			cursor = hunksA[i].end
			i++
		case j < len(hunksB) && (i >= len(hunksA) || hunksB[j].end <= hunksA[i].start):
			emitUnchanged(hunksB[j].start)
			out = append(out, hunksB[j].lines...)
			cursor = hunksB[j].end
			j++
		default:
			a, b := hunksA[i], hunksB[j]
			if a.start == b.start && a.end == b.end && linesEqual(a.lines, b.lines) {
				emitUnchanged(a.start)
				out = append(out, a.lines...)
				cursor = a.end
				i++
				j++
			} else {
				return nil, ErrConflict
			}
		}
	}
	emitUnchanged(len(base))
	return out, nil
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// splitLines tokenizes s into lines, each retaining its trailing newline
// except possibly the last.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
