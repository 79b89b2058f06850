package content

import (
	"encoding/json"
	"sort"
	"strings"
)

// Line range types.
const (
	RangeUnchanged = "unchanged"
	RangeAdded     = "added"
	RangeRemoved   = "removed"
)

// LineRange is one coalesced run of consecutive lines sharing a diff type.
// Line numbers are 1-based: removed ranges count in the old text, added and
// unchanged ranges in the new text.
type LineRange struct {
	Type      string   `json:"type"`
	LineStart int      `json:"line_start"`
	LineEnd   int      `json:"line_end"`
	Lines     []string `json:"lines"`
}

// FieldChange is one metadata field whose value differs between two
// snapshots. Values are JSON-encoded for uniform comparison and display.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// ComputeLineDiff diffs two texts line by line using a longest common
// subsequence and coalesces the result into ranges. Identical inputs yield a
// single unchanged range covering the whole text.
func ComputeLineDiff(oldText, newText string) []LineRange {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	// LCS lengths, lcs[i][j] = length for oldLines[i:] vs newLines[j:].
	lcs := make([][]int, len(oldLines)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(newLines)+1)
	}
	for i := len(oldLines) - 1; i >= 0; i-- {
		for j := len(newLines) - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	ranges := make([]LineRange, 0)
	appendLine := func(kind, line string, number int) {
		last := len(ranges) - 1
		if last >= 0 && ranges[last].Type == kind && ranges[last].LineEnd == number-1 {
			ranges[last].LineEnd = number
			ranges[last].Lines = append(ranges[last].Lines, line)
			return
		}
		ranges = append(ranges, LineRange{Type: kind, LineStart: number, LineEnd: number, Lines: []string{line}})
	}

	i, j := 0, 0
	for i < len(oldLines) && j < len(newLines) {
		switch {
		case oldLines[i] == newLines[j]:
			appendLine(RangeUnchanged, newLines[j], j+1)
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			appendLine(RangeRemoved, oldLines[i], i+1)
			i++
		default:
			appendLine(RangeAdded, newLines[j], j+1)
			j++
		}
	}
	for ; i < len(oldLines); i++ {
		appendLine(RangeRemoved, oldLines[i], i+1)
	}
	for ; j < len(newLines); j++ {
		appendLine(RangeAdded, newLines[j], j+1)
	}
	return ranges
}

// ComputeMetadataDiff compares two metadata maps over the union of their
// keys and reports changed fields sorted by field name. A field absent on one
// side is reported with an empty value for that side.
func ComputeMetadataDiff(oldMeta, newMeta map[string]any) []FieldChange {
	fields := make(map[string]struct{}, len(oldMeta)+len(newMeta))
	for field := range oldMeta {
		fields[field] = struct{}{}
	}
	for field := range newMeta {
		fields[field] = struct{}{}
	}

	changes := make([]FieldChange, 0)
	for field := range fields {
		oldValue := encodeValue(oldMeta, field)
		newValue := encodeValue(newMeta, field)
		if oldValue == newValue {
			continue
		}
		changes = append(changes, FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}

func encodeValue(meta map[string]any, field string) string {
	value, ok := meta[field]
	if !ok {
		return ""
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// splitLines keeps the empty line produced by a trailing newline, so texts
// differing only in it still produce a non-empty edit script and joining the
// result with "\n" reproduces the input exactly.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
