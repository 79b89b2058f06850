package content

import (
	"reflect"
	"testing"
)

func TestComputeLineDiffIdenticalTexts(t *testing.T) {
	text := "alpha\nbeta\ngamma"
	ranges := ComputeLineDiff(text, text)
	if len(ranges) != 1 {
		t.Fatalf("expected one range, got %v", ranges)
	}
	r := ranges[0]
	if r.Type != RangeUnchanged || r.LineStart != 1 || r.LineEnd != 3 {
		t.Fatalf("unexpected range: %+v", r)
	}
	if !reflect.DeepEqual(r.Lines, []string{"alpha", "beta", "gamma"}) {
		t.Fatalf("unexpected lines: %v", r.Lines)
	}
}

func TestComputeLineDiffAddition(t *testing.T) {
	ranges := ComputeLineDiff("hello\nworld", "hello\nworld\nfoo")
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %v", ranges)
	}
	if ranges[0].Type != RangeUnchanged || ranges[0].LineStart != 1 || ranges[0].LineEnd != 2 {
		t.Fatalf("unexpected unchanged range: %+v", ranges[0])
	}
	if ranges[1].Type != RangeAdded || ranges[1].LineStart != 3 || ranges[1].LineEnd != 3 {
		t.Fatalf("unexpected added range: %+v", ranges[1])
	}
	if !reflect.DeepEqual(ranges[1].Lines, []string{"foo"}) {
		t.Fatalf("unexpected added lines: %v", ranges[1].Lines)
	}
}

func TestComputeLineDiffRemoval(t *testing.T) {
	ranges := ComputeLineDiff("hello\nworld\nfoo", "hello\nfoo")
	want := []LineRange{
		{Type: RangeUnchanged, LineStart: 1, LineEnd: 1, Lines: []string{"hello"}},
		{Type: RangeRemoved, LineStart: 2, LineEnd: 2, Lines: []string{"world"}},
		{Type: RangeUnchanged, LineStart: 2, LineEnd: 2, Lines: []string{"foo"}},
	}
	if !reflect.DeepEqual(ranges, want) {
		t.Fatalf("ranges = %+v, want %+v", ranges, want)
	}
}

func TestComputeLineDiffReplacement(t *testing.T) {
	ranges := ComputeLineDiff("one\ntwo\nthree", "one\n2\nthree")
	kinds := make([]string, 0, len(ranges))
	for _, r := range ranges {
		kinds = append(kinds, r.Type)
	}
	want := []string{RangeUnchanged, RangeRemoved, RangeAdded, RangeUnchanged}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("range kinds = %v, want %v (ranges %+v)", kinds, want, ranges)
	}
}

func TestComputeLineDiffInverse(t *testing.T) {
	oldText := "a\nb\nc\nd"
	newText := "a\nx\nc"

	forward := ComputeLineDiff(oldText, newText)
	backward := ComputeLineDiff(newText, oldText)

	// Lines added in one direction are removed in the other.
	added := collectLines(forward, RangeAdded)
	removedBack := collectLines(backward, RangeRemoved)
	if !reflect.DeepEqual(added, removedBack) {
		t.Fatalf("forward added %v, backward removed %v", added, removedBack)
	}
	removed := collectLines(forward, RangeRemoved)
	addedBack := collectLines(backward, RangeAdded)
	if !reflect.DeepEqual(removed, addedBack) {
		t.Fatalf("forward removed %v, backward added %v", removed, addedBack)
	}
}

func TestComputeLineDiffTrailingNewline(t *testing.T) {
	// The trailing newline appears as an added empty final line, so the two
	// texts do not diff as identical.
	ranges := ComputeLineDiff("hello\nworld", "hello\nworld\n")
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %+v", ranges)
	}
	if ranges[0].Type != RangeUnchanged || ranges[0].LineEnd != 2 {
		t.Fatalf("unexpected unchanged range: %+v", ranges[0])
	}
	if ranges[1].Type != RangeAdded || !reflect.DeepEqual(ranges[1].Lines, []string{""}) {
		t.Fatalf("unexpected final range: %+v", ranges[1])
	}

	ranges = ComputeLineDiff("hello\nworld\n", "hello\nworld")
	if len(ranges) != 2 || ranges[1].Type != RangeRemoved {
		t.Fatalf("expected the trailing newline removal to be reported: %+v", ranges)
	}

	// Identical texts with a trailing newline stay a single unchanged range.
	same := ComputeLineDiff("hello\nworld\n", "hello\nworld\n")
	if len(same) != 1 || same[0].Type != RangeUnchanged || same[0].LineEnd != 3 {
		t.Fatalf("unexpected ranges for identical texts: %+v", same)
	}
}

func TestComputeLineDiffEmptySides(t *testing.T) {
	ranges := ComputeLineDiff("", "a\nb")
	if len(ranges) != 1 || ranges[0].Type != RangeAdded || ranges[0].LineEnd != 2 {
		t.Fatalf("unexpected ranges for empty old text: %+v", ranges)
	}
	ranges = ComputeLineDiff("a\nb", "")
	if len(ranges) != 1 || ranges[0].Type != RangeRemoved || ranges[0].LineEnd != 2 {
		t.Fatalf("unexpected ranges for empty new text: %+v", ranges)
	}
	if got := ComputeLineDiff("", ""); len(got) != 0 {
		t.Fatalf("expected no ranges for empty texts, got %+v", got)
	}
}

func collectLines(ranges []LineRange, kind string) []string {
	lines := make([]string, 0)
	for _, r := range ranges {
		if r.Type == kind {
			lines = append(lines, r.Lines...)
		}
	}
	return lines
}

func TestComputeMetadataDiff(t *testing.T) {
	oldMeta := map[string]any{
		"title":    "Launch",
		"category": "news",
		"tags":     []string{"a", "b"},
	}
	newMeta := map[string]any{
		"title":    "Launch v2",
		"category": "news",
		"tags":     []string{"a", "c"},
		"locale":   "en",
	}

	changes := ComputeMetadataDiff(oldMeta, newMeta)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %v", changes)
	}
	// Sorted by field name.
	if changes[0].Field != "locale" || changes[1].Field != "tags" || changes[2].Field != "title" {
		t.Fatalf("unexpected order: %v", changes)
	}
	if changes[0].OldValue != "" || changes[0].NewValue != `"en"` {
		t.Fatalf("unexpected locale change: %+v", changes[0])
	}
	if changes[1].OldValue != `["a","b"]` || changes[1].NewValue != `["a","c"]` {
		t.Fatalf("unexpected tags change: %+v", changes[1])
	}
}

func TestComputeMetadataDiffEqual(t *testing.T) {
	meta := map[string]any{"title": "Same", "tags": []string{"x"}}
	if changes := ComputeMetadataDiff(meta, meta); len(changes) != 0 {
		t.Fatalf("expected no changes, got %v", changes)
	}
}
