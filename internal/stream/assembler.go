package stream

import (
	"fmt"
	"sort"
	"strings"
)

type segmentKey struct {
	start, end float64
}

// Assembler folds incoming transcript batches into a deduplicated
// view. Segments are keyed by their time range: when the transcriber
// revises an interval (typically upgrading a partial segment to
// final), the later message replaces the earlier one in place instead
// of duplicating it.
type Assembler struct {
	segments map[segmentKey]TranscriptSegment
}

func NewAssembler() *Assembler {
	return &Assembler{
		segments: make(map[segmentKey]TranscriptSegment),
	}
}

// Add merges a transcript batch into the view, last write wins per
// time range.
func (a *Assembler) Add(batch []TranscriptSegment) {
	for _, seg := range batch {
		a.segments[segmentKey{seg.Start, seg.End}] = seg
	}
}

// Segments returns the current view ordered by start time.
func (a *Assembler) Segments() []TranscriptSegment {
	out := make([]TranscriptSegment, 0, len(a.segments))
	for _, seg := range a.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// Len reports the number of distinct time ranges seen so far.
func (a *Assembler) Len() int {
	return len(a.segments)
}

// Duration returns the end time of the last segment in seconds.
func (a *Assembler) Duration() float64 {
	var max float64
	for key := range a.segments {
		if key.end > max {
			max = key.end
		}
	}
	return max
}

// Text renders the assembled transcript as speaker-attributed lines,
// suitable for submission to the summary and coding services.
func (a *Assembler) Text() string {
	var b strings.Builder
	for _, seg := range a.Segments() {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "Speaker %d: %s\n", seg.Speaker, text)
	}
	return b.String()
}

// FactSet folds incoming fact batches into a per-identity view. Unlike
// transcript segments, fact IDs are stable: a later message with the
// same ID updates the earlier one.
type FactSet struct {
	order []string
	facts map[string]Fact
}

func NewFactSet() *FactSet {
	return &FactSet{facts: make(map[string]Fact)}
}

// Add merges a fact batch, last write wins per ID.
func (fs *FactSet) Add(batch []Fact) {
	for _, fact := range batch {
		if _, seen := fs.facts[fact.ID]; !seen {
			fs.order = append(fs.order, fact.ID)
		}
		fs.facts[fact.ID] = fact
	}
}

// Facts returns the live (not discarded) facts in first-seen order.
func (fs *FactSet) Facts() []Fact {
	out := make([]Fact, 0, len(fs.order))
	for _, id := range fs.order {
		fact := fs.facts[id]
		if fact.IsDiscarded {
			continue
		}
		out = append(out, fact)
	}
	return out
}
