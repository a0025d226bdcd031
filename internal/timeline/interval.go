// Package timeline consolidates 1-D intervals grouped by an entity key.
//
// Three strategies operate on the connected components of each group:
// Consolidate collapses a component into one segment, ResolvePriority
// partitions it into non-overlapping segments owned by a winning interval, and
// Reconstruct splits it into elementary cells labelled with the full set of
// covering interval ids. All functions are pure and safe for concurrent use.
package timeline

import (
	"sort"
	"strings"
	"time"
)

// GroupKey identifies the partition an interval belongs to. Intervals with
// different keys never interact.
type GroupKey []string

// String joins the key parts with "|".
func (k GroupKey) String() string {
	return strings.Join(k, "|")
}

// Equal reports whether both keys hold the same parts in the same order.
func (k GroupKey) Equal(o GroupKey) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// Interval is a closed range [Start, End] on an ordered axis.
type Interval struct {
	ID      int64          `json:"id"`
	Key     GroupKey       `json:"group_key"`
	Start   int64          `json:"start"`
	End     int64          `json:"end"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Valid reports whether the interval satisfies End >= Start.
func (iv Interval) Valid() bool {
	return iv.End >= iv.Start
}

// Segment is one output record. Simple and priority segments carry the
// attributed interval in ID; precise and connectivity segments list every
// member in IDs.
type Segment struct {
	Key       GroupKey       `json:"group_key"`
	Start     int64          `json:"start"`
	End       int64          `json:"end"`
	LowerOpen bool           `json:"lower_open,omitempty"`
	UpperOpen bool           `json:"upper_open,omitempty"`
	ID        int64          `json:"id"`
	IDs       []int64        `json:"ids,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Contains reports whether point p lies inside the segment, honouring open
// bounds.
func (s Segment) Contains(p int64) bool {
	if p < s.Start || p > s.End {
		return false
	}
	if s.LowerOpen && p == s.Start {
		return false
	}
	if s.UpperOpen && p == s.End {
		return false
	}
	return true
}

// Intersection is one row of the pairwise overlap table.
type Intersection struct {
	Key   GroupKey `json:"group_key"`
	RefID int64    `json:"ref_id"`
	SrcID int64    `json:"src_id"`
	Start int64    `json:"start"`
	End   int64    `json:"end"`
}

// Group is the set of intervals sharing one key, in input order.
type Group struct {
	Key       GroupKey
	Intervals []Interval
}

// Partition splits intervals by key. Groups are returned in order of first
// appearance and each keeps its members in input order.
func Partition(intervals []Interval) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, iv := range intervals {
		k := iv.Key.String()
		pos, ok := index[k]
		if !ok {
			pos = len(groups)
			index[k] = pos
			groups = append(groups, Group{Key: iv.Key})
		}
		groups[pos].Intervals = append(groups[pos].Intervals, iv)
	}
	return groups
}

// Sanitize removes intervals with End < Start and returns the survivors with
// the number dropped.
func Sanitize(intervals []Interval) ([]Interval, int) {
	out := make([]Interval, 0, len(intervals))
	dropped := 0
	for _, iv := range intervals {
		if !iv.Valid() {
			dropped++
			continue
		}
		out = append(out, iv)
	}
	return out, dropped
}

// sortByStart returns a stably start-sorted copy.
func sortByStart(ivs []Interval) []Interval {
	out := make([]Interval, len(ivs))
	copy(out, ivs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// FromTime converts a timestamp to a position on the time axis.
func FromTime(t time.Time) int64 {
	return t.UnixNano()
}

// ToTime converts a time-axis position back to a UTC timestamp.
func ToTime(p int64) time.Time {
	return time.Unix(0, p).UTC()
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func singleton(iv Interval) Segment {
	return Segment{
		Key:     iv.Key,
		Start:   iv.Start,
		End:     iv.End,
		ID:      iv.ID,
		Payload: copyPayload(iv.Payload),
	}
}
