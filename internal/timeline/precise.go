package timeline

import "sort"

// Reconstruct splits one connected component into maximal elementary cells
// over which the set of covering interval ids is constant. Cells are ordered
// by start and never overlap. Instants covered by no interval (possible when
// the component was joined through gap tolerance) produce no cell.
//
// With a resolution other than none, exclusive cell bounds are moved one
// epsilon inward so that neighbouring cells do not share a boundary point.
// The pairwise intersection table is returned alongside.
func Reconstruct(key GroupKey, comp []Interval, opts Options) ([]Segment, []Intersection) {
	if len(comp) == 1 {
		return []Segment{memberSegment(key, comp[0])}, nil
	}
	sorted := sortByStart(comp)
	eps := opts.Resolution.Epsilon(opts.Axis)

	inters := Intersections(key, sorted)
	points := make([]int64, 0, 2*len(sorted)+2*len(inters))
	for _, iv := range sorted {
		points = append(points, iv.Start, iv.End)
	}
	for _, x := range inters {
		points = append(points, x.Start, x.End)
	}
	bounds := boundaryPoints(points)

	var (
		out     []Segment
		cur     span
		members []int64
	)
	flush := func() {
		if len(members) == 0 {
			return
		}
		if s, ok := cur.closeBy(eps); ok {
			out = append(out, Segment{
				Key:       key,
				Start:     s.start,
				End:       s.end,
				LowerOpen: s.lowerOpen,
				UpperOpen: s.upperOpen,
				ID:        members[0],
				IDs:       members,
			})
		}
		members = nil
	}

	_ = walk(bounds, func(pc piece) error {
		m := membership(sorted, pc)
		switch {
		case len(m) == 0:
			flush()
		case sameIDs(m, members):
			cur.extend(pc)
		default:
			flush()
			members = m
			cur = pc.span()
		}
		return nil
	})
	flush()
	return out, inters
}

// Intersections lists every overlapping pair of a start-sorted component once,
// with the closed-form bounds max(starts)..min(ends).
func Intersections(key GroupKey, sorted []Interval) []Intersection {
	var out []Intersection
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			if b.Start > a.End {
				// sorted by start: no later interval can reach a either
				break
			}
			lo, hi := max(a.Start, b.Start), min(a.End, b.End)
			if lo > hi {
				continue
			}
			out = append(out, Intersection{Key: key, RefID: a.ID, SrcID: b.ID, Start: lo, End: hi})
		}
	}
	return out
}

// membership returns the sorted ids of the intervals covering pc.
func membership(sorted []Interval, pc piece) []int64 {
	var ids []int64
	for _, iv := range sorted {
		if iv.Start > pc.start {
			break
		}
		if iv.End > pc.start || (pc.point && iv.End == pc.start) {
			ids = append(ids, iv.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sameIDs(a, b []int64) bool {
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

// Summarize reduces a component to its covering span and member ids without
// resolving how the members interact.
func Summarize(key GroupKey, comp []Interval) Segment {
	sorted := sortByStart(comp)
	seg := Segment{
		Key:   key,
		Start: sorted[0].Start,
		End:   sorted[0].End,
		ID:    sorted[0].ID,
		IDs:   make([]int64, 0, len(sorted)),
	}
	for _, iv := range sorted {
		if iv.End > seg.End {
			seg.End = iv.End
		}
		seg.IDs = append(seg.IDs, iv.ID)
	}
	sort.Slice(seg.IDs, func(i, j int) bool { return seg.IDs[i] < seg.IDs[j] })
	return seg
}

func memberSegment(key GroupKey, iv Interval) Segment {
	return Segment{
		Key:   key,
		Start: iv.Start,
		End:   iv.End,
		ID:    iv.ID,
		IDs:   []int64{iv.ID},
	}
}
