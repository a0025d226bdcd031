package timeline

import "sort"

// GroupResult is the output for one group key.
type GroupResult struct {
	Key           GroupKey
	Segments      []Segment
	Intersections []Intersection
	Components    int
}

// Result is the output of Run.
type Result struct {
	Segments      []Segment      `json:"segments"`
	Intersections []Intersection `json:"intersections,omitempty"`
	Dropped       int            `json:"dropped"`
	Groups        int            `json:"groups"`
	Components    int            `json:"components"`
}

// Add appends one group's output.
func (r *Result) Add(g GroupResult) {
	r.Segments = append(r.Segments, g.Segments...)
	r.Intersections = append(r.Intersections, g.Intersections...)
	r.Groups++
	r.Components += g.Components
}

// ProcessGroup runs the grouper and the strategy selected by opts.Mode over
// one group. opts must have been validated. Failures are returned as
// *GroupError.
func ProcessGroup(g Group, opts Options) (GroupResult, error) {
	res := GroupResult{Key: g.Key}
	if unit := opts.snapUnit(); unit > 0 {
		g.Intervals = Snap(g.Intervals, unit)
	}
	comps := Components(g.Intervals, opts.GapTolerance)
	res.Components = len(comps)

	if allSingletons(comps) {
		res.Segments = unchanged(g, opts)
		return res, nil
	}

	for _, comp := range comps {
		switch {
		case opts.Mode == ModePriority:
			segs, err := ResolvePriority(g.Key, comp, opts)
			if err != nil {
				return GroupResult{}, &GroupError{Key: g.Key, Err: err}
			}
			res.Segments = append(res.Segments, segs...)
		case opts.Mode == ModePrecise && !opts.ConnectivityOnly:
			segs, inters := Reconstruct(g.Key, comp, opts)
			res.Segments = append(res.Segments, segs...)
			if opts.KeepIntersections {
				res.Intersections = append(res.Intersections, inters...)
			}
		case opts.Mode == ModePrecise:
			res.Segments = append(res.Segments, Summarize(g.Key, comp))
		default:
			seg, err := Consolidate(g.Key, comp, opts.Reducers)
			if err != nil {
				return GroupResult{}, &GroupError{Key: g.Key, Err: err}
			}
			res.Segments = append(res.Segments, seg)
		}
	}
	sort.SliceStable(res.Segments, func(i, j int) bool { return res.Segments[i].Start < res.Segments[j].Start })
	return res, nil
}

// unchanged returns a group without overlap as-is, ordered by start.
func unchanged(g Group, opts Options) []Segment {
	sorted := sortByStart(g.Intervals)
	out := make([]Segment, len(sorted))
	for i, iv := range sorted {
		if opts.Mode == ModePrecise {
			out[i] = memberSegment(g.Key, iv)
		} else {
			out[i] = singleton(iv)
		}
	}
	return out
}

// Run sanitizes intervals, partitions them by key and processes every group
// in order of first appearance. It stops at the first failing group.
func Run(intervals []Interval, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	valid, dropped := Sanitize(intervals)
	res := &Result{Dropped: dropped}
	for _, g := range Partition(valid) {
		gr, err := ProcessGroup(g, opts)
		if err != nil {
			return nil, err
		}
		res.Add(gr)
	}
	return res, nil
}
