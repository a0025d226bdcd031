package timeline

import "sort"

// Consolidate collapses one connected component into a single segment
// spanning [min start, max end]. Payload fields are reduced with the matching
// entry of reducers, or ReduceFirst when none is given, after a stable sort by
// start. The segment is attributed to the earliest interval.
func Consolidate(key GroupKey, comp []Interval, reducers map[string]Reducer) (Segment, error) {
	if len(comp) == 1 {
		return singleton(comp[0]), nil
	}
	sorted := sortByStart(comp)

	seg := Segment{
		Key:   key,
		Start: sorted[0].Start,
		End:   sorted[0].End,
		ID:    sorted[0].ID,
	}
	for _, iv := range sorted[1:] {
		if iv.End > seg.End {
			seg.End = iv.End
		}
	}

	fields := payloadFields(sorted)
	if len(fields) == 0 {
		return seg, nil
	}
	seg.Payload = make(map[string]any, len(fields))
	values := make([]any, len(sorted))
	for _, f := range fields {
		for i, iv := range sorted {
			values[i] = iv.Payload[f]
		}
		r, ok := reducers[f]
		if !ok {
			r = Reduce(ReduceFirst)
		}
		v, err := r.Apply(values)
		if err != nil {
			return Segment{}, &ReductionError{Key: key, Field: f, Err: err}
		}
		seg.Payload[f] = v
	}
	return seg, nil
}

// payloadFields lists every field present on any member, sorted for stable
// error reporting.
func payloadFields(ivs []Interval) []string {
	set := make(map[string]struct{})
	for _, iv := range ivs {
		for k := range iv.Payload {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
