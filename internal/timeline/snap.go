package timeline

// snapUnit is the width intervals are widened to, or zero when snapping is
// off.
func (o Options) snapUnit() int64 {
	if o.Snap == "" || o.Snap == ResolutionNone {
		return 0
	}
	return o.Snap.Epsilon(AxisTime)
}

// Snap widens intervals to whole units: starts are floored and ends are
// ceiled. The input slice is not modified.
func Snap(ivs []Interval, unit int64) []Interval {
	if unit <= 0 {
		return ivs
	}
	out := make([]Interval, len(ivs))
	for i, iv := range ivs {
		iv.Start = floorTo(iv.Start, unit)
		iv.End = ceilTo(iv.End, unit)
		out[i] = iv
	}
	return out
}

func floorTo(p, unit int64) int64 {
	q := p / unit
	if p%unit != 0 && p < 0 {
		q--
	}
	return q * unit
}

func ceilTo(p, unit int64) int64 {
	f := floorTo(p, unit)
	if f == p {
		return p
	}
	return f + unit
}
