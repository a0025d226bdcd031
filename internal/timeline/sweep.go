package timeline

import "sort"

// span is a range whose bounds may each be exclusive.
type span struct {
	start, end           int64
	lowerOpen, upperOpen bool
}

// piece is one step of a boundary walk: either the point {start} or the open
// range (start, end) between two consecutive boundaries.
type piece struct {
	start, end int64
	point      bool
}

func (p piece) span() span {
	return span{start: p.start, end: p.end, lowerOpen: !p.point, upperOpen: !p.point}
}

// extend grows s to the far edge of p, which must directly follow s.
func (s *span) extend(p piece) {
	s.end = p.end
	s.upperOpen = !p.point
}

// closeBy turns exclusive bounds into inclusive ones by moving them eps
// inward. It reports false when nothing of the span remains.
func (s span) closeBy(eps int64) (span, bool) {
	if eps <= 0 {
		return s, true
	}
	if s.lowerOpen {
		s.start += eps
		s.lowerOpen = false
	}
	if s.upperOpen {
		s.end -= eps
		s.upperOpen = false
	}
	return s, s.start <= s.end
}

// boundaryPoints returns the sorted distinct values of points.
func boundaryPoints(points []int64) []int64 {
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	out := points[:0]
	for i, p := range points {
		if i == 0 || p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// walk visits the point at each boundary and the open range to the next one,
// in axis order.
func walk(bounds []int64, visit func(piece) error) error {
	for k, p := range bounds {
		if err := visit(piece{start: p, end: p, point: true}); err != nil {
			return err
		}
		if k+1 < len(bounds) {
			if err := visit(piece{start: p, end: bounds[k+1]}); err != nil {
				return err
			}
		}
	}
	return nil
}

// coverage counts intervals whose closed range contains a piece, using
// pre-sorted starts and ends and a monotonically advancing cursor.
type coverage struct {
	starts, ends []int64
	si, ei       int
}

func newCoverage(starts, ends []int64) *coverage {
	s := append([]int64(nil), starts...)
	e := append([]int64(nil), ends...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	sort.Slice(e, func(i, j int) bool { return e[i] < e[j] })
	return &coverage{starts: s, ends: e}
}

// at returns how many intervals cover the piece: for a point p those with
// start <= p <= end, for an open range (p, q) those with start <= p and
// end > p.
func (c *coverage) at(pc piece) int {
	for c.si < len(c.starts) && c.starts[c.si] <= pc.start {
		c.si++
	}
	for c.ei < len(c.ends) && (c.ends[c.ei] < pc.start || (!pc.point && c.ends[c.ei] == pc.start)) {
		c.ei++
	}
	return c.si - c.ei
}
