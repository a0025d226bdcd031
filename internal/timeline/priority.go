package timeline

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/spf13/cast"
)

// maxTicks bounds the discretized fallback.
const maxTicks = 50_000_000

// priorityOf reads the ordinal priority of iv from field. Missing or nil
// values default to DefaultPriority.
func priorityOf(iv Interval, field string) (float64, error) {
	v, ok := iv.Payload[field]
	if !ok || v == nil {
		return DefaultPriority, nil
	}
	if _, isBool := v.(bool); isBool {
		return 0, fmt.Errorf("%w: interval %d has %v", ErrPriorityType, iv.ID, v)
	}
	p, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: interval %d: %v", ErrPriorityType, iv.ID, err)
	}
	return p, nil
}

type contender struct {
	iv       Interval
	end      int64 // effective end after MaxLen
	priority float64
	order    int
}

// beats implements the ownership order: lower priority, then earlier start,
// then earlier input position.
func (c *contender) beats(o *contender) bool {
	if c.priority != o.priority {
		return c.priority < o.priority
	}
	if c.iv.Start != o.iv.Start {
		return c.iv.Start < o.iv.Start
	}
	return c.order < o.order
}

type contenderHeap []*contender

func (h contenderHeap) Len() int           { return len(h) }
func (h contenderHeap) Less(i, j int) bool { return h[i].beats(h[j]) }
func (h contenderHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *contenderHeap) Push(x any)        { *h = append(*h, x.(*contender)) }
func (h *contenderHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// active tracks contenders that have started, dropping expired ones lazily.
type active struct {
	pending []*contender // sorted by start
	next    int
	h       contenderHeap
}

// owner admits contenders starting at or before p and returns the winner
// whose end is >= p (inclusive) or > p (exclusive), or nil.
func (a *active) owner(p int64, inclusive bool) *contender {
	for a.next < len(a.pending) && a.pending[a.next].iv.Start <= p {
		heap.Push(&a.h, a.pending[a.next])
		a.next++
	}
	for a.h.Len() > 0 {
		top := a.h[0]
		if top.end > p || (inclusive && top.end == p) {
			return top
		}
		heap.Pop(&a.h)
	}
	return nil
}

func contenders(comp []Interval, opts Options) ([]*contender, error) {
	out := make([]*contender, len(comp))
	for i, iv := range comp {
		p, err := priorityOf(iv, opts.PriorityField)
		if err != nil {
			return nil, err
		}
		end := iv.End
		if opts.MaxLen > 0 && iv.Start+opts.MaxLen < end {
			end = iv.Start + opts.MaxLen
		}
		out[i] = &contender{iv: iv, end: end, priority: p, order: i}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].iv.Start < out[j].iv.Start })
	return out, nil
}

// ResolvePriority partitions one connected component into non-overlapping
// segments. Every instant of the component's coverage is owned by the
// covering interval with the lowest priority (ties: earliest start, then input
// order). A single-interval component is returned unchanged.
//
// By default ownership is resolved exactly at boundary events and exclusive
// bounds are closed by one granularity step. With opts.Discretize the span is
// sampled every granularity step instead.
func ResolvePriority(key GroupKey, comp []Interval, opts Options) ([]Segment, error) {
	if len(comp) == 1 {
		return []Segment{singleton(comp[0])}, nil
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cs, err := contenders(comp, opts)
	if err != nil {
		return nil, err
	}
	if opts.Discretize {
		return resolveTicks(key, cs, opts.Granularity)
	}
	return resolveExact(key, cs, opts.Granularity)
}

func resolveExact(key GroupKey, cs []*contender, step int64) ([]Segment, error) {
	points := make([]int64, 0, 2*len(cs))
	starts := make([]int64, len(cs))
	ends := make([]int64, len(cs))
	for i, c := range cs {
		points = append(points, c.iv.Start, c.end)
		starts[i] = c.iv.Start
		ends[i] = c.end
	}
	bounds := boundaryPoints(points)
	cov := newCoverage(starts, ends)
	act := &active{pending: cs}

	var (
		out   []Segment
		cur   span
		owner *contender
	)
	flush := func() {
		if owner == nil {
			return
		}
		if s, ok := cur.closeBy(step); ok {
			out = append(out, ownedSegment(key, owner, s))
		}
		owner = nil
	}

	err := walk(bounds, func(pc piece) error {
		w := act.owner(pc.start, pc.point)
		if n := cov.at(pc); n > 0 && w == nil {
			return fmt.Errorf("%w: %d intervals cover %d but none owns it", ErrUnresolvedPriority, n, pc.start)
		}
		switch {
		case w == nil:
			flush()
		case w == owner:
			cur.extend(pc)
		default:
			flush()
			owner = w
			cur = pc.span()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

func resolveTicks(key GroupKey, cs []*contender, step int64) ([]Segment, error) {
	lo, hi := cs[0].iv.Start, cs[0].end
	for _, c := range cs[1:] {
		if c.end > hi {
			hi = c.end
		}
	}
	if (hi-lo)/step > maxTicks {
		return nil, fmt.Errorf("%w: granularity %d yields more than %d ticks", ErrInvalidOptions, step, maxTicks)
	}
	starts := make([]int64, len(cs))
	ends := make([]int64, len(cs))
	for i, c := range cs {
		starts[i] = c.iv.Start
		ends[i] = c.end
	}
	cov := newCoverage(starts, ends)
	act := &active{pending: cs}

	var (
		out   []Segment
		cur   span
		owner *contender
	)
	for t := lo; t <= hi; t += step {
		w := act.owner(t, true)
		if n := cov.at(piece{start: t, end: t, point: true}); n > 0 && w == nil {
			return nil, fmt.Errorf("%w: %d intervals cover %d but none owns it", ErrUnresolvedPriority, n, t)
		}
		if w != nil && w == owner {
			cur.end = t
			continue
		}
		if owner != nil {
			out = append(out, ownedSegment(key, owner, cur))
		}
		owner = w
		cur = span{start: t, end: t}
	}
	if owner != nil {
		out = append(out, ownedSegment(key, owner, cur))
	}
	return out, nil
}

func ownedSegment(key GroupKey, c *contender, s span) Segment {
	return Segment{
		Key:       key,
		Start:     s.start,
		End:       s.end,
		LowerOpen: s.lowerOpen,
		UpperOpen: s.upperOpen,
		ID:        c.iv.ID,
		Payload:   copyPayload(c.iv.Payload),
	}
}
