package timeline

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func intOptions(mode Mode) Options {
	o := Options{Mode: mode, Axis: AxisInteger}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

type want struct {
	start, end int64
	id         int64
}

func checkSegments(t *testing.T, got []Segment, expected []want) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected %d segments, got %d: %+v", len(expected), len(got), got)
	}
	for i, w := range expected {
		g := got[i]
		if g.Start != w.start || g.End != w.end || g.ID != w.id {
			t.Errorf("segment %d: expected [%d,%d]->%d, got [%d,%d]->%d", i, w.start, w.end, w.id, g.Start, g.End, g.ID)
		}
	}
}

func TestResolvePriority_Example(t *testing.T) {
	comp := []Interval{withPriority(iv(0, 0, 10), 1), withPriority(iv(1, 5, 15), 2)}
	for _, discrete := range []bool{false, true} {
		opts := intOptions(ModePriority)
		opts.Discretize = discrete
		segs, err := ResolvePriority(GroupKey{"p1"}, comp, opts)
		if err != nil {
			t.Fatalf("discrete=%v: unexpected error: %v", discrete, err)
		}
		checkSegments(t, segs, []want{{0, 10, 0}, {11, 15, 1}})
	}
}

func TestResolvePriority_ExactReportsOpenBoundsWithoutStep(t *testing.T) {
	comp := []Interval{withPriority(iv(0, 0, 10), 1), withPriority(iv(1, 5, 15), 2)}
	cs, err := contenders(comp, intOptions(ModePriority))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	segs, err := resolveExact(GroupKey{"p1"}, cs, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %+v", segs)
	}
	if segs[0].Start != 0 || segs[0].End != 10 || segs[0].UpperOpen {
		t.Errorf("expected [0,10] for A, got %+v", segs[0])
	}
	if segs[1].Start != 10 || !segs[1].LowerOpen || segs[1].End != 15 || segs[1].UpperOpen {
		t.Errorf("expected (10,15] for B, got %+v", segs[1])
	}
}

func TestResolvePriority_HigherPriorityInside(t *testing.T) {
	comp := []Interval{withPriority(iv(0, 0, 20), 2), withPriority(iv(1, 5, 8), 1)}
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, intOptions(ModePriority))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{0, 4, 0}, {5, 8, 1}, {9, 20, 0}})
}

func TestResolvePriority_TieBreakEarliestStart(t *testing.T) {
	comp := []Interval{iv(0, 5, 15), iv(1, 0, 10)}
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, intOptions(ModePriority))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{0, 10, 1}, {11, 15, 0}})
}

func TestResolvePriority_TieBreakInputOrder(t *testing.T) {
	comp := []Interval{iv(7, 0, 10), iv(3, 0, 10)}
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, intOptions(ModePriority))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{0, 10, 7}})
}

func TestResolvePriority_MaxLen(t *testing.T) {
	comp := []Interval{withPriority(iv(0, 0, 100), 1), withPriority(iv(1, 5, 20), 2)}
	opts := intOptions(ModePriority)
	opts.MaxLen = 10
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{0, 10, 0}, {11, 15, 1}})
}

func TestResolvePriority_SingleUnchanged(t *testing.T) {
	opts := intOptions(ModePriority)
	opts.MaxLen = 1
	segs, err := ResolvePriority(GroupKey{"p1"}, []Interval{iv(4, 0, 100)}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{0, 100, 4}})
}

func TestResolvePriority_GapInsideComponent(t *testing.T) {
	comp := []Interval{withPriority(iv(0, 0, 10), 2), withPriority(iv(1, 13, 20), 1)}
	for _, discrete := range []bool{false, true} {
		opts := intOptions(ModePriority)
		opts.Discretize = discrete
		segs, err := ResolvePriority(GroupKey{"p1"}, comp, opts)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		checkSegments(t, segs, []want{{0, 10, 0}, {13, 20, 1}})
	}
}

func TestResolvePriority_TimeAxisMinuteGranularity(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	at := func(m int) int64 { return FromTime(base.Add(time.Duration(m) * time.Minute)) }
	comp := []Interval{
		{ID: 0, Start: at(0), End: at(120), Payload: map[string]any{"priority": 1}},
		{ID: 1, Start: at(60), End: at(180), Payload: map[string]any{"priority": 2}},
	}
	opts := Options{Mode: ModePriority, Axis: AxisTime}
	if err := opts.Validate(); err != nil {
		t.Fatal(err)
	}
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{at(0), at(120), 0}, {at(121), at(180), 1}})
}

func TestResolvePriority_NonNumericPriority(t *testing.T) {
	comp := []Interval{
		{ID: 0, Start: 0, End: 10, Payload: map[string]any{"priority": "urgent"}},
		{ID: 1, Start: 5, End: 15},
	}
	_, err := ResolvePriority(GroupKey{"p1"}, comp, intOptions(ModePriority))
	if !errors.Is(err, ErrPriorityType) {
		t.Fatalf("expected ErrPriorityType, got %v", err)
	}
}

func TestResolvePriority_CustomField(t *testing.T) {
	comp := []Interval{
		{ID: 0, Start: 0, End: 10, Payload: map[string]any{"rank": 5}},
		{ID: 1, Start: 5, End: 15, Payload: map[string]any{"rank": 0}},
	}
	opts := intOptions(ModePriority)
	opts.PriorityField = "rank"
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkSegments(t, segs, []want{{0, 4, 0}, {5, 15, 1}})
}

func TestResolvePriority_PayloadCarried(t *testing.T) {
	comp := []Interval{
		{ID: 0, Start: 0, End: 10, Payload: map[string]any{"priority": 1, "unit": "icu"}},
		{ID: 1, Start: 5, End: 15, Payload: map[string]any{"priority": 2, "unit": "ward"}},
	}
	segs, err := ResolvePriority(GroupKey{"p1"}, comp, intOptions(ModePriority))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if segs[0].Payload["unit"] != "icu" || segs[1].Payload["unit"] != "ward" {
		t.Errorf("expected winner payloads, got %v and %v", segs[0].Payload, segs[1].Payload)
	}
}

// owner computes the expected owner at t by brute force.
func bruteOwner(comp []Interval, t int64) (int64, bool) {
	best := -1
	var bestP float64
	for i, c := range comp {
		if c.Start > t || c.End < t {
			continue
		}
		p, _ := priorityOf(c, DefaultPriorityField)
		if best < 0 || p < bestP || (p == bestP && c.Start < comp[best].Start) {
			best, bestP = i, p
		}
	}
	if best < 0 {
		return 0, false
	}
	return comp[best].ID, true
}

func TestResolvePriority_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := 2 + rng.Intn(8)
		comp := make([]Interval, n)
		for i := range comp {
			s := int64(rng.Intn(40))
			comp[i] = withPriority(iv(int64(i), s, s+int64(rng.Intn(15))), 1+rng.Intn(3))
		}
		exact, err := ResolvePriority(GroupKey{"p1"}, comp, intOptions(ModePriority))
		if err != nil {
			t.Fatalf("round %d: unexpected error: %v", round, err)
		}
		opts := intOptions(ModePriority)
		opts.Discretize = true
		ticks, err := ResolvePriority(GroupKey{"p1"}, comp, opts)
		if err != nil {
			t.Fatalf("round %d: unexpected error: %v", round, err)
		}
		if len(exact) != len(ticks) {
			t.Fatalf("round %d: exact %+v vs discrete %+v", round, exact, ticks)
		}
		for i := range exact {
			if exact[i].Start != ticks[i].Start || exact[i].End != ticks[i].End || exact[i].ID != ticks[i].ID {
				t.Fatalf("round %d: exact %+v vs discrete %+v", round, exact[i], ticks[i])
			}
		}
		for i := 1; i < len(exact); i++ {
			if exact[i].Start <= exact[i-1].End {
				t.Fatalf("round %d: segments overlap: %+v and %+v", round, exact[i-1], exact[i])
			}
		}
		for p := int64(-1); p <= 60; p++ {
			wantID, covered := bruteOwner(comp, p)
			hits := 0
			var gotID int64
			for _, s := range exact {
				if s.Contains(p) {
					hits++
					gotID = s.ID
				}
			}
			if !covered {
				if hits != 0 {
					t.Fatalf("round %d: point %d not covered by input but by output", round, p)
				}
				continue
			}
			if hits != 1 {
				t.Fatalf("round %d: point %d covered by %d segments", round, p, hits)
			}
			if gotID != wantID {
				t.Fatalf("round %d: point %d owned by %d, want %d", round, p, gotID, wantID)
			}
		}
	}
}
