package timeline

import (
	"math/rand"
	"testing"
)

type cell struct {
	start, end           int64
	lowerOpen, upperOpen bool
	ids                  []int64
}

func checkCells(t *testing.T, got []Segment, expected []cell) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected %d cells, got %d: %+v", len(expected), len(got), got)
	}
	for i, w := range expected {
		g := got[i]
		if g.Start != w.start || g.End != w.end || g.LowerOpen != w.lowerOpen || g.UpperOpen != w.upperOpen || !sameIDs(g.IDs, w.ids) {
			t.Errorf("cell %d: expected %+v, got start=%d end=%d lo=%v uo=%v ids=%v",
				i, w, g.Start, g.End, g.LowerOpen, g.UpperOpen, g.IDs)
		}
	}
}

func exampleABC() []Interval {
	// A=0, B=1, C=2
	return []Interval{iv(0, 0, 10), iv(1, 5, 15), iv(2, 12, 20)}
}

func TestReconstruct_ExactBoundaries(t *testing.T) {
	opts := intOptions(ModePrecise)
	opts.Resolution = ResolutionNone
	segs, _ := Reconstruct(GroupKey{"p1"}, exampleABC(), opts)
	checkCells(t, segs, []cell{
		{0, 5, false, true, []int64{0}},
		{5, 10, false, false, []int64{0, 1}},
		{10, 12, true, true, []int64{1}},
		{12, 15, false, false, []int64{1, 2}},
		{15, 20, true, false, []int64{2}},
	})
}

func TestReconstruct_ResolutionEpsilon(t *testing.T) {
	segs, _ := Reconstruct(GroupKey{"p1"}, exampleABC(), intOptions(ModePrecise))
	checkCells(t, segs, []cell{
		{0, 4, false, false, []int64{0}},
		{5, 10, false, false, []int64{0, 1}},
		{11, 11, false, false, []int64{1}},
		{12, 15, false, false, []int64{1, 2}},
		{16, 20, false, false, []int64{2}},
	})
}

func TestReconstruct_Intersections(t *testing.T) {
	_, inters := Reconstruct(GroupKey{"p1"}, exampleABC(), intOptions(ModePrecise))
	if len(inters) != 2 {
		t.Fatalf("expected 2 intersections, got %+v", inters)
	}
	if inters[0].RefID != 0 || inters[0].SrcID != 1 || inters[0].Start != 5 || inters[0].End != 10 {
		t.Errorf("unexpected first intersection %+v", inters[0])
	}
	if inters[1].RefID != 1 || inters[1].SrcID != 2 || inters[1].Start != 12 || inters[1].End != 15 {
		t.Errorf("unexpected second intersection %+v", inters[1])
	}
}

func TestReconstruct_NestedInterval(t *testing.T) {
	opts := intOptions(ModePrecise)
	opts.Resolution = ResolutionNone
	segs, _ := Reconstruct(GroupKey{"p1"}, []Interval{iv(0, 0, 20), iv(1, 5, 8)}, opts)
	checkCells(t, segs, []cell{
		{0, 5, false, true, []int64{0}},
		{5, 8, false, false, []int64{0, 1}},
		{8, 20, true, false, []int64{0}},
	})
}

func TestReconstruct_IdenticalIntervals(t *testing.T) {
	opts := intOptions(ModePrecise)
	segs, _ := Reconstruct(GroupKey{"p1"}, []Interval{iv(3, 0, 10), iv(1, 0, 10)}, opts)
	checkCells(t, segs, []cell{{0, 10, false, false, []int64{1, 3}}})
}

func TestReconstruct_ToleranceGapNotEmitted(t *testing.T) {
	opts := intOptions(ModePrecise)
	opts.Resolution = ResolutionNone
	segs, inters := Reconstruct(GroupKey{"p1"}, []Interval{iv(0, 0, 10), iv(1, 12, 20)}, opts)
	checkCells(t, segs, []cell{
		{0, 10, false, false, []int64{0}},
		{12, 20, false, false, []int64{1}},
	})
	if len(inters) != 0 {
		t.Errorf("expected no intersections, got %+v", inters)
	}
}

func TestSummarize(t *testing.T) {
	seg := Summarize(GroupKey{"p1"}, []Interval{iv(4, 5, 15), iv(2, 0, 10), iv(9, 12, 20)})
	if seg.Start != 0 || seg.End != 20 {
		t.Errorf("expected [0,20], got [%d,%d]", seg.Start, seg.End)
	}
	if !sameIDs(seg.IDs, []int64{2, 4, 9}) {
		t.Errorf("expected ids [2 4 9], got %v", seg.IDs)
	}
}

func coveringIDs(comp []Interval, p int64) []int64 {
	var ids []int64
	for _, c := range comp {
		if c.Start <= p && p <= c.End {
			ids = append(ids, c.ID)
		}
	}
	return sortedIDs(ids)
}

func sortedIDs(ids []int64) []int64 {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

func TestReconstruct_CompletenessOfMembership(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for round := 0; round < 200; round++ {
		n := 2 + rng.Intn(7)
		comp := make([]Interval, n)
		for i := range comp {
			// even coordinates so that odd sample points land strictly between boundaries
			s := int64(rng.Intn(30)) * 2
			comp[i] = iv(int64(i), s, s+int64(rng.Intn(10))*2)
		}
		opts := intOptions(ModePrecise)
		opts.Resolution = ResolutionNone
		segs, _ := Reconstruct(GroupKey{"p1"}, comp, opts)
		for i := 1; i < len(segs); i++ {
			if segs[i].Start < segs[i-1].End {
				t.Fatalf("round %d: cells out of order %+v %+v", round, segs[i-1], segs[i])
			}
		}
		for p := int64(-2); p <= 82; p++ {
			want := coveringIDs(comp, p)
			hits := 0
			var got []int64
			for _, s := range segs {
				if s.Contains(p) {
					hits++
					got = s.IDs
				}
			}
			if len(want) == 0 {
				if hits != 0 {
					t.Fatalf("round %d: uncovered point %d appears in output", round, p)
				}
				continue
			}
			if hits != 1 {
				t.Fatalf("round %d: point %d in %d cells", round, p, hits)
			}
			if !sameIDs(got, want) {
				t.Fatalf("round %d: point %d has ids %v, want %v", round, p, got, want)
			}
		}
	}
}
