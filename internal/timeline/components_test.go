package timeline

import (
	"math/rand"
	"testing"
)

func iv(id, start, end int64) Interval {
	return Interval{ID: id, Key: GroupKey{"p1"}, Start: start, End: end}
}

func withPriority(i Interval, p int) Interval {
	i.Payload = map[string]any{"priority": p}
	return i
}

func componentIDs(comps [][]Interval) [][]int64 {
	out := make([][]int64, len(comps))
	for i, c := range comps {
		for _, x := range c {
			out[i] = append(out[i], x.ID)
		}
	}
	return out
}

func TestComponents_SeparateIntervals(t *testing.T) {
	comps := Components([]Interval{iv(0, 0, 10), iv(1, 20, 30)}, 0)
	if len(comps) != 2 {
		t.Fatalf("expected 2 components, got %d", len(comps))
	}
	if len(comps[0]) != 1 || len(comps[1]) != 1 {
		t.Errorf("expected singleton components, got %v", componentIDs(comps))
	}
}

func TestComponents_TouchingCounts(t *testing.T) {
	comps := Components([]Interval{iv(0, 0, 10), iv(1, 10, 20)}, 0)
	if len(comps) != 1 {
		t.Fatalf("expected touching intervals to connect, got %d components", len(comps))
	}
}

func TestComponents_GapTolerance(t *testing.T) {
	ivs := []Interval{iv(0, 0, 10), iv(1, 14, 20)}
	if n := len(Components(ivs, 3)); n != 2 {
		t.Errorf("gap 3: expected 2 components, got %d", n)
	}
	if n := len(Components(ivs, 4)); n != 1 {
		t.Errorf("gap 4: expected 1 component, got %d", n)
	}
}

func TestComponents_Transitive(t *testing.T) {
	// 0 and 2 only connect through 1
	ivs := []Interval{iv(0, 0, 5), iv(2, 9, 12), iv(1, 4, 10)}
	comps := Components(ivs, 0)
	if len(comps) != 1 {
		t.Fatalf("expected 1 component, got %v", componentIDs(comps))
	}
	got := componentIDs(comps)[0]
	want := []int64{0, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected input order %v, got %v", want, got)
		}
	}
}

func TestComponents_SweepMatchesPairwise(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		n := 1 + rng.Intn(60)
		ivs := make([]Interval, n)
		for i := range ivs {
			s := int64(rng.Intn(400))
			ivs[i] = iv(int64(i), s, s+int64(rng.Intn(20)))
		}
		gap := int64(rng.Intn(5))
		a := componentIDs(collect(ivs, pairwiseLabels(ivs, gap)))
		b := componentIDs(collect(ivs, sweepLabels(ivs, gap)))
		if len(a) != len(b) {
			t.Fatalf("round %d: pairwise %d components, sweep %d", round, len(a), len(b))
		}
		for i := range a {
			if len(a[i]) != len(b[i]) {
				t.Fatalf("round %d: component %d differs: %v vs %v", round, i, a[i], b[i])
			}
			for j := range a[i] {
				if a[i][j] != b[i][j] {
					t.Fatalf("round %d: component %d differs: %v vs %v", round, i, a[i], b[i])
				}
			}
		}
	}
}

func TestComponents_LargeGroupUsesSweep(t *testing.T) {
	ivs := make([]Interval, sweepThreshold+10)
	for i := range ivs {
		// pairs of overlapping intervals separated by gaps
		base := int64(i/2) * 100
		ivs[i] = iv(int64(i), base+int64(i%2)*5, base+10)
	}
	comps := Components(ivs, 0)
	if len(comps) != len(ivs)/2 {
		t.Errorf("expected %d components, got %d", len(ivs)/2, len(comps))
	}
}

func TestComponents_MonotonicTolerance(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for round := 0; round < 30; round++ {
		ivs := make([]Interval, 25)
		for i := range ivs {
			s := int64(rng.Intn(200))
			ivs[i] = iv(int64(i), s, s+int64(rng.Intn(8)))
		}
		prev := len(ivs) + 1
		for gap := int64(0); gap <= 12; gap++ {
			n := len(Components(ivs, gap))
			if n > prev {
				t.Fatalf("round %d: gap %d gave %d components, more than %d", round, gap, n, prev)
			}
			prev = n
		}
	}
}

func TestPartition_FirstAppearanceOrder(t *testing.T) {
	ivs := []Interval{
		{ID: 0, Key: GroupKey{"b"}, Start: 0, End: 1},
		{ID: 1, Key: GroupKey{"a"}, Start: 0, End: 1},
		{ID: 2, Key: GroupKey{"b"}, Start: 2, End: 3},
	}
	groups := Partition(ivs)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Key.String() != "b" || len(groups[0].Intervals) != 2 {
		t.Errorf("unexpected first group %+v", groups[0])
	}
	if groups[1].Key.String() != "a" {
		t.Errorf("unexpected second group %+v", groups[1])
	}
}

func TestPartition_CompositeKey(t *testing.T) {
	ivs := []Interval{
		{ID: 0, Key: GroupKey{"p1", "e1"}},
		{ID: 1, Key: GroupKey{"p1", "e2"}},
		{ID: 2, Key: GroupKey{"p1", "e1"}},
	}
	if n := len(Partition(ivs)); n != 2 {
		t.Errorf("expected 2 groups, got %d", n)
	}
}

func TestSanitize_DropsReversed(t *testing.T) {
	ivs := []Interval{iv(0, 0, 10), iv(1, 10, 5), iv(2, 3, 3)}
	valid, dropped := Sanitize(ivs)
	if dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", dropped)
	}
	if len(valid) != 2 || valid[1].ID != 2 {
		t.Errorf("unexpected survivors %+v", valid)
	}
}
