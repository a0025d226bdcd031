package timeline

import "sort"

// sweepThreshold is the group size above which Components switches from the
// pairwise union-find to the sorted sweep.
const sweepThreshold = 256

// Components partitions one group into connected components. Two intervals
// connect when start_i <= end_j+gap and start_j <= end_i+gap. Each component
// keeps its members in input order and components are ordered by their
// earliest member in the input.
func Components(ivs []Interval, gap int64) [][]Interval {
	var labels []int
	if len(ivs) > sweepThreshold {
		labels = sweepLabels(ivs, gap)
	} else {
		labels = pairwiseLabels(ivs, gap)
	}
	return collect(ivs, labels)
}

// connected is the padded overlap relation.
func connected(a, b Interval, gap int64) bool {
	return a.Start <= b.End+gap && b.Start <= a.End+gap
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

func pairwiseLabels(ivs []Interval, gap int64) []int {
	uf := newUnionFind(len(ivs))
	for i := 0; i < len(ivs); i++ {
		for j := i + 1; j < len(ivs); j++ {
			if connected(ivs[i], ivs[j], gap) {
				uf.union(i, j)
			}
		}
	}
	labels := make([]int, len(ivs))
	for i := range labels {
		labels[i] = uf.find(i)
	}
	return labels
}

// sweepLabels visits intervals by start and joins each one to the running
// component while its start does not pass the largest padded end seen so far.
func sweepLabels(ivs []Interval, gap int64) []int {
	order := make([]int, len(ivs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return ivs[order[a]].Start < ivs[order[b]].Start })

	labels := make([]int, len(ivs))
	label := -1
	var reach int64
	for n, idx := range order {
		iv := ivs[idx]
		if n == 0 || iv.Start > reach {
			label = idx
			reach = iv.End + gap
		} else if iv.End+gap > reach {
			reach = iv.End + gap
		}
		labels[idx] = label
	}
	return labels
}

func collect(ivs []Interval, labels []int) [][]Interval {
	pos := make(map[int]int)
	var out [][]Interval
	for i, l := range labels {
		p, ok := pos[l]
		if !ok {
			p = len(out)
			pos[l] = p
			out = append(out, nil)
		}
		out[p] = append(out[p], ivs[i])
	}
	return out
}

// allSingletons reports whether no component has more than one member.
func allSingletons(comps [][]Interval) bool {
	for _, c := range comps {
		if len(c) > 1 {
			return false
		}
	}
	return true
}
