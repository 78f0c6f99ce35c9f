// Package pruner implements bounded-window proximity dedup: within a group
// of legs sharing a pivot (same price, index, and direction), collapse legs
// whose origin is too close in both time and range to an existing survivor,
// holding the per-insert cost to O(log K) against the group's current
// survivor count K.
package pruner

import "sort"

// Candidate is the minimal shape the pruner needs from a leg. Kept free of
// any dependency on pkg/leg so the pruner stays reusable and acyclic; the
// lifecycle manager maps its own Leg type to this before calling Insert.
type Candidate struct {
	LegID       int64
	OriginIndex int64
	Range       float64 // |origin_price - pivot_price|
}

// group holds one pivot group's survivors, sorted by OriginIndex ascending.
type group struct {
	survivors []Candidate
}

// Pruner partitions candidates into pivot groups, keyed by whatever the
// caller uses to identify a (pivot_price, pivot_index, direction) group.
type Pruner struct {
	groups map[string]*group

	// Threshold is compared against both time_ratio and range_ratio.
	// Defaults to 0.03; values up to ~0.10 are acceptable. Threshold >= 1.0
	// disables the bound and falls back to a linear scan.
	Threshold float64
}

// New returns a Pruner with the given proximity threshold.
func New(threshold float64) *Pruner {
	return &Pruner{groups: make(map[string]*group), Threshold: threshold}
}

// Insert evaluates candidate n (the newer leg) against the group's existing
// survivors at the current bar index C. It reports whether n survives; if
// it does, it is inserted into the group's sorted survivor list. n is never
// compared against itself and never mutates an existing survivor — the
// predicate is asymmetric: only the newer candidate can be pruned.
func (p *Pruner) Insert(groupKey string, currentBarIndex int64, n Candidate) (survived bool) {
	g, ok := p.groups[groupKey]
	if !ok {
		g = &group{}
		p.groups[groupKey] = g
	}

	// A leg re-evaluated after its origin extended replaces its earlier
	// entry instead of sitting in the group twice.
	for i, s := range g.survivors {
		if s.LegID == n.LegID {
			g.survivors = append(g.survivors[:i], g.survivors[i+1:]...)
			break
		}
	}

	if len(g.survivors) == 0 {
		g.insert(n)
		return true
	}

	start := 0
	if p.Threshold < 1.0 {
		minIdx := (float64(n.OriginIndex) - p.Threshold*float64(currentBarIndex)) / (1 - p.Threshold)
		start = sort.Search(len(g.survivors), func(i int) bool {
			return float64(g.survivors[i].OriginIndex) > minIdx
		})
	}

	for i := start; i < len(g.survivors); i++ {
		o := g.survivors[i]
		if o.LegID == n.LegID {
			continue
		}
		if p.isDuplicate(o, n, currentBarIndex) {
			return false
		}
	}

	g.insert(n)
	return true
}

// Remove drops a leg from its pivot group, e.g. once it has been
// invalidated by some other means and should no longer anchor proximity
// comparisons.
func (p *Pruner) Remove(groupKey string, legID int64) {
	g, ok := p.groups[groupKey]
	if !ok {
		return
	}
	for i, s := range g.survivors {
		if s.LegID == legID {
			g.survivors = append(g.survivors[:i], g.survivors[i+1:]...)
			return
		}
	}
}

func (p *Pruner) isDuplicate(o, n Candidate, currentBarIndex int64) bool {
	span := float64(currentBarIndex - o.OriginIndex)
	if span <= 0 {
		span = 1
	}
	timeRatio := absf(float64(n.OriginIndex-o.OriginIndex)) / span

	maxRange := o.Range
	if n.Range > maxRange {
		maxRange = n.Range
	}
	if maxRange == 0 {
		maxRange = 1e-9
	}
	rangeRatio := absf(n.Range-o.Range) / maxRange

	return timeRatio < p.Threshold && rangeRatio < p.Threshold
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func (g *group) insert(c Candidate) {
	idx := sort.Search(len(g.survivors), func(i int) bool {
		return g.survivors[i].OriginIndex >= c.OriginIndex
	})
	g.survivors = append(g.survivors, Candidate{})
	copy(g.survivors[idx+1:], g.survivors[idx:])
	g.survivors[idx] = c
}
