package clock

import (
	"sort"
)

// --------------------------------------------------------------------------
// Marzullo's Algorithm
// --------------------------------------------------------------------------

// Tuple is one source's claim about the local clock offset: the true offset
// lies somewhere in [Min, Max]. The bounds come from the measured round
// trip plus the tolerated clock error.
type Tuple struct {
	Source uint64
	Min    int64
	Max    int64
}

// Interval is an offset range agreed on by several sources.
type Interval struct {
	Min int64
	Max int64
}

// Midpoint returns the center of the interval.
func (i Interval) Midpoint() int64 {
	return i.Min + (i.Max-i.Min)/2
}

// Width returns the size of the interval.
func (i Interval) Width() int64 {
	return i.Max - i.Min
}

// edge is one interval endpoint in the sweep. dir is -1 for an opening
// bound and +1 for a closing one.
type edge struct {
	offset int64
	dir    int
}

// SmallestInterval runs Marzullo's algorithm over the tuples: it returns
// the interval consistent with the largest number of sources, and that
// count. Touching intervals count as overlapping. With no tuples the count
// is zero.
func SmallestInterval(tuples []Tuple) (Interval, int) {
	if len(tuples) == 0 {
		return Interval{}, 0
	}

	edges := make([]edge, 0, len(tuples)*2)
	for _, t := range tuples {
		edges = append(edges, edge{offset: t.Min, dir: -1}, edge{offset: t.Max, dir: +1})
	}
	// Opening bounds sort before closing bounds at the same offset, so
	// intervals sharing only an endpoint still overlap.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].offset != edges[j].offset {
			return edges[i].offset < edges[j].offset
		}
		return edges[i].dir < edges[j].dir
	})

	best := 0
	count := 0
	var interval Interval
	for i, e := range edges {
		if e.dir == -1 {
			count++
			if count > best {
				best = count
				interval.Min = e.offset
				// The region of maximal overlap ends at the very next
				// edge, whichever kind it is.
				interval.Max = edges[i+1].offset
			}
		} else {
			count--
		}
	}
	return interval, best
}
