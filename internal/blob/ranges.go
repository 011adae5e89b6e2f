package blob

import "github.com/google/btree"

// span is a half-open byte interval [lo, hi).
type span struct {
	lo, hi uint64
}

func spanLess(a, b span) bool { return a.lo < b.lo }

// Ranges tracks which byte intervals of a blob have been received. Adjacent
// and overlapping intervals are merged, so Covered is exact under duplicate
// and out-of-order delivery.
type Ranges struct {
	tree    *btree.BTreeG[span]
	covered uint64
}

// NewRanges returns an empty tracker.
func NewRanges() *Ranges {
	return &Ranges{tree: btree.NewG(8, spanLess)}
}

// Add marks [lo, hi) as received.
func (r *Ranges) Add(lo, hi uint64) {
	if hi <= lo {
		return
	}

	merged := span{lo, hi}
	var absorbed []span

	// The span starting at or before lo may reach into [lo, hi).
	r.tree.DescendLessOrEqual(span{lo: lo}, func(s span) bool {
		if s.hi >= lo {
			absorbed = append(absorbed, s)
		}
		return false
	})
	// Spans starting inside (lo, hi] touch the new one.
	r.tree.AscendGreaterOrEqual(span{lo: lo + 1}, func(s span) bool {
		if s.lo > hi {
			return false
		}
		absorbed = append(absorbed, s)
		return true
	})

	for _, s := range absorbed {
		merged.lo = min(merged.lo, s.lo)
		merged.hi = max(merged.hi, s.hi)
		r.covered -= s.hi - s.lo
		r.tree.Delete(s)
	}

	r.tree.ReplaceOrInsert(merged)
	r.covered += merged.hi - merged.lo
}

// Covered returns the number of distinct bytes received.
func (r *Ranges) Covered() uint64 { return r.covered }

// Contains reports whether every byte of [lo, hi) has been received.
func (r *Ranges) Contains(lo, hi uint64) bool {
	if hi <= lo {
		return true
	}
	found := false
	r.tree.DescendLessOrEqual(span{lo: lo}, func(s span) bool {
		found = s.hi >= hi
		return false
	})
	return found
}

// Len returns the number of disjoint intervals.
func (r *Ranges) Len() int { return r.tree.Len() }
