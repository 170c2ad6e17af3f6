package segment

import (
	"github.com/google/btree"
)

// Reassembler tracks the disjoint set of received byte ranges of a file.
// Adding a range that is already covered, wholly or partly, changes nothing
// for the covered part, so duplicates and overlaps are idempotent.
type Reassembler struct {
	ranges   *btree.BTreeG[Segment]
	received uint64
	maxEnd   uint64
}

func byOffset(a, b Segment) bool {
	return a.Offset < b.Offset
}

// NewReassembler creates an empty reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{ranges: btree.NewG[Segment](2, byOffset)}
}

// Add records [offset, offset+length) as received and returns the number of
// octets that were not covered before.
func (r *Reassembler) Add(offset, length uint64) uint64 {
	if length == 0 {
		return 0
	}
	start, end := offset, offset+length
	if end > r.maxEnd {
		r.maxEnd = end
	}

	var covered uint64
	var absorbed []Segment

	// A range starting at or before start may reach into the new one
	r.ranges.DescendLessOrEqual(Segment{Offset: start}, func(s Segment) bool {
		if s.End() >= start {
			absorbed = append(absorbed, s)
		}
		return false
	})
	r.ranges.AscendGreaterOrEqual(Segment{Offset: start + 1}, func(s Segment) bool {
		if s.Offset > end {
			return false
		}
		absorbed = append(absorbed, s)
		return true
	})

	for _, s := range absorbed {
		r.ranges.Delete(s)
		// Overlap between s and the new range
		lo, hi := max(s.Offset, offset), min(s.End(), offset+length)
		if hi > lo {
			covered += hi - lo
		}
		start = min(start, s.Offset)
		end = max(end, s.End())
	}
	r.ranges.ReplaceOrInsert(Segment{Offset: start, Length: end - start})

	added := length - covered
	r.received += added
	return added
}

// Contains reports whether [offset, offset+length) is fully received
func (r *Reassembler) Contains(offset, length uint64) bool {
	found := false
	r.ranges.DescendLessOrEqual(Segment{Offset: offset}, func(s Segment) bool {
		found = s.End() >= offset+length
		return false
	})
	return found
}

// Received returns the number of distinct octets received
func (r *Reassembler) Received() uint64 {
	return r.received
}

// MaxEnd returns the highest offset seen, one past the last received octet
func (r *Reassembler) MaxEnd() uint64 {
	return r.maxEnd
}

// Contiguous returns the length of the gap-free prefix starting at offset 0
func (r *Reassembler) Contiguous() uint64 {
	var n uint64
	if first, ok := r.ranges.Min(); ok && first.Offset == 0 {
		n = first.End()
	}
	return n
}

// Complete reports whether [0, size) is fully received
func (r *Reassembler) Complete(size uint64) bool {
	return size == 0 || r.Contains(0, size)
}

// Ranges returns the received ranges in offset order
func (r *Reassembler) Ranges() []Segment {
	out := make([]Segment, 0, r.ranges.Len())
	r.ranges.Ascend(func(s Segment) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Gaps returns the missing ranges within [0, end) in offset order
func (r *Reassembler) Gaps(end uint64) []Segment {
	var gaps []Segment
	var cursor uint64
	r.ranges.Ascend(func(s Segment) bool {
		if s.Offset >= end {
			return false
		}
		if s.Offset > cursor {
			gaps = append(gaps, Segment{Offset: cursor, Length: s.Offset - cursor})
		}
		cursor = max(cursor, s.End())
		return true
	})
	if cursor < end {
		gaps = append(gaps, Segment{Offset: cursor, Length: end - cursor})
	}
	return gaps
}
