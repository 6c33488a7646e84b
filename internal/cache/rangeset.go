package cache

import (
	"sort"

	"github.com/objectfs/fscache/pkg/types"
)

// RangeSet is a set of byte offsets kept as sorted, disjoint, non-adjacent
// ranges. It records which parts of a buffer hold fetched data, so a zero
// byte that was fetched is distinguishable from one that never was.
type RangeSet struct {
	ranges []types.ByteRange
}

// Add marks r as filled, merging with neighbours.
func (s *RangeSet) Add(r types.ByteRange) {
	if r.IsEmpty() {
		return
	}
	start, end := r.Offset, r.End()

	// first range that could touch r
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End() >= start })
	j := i
	for j < len(s.ranges) && s.ranges[j].Offset <= end {
		start = min(start, s.ranges[j].Offset)
		end = max(end, s.ranges[j].End())
		j++
	}

	merged := types.ByteRange{Offset: start, Length: end - start}
	s.ranges = append(s.ranges[:i], append([]types.ByteRange{merged}, s.ranges[j:]...)...)
}

// Remove clears r from the set, splitting ranges as needed.
func (s *RangeSet) Remove(r types.ByteRange) {
	if r.IsEmpty() {
		return
	}
	out := s.ranges[:0:0]
	for _, cur := range s.ranges {
		if !cur.Overlaps(r) {
			out = append(out, cur)
			continue
		}
		if cur.Offset < r.Offset {
			out = append(out, types.ByteRange{Offset: cur.Offset, Length: r.Offset - cur.Offset})
		}
		if cur.End() > r.End() {
			out = append(out, types.ByteRange{Offset: r.End(), Length: cur.End() - r.End()})
		}
	}
	s.ranges = out
}

// Contains reports whether every byte of r is filled.
func (s *RangeSet) Contains(r types.ByteRange) bool {
	if r.IsEmpty() {
		return true
	}
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End() > r.Offset })
	return i < len(s.ranges) && s.ranges[i].Contains(r)
}

// Missing returns the sub-ranges of r that are not filled, in order.
func (s *RangeSet) Missing(r types.ByteRange) []types.ByteRange {
	if r.IsEmpty() {
		return nil
	}
	var gaps []types.ByteRange
	pos := r.Offset
	for _, cur := range s.ranges {
		if cur.End() <= pos {
			continue
		}
		if cur.Offset >= r.End() {
			break
		}
		if cur.Offset > pos {
			gaps = append(gaps, types.ByteRange{Offset: pos, Length: cur.Offset - pos})
		}
		pos = cur.End()
		if pos >= r.End() {
			return gaps
		}
	}
	if pos < r.End() {
		gaps = append(gaps, types.ByteRange{Offset: pos, Length: r.End() - pos})
	}
	return gaps
}

// Ranges returns a copy of the filled ranges.
func (s *RangeSet) Ranges() []types.ByteRange {
	return append([]types.ByteRange(nil), s.ranges...)
}

// Bytes returns the number of filled bytes.
func (s *RangeSet) Bytes() int64 {
	var n int64
	for _, r := range s.ranges {
		n += r.Length
	}
	return n
}

// Clear empties the set.
func (s *RangeSet) Clear() {
	s.ranges = nil
}
