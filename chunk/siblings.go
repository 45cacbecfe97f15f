package chunk

import (
	"cmp"
	"slices"
)

// Siblings indexes the non-empty chunks of one parent by start offset so
// overlap checks cost O(log n). Chunks appended in ascending order take the
// fast path.
type Siblings struct {
	nodes []*Node
}

// Overlapping returns an indexed chunk that overlaps r, or nil.
func (s *Siblings) Overlapping(r Range) *Node {
	if r.IsEmpty() || len(s.nodes) == 0 {
		return nil
	}
	if last := s.nodes[len(s.nodes)-1]; r.Start >= last.Range.End {
		return nil
	}
	// Indexed ranges are disjoint, so ends ascend with starts and only the
	// last chunk starting before r.End can overlap.
	i, _ := slices.BinarySearchFunc(s.nodes, r.End, func(n *Node, end uint64) int {
		return cmp.Compare(n.Range.Start, end)
	})
	if i == 0 {
		return nil
	}
	if prev := s.nodes[i-1]; prev.Range.End > r.Start {
		return prev
	}
	return nil
}

// Insert adds n to the index. Empty chunks are not indexed. The caller
// checks Overlapping first.
func (s *Siblings) Insert(n *Node) {
	if n.Range.IsEmpty() {
		return
	}
	if len(s.nodes) == 0 || n.Range.Start >= s.nodes[len(s.nodes)-1].Range.Start {
		s.nodes = append(s.nodes, n)
		return
	}
	i, _ := slices.BinarySearchFunc(s.nodes, n.Range.Start, func(x *Node, start uint64) int {
		return cmp.Compare(x.Range.Start, start)
	})
	s.nodes = slices.Insert(s.nodes, i, n)
}

// Len returns the number of indexed chunks.
func (s *Siblings) Len() int { return len(s.nodes) }
