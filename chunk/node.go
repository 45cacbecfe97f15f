package chunk

import (
	"cmp"
	"fmt"
	"slices"
)

// Node is a chunk draft built during one decode call. Children keep
// discovery order. ID is zero until the node is attached to a Store.
type Node struct {
	ID       ID
	Type     string
	Name     string
	Range    Range
	Value    *Value
	Partial  bool
	Children []*Node
}

// Add appends child to n.
func (n *Node) Add(child *Node) {
	n.Children = append(n.Children, child)
}

// Child returns the first direct child with the given name, or nil.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Walk visits n and its descendants in pre-order. Returning false from fn
// skips the node's children.
func (n *Node) Walk(fn func(node *Node, depth int) bool) {
	n.walk(fn, 0)
}

func (n *Node) walk(fn func(*Node, int) bool, depth int) {
	if !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}

// Count returns the number of nodes in the tree rooted at n.
func (n *Node) Count() int {
	count := 0
	n.Walk(func(*Node, int) bool {
		count++
		return true
	})
	return count
}

// Clone returns a deep copy of the tree without store IDs.
func (n *Node) Clone() *Node {
	c := &Node{
		Type:    n.Type,
		Name:    n.Name,
		Range:   n.Range,
		Value:   n.Value.Clone(),
		Partial: n.Partial,
	}
	if len(n.Children) > 0 {
		c.Children = make([]*Node, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return c
}

// Validate checks containment and sibling non-overlap for the whole tree.
func (n *Node) Validate() error {
	if n.Range.End < n.Range.Start {
		return fmt.Errorf("%w: %s %s has end before start", ErrInvalidTree, n.Type, n.Range)
	}
	for _, c := range n.Children {
		if !n.Range.Contains(c.Range) {
			return fmt.Errorf("%w: %s %s escapes parent %s %s", ErrInvalidTree, c.Type, c.Range, n.Type, n.Range)
		}
	}
	if a, b, ok := firstOverlap(n.Children); ok {
		return fmt.Errorf("%w: %s %s overlaps sibling %s %s", ErrInvalidTree, b.Type, b.Range, a.Type, a.Range)
	}
	for _, c := range n.Children {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// firstOverlap finds two overlapping nodes among siblings. Discovery order is
// not sorted, so the non-empty ranges are sorted before the adjacent check.
func firstOverlap(siblings []*Node) (*Node, *Node, bool) {
	sorted := make([]*Node, 0, len(siblings))
	for _, c := range siblings {
		if !c.Range.IsEmpty() {
			sorted = append(sorted, c)
		}
	}
	slices.SortStableFunc(sorted, func(a, b *Node) int {
		return cmp.Compare(a.Range.Start, b.Range.Start)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Range.Overlaps(sorted[i].Range) {
			return sorted[i-1], sorted[i], true
		}
	}
	return nil, nil, false
}
