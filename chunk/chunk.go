// Package chunk defines the decoded-region data model: byte ranges, decoded
// values, draft trees built during a decode and the records kept by a Store.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ID identifies a chunk within a Store. The zero ID means "no chunk".
type ID uint64

// String returns the decimal form of the ID.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseID parses the decimal form of an ID.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid chunk id %q", s)
	}
	return ID(v), nil
}

// Range is the half-open absolute byte range [Start, End) of a blob.
type Range struct {
	Start uint64 `json:"start" msgpack:"start"`
	End   uint64 `json:"end" msgpack:"end"`
}

// Len returns the number of bytes covered.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// IsEmpty reports whether the range covers no bytes.
func (r Range) IsEmpty() bool {
	return r.End <= r.Start
}

// Contains reports whether o lies within r.
func (r Range) Contains(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End && o.Start <= o.End
}

// ContainsOffset reports whether off lies in [Start, End).
func (r Range) ContainsOffset(off uint64) bool {
	return off >= r.Start && off < r.End
}

// Overlaps reports whether r and o share at least one byte. Empty ranges
// overlap nothing.
func (r Range) Overlaps(o Range) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return false
	}
	return r.Start < o.End && o.Start < r.End
}

// String formats the range as [start, end).
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Store errors.
var (
	// ErrNotFound is returned when a chunk ID is not in the store.
	ErrNotFound = errors.New("chunk: not found")

	// ErrInvalidTree is returned when a tree violates containment or
	// sibling ordering.
	ErrInvalidTree = errors.New("chunk: invalid tree")

	// ErrBlobMismatch is returned when a parent belongs to another blob.
	ErrBlobMismatch = errors.New("chunk: parent belongs to another blob")
)

// Chunk is a stored, immutable chunk record.
type Chunk struct {
	ID       ID     `json:"id" msgpack:"id"`
	Parent   ID     `json:"parent,omitempty" msgpack:"parent,omitempty"`
	Blob     string `json:"blob" msgpack:"blob"`
	Range    Range  `json:"range" msgpack:"range"`
	Type     string `json:"type" msgpack:"type"`
	Name     string `json:"name,omitempty" msgpack:"name,omitempty"`
	Value    *Value `json:"value,omitempty" msgpack:"value,omitempty"`
	Partial  bool   `json:"partial,omitempty" msgpack:"partial,omitempty"`
	Children []ID   `json:"children,omitempty" msgpack:"children,omitempty"`
}

// Event reports a change to the children of Parent (zero for blob roots).
type Event struct {
	Blob    string `json:"blob" msgpack:"blob"`
	Parent  ID     `json:"parent" msgpack:"parent"`
	Added   []ID   `json:"added,omitempty" msgpack:"added,omitempty"`
	Removed []ID   `json:"removed,omitempty" msgpack:"removed,omitempty"`
}

// Store persists chunk trees. Implementations must attach a whole subtree
// atomically and serialize attaches that touch the same lineage.
type Store interface {
	// Attach validates root and stores it with all descendants under parent
	// (or as a blob root when parent is zero). It assigns Node.ID on every
	// stored node and returns the ID of root.
	Attach(ctx context.Context, blob string, parent ID, root *Node) (ID, error)

	// Get returns the chunk with the given ID.
	Get(ctx context.Context, id ID) (Chunk, error)

	// Children returns the direct children of id in discovery order.
	Children(ctx context.Context, id ID) ([]Chunk, error)

	// Roots returns the top-level chunks of blob in attach order.
	Roots(ctx context.Context, blob string) ([]Chunk, error)

	// Blobs returns the blobs that have at least one chunk, sorted.
	Blobs(ctx context.Context) ([]string, error)

	// Delete removes id and its whole subtree.
	Delete(ctx context.Context, id ID) error

	// Watch subscribes to child-list changes until ctx is done.
	Watch(ctx context.Context) <-chan Event
}
