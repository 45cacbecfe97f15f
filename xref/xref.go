// Package xref resolves cross-references between decoded regions after the
// structural pass. References are keyed by (region, offset); a key either
// names a chunk directly, falls inside a chunk defined in the same region, or
// links to another key.
package xref

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
)

// ErrUnresolved is returned when a key has no definition.
var ErrUnresolved = errors.New("xref: unresolved reference")

// Key addresses a location within a named region.
type Key struct {
	Region string
	Offset uint64
}

// String formats the key as region+offset.
func (k Key) String() string {
	return fmt.Sprintf("%s+%#x", k.Region, k.Offset)
}

// Target is a resolved reference. Delta is the distance from the start of
// Node to the referenced offset, so a reference into the middle of a string
// resolves to that string with a non-zero Delta.
type Target struct {
	Node  *chunk.Node
	Delta uint64
}

type span struct {
	offset uint64
	length uint64
	node   *chunk.Node
}

// Table holds definitions and links. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	defs    map[Key]*chunk.Node
	spans   map[string][]span
	sorted  map[string]bool
	links   map[Key]Key
	memo    map[Key]Target
	defined int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		defs:   make(map[Key]*chunk.Node),
		spans:  make(map[string][]span),
		sorted: make(map[string]bool),
		links:  make(map[Key]Key),
		memo:   make(map[Key]Target),
	}
}

// Define registers node at offset within region. The node covers
// [offset, offset+node.Range.Len()) of the region for containment lookups.
func (t *Table) Define(region string, offset uint64, node *chunk.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := Key{Region: region, Offset: offset}
	t.defs[k] = node
	t.spans[region] = append(t.spans[region], span{offset: offset, length: node.Range.Len(), node: node})
	t.sorted[region] = false
	t.memo = make(map[Key]Target)
	t.defined++
}

// Link makes from resolve to whatever to resolves to.
func (t *Table) Link(from, to Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.links[from] = to
	t.memo = make(map[Key]Target)
}

// Len returns the number of definitions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defined
}

// Links returns the number of links.
func (t *Table) Links() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links)
}

// Resolve follows links from k until it reaches a definition. A chain that
// revisits a key fails with diag.KindCyclicReference; a key that is neither
// linked nor defined fails with ErrUnresolved.
func (t *Table) Resolve(k Key) (Target, error) {
	t.mu.RLock()
	if target, ok := t.memo[k]; ok {
		t.mu.RUnlock()
		return target, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	visited := make(map[Key]struct{})
	cur := k
	for {
		if _, seen := visited[cur]; seen {
			return Target{}, &diag.Error{
				Kind:   diag.KindCyclicReference,
				Offset: cur.Offset,
				Field:  k.String(),
				Err:    fmt.Errorf("reference chain revisits %s", cur),
			}
		}
		visited[cur] = struct{}{}

		if next, ok := t.links[cur]; ok {
			cur = next
			continue
		}
		target, ok := t.lookup(cur)
		if !ok {
			return Target{}, fmt.Errorf("%w: %s", ErrUnresolved, cur)
		}
		t.memo[k] = target
		return target, nil
	}
}

// lookup finds an exact definition or the definition containing k. Callers
// hold the write lock.
func (t *Table) lookup(k Key) (Target, bool) {
	if n, ok := t.defs[k]; ok {
		return Target{Node: n}, true
	}
	spans := t.spans[k.Region]
	if !t.sorted[k.Region] {
		sort.SliceStable(spans, func(i, j int) bool { return spans[i].offset < spans[j].offset })
		t.sorted[k.Region] = true
	}
	i := sort.Search(len(spans), func(i int) bool { return spans[i].offset > k.Offset })
	if i == 0 {
		return Target{}, false
	}
	s := spans[i-1]
	if k.Offset >= s.offset+s.length {
		return Target{}, false
	}
	return Target{Node: s.node, Delta: k.Offset - s.offset}, true
}
