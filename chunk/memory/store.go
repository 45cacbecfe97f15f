// Package memory provides an in-memory, concurrency-safe chunk.Store.
//
// Attaches are serialized per blob: validation of an incoming tree runs under
// the blob's attach lock, and the insert itself takes the store-wide write
// lock only for as long as it takes to copy the records in. Readers never
// observe a half-attached subtree.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/meigma/blobtree/chunk"
)

// DefaultWatchBuffer is the channel capacity of each watcher.
const DefaultWatchBuffer = 64

// Store is an in-memory chunk.Store.
type Store struct {
	mu     sync.RWMutex
	chunks map[chunk.ID]*chunk.Chunk
	roots  map[string][]chunk.ID
	nextID chunk.ID

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	watchMu     sync.Mutex
	watchers    map[int]chan chunk.Event
	nextWatcher int
	watchBuffer int

	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithWatchBuffer sets the channel capacity of new watchers.
func WithWatchBuffer(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.watchBuffer = n
		}
	}
}

// WithLogger sets the logger used for dropped watcher events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		chunks:      make(map[chunk.ID]*chunk.Chunk),
		roots:       make(map[string][]chunk.ID),
		locks:       make(map[string]*sync.Mutex),
		watchers:    make(map[int]chan chunk.Event),
		watchBuffer: DefaultWatchBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}

// blobLock returns the attach lock of blob.
func (s *Store) blobLock(blob string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[blob]
	if !ok {
		l = &sync.Mutex{}
		s.locks[blob] = l
	}
	return l
}

// Attach implements chunk.Store.
func (s *Store) Attach(ctx context.Context, blob string, parent chunk.ID, root *chunk.Node) (chunk.ID, error) {
	if root == nil {
		return 0, fmt.Errorf("%w: nil root", chunk.ErrInvalidTree)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := root.Validate(); err != nil {
		return 0, err
	}

	lock := s.blobLock(blob)
	lock.Lock()
	defer lock.Unlock()

	if parent != 0 {
		if err := s.checkParent(blob, parent, root.Range); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	id := s.insert(blob, parent, root)
	if parent == 0 {
		s.roots[blob] = append(s.roots[blob], id)
	} else {
		p := s.chunks[parent]
		p.Children = append(p.Children, id)
	}
	s.mu.Unlock()

	s.publish(chunk.Event{Blob: blob, Parent: parent, Added: []chunk.ID{id}})
	return id, nil
}

// checkParent verifies that r fits under parent next to its current children.
func (s *Store) checkParent(blob string, parent chunk.ID, r chunk.Range) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.chunks[parent]
	if !ok {
		return fmt.Errorf("parent %s: %w", parent, chunk.ErrNotFound)
	}
	if p.Blob != blob {
		return fmt.Errorf("parent %s of %q: %w", parent, p.Blob, chunk.ErrBlobMismatch)
	}
	if !p.Range.Contains(r) {
		return fmt.Errorf("%w: %s escapes parent %s %s", chunk.ErrInvalidTree, r, p.Type, p.Range)
	}
	for _, cid := range p.Children {
		if c := s.chunks[cid]; c.Range.Overlaps(r) {
			return fmt.Errorf("%w: %s overlaps child %s %s", chunk.ErrInvalidTree, r, c.Type, c.Range)
		}
	}
	return nil
}

// insert copies n and its descendants into the store. Callers hold mu.
func (s *Store) insert(blob string, parent chunk.ID, n *chunk.Node) chunk.ID {
	s.nextID++
	id := s.nextID
	n.ID = id
	rec := &chunk.Chunk{
		ID:      id,
		Parent:  parent,
		Blob:    blob,
		Range:   n.Range,
		Type:    n.Type,
		Name:    n.Name,
		Value:   n.Value.Clone(),
		Partial: n.Partial,
	}
	s.chunks[id] = rec
	if len(n.Children) > 0 {
		rec.Children = make([]chunk.ID, 0, len(n.Children))
		for _, c := range n.Children {
			rec.Children = append(rec.Children, s.insert(blob, id, c))
		}
	}
	return id
}

// Get implements chunk.Store.
func (s *Store) Get(_ context.Context, id chunk.ID) (chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[id]
	if !ok {
		return chunk.Chunk{}, fmt.Errorf("chunk %s: %w", id, chunk.ErrNotFound)
	}
	return copyChunk(c), nil
}

// Children implements chunk.Store.
func (s *Store) Children(_ context.Context, id chunk.ID) ([]chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chunks[id]
	if !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, chunk.ErrNotFound)
	}
	return s.collect(c.Children), nil
}

// Roots implements chunk.Store.
func (s *Store) Roots(_ context.Context, blob string) ([]chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.roots[blob]), nil
}

// Blobs implements chunk.Store.
func (s *Store) Blobs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blobs := make([]string, 0, len(s.roots))
	for blob, ids := range s.roots {
		if len(ids) > 0 {
			blobs = append(blobs, blob)
		}
	}
	slices.Sort(blobs)
	return blobs, nil
}

func (s *Store) collect(ids []chunk.ID) []chunk.Chunk {
	out := make([]chunk.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyChunk(s.chunks[id]))
	}
	return out
}

// Delete implements chunk.Store.
func (s *Store) Delete(_ context.Context, id chunk.ID) error {
	s.mu.RLock()
	c, ok := s.chunks[id]
	var blob string
	if ok {
		blob = c.Blob
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chunk %s: %w", id, chunk.ErrNotFound)
	}

	lock := s.blobLock(blob)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	c, ok = s.chunks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("chunk %s: %w", id, chunk.ErrNotFound)
	}
	parent := c.Parent
	if parent == 0 {
		s.roots[blob] = slices.DeleteFunc(s.roots[blob], func(x chunk.ID) bool { return x == id })
		if len(s.roots[blob]) == 0 {
			delete(s.roots, blob)
		}
	} else if p, ok := s.chunks[parent]; ok {
		p.Children = slices.DeleteFunc(p.Children, func(x chunk.ID) bool { return x == id })
	}
	s.remove(id)
	s.mu.Unlock()

	s.publish(chunk.Event{Blob: blob, Parent: parent, Removed: []chunk.ID{id}})
	return nil
}

// remove drops id and its descendants. Callers hold mu.
func (s *Store) remove(id chunk.ID) {
	c, ok := s.chunks[id]
	if !ok {
		return
	}
	for _, child := range c.Children {
		s.remove(child)
	}
	delete(s.chunks, id)
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Watch implements chunk.Store. The channel is closed when ctx is done.
// Events are dropped for watchers whose buffer is full.
func (s *Store) Watch(ctx context.Context) <-chan chunk.Event {
	ch := make(chan chunk.Event, s.watchBuffer)

	s.watchMu.Lock()
	key := s.nextWatcher
	s.nextWatcher++
	s.watchers[key] = ch
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, key)
		close(ch)
		s.watchMu.Unlock()
	}()
	return ch
}

func (s *Store) publish(ev chunk.Event) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for key, ch := range s.watchers {
		select {
		case ch <- ev:
		default:
			s.log().Debug("dropped chunk event", "watcher", key, "parent", ev.Parent)
		}
	}
}

func copyChunk(c *chunk.Chunk) chunk.Chunk {
	out := *c
	out.Value = c.Value.Clone()
	out.Children = slices.Clone(c.Children)
	return out
}
