// Package testutil provides byte sources, caches and synthetic binaries
// shared by the package tests.
package testutil

import (
	"io"
	"sync"
)

// MockByteSource implements a simple in-memory byte source for tests.
type MockByteSource struct {
	data []byte
	id   string
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data, id: "mock"}
}

// NewNamedByteSource returns a byte source with a fixed source ID.
func NewNamedByteSource(id string, data []byte) *MockByteSource {
	return &MockByteSource{data: data, id: id}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// SourceID returns the fixed identifier of the source.
func (m *MockByteSource) SourceID() string {
	return m.id
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MockByteSource) Bytes() []byte {
	return m.data
}

// Read is one ReadAt call observed by a RecordingSource.
type Read struct {
	Off int64
	Len int
}

// End returns the offset one past the last requested byte.
func (r Read) End() int64 {
	return r.Off + int64(r.Len)
}

// RecordingSource wraps a byte source and records every ReadAt call.
type RecordingSource struct {
	*MockByteSource

	mu    sync.Mutex
	reads []Read
}

// NewRecordingSource returns a recording source over data.
func NewRecordingSource(data []byte) *RecordingSource {
	return &RecordingSource{MockByteSource: NewMockByteSource(data)}
}

// ReadAt records the call and delegates to the backing data.
func (r *RecordingSource) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	r.reads = append(r.reads, Read{Off: off, Len: len(p)})
	r.mu.Unlock()
	return r.MockByteSource.ReadAt(p, off)
}

// Reads returns a copy of the recorded calls.
func (r *RecordingSource) Reads() []Read {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Read(nil), r.reads...)
}

// ErrorSource fails every read with Err.
type ErrorSource struct {
	*MockByteSource
	Err error
}

// ReadAt returns the configured error.
func (e *ErrorSource) ReadAt([]byte, int64) (int, error) {
	return 0, e.Err
}

// MockCache implements a basic concurrency-safe cache for tests.
type MockCache struct {
	mu   sync.RWMutex
	data map[string][]byte
	hits int
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[string][]byte)}
}

// Get retrieves data by key.
func (c *MockCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[key]
	if ok {
		c.hits++
	}
	return data, ok
}

// Put stores data by key.
func (c *MockCache) Put(key string, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = append([]byte(nil), content...)
	return nil
}

// Delete removes data by key.
func (c *MockCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// Len returns the number of stored entries.
func (c *MockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Hits returns the number of successful Get calls.
func (c *MockCache) Hits() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits
}
