// Package cache defines the storage used to keep encoded decode snapshots
// and source blocks between runs.
//
// Keys are opaque strings chosen by the caller. A cache never interprets
// what it stores, so a corrupt snapshot is detected when it is decoded and
// the entry is then deleted; [Blocks] checks block lengths the same way.
package cache

// Cache stores opaque entries by key.
//
// Implementations handle their own size limits and eviction, and must be safe
// for concurrent use.
type Cache interface {
	// Get returns the data stored under key.
	// Returns nil, false if nothing is cached.
	Get(key string) ([]byte, bool)

	// Put stores data under key, replacing any previous entry.
	Put(key string, data []byte) error

	// Delete removes the entry for key. Deleting a missing key is not an error.
	Delete(key string) error
}
