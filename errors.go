package blobtree

import (
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/snapshot"
	"github.com/meigma/blobtree/xref"
)

// Decode failure kinds re-exported from diag. Every *diag.Error matches the
// sentinel of its kind.
var (
	// ErrOutOfBounds is a read past the end of a blob or region.
	ErrOutOfBounds = diag.ErrOutOfBounds

	// ErrMalformedField is a value that violates a structural constraint.
	ErrMalformedField = diag.ErrMalformedField

	// ErrUnsupportedVariant is a format variant the decoder does not handle.
	ErrUnsupportedVariant = diag.ErrUnsupportedVariant

	// ErrCyclicReference is a cross-reference chain that loops.
	ErrCyclicReference = diag.ErrCyclicReference

	// ErrBudgetExceeded is a decode that exhausted its step budget.
	ErrBudgetExceeded = diag.ErrBudgetExceeded

	// ErrInternal is a decoder bug.
	ErrInternal = diag.ErrInternal
)

// Errors re-exported from the store, registry and cache layers.
var (
	// ErrNotFound is returned for unknown chunk IDs.
	ErrNotFound = chunk.ErrNotFound

	// ErrInvalidTree is returned when a tree violates containment or overlap rules.
	ErrInvalidTree = chunk.ErrInvalidTree

	// ErrBlobMismatch is returned when a parent chunk belongs to another blob.
	ErrBlobMismatch = chunk.ErrBlobMismatch

	// ErrUnknownFormat is returned for format names missing from the registry.
	ErrUnknownFormat = decoder.ErrUnknownFormat

	// ErrStartOutsideParent is returned when a nested decode starts outside its parent.
	ErrStartOutsideParent = decoder.ErrStartOutsideParent

	// ErrUnresolved is returned for cross-references with no target.
	ErrUnresolved = xref.ErrUnresolved

	// ErrCorruptSnapshot is returned for cache entries that cannot be decoded.
	ErrCorruptSnapshot = snapshot.ErrCorrupt
)
