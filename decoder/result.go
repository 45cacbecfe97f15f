package decoder

import (
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/xref"
)

// Result describes the outcome of one decode call.
type Result struct {
	Format string
	Blob   string
	Start  uint64
	Parent chunk.ID

	// Root is the store ID of the committed root chunk, or zero when nothing
	// was attached.
	Root chunk.ID

	// Tree is the committed draft tree, with store IDs filled in.
	Tree *chunk.Node

	Status      diag.Status
	Phases      []string
	Phase       string
	Diagnostics []diag.Diagnostic
	Steps       uint64

	// Refs holds the cross-references of Linker decoders.
	Refs *xref.Table

	// Cached is set when the tree was restored from a snapshot instead of
	// decoded.
	Cached bool
}

// Err returns the first diagnostic as a *diag.Error, or nil on success.
func (r *Result) Err() error {
	if len(r.Diagnostics) == 0 {
		return nil
	}
	return r.Diagnostics[0].Err()
}

// Chunks returns the number of chunks in the tree.
func (r *Result) Chunks() int {
	if r.Tree == nil {
		return 0
	}
	return r.Tree.Count()
}

// status derives the result status. A decode fails when nothing beyond the
// root was produced or when it stopped before completing any phase; it is
// partial when it produced chunks but recorded failures.
func status(root *chunk.Node, topErr error, phases []string, diags []diag.Diagnostic) diag.Status {
	switch {
	case root == nil || len(root.Children) == 0:
		return diag.StatusFailed
	case topErr != nil && len(phases) == 0:
		return diag.StatusFailed
	case len(diags) > 0:
		return diag.StatusPartial
	default:
		return diag.StatusSuccess
	}
}
