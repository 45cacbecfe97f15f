// Package decoder defines the contract between format decoders and the
// decoding engine, a registry of decoders by format name, and Run, which
// decodes one blob region and commits the resulting chunk tree to a store.
package decoder

import (
	"github.com/meigma/blobtree/builder"
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/xref"
)

// Decoder decodes one format. Decode runs inside a root chunk of type Name()
// that Run opens at the start offset; it describes the structure through the
// builder and returns the first failure it does not handle itself.
type Decoder interface {
	Name() string
	Decode(b *builder.Builder) error
}

// Linker is implemented by decoders that resolve cross-references in a
// second pass over the committed tree.
type Linker interface {
	Link(root *chunk.Node, refs *xref.Table) error
}

// Describer is implemented by decoders that carry a short description.
type Describer interface {
	Description() string
}

// Func adapts a function to the Decoder interface.
type Func struct {
	FormatName string
	Fn         func(b *builder.Builder) error
}

// Name returns the format name.
func (f Func) Name() string { return f.FormatName }

// Decode calls Fn.
func (f Func) Decode(b *builder.Builder) error { return f.Fn(b) }
