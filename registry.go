package blobtree

import (
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/formats/elf"
	"github.com/meigma/blobtree/formats/png"
)

// DefaultRegistry returns a sealed registry with the built-in decoders.
func DefaultRegistry() *decoder.Registry {
	r := decoder.NewRegistry()
	r.MustRegister(elf.New(), png.New())
	r.Seal()
	return r
}
