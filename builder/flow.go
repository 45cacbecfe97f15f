package builder

import (
	"fmt"

	"github.com/meigma/blobtree/diag"
)

// Repeat runs body n times, each inside a child chunk of type typ named
// name[i]. An element failure is recorded as a diagnostic and ends the
// repetition without failing the caller. Fatal errors propagate.
func (b *Builder) Repeat(typ, name string, n uint64, body func(i uint64) error) error {
	for i := range n {
		err := b.WithChild(typ, index(name, i), func() error { return body(i) })
		if err == nil {
			continue
		}
		if IsFatal(err) {
			return err
		}
		b.record(err)
		return nil
	}
	return nil
}

// RepeatUntil runs body for consecutive elements until it reports that no
// more follow or the current region is exhausted. Failures are handled as in
// Repeat. An element that consumes nothing while asking for more ends the
// repetition with a MalformedField diagnostic.
func (b *Builder) RepeatUntil(typ, name string, body func(i uint64) (bool, error)) error {
	for i := uint64(0); !b.s.EOF(); i++ {
		start := b.s.Pos()
		more := false
		err := b.WithChild(typ, index(name, i), func() error {
			var err error
			more, err = body(i)
			return err
		})
		if err == nil && more && b.s.Pos() == start {
			err = b.ErrorAt(diag.KindMalformedField, start, "element %d consumed no bytes", i)
		}
		if err != nil {
			if IsFatal(err) {
				return err
			}
			b.record(err)
			return nil
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Optional runs body and records a non-fatal failure as a diagnostic instead
// of returning it.
func (b *Builder) Optional(body func() error) error {
	err := body()
	if err == nil || IsFatal(err) {
		return err
	}
	b.record(err)
	return nil
}

// Phase runs a named decode phase. Completed phases are reported in order;
// a failing phase stays current so callers can tell where decoding stopped.
func (b *Builder) Phase(name string, body func() error) error {
	b.phase = name
	if err := body(); err != nil {
		return err
	}
	b.phases = append(b.phases, name)
	b.phase = ""
	return nil
}

func index(name string, i uint64) string {
	return fmt.Sprintf("%s[%d]", name, i)
}
