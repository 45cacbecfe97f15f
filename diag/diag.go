// Package diag defines the failure vocabulary shared by streams, builders and
// decoders: error kinds, the typed *Error carried through a decode, and the
// Diagnostic records surfaced to callers alongside partial chunk trees.
package diag

import (
	"errors"
	"fmt"
)

// Kind classifies a decode failure.
type Kind uint8

const (
	// KindOutOfBounds is a read past the end of a blob or sub-stream.
	KindOutOfBounds Kind = iota + 1

	// KindMalformedField is a value that violates a structural constraint.
	KindMalformedField

	// KindUnsupportedVariant is a format version or feature that is not handled.
	KindUnsupportedVariant

	// KindCyclicReference is a cross-reference chain that revisits a key.
	KindCyclicReference

	// KindBudgetExceeded is a decode that ran out of its step budget.
	KindBudgetExceeded

	// KindInternal is a decoder bug (a recovered panic).
	KindInternal
)

// Sentinel errors, one per kind. Every *Error matches the sentinel of its kind
// with errors.Is.
var (
	ErrOutOfBounds        = errors.New("diag: out of bounds")
	ErrMalformedField     = errors.New("diag: malformed field")
	ErrUnsupportedVariant = errors.New("diag: unsupported variant")
	ErrCyclicReference    = errors.New("diag: cyclic reference")
	ErrBudgetExceeded     = errors.New("diag: step budget exceeded")
	ErrInternal           = errors.New("diag: internal decoder error")
)

// String returns the kind name used in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindOutOfBounds:
		return "OutOfBounds"
	case KindMalformedField:
		return "MalformedField"
	case KindUnsupportedVariant:
		return "UnsupportedVariant"
	case KindCyclicReference:
		return "CyclicReference"
	case KindBudgetExceeded:
		return "BudgetExceeded"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Sentinel returns the sentinel error for the kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindOutOfBounds:
		return ErrOutOfBounds
	case KindMalformedField:
		return ErrMalformedField
	case KindUnsupportedVariant:
		return ErrUnsupportedVariant
	case KindCyclicReference:
		return ErrCyclicReference
	case KindBudgetExceeded:
		return ErrBudgetExceeded
	default:
		return ErrInternal
	}
}

// Fatal reports whether failures of this kind must abort the whole decode
// instead of being caught at the nearest repeated or optional construct.
func (k Kind) Fatal() bool {
	return k == KindBudgetExceeded || k == KindInternal
}

// Error is a decode failure located at a byte offset of a blob.
type Error struct {
	Kind   Kind
	Format string // decoder name, filled in by the builder
	Offset uint64 // absolute blob offset where the failure was detected
	Field  string // dotted path of the field being decoded, if known
	Err    error  // underlying cause; may be nil
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind Kind, offset uint64, format string, args ...any) *Error {
	return &Error{Kind: kind, Offset: offset, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s at offset %#x", e.Kind, e.Offset)
	if e.Format != "" {
		msg = e.Format + ": " + msg
	}
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.Sentinel()
}

// Message returns the human-readable cause without location information.
func (e *Error) Message() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

// As extracts an *Error from err. Errors that are not *Error are reported as
// KindInternal at the given offset so no failure goes unclassified.
func As(err error, offset uint64) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Offset: offset, Err: err}
}

// Diagnostic records where and why a decode stopped or skipped data.
type Diagnostic struct {
	Format  string `json:"format" msgpack:"format"`
	Offset  uint64 `json:"offset" msgpack:"offset"`
	Kind    Kind   `json:"kind" msgpack:"kind"`
	Field   string `json:"field,omitempty" msgpack:"field,omitempty"`
	Message string `json:"message" msgpack:"message"`
}

// FromError converts a decode error into a diagnostic.
func FromError(err error, offset uint64) Diagnostic {
	de := As(err, offset)
	return Diagnostic{
		Format:  de.Format,
		Offset:  de.Offset,
		Kind:    de.Kind,
		Field:   de.Field,
		Message: de.Message(),
	}
}

// Err converts the diagnostic back into an *Error.
func (d Diagnostic) Err() *Error {
	return &Error{
		Kind:   d.Kind,
		Format: d.Format,
		Offset: d.Offset,
		Field:  d.Field,
		Err:    errors.New(d.Message),
	}
}

// String formats the diagnostic for logs and CLI output.
func (d Diagnostic) String() string {
	return d.Err().Error()
}
