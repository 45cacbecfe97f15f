// Package source provides the blobs that decoders read from.
//
// A blob is any [ByteSource]: random access reads plus a size and a stable
// identifier for the underlying content. Implementations exist for in-memory
// data, memory-mapped local files, zstd-compressed inputs, OCI content stores
// and HTTP range requests (see the http subpackage).
package source

import (
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// ByteSource provides random access to a blob.
//
// SourceID must return a stable identifier for the underlying content; it is
// used to group chunks by blob and to key cached decode results.
type ByteSource interface {
	io.ReaderAt
	Size() int64
	SourceID() string
}

// ErrTooLarge is returned when an input exceeds the configured size limit.
var ErrTooLarge = errors.New("source: content exceeds size limit")

// Bytes is an in-memory ByteSource. Its SourceID is the sha256 digest of the
// content unless overridden.
type Bytes struct {
	data []byte
	id   string
}

// BytesOption configures a Bytes source.
type BytesOption func(*Bytes)

// WithID overrides the content digest as source identifier.
func WithID(id string) BytesOption {
	return func(b *Bytes) {
		b.id = id
	}
}

// NewBytes returns a source backed by data. The slice is retained and must
// not be modified afterwards.
func NewBytes(data []byte, opts ...BytesOption) *Bytes {
	b := &Bytes{data: data}
	for _, opt := range opts {
		opt(b)
	}
	if b.id == "" {
		b.id = digest.FromBytes(data).String()
	}
	return b
}

// ReadAt implements io.ReaderAt over the backing slice.
func (b *Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= int64(len(b.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the length of the backing data.
func (b *Bytes) Size() int64 {
	return int64(len(b.data))
}

// SourceID returns the content digest or the configured identifier.
func (b *Bytes) SourceID() string {
	return b.id
}

// Bytes returns the backing slice.
func (b *Bytes) Bytes() []byte {
	return b.data
}

// readAll reads r up to limit bytes. A limit of 0 disables the check.
func readAll(r io.Reader, limit int64) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}
