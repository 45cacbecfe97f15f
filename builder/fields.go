package builder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
)

var uintTypes = map[int]string{1: "u8", 2: "u16", 4: "u32", 8: "u64"}
var intTypes = map[int]string{1: "s8", 2: "s16", 4: "s32", 8: "s64"}

// leaf attaches a field chunk spanning [start, pos) to the current parent.
func (b *Builder) leaf(typ, name string, start uint64, v *chunk.Value) error {
	n := &chunk.Node{Type: typ, Name: name, Range: chunk.Range{Start: start, End: b.s.Pos()}, Value: v}
	return b.attach(b.current(), n)
}

// fail decorates a field read error with the field path.
func (b *Builder) fail(err error, name string) error {
	return b.decorate(err, name)
}

// UintOrder reads an unsigned integer of width 1, 2, 4 or 8 in the given
// byte order and attaches it as a leaf chunk.
func (b *Builder) UintOrder(name string, width int, order binary.ByteOrder) (uint64, error) {
	if err := b.step(); err != nil {
		return 0, err
	}
	start := b.s.Pos()
	v, err := b.s.ReadUint(width, order)
	if err != nil {
		return 0, b.fail(err, name)
	}
	return v, b.leaf(uintTypes[width], name, start, chunk.UintValue(v))
}

// IntOrder reads a signed integer in the given byte order.
func (b *Builder) IntOrder(name string, width int, order binary.ByteOrder) (int64, error) {
	if err := b.step(); err != nil {
		return 0, err
	}
	start := b.s.Pos()
	v, err := b.s.ReadInt(width, order)
	if err != nil {
		return 0, b.fail(err, name)
	}
	return v, b.leaf(intTypes[width], name, start, chunk.IntValue(v))
}

// Uint reads an unsigned integer in the builder's byte order.
func (b *Builder) Uint(name string, width int) (uint64, error) {
	return b.UintOrder(name, width, b.order)
}

// Int reads a signed integer in the builder's byte order.
func (b *Builder) Int(name string, width int) (int64, error) {
	return b.IntOrder(name, width, b.order)
}

// U8 reads an unsigned byte.
func (b *Builder) U8(name string) (uint8, error) {
	v, err := b.Uint(name, 1)
	return uint8(v), err //nolint:gosec // width 1
}

// U16 reads an unsigned 16-bit integer.
func (b *Builder) U16(name string) (uint16, error) {
	v, err := b.Uint(name, 2)
	return uint16(v), err //nolint:gosec // width 2
}

// U32 reads an unsigned 32-bit integer.
func (b *Builder) U32(name string) (uint32, error) {
	v, err := b.Uint(name, 4)
	return uint32(v), err //nolint:gosec // width 4
}

// U64 reads an unsigned 64-bit integer.
func (b *Builder) U64(name string) (uint64, error) {
	return b.Uint(name, 8)
}

// S8 reads a signed byte.
func (b *Builder) S8(name string) (int8, error) {
	v, err := b.Int(name, 1)
	return int8(v), err //nolint:gosec // width 1
}

// S16 reads a signed 16-bit integer.
func (b *Builder) S16(name string) (int16, error) {
	v, err := b.Int(name, 2)
	return int16(v), err //nolint:gosec // width 2
}

// S32 reads a signed 32-bit integer.
func (b *Builder) S32(name string) (int32, error) {
	v, err := b.Int(name, 4)
	return int32(v), err //nolint:gosec // width 4
}

// S64 reads a signed 64-bit integer.
func (b *Builder) S64(name string) (int64, error) {
	return b.Int(name, 8)
}

// Bytes reads n raw bytes.
func (b *Builder) Bytes(name string, n uint64) ([]byte, error) {
	if err := b.step(); err != nil {
		return nil, err
	}
	start := b.s.Pos()
	v, err := b.s.ReadBytes(n)
	if err != nil {
		return nil, b.fail(err, name)
	}
	return v, b.leaf("bytes", name, start, chunk.BytesValue(v))
}

// CString reads a NUL-terminated string. The chunk includes the terminator.
func (b *Builder) CString(name string) (string, error) {
	if err := b.step(); err != nil {
		return "", err
	}
	start := b.s.Pos()
	v, err := b.s.ReadCString()
	if err != nil {
		return "", b.fail(err, name)
	}
	return string(v), b.leaf("cstring", name, start, chunk.StringValue(string(v)))
}

// Magic reads len(want) bytes and checks them. A mismatch is a
// MalformedField at the start of the field; the cursor is restored and
// nothing is attached.
func (b *Builder) Magic(name string, want []byte) error {
	if err := b.step(); err != nil {
		return err
	}
	start := b.s.Pos()
	got, err := b.s.ReadBytes(uint64(len(want)))
	if err != nil {
		return b.fail(err, name)
	}
	if !bytes.Equal(got, want) {
		_ = b.s.SeekTo(start) //nolint:errcheck // start was a valid position
		return b.fail(diag.Errorf(diag.KindMalformedField, start, "bad magic %x, want %x", got, want), name)
	}
	return b.leaf("magic", name, start, chunk.BytesValue(got))
}

// Bits reads an n-bit big-endian field. Its chunk covers only the bytes the
// field touched first, so consecutive bit fields sharing a byte never overlap;
// a field satisfied entirely from an already consumed byte gets an empty
// chunk.
func (b *Builder) Bits(name string, n int) (uint64, error) {
	if err := b.step(); err != nil {
		return 0, err
	}
	start := b.s.Pos()
	v, err := b.s.ReadBits(n)
	if err != nil {
		return 0, b.fail(err, name)
	}
	return v, b.leaf("bits", name, start, chunk.UintValue(v))
}

// Skip consumes n bytes as an opaque padding chunk.
func (b *Builder) Skip(name string, n uint64) error {
	if err := b.step(); err != nil {
		return err
	}
	start := b.s.Pos()
	if err := b.s.Skip(n); err != nil {
		return b.fail(err, name)
	}
	if n == 0 {
		return nil
	}
	return b.leaf("padding", name, start, nil)
}

// Expect fails with MalformedField at offset unless ok holds.
func (b *Builder) Expect(ok bool, offset uint64, field, format string, args ...any) error {
	if ok {
		return nil
	}
	return b.decorate(&diag.Error{Kind: diag.KindMalformedField, Offset: offset, Err: fmt.Errorf(format, args...)}, field)
}
