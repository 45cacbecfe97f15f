// Package stream provides a bounded, position-tracking cursor over a blob.
//
// A Stream never reads outside its [Base, Limit) window: a read that would
// cross the limit fails with a diag.KindOutOfBounds error and leaves the
// cursor where it was. Sub-streams share the underlying block reader but keep
// their own cursor, so failures inside a nested region never move the parent.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/source"
)

// Stream is a cursor over the absolute blob offsets [Base, Limit).
type Stream struct {
	r     *reader
	lo    uint64
	hi    uint64
	pos   uint64
	bits  uint64 // unread low bits of the last partially consumed byte
	nbits uint8
}

// New opens a stream over src bounded to [lo, hi). The stream will never
// fetch bytes below lo, which makes it safe to hand a decoder a blob whose
// prefix belongs to someone else.
func New(src source.ByteSource, lo, hi uint64) (*Stream, error) {
	if src.Size() < 0 {
		return nil, diag.Errorf(diag.KindInternal, lo, "negative blob size %d", src.Size())
	}
	size := uint64(src.Size())
	if lo > hi || hi > size {
		return nil, diag.Errorf(diag.KindOutOfBounds, lo, "window [%#x, %#x) outside blob of %d bytes", lo, hi, size)
	}
	return &Stream{
		r:   newReader(src, lo),
		lo:  lo,
		hi:  hi,
		pos: lo,
	}, nil
}

// Pos returns the absolute blob offset of the cursor.
func (s *Stream) Pos() uint64 { return s.pos }

// Base returns the absolute offset of the start of the stream.
func (s *Stream) Base() uint64 { return s.lo }

// Limit returns the absolute offset one past the last readable byte.
func (s *Stream) Limit() uint64 { return s.hi }

// Offset returns the cursor position relative to Base.
func (s *Stream) Offset() uint64 { return s.pos - s.lo }

// Remaining returns the number of bytes left before Limit.
func (s *Stream) Remaining() uint64 { return s.hi - s.pos }

// EOF reports whether the cursor reached Limit.
func (s *Stream) EOF() bool { return s.pos >= s.hi }

// Seek moves the cursor. whence follows io.Seeker: io.SeekStart is relative to
// Base, io.SeekCurrent to the cursor and io.SeekEnd to Limit. It returns the
// new position relative to Base. Pending bits are discarded.
func (s *Stream) Seek(off int64, whence int) (uint64, error) {
	var ref uint64
	switch whence {
	case io.SeekStart:
		ref = s.lo
	case io.SeekCurrent:
		ref = s.pos
	case io.SeekEnd:
		ref = s.hi
	default:
		return s.Offset(), diag.Errorf(diag.KindInternal, s.pos, "invalid whence %d", whence)
	}
	target, ok := addSigned(ref, off)
	if !ok || target < s.lo || target > s.hi {
		return s.Offset(), diag.Errorf(diag.KindOutOfBounds, s.pos, "seek to %d from %#x leaves [%#x, %#x]", off, ref, s.lo, s.hi)
	}
	s.alignToByte()
	s.pos = target
	return s.Offset(), nil
}

// SeekTo moves the cursor to the absolute blob offset pos.
func (s *Stream) SeekTo(pos uint64) error {
	if pos < s.lo || pos > s.hi {
		return diag.Errorf(diag.KindOutOfBounds, s.pos, "seek to %#x leaves [%#x, %#x]", pos, s.lo, s.hi)
	}
	s.alignToByte()
	s.pos = pos
	return nil
}

// Skip advances the cursor by n bytes.
func (s *Stream) Skip(n uint64) error {
	if err := s.check(n); err != nil {
		return err
	}
	s.alignToByte()
	s.pos += n
	return nil
}

// ReadBytes reads exactly n bytes into a new slice.
func (s *Stream) ReadBytes(n uint64) ([]byte, error) {
	if err := s.check(n); err != nil {
		return nil, err
	}
	s.alignToByte()
	buf := make([]byte, n)
	if err := s.r.readAt(buf, s.pos); err != nil {
		return nil, err
	}
	s.pos += n
	return buf, nil
}

// ReadUint reads an unsigned integer of width 1, 2, 4 or 8 bytes.
func (s *Stream) ReadUint(width int, order binary.ByteOrder) (uint64, error) {
	if width != 1 && width != 2 && width != 4 && width != 8 {
		return 0, diag.Errorf(diag.KindInternal, s.pos, "unsupported integer width %d", width)
	}
	if err := s.check(uint64(width)); err != nil {
		return 0, err
	}
	s.alignToByte()
	var buf [8]byte
	if err := s.r.readAt(buf[:width], s.pos); err != nil {
		return 0, err
	}
	s.pos += uint64(width)
	switch width {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf[:2])), nil
	case 4:
		return uint64(order.Uint32(buf[:4])), nil
	default:
		return order.Uint64(buf[:8]), nil
	}
}

// ReadInt reads a two's complement signed integer of width 1, 2, 4 or 8 bytes.
func (s *Stream) ReadInt(width int, order binary.ByteOrder) (int64, error) {
	u, err := s.ReadUint(width, order)
	if err != nil {
		return 0, err
	}
	shift := uint(64 - 8*width)
	return int64(u<<shift) >> shift, nil //nolint:gosec // sign extension of a two's complement value
}

// ReadCString reads bytes up to and including a NUL terminator and returns
// them without the terminator. A missing terminator is OutOfBounds.
func (s *Stream) ReadCString() ([]byte, error) {
	s.alignToByte()
	start := s.pos
	var out []byte
	var b [1]byte
	for p := start; p < s.hi; p++ {
		if err := s.r.readAt(b[:], p); err != nil {
			return nil, err
		}
		if b[0] == 0 {
			s.pos = p + 1
			return out, nil
		}
		out = append(out, b[0])
	}
	return nil, diag.Errorf(diag.KindOutOfBounds, start, "unterminated string before %#x", s.hi)
}

// ReadBits reads n bits (1..64), most significant bit first. Bits left over
// in a partially consumed byte are used before new bytes are fetched; Pos
// always points past the last byte touched.
func (s *Stream) ReadBits(n int) (uint64, error) {
	if n < 1 || n > 64 {
		return 0, diag.Errorf(diag.KindInternal, s.pos, "unsupported bit count %d", n)
	}
	need := n - int(s.nbits)
	if need <= 0 {
		s.nbits -= uint8(n) //nolint:gosec // n <= nbits <= 7
		res := s.bits >> s.nbits
		s.bits &= lowMask(s.nbits)
		return res, nil
	}

	nbytes := uint64(need+7) / 8
	if err := s.check(nbytes); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := s.r.readAt(buf[:nbytes], s.pos); err != nil {
		return 0, err
	}
	var fresh uint64
	for _, b := range buf[:nbytes] {
		fresh = fresh<<8 | uint64(b)
	}
	left := uint8(nbytes*8 - uint64(need)) //nolint:gosec // always below 8
	res := s.bits<<uint(need) | fresh>>left
	s.pos += nbytes
	s.bits = fresh & lowMask(left)
	s.nbits = left
	return res, nil
}

// AlignToByte discards the unread bits of the current byte.
func (s *Stream) AlignToByte() {
	s.alignToByte()
}

// PendingBits returns the number of unread bits in the last byte touched.
func (s *Stream) PendingBits() int {
	return int(s.nbits)
}

func (s *Stream) alignToByte() {
	s.bits, s.nbits = 0, 0
}

func lowMask(n uint8) uint64 {
	return uint64(1)<<n - 1
}

// Sub opens an independent stream over [Base+off, Base+off+n).
func (s *Stream) Sub(off, n uint64) (*Stream, error) {
	start := s.lo + off
	if start < s.lo {
		return nil, diag.Errorf(diag.KindOutOfBounds, s.lo, "sub-stream offset %#x overflows", off)
	}
	return s.SubAbs(start, n)
}

// SubAbs opens an independent stream over the absolute range [start, start+n),
// which must lie within this stream's window.
func (s *Stream) SubAbs(start, n uint64) (*Stream, error) {
	end := start + n
	if end < start || start < s.lo || end > s.hi {
		return nil, diag.Errorf(diag.KindOutOfBounds, start, "region [%#x, +%#x) outside [%#x, %#x)", start, n, s.lo, s.hi)
	}
	return &Stream{r: s.r, lo: start, hi: end, pos: start}, nil
}

// check verifies that n more bytes are available.
func (s *Stream) check(n uint64) error {
	if n > s.hi-s.pos {
		return diag.Errorf(diag.KindOutOfBounds, s.pos, "read of %d bytes exceeds limit %#x", n, s.hi)
	}
	return nil
}

// addSigned adds a signed delta to an unsigned offset, reporting overflow.
func addSigned(base uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		r := base + uint64(delta)
		return r, r >= base
	}
	if delta == math.MinInt64 {
		return 0, false
	}
	d := uint64(-delta)
	return base - d, d <= base
}

// blockSize is the read-ahead unit of the shared reader.
const blockSize = 64 << 10

// reader fetches blob bytes in blocks so field-sized reads against remote
// sources do not turn into one request each.
type reader struct {
	src      source.ByteSource
	floor    uint64
	size     uint64
	block    []byte
	blockOff uint64
}

func newReader(src source.ByteSource, floor uint64) *reader {
	return &reader{src: src, floor: floor, size: uint64(src.Size())}
}

// readAt fills p from off. Callers have already checked the bounds.
func (r *reader) readAt(p []byte, off uint64) error {
	for len(p) > 0 {
		if off >= r.blockOff && off < r.blockOff+uint64(len(r.block)) {
			n := copy(p, r.block[off-r.blockOff:])
			p = p[n:]
			off += uint64(n)
			continue
		}
		if len(p) >= blockSize {
			return r.fetch(p, off)
		}
		start := off - off%blockSize
		if start < r.floor {
			start = r.floor
		}
		end := min(start+blockSize, r.size)
		if cap(r.block) < blockSize {
			r.block = make([]byte, blockSize)
		}
		r.block = r.block[:end-start]
		if err := r.fetch(r.block, start); err != nil {
			r.block = r.block[:0]
			return err
		}
		r.blockOff = start
	}
	return nil
}

func (r *reader) fetch(p []byte, off uint64) error {
	n, err := r.src.ReadAt(p, int64(off)) //nolint:gosec // off is below the blob size
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return diag.Errorf(diag.KindOutOfBounds, off+uint64(n), "blob ended after %d of %d bytes", n, len(p))
	}
	return &diag.Error{Kind: diag.KindInternal, Offset: off, Err: fmt.Errorf("read blob: %w", err)}
}
