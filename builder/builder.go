// Package builder turns a sequence of field reads into a tree of nested,
// non-overlapping chunks.
//
// A Builder owns the stream and the stack of open chunks for one decode call.
// Decoders describe structure through scoped helpers (WithChild, WithRegion,
// Repeat) and leaf field readers (U32, Bytes, CString); every read is
// attached to the innermost open chunk. Failures are *diag.Error values
// located at the offset of the failing read and tagged with the dotted path
// of the field being decoded.
package builder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/stream"
)

// Builder accumulates a draft chunk tree for one decode call. It is not safe
// for concurrent use.
type Builder struct {
	ctx      context.Context
	s        *stream.Stream
	order    binary.ByteOrder
	format   string
	maxSteps uint64
	steps    uint64
	logger   *slog.Logger

	top   *chunk.Node
	stack []*Draft
	path  []string
	kids  map[*chunk.Node]*chunk.Siblings

	diags  []diag.Diagnostic
	phases []string
	phase  string
}

// Option configures a Builder.
type Option func(*Builder)

// WithOrder sets the initial byte order of multi-byte fields.
func WithOrder(order binary.ByteOrder) Option {
	return func(b *Builder) {
		b.order = order
	}
}

// WithMaxSteps bounds the number of reads and chunk openings. Zero disables
// the budget.
func WithMaxSteps(n uint64) Option {
	return func(b *Builder) {
		b.maxSteps = n
	}
}

// WithLogger sets the logger used for caught failures.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithFormat sets the format name stamped on diagnostics.
func WithFormat(name string) Option {
	return func(b *Builder) {
		b.format = name
	}
}

// New returns a builder reading from s.
func New(ctx context.Context, s *stream.Stream, opts ...Option) *Builder {
	if ctx == nil {
		ctx = context.Background()
	}
	b := &Builder{
		ctx:   ctx,
		s:     s,
		order: binary.LittleEndian,
		top:   &chunk.Node{Range: chunk.Range{Start: s.Base(), End: s.Limit()}},
		kids:  make(map[*chunk.Node]*chunk.Siblings),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Context returns the context of the decode call.
func (b *Builder) Context() context.Context { return b.ctx }

// Stream returns the stream of the innermost region.
func (b *Builder) Stream() *stream.Stream { return b.s }

// Pos returns the absolute blob offset of the cursor.
func (b *Builder) Pos() uint64 { return b.s.Pos() }

// Offset returns the cursor position relative to the current region.
func (b *Builder) Offset() uint64 { return b.s.Offset() }

// Remaining returns the bytes left in the current region.
func (b *Builder) Remaining() uint64 { return b.s.Remaining() }

// EOF reports whether the current region is exhausted.
func (b *Builder) EOF() bool { return b.s.EOF() }

// Order returns the byte order used by the integer helpers.
func (b *Builder) Order() binary.ByteOrder { return b.order }

// SetOrder changes the byte order used by subsequent integer reads.
func (b *Builder) SetOrder(order binary.ByteOrder) { b.order = order }

// Format returns the format name stamped on diagnostics.
func (b *Builder) Format() string { return b.format }

// Steps returns the number of budgeted operations performed so far.
func (b *Builder) Steps() uint64 { return b.steps }

// Seek moves the cursor to off bytes past the start of the current region.
func (b *Builder) Seek(off uint64) error {
	if err := b.step(); err != nil {
		return err
	}
	start := b.s.Base() + off
	if start < b.s.Base() {
		return b.decorate(diag.Errorf(diag.KindOutOfBounds, b.s.Pos(), "seek offset %#x overflows", off), "")
	}
	if err := b.s.SeekTo(start); err != nil {
		return b.decorate(err, "")
	}
	return nil
}

// Tree returns the root chunk built so far, or nil if nothing was attached.
func (b *Builder) Tree() *chunk.Node {
	if len(b.top.Children) == 0 {
		return nil
	}
	return b.top.Children[0]
}

// Diagnostics returns the failures caught by Repeat, RepeatUntil and Optional.
func (b *Builder) Diagnostics() []diag.Diagnostic { return b.diags }

// Phases returns the names of the completed phases in order.
func (b *Builder) Phases() []string { return b.phases }

// CurrentPhase returns the phase in progress, or "" between phases.
func (b *Builder) CurrentPhase() string { return b.phase }

// Draft is an open chunk. It is closed by End.
type Draft struct {
	node     *chunk.Node
	parent   *chunk.Node
	s        *stream.Stream
	fixedEnd bool
	closed   bool
}

// Node returns the chunk under construction.
func (d *Draft) Node() *chunk.Node { return d.node }

// Begin opens a chunk at the current position. It is attached to the
// innermost open chunk when closed with End.
func (b *Builder) Begin(typ, name string) *Draft {
	pos := b.s.Pos()
	return &Draft{
		node:   &chunk.Node{Type: typ, Name: name, Range: chunk.Range{Start: pos, End: pos}},
		parent: b.current(),
		s:      b.s,
	}
}

// End closes d at the current position, or at the end of its furthest child
// if that is larger, and attaches it to its parent.
func (b *Builder) End(d *Draft) error {
	if d.closed {
		return b.decorate(diag.Errorf(diag.KindInternal, d.node.Range.Start, "chunk %q closed twice", d.node.Type), "")
	}
	b.close(d)
	return b.attach(d.parent, d.node)
}

func (b *Builder) close(d *Draft) {
	d.closed = true
	delete(b.kids, d.node)
	end := d.s.Pos()
	if d.fixedEnd {
		end = d.s.Limit()
	}
	for _, c := range d.node.Children {
		end = max(end, c.Range.End)
	}
	d.node.Range.End = max(end, d.node.Range.Start)
}

// WithChild opens a chunk, makes it the current parent while body runs and
// closes it on every exit path. When body fails the chunk is flagged
// partial, attached if it covers at least one byte, and the error returned.
func (b *Builder) WithChild(typ, name string, body func() error) error {
	if err := b.step(); err != nil {
		return err
	}
	return b.scoped(b.Begin(typ, name), body)
}

// WithRegion is WithChild over the sub-stream [off, off+n) of the current
// region. The outer cursor does not move. On success the chunk spans the
// whole region.
func (b *Builder) WithRegion(typ, name string, off, n uint64, body func() error) error {
	if err := b.step(); err != nil {
		return err
	}
	sub, err := b.s.Sub(off, n)
	if err != nil {
		return b.decorate(err, label(typ, name))
	}
	outer := b.s
	b.s = sub
	defer func() { b.s = outer }()

	d := b.Begin(typ, name)
	d.fixedEnd = true
	return b.scoped(d, body)
}

func (b *Builder) scoped(d *Draft, body func() error) error {
	b.stack = append(b.stack, d)
	b.path = append(b.path, label(d.node.Type, d.node.Name))

	err := body()
	if err != nil {
		err = b.decorate(err, "")
	}

	b.stack = b.stack[:len(b.stack)-1]
	b.path = b.path[:len(b.path)-1]

	if err == nil {
		return b.End(d)
	}
	d.fixedEnd = false
	b.close(d)
	d.node.Partial = true
	if !d.node.Range.IsEmpty() {
		if attachErr := b.attach(d.parent, d.node); attachErr != nil {
			b.log().Debug("partial chunk not attached", "type", d.node.Type, "error", attachErr)
		}
	}
	return err
}

// Unwind closes every open chunk as partial, innermost first, attaching the
// non-empty ones. It restores a consistent tree after a recovered panic.
func (b *Builder) Unwind() {
	for len(b.stack) > 0 {
		d := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		if d.closed {
			continue
		}
		d.fixedEnd = false
		b.close(d)
		d.node.Partial = true
		if !d.node.Range.IsEmpty() {
			_ = b.attach(d.parent, d.node) //nolint:errcheck // best effort after a panic
		}
	}
	b.path = b.path[:0]
}

// current returns the innermost open chunk.
func (b *Builder) current() *chunk.Node {
	if len(b.stack) == 0 {
		return b.top
	}
	return b.stack[len(b.stack)-1].node
}

// attach adds n to parent after checking that it starts inside the parent
// and overlaps none of its siblings.
func (b *Builder) attach(parent, n *chunk.Node) error {
	if n.Range.Start < parent.Range.Start {
		return b.decorate(diag.Errorf(diag.KindMalformedField, n.Range.Start,
			"%s %s starts before parent %s at %#x", n.Type, n.Range, parent.Type, parent.Range.Start), label(n.Type, n.Name))
	}
	idx := b.kids[parent]
	if idx == nil {
		idx = &chunk.Siblings{}
		b.kids[parent] = idx
	}
	if sib := idx.Overlapping(n.Range); sib != nil {
		return b.decorate(diag.Errorf(diag.KindMalformedField, n.Range.Start,
			"%s %s overlaps %s %s", n.Type, n.Range, sib.Type, sib.Range), label(n.Type, n.Name))
	}
	parent.Add(n)
	idx.Insert(n)
	return nil
}

// step charges one operation against the budget and checks the context.
func (b *Builder) step() error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	b.steps++
	if b.maxSteps > 0 && b.steps > b.maxSteps {
		return b.decorate(diag.Errorf(diag.KindBudgetExceeded, b.s.Pos(), "more than %d steps", b.maxSteps), "")
	}
	return nil
}

// decorate stamps the format and field path on decode errors.
func (b *Builder) decorate(err error, field string) error {
	var de *diag.Error
	if !errors.As(err, &de) {
		return err
	}
	if de.Format == "" {
		de.Format = b.format
	}
	if de.Field == "" {
		de.Field = b.fieldPath(field)
	}
	return err
}

func (b *Builder) fieldPath(field string) string {
	if field == "" {
		return strings.Join(b.path, ".")
	}
	if len(b.path) == 0 {
		return field
	}
	return strings.Join(b.path, ".") + "." + field
}

// record turns a caught failure into a diagnostic.
func (b *Builder) record(err error) {
	d := diag.FromError(err, b.s.Pos())
	if d.Format == "" {
		d.Format = b.format
	}
	b.diags = append(b.diags, d)
	b.log().Debug("decode failure caught", "format", d.Format, "offset", d.Offset, "kind", d.Kind.String(), "field", d.Field, "error", d.Message)
}

// IsFatal reports whether err must abort the whole decode: budget
// exhaustion, internal errors and context cancellation.
func IsFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var de *diag.Error
	if errors.As(err, &de) {
		return de.Kind.Fatal()
	}
	return true
}

func label(typ, name string) string {
	if name != "" {
		return name
	}
	return typ
}

// Errorf returns a decode error of the given kind at the current position.
func (b *Builder) Errorf(kind diag.Kind, format string, args ...any) error {
	return b.decorate(&diag.Error{Kind: kind, Offset: b.s.Pos(), Err: fmt.Errorf(format, args...)}, "")
}

// ErrorAt returns a decode error of the given kind at an absolute offset.
func (b *Builder) ErrorAt(kind diag.Kind, offset uint64, format string, args ...any) error {
	return b.decorate(&diag.Error{Kind: kind, Offset: offset, Err: fmt.Errorf(format, args...)}, "")
}
