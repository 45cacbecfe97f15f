package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/meigma/blobtree/builder"
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/source"
	"github.com/meigma/blobtree/stream"
	"github.com/meigma/blobtree/xref"
)

// ErrStartOutsideParent is returned when the start offset does not lie
// within the parent chunk.
var ErrStartOutsideParent = errors.New("decoder: start offset outside parent chunk")

type runConfig struct {
	start    uint64
	parent   chunk.ID
	maxSteps uint64
	logger   *slog.Logger
}

// RunOption configures Run.
type RunOption func(*runConfig)

// At sets the absolute blob offset where decoding starts.
func At(offset uint64) RunOption {
	return func(c *runConfig) {
		c.start = offset
	}
}

// Under attaches the decoded tree below an existing chunk and bounds the
// decode to that chunk's range.
func Under(parent chunk.ID) RunOption {
	return func(c *runConfig) {
		c.parent = parent
	}
}

// WithMaxSteps bounds the number of builder operations.
func WithMaxSteps(n uint64) RunOption {
	return func(c *runConfig) {
		c.maxSteps = n
	}
}

// WithLogger sets the logger for the decode call.
func WithLogger(logger *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// Options returns the start offset and parent selected by opts.
func Options(opts ...RunOption) (start uint64, parent chunk.ID) {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.start, cfg.parent
}

// Run decodes src with dec starting at the configured offset and commits the
// tree to store.
//
// Decode failures are reported in the Result: the partial tree is attached
// together with diagnostics. Run returns an error only when the call itself
// is invalid (unknown parent, parent from another blob, start outside the
// parent), when the store rejects the tree, or when ctx is cancelled.
func Run(ctx context.Context, dec Decoder, src source.ByteSource, store chunk.Store, opts ...RunOption) (*Result, error) {
	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	res := &Result{Format: dec.Name(), Blob: src.SourceID(), Start: cfg.start, Parent: cfg.parent}
	hi := uint64(max(src.Size(), 0))

	if cfg.parent != 0 {
		p, err := store.Get(ctx, cfg.parent)
		if err != nil {
			return nil, err
		}
		if p.Blob != res.Blob {
			return nil, fmt.Errorf("parent %s: %w", cfg.parent, chunk.ErrBlobMismatch)
		}
		if !p.Range.ContainsOffset(cfg.start) {
			return nil, fmt.Errorf("start %#x, parent %s %s: %w", cfg.start, cfg.parent, p.Range, ErrStartOutsideParent)
		}
		hi = min(hi, p.Range.End)
	}

	if cfg.start >= hi {
		de := diag.Errorf(diag.KindOutOfBounds, cfg.start, "start offset beyond blob of %d bytes", hi)
		de.Format = dec.Name()
		res.Diagnostics = []diag.Diagnostic{diag.FromError(de, cfg.start)}
		res.Status = diag.StatusFailed
		return res, nil
	}

	s, err := stream.New(src, cfg.start, hi)
	if err != nil {
		res.Diagnostics = []diag.Diagnostic{diag.FromError(err, cfg.start)}
		res.Status = diag.StatusFailed
		return res, nil
	}
	b := builder.New(ctx, s,
		builder.WithFormat(dec.Name()),
		builder.WithMaxSteps(cfg.maxSteps),
		builder.WithLogger(logger),
	)

	topErr := decode(b, dec)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	res.Tree = b.Tree()
	res.Phases = b.Phases()
	res.Phase = b.CurrentPhase()
	res.Steps = b.Steps()
	res.Diagnostics = append(res.Diagnostics, b.Diagnostics()...)
	if topErr != nil {
		d := diag.FromError(topErr, b.Pos())
		if d.Format == "" {
			d.Format = dec.Name()
		}
		res.Diagnostics = append(res.Diagnostics, d)
	}
	res.Status = status(res.Tree, topErr, res.Phases, res.Diagnostics)
	if res.Status == diag.StatusFailed && len(res.Diagnostics) == 0 {
		de := diag.Errorf(diag.KindMalformedField, cfg.start, "no structure decoded")
		de.Format = dec.Name()
		res.Diagnostics = []diag.Diagnostic{diag.FromError(de, cfg.start)}
	}
	if res.Tree != nil && len(res.Tree.Children) == 0 {
		res.Tree = nil
	}

	if err := Commit(ctx, dec, store, res); err != nil {
		return nil, err
	}
	logger.Debug("decode finished",
		"format", res.Format,
		"blob", res.Blob,
		"start", res.Start,
		"status", res.Status.String(),
		"chunks", res.Chunks(),
		"diagnostics", len(res.Diagnostics),
	)
	return res, nil
}

// decode runs the decoder inside its root chunk and converts panics into
// internal errors.
func decode(b *builder.Builder, dec Decoder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.Unwind()
			err = &diag.Error{
				Kind:   diag.KindInternal,
				Format: dec.Name(),
				Offset: b.Pos(),
				Err:    fmt.Errorf("decoder panic: %v", r),
			}
		}
	}()
	return b.WithChild(dec.Name(), "", func() error {
		return dec.Decode(b)
	})
}

// Commit attaches res.Tree under res.Parent and, for Linker decoders, builds
// res.Refs. A nil tree is not attached.
func Commit(ctx context.Context, dec Decoder, store chunk.Store, res *Result) error {
	if res.Tree == nil {
		return nil
	}
	id, err := store.Attach(ctx, res.Blob, res.Parent, res.Tree)
	if err != nil {
		return fmt.Errorf("attach %s tree: %w", res.Format, err)
	}
	res.Root = id

	linker, ok := dec.(Linker)
	if !ok {
		return nil
	}
	refs := xref.NewTable()
	if err := linker.Link(res.Tree, refs); err != nil {
		d := diag.FromError(err, res.Tree.Range.Start)
		if d.Format == "" {
			d.Format = res.Format
		}
		if !slices.Contains(res.Diagnostics, d) {
			res.Diagnostics = append(res.Diagnostics, d)
		}
		if res.Status == diag.StatusSuccess {
			res.Status = diag.StatusPartial
		}
	}
	res.Refs = refs
	return nil
}
