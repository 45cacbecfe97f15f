package decoder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobtree/builder"
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/chunk/memory"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/internal/testutil"
	"github.com/meigma/blobtree/xref"
)

// pairs decodes u16 pairs in two phases.
var pairs = Func{FormatName: "pairs", Fn: func(b *builder.Builder) error {
	if err := b.Phase("first", func() error {
		_, err := b.U16("a")
		return err
	}); err != nil {
		return err
	}
	return b.Phase("second", func() error {
		_, err := b.U16("b")
		return err
	})
}}

type linked struct{ Func }

func (linked) Link(root *chunk.Node, refs *xref.Table) error {
	for i, c := range root.Children {
		refs.Define("fields", uint64(i), c)
	}
	refs.Link(xref.Key{Region: "loop", Offset: 0}, xref.Key{Region: "loop", Offset: 0})
	_, err := refs.Resolve(xref.Key{Region: "loop", Offset: 0})
	return err
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register(pairs))
	assert.ErrorIs(t, r.Register(pairs), ErrDuplicateFormat)
	require.Error(t, r.Register(Func{}))

	dec, err := r.Lookup("pairs")
	require.NoError(t, err)
	assert.Equal(t, "pairs", dec.Name())

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	r.MustRegister(Func{FormatName: "alpha", Fn: pairs.Fn})
	assert.Equal(t, []string{"alpha", "pairs"}, r.Names())

	r.Seal()
	assert.True(t, r.Sealed())
	assert.ErrorIs(t, r.Register(Func{FormatName: "late", Fn: pairs.Fn}), ErrRegistrySealed)
	assert.Panics(t, func() { r.MustRegister(Func{FormatName: "late", Fn: pairs.Fn}) })
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	src := testutil.NewNamedByteSource("blob", []byte{1, 0, 2, 0, 0xff})

	res, err := Run(ctx, pairs, src, store)
	require.NoError(t, err)
	assert.Equal(t, diag.StatusSuccess, res.Status)
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{"first", "second"}, res.Phases)
	assert.Empty(t, res.Phase)
	assert.NotZero(t, res.Root)
	assert.Equal(t, 3, res.Chunks())

	root, err := store.Get(ctx, res.Root)
	require.NoError(t, err)
	assert.Equal(t, "pairs", root.Type)
	assert.Equal(t, chunk.Range{Start: 0, End: 4}, root.Range)
	assert.Equal(t, "blob", root.Blob)
}

func TestRunPartialAfterPhase(t *testing.T) {
	t.Parallel()
	store := memory.New()

	res, err := Run(context.Background(), pairs, testutil.NewMockByteSource([]byte{1, 0, 2}), store)
	require.NoError(t, err)
	assert.Equal(t, diag.StatusPartial, res.Status)
	assert.Equal(t, []string{"first"}, res.Phases)
	assert.Equal(t, "second", res.Phase)
	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, diag.KindOutOfBounds, d.Kind)
	assert.Equal(t, uint64(2), d.Offset)
	assert.Equal(t, "pairs", d.Format)
	assert.ErrorIs(t, res.Err(), diag.ErrOutOfBounds)

	require.NotZero(t, res.Root)
	assert.True(t, res.Tree.Partial)
	assert.Equal(t, 2, store.Len())
}

func TestRunFailedAttachesNothing(t *testing.T) {
	t.Parallel()
	store := memory.New()

	res, err := Run(context.Background(), pairs, testutil.NewMockByteSource([]byte{1}), store)
	require.NoError(t, err)
	assert.Equal(t, diag.StatusFailed, res.Status)
	assert.Zero(t, res.Root)
	assert.Nil(t, res.Tree)
	assert.Zero(t, store.Len())
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, uint64(0), res.Diagnostics[0].Offset)
}

func TestRunEmptyDecodeIsDiagnosed(t *testing.T) {
	t.Parallel()
	store := memory.New()
	empty := Func{FormatName: "empty", Fn: func(*builder.Builder) error { return nil }}

	res, err := Run(context.Background(), empty, testutil.NewMockByteSource([]byte{1, 2, 3, 4}), store, At(1))
	require.NoError(t, err)
	assert.Equal(t, diag.StatusFailed, res.Status)
	assert.Zero(t, res.Root)
	assert.Zero(t, store.Len())
	require.Len(t, res.Diagnostics, 1)
	d := res.Diagnostics[0]
	assert.Equal(t, diag.KindMalformedField, d.Kind)
	assert.Equal(t, uint64(1), d.Offset)
	assert.Equal(t, "empty", d.Format)
	assert.ErrorIs(t, res.Err(), diag.ErrMalformedField)
}

func TestRunStartBeyondBlob(t *testing.T) {
	t.Parallel()

	res, err := Run(context.Background(), pairs, testutil.NewMockByteSource([]byte{1, 2}), memory.New(), At(2))
	require.NoError(t, err)
	assert.Equal(t, diag.StatusFailed, res.Status)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.KindOutOfBounds, res.Diagnostics[0].Kind)
	assert.Equal(t, uint64(2), res.Diagnostics[0].Offset)
}

func TestRunUnderParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()
	src := testutil.NewNamedByteSource("blob", []byte{0, 0, 0, 0, 1, 0, 2, 0, 9, 9})

	container, err := store.Attach(ctx, "blob", 0, &chunk.Node{Type: "container", Range: chunk.Range{Start: 0, End: 6}})
	require.NoError(t, err)

	// The stream is bounded by the parent, so the second phase runs out.
	res, err := Run(ctx, pairs, src, store, At(4), Under(container))
	require.NoError(t, err)
	assert.Equal(t, diag.StatusPartial, res.Status)
	assert.Equal(t, uint64(6), res.Diagnostics[0].Offset)

	children, err := store.Children(ctx, container)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, res.Root, children[0].ID)

	_, err = Run(ctx, pairs, src, store, At(7), Under(container))
	assert.ErrorIs(t, err, ErrStartOutsideParent)

	_, err = Run(ctx, pairs, src, store, Under(999))
	assert.ErrorIs(t, err, chunk.ErrNotFound)

	other := testutil.NewNamedByteSource("other", make([]byte, 8))
	_, err = Run(ctx, pairs, other, store, Under(container))
	assert.ErrorIs(t, err, chunk.ErrBlobMismatch)
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	boom := Func{FormatName: "boom", Fn: func(b *builder.Builder) error {
		if _, err := b.U8("first"); err != nil {
			return err
		}
		var m map[string]int
		m["x"] = 1
		return nil
	}}
	res, err := Run(context.Background(), boom, testutil.NewMockByteSource([]byte{1, 2}), memory.New())
	require.NoError(t, err)
	assert.Equal(t, diag.StatusFailed, res.Status)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.KindInternal, res.Diagnostics[0].Kind)
	assert.Contains(t, res.Diagnostics[0].Message, "decoder panic")
	require.NotNil(t, res.Tree)
	assert.True(t, res.Tree.Partial)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, pairs, testutil.NewMockByteSource([]byte{1, 0, 2, 0}), memory.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunBudget(t *testing.T) {
	t.Parallel()

	res, err := Run(context.Background(), pairs, testutil.NewMockByteSource([]byte{1, 0, 2, 0}), memory.New(), WithMaxSteps(1))
	require.NoError(t, err)
	assert.Equal(t, diag.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err(), diag.ErrBudgetExceeded)
}

func TestRunLinker(t *testing.T) {
	t.Parallel()

	dec := linked{pairs}
	res, err := Run(context.Background(), dec, testutil.NewMockByteSource([]byte{1, 0, 2, 0}), memory.New())
	require.NoError(t, err)
	require.NotNil(t, res.Refs)
	assert.Equal(t, 2, res.Refs.Len())

	target, err := res.Refs.Resolve(xref.Key{Region: "fields", Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, "b", target.Node.Name)

	assert.Equal(t, diag.StatusPartial, res.Status)
	require.Len(t, res.Diagnostics, 1)
	assert.Equal(t, diag.KindCyclicReference, res.Diagnostics[0].Kind)

	// Re-committing does not duplicate link diagnostics.
	res.Tree = res.Tree.Clone()
	require.NoError(t, Commit(context.Background(), dec, memory.New(), res))
	assert.Len(t, res.Diagnostics, 1)
}

func TestResultErr(t *testing.T) {
	t.Parallel()

	res := &Result{}
	assert.NoError(t, res.Err())
	res.Diagnostics = []diag.Diagnostic{{Kind: diag.KindMalformedField, Offset: 3, Message: "bad"}}
	var de *diag.Error
	require.True(t, errors.As(res.Err(), &de))
	assert.Equal(t, uint64(3), de.Offset)
	assert.Zero(t, res.Chunks())

	start, parent := Options(At(5), Under(7))
	assert.Equal(t, uint64(5), start)
	assert.Equal(t, chunk.ID(7), parent)
}
