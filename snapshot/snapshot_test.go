package snapshot

import (
	"context"
	"testing"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/chunk/memory"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/formats/elf"
	"github.com/meigma/blobtree/internal/testutil"
	"github.com/meigma/blobtree/snapshot/internal/fb"
)

func decodedELF(t *testing.T) *decoder.Result {
	t.Helper()
	res, err := decoder.Run(context.Background(), elf.New(), testutil.NewMockByteSource(testutil.MinimalELF().Build()), memory.New())
	require.NoError(t, err)
	require.Equal(t, diag.StatusSuccess, res.Status)
	return res
}

func TestRoundTripDecodedTree(t *testing.T) {
	t.Parallel()

	res := decodedELF(t)
	in := &Snapshot{
		Format: res.Format,
		Blob:   res.Blob,
		Start:  res.Start,
		Status: res.Status,
		Phases: res.Phases,
		Steps:  res.Steps,
		Tree:   res.Tree.Clone(),
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, res.Tree.Count(), out.Tree.Count())
}

func TestRoundTripDiagnosticsAndValues(t *testing.T) {
	t.Parallel()

	tree := &chunk.Node{Type: "blob", Range: chunk.Range{Start: 4, End: 20}, Partial: true}
	tree.Add(&chunk.Node{Type: "s32", Name: "delta", Range: chunk.Range{Start: 4, End: 8}, Value: chunk.IntValue(-7)})
	tree.Add(&chunk.Node{Type: "cstring", Name: "empty", Range: chunk.Range{Start: 8, End: 9}, Value: chunk.StringValue("")})
	tree.Add(&chunk.Node{Type: "padding", Name: "pad", Range: chunk.Range{Start: 9, End: 12}})
	in := &Snapshot{
		Format: "blob",
		Blob:   "sha256:abc",
		Start:  4,
		Status: diag.StatusPartial,
		Phase:  "body",
		Diagnostics: []diag.Diagnostic{{
			Format:  "blob",
			Offset:  12,
			Kind:    diag.KindOutOfBounds,
			Field:   "body.len",
			Message: "read of 4 bytes exceeds limit 0x14",
		}},
		Steps: 9,
		Tree:  tree,
	}

	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, int64(-7), out.Tree.Child("delta").Value.Int())
}

func TestEmptyTree(t *testing.T) {
	t.Parallel()

	in := &Snapshot{Format: "elf", Blob: "b", Status: diag.StatusFailed}
	data, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(data)
	require.NoError(t, err)
	assert.Nil(t, out.Tree)
	assert.Equal(t, diag.StatusFailed, out.Status)
}

func compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(raw, nil)
}

// rawSnapshot builds a snapshot table by hand so tests can produce
// structurally invalid trees.
func rawSnapshot(version uint32, parents []int32, ranges []chunk.Range) []byte {
	builder := flatbuffers.NewBuilder(256)
	offsets := make([]flatbuffers.UOffsetT, len(parents))
	for i, p := range parents {
		typ := builder.CreateString("n")
		fb.NodeStart(builder)
		fb.NodeAddParent(builder, p)
		fb.NodeAddType(builder, typ)
		fb.NodeAddStart(builder, ranges[i].Start)
		fb.NodeAddEnd(builder, ranges[i].End)
		offsets[i] = fb.NodeEnd(builder)
	}
	nodes := offsetVector(builder, fb.SnapshotStartNodesVector, offsets)
	fb.SnapshotStart(builder)
	fb.SnapshotAddVersion(builder, version)
	fb.SnapshotAddNodes(builder, nodes)
	builder.Finish(fb.SnapshotEnd(builder))
	return builder.FinishedBytes()
}

func TestDecodeCorrupt(t *testing.T) {
	t.Parallel()

	whole := chunk.Range{Start: 0, End: 10}
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "not zstd", data: []byte("definitely not a snapshot"), want: ErrCorrupt},
		{name: "too short", data: compress(t, []byte{1, 2}), want: ErrCorrupt},
		{name: "garbage table", data: compress(t, []byte{0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0}), want: ErrCorrupt},
		{name: "future version", data: compress(t, rawSnapshot(Version+1, nil, nil)), want: ErrVersion},
		{
			name: "root with parent",
			data: compress(t, rawSnapshot(Version, []int32{0}, []chunk.Range{whole})),
			want: ErrCorrupt,
		},
		{
			name: "forward parent",
			data: compress(t, rawSnapshot(Version, []int32{-1, 2, 0}, []chunk.Range{whole, whole, whole})),
			want: ErrCorrupt,
		},
		{
			name: "child outside parent",
			data: compress(t, rawSnapshot(Version, []int32{-1, 0}, []chunk.Range{whole, {Start: 5, End: 20}})),
			want: ErrCorrupt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, s)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	t.Parallel()

	res := decodedELF(t)
	in := &Snapshot{Format: res.Format, Blob: res.Blob, Status: res.Status, Tree: res.Tree.Clone()}
	a, err := Encode(in)
	require.NoError(t, err)
	b, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
