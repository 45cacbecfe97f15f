// Package snapshot serializes decoded chunk trees so a decode can be replayed
// without touching the blob again.
//
// A snapshot is a FlatBuffers table compressed with zstd. Nodes are stored in
// pre-order with the index of their parent, which keeps the encoding flat and
// lets Decode reject trees whose parents do not precede their children.
package snapshot

//go:generate flatc --go --go-namespace fb -o internal schema/snapshot.fbs

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/snapshot/internal/fb"
)

// Version is the snapshot encoding version written by Encode.
const Version = 1

// maxDecoded bounds the decompressed size accepted by Decode.
const maxDecoded = 256 << 20

var (
	// ErrCorrupt is returned for data that is not a valid snapshot.
	ErrCorrupt = errors.New("snapshot: corrupt data")

	// ErrVersion is returned for snapshots written by an incompatible encoder.
	ErrVersion = errors.New("snapshot: unsupported version")
)

// Snapshot is the cacheable part of a decode result.
type Snapshot struct {
	Format      string
	Blob        string
	Start       uint64
	Status      diag.Status
	Phase       string
	Phases      []string
	Diagnostics []diag.Diagnostic
	Steps       uint64

	// Tree is the decoded tree without store IDs. It may be nil for failed
	// decodes.
	Tree *chunk.Node
}

var (
	encoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	})
	decompressor = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecoded))
	})
)

// Encode serializes s.
func Encode(s *Snapshot) ([]byte, error) {
	enc, err := encoder()
	if err != nil {
		return nil, fmt.Errorf("snapshot: create encoder: %w", err)
	}

	builder := flatbuffers.NewBuilder(1024)

	var nodeOffsets []flatbuffers.UOffsetT
	if s.Tree != nil {
		nodes, parents := flatten(s.Tree)
		nodeOffsets = make([]flatbuffers.UOffsetT, len(nodes))
		for i, n := range nodes {
			nodeOffsets[i] = buildNode(builder, n, parents[i])
		}
	}
	nodesVec := offsetVector(builder, fb.SnapshotStartNodesVector, nodeOffsets)

	diagOffsets := make([]flatbuffers.UOffsetT, len(s.Diagnostics))
	for i, d := range s.Diagnostics {
		format := builder.CreateString(d.Format)
		field := builder.CreateString(d.Field)
		message := builder.CreateString(d.Message)
		fb.DiagnosticStart(builder)
		fb.DiagnosticAddFormat(builder, format)
		fb.DiagnosticAddOffset(builder, d.Offset)
		fb.DiagnosticAddKind(builder, byte(d.Kind))
		fb.DiagnosticAddField(builder, field)
		fb.DiagnosticAddMessage(builder, message)
		diagOffsets[i] = fb.DiagnosticEnd(builder)
	}
	diagsVec := offsetVector(builder, fb.SnapshotStartDiagnosticsVector, diagOffsets)

	phaseOffsets := make([]flatbuffers.UOffsetT, len(s.Phases))
	for i, p := range s.Phases {
		phaseOffsets[i] = builder.CreateString(p)
	}
	phasesVec := offsetVector(builder, fb.SnapshotStartPhasesVector, phaseOffsets)

	format := builder.CreateString(s.Format)
	blob := builder.CreateString(s.Blob)
	phase := builder.CreateString(s.Phase)

	fb.SnapshotStart(builder)
	fb.SnapshotAddVersion(builder, Version)
	fb.SnapshotAddFormat(builder, format)
	fb.SnapshotAddBlob(builder, blob)
	fb.SnapshotAddStart(builder, s.Start)
	fb.SnapshotAddStatus(builder, byte(s.Status))
	fb.SnapshotAddPhase(builder, phase)
	fb.SnapshotAddPhases(builder, phasesVec)
	fb.SnapshotAddDiagnostics(builder, diagsVec)
	fb.SnapshotAddSteps(builder, s.Steps)
	fb.SnapshotAddNodes(builder, nodesVec)
	builder.Finish(fb.SnapshotEnd(builder))

	return enc.EncodeAll(builder.FinishedBytes(), nil), nil
}

func buildNode(builder *flatbuffers.Builder, n *chunk.Node, parent int32) flatbuffers.UOffsetT {
	typ := builder.CreateString(n.Type)
	name := builder.CreateString(n.Name)
	var value flatbuffers.UOffsetT
	if n.Value != nil {
		var b flatbuffers.UOffsetT
		if n.Value.B != nil {
			b = builder.CreateByteVector(n.Value.B)
		}
		fb.ValueStart(builder)
		fb.ValueAddKind(builder, byte(n.Value.Kind))
		fb.ValueAddU(builder, n.Value.U)
		if b != 0 {
			fb.ValueAddB(builder, b)
		}
		value = fb.ValueEnd(builder)
	}

	fb.NodeStart(builder)
	fb.NodeAddParent(builder, parent)
	fb.NodeAddType(builder, typ)
	fb.NodeAddName(builder, name)
	fb.NodeAddStart(builder, n.Range.Start)
	fb.NodeAddEnd(builder, n.Range.End)
	fb.NodeAddPartial(builder, n.Partial)
	if value != 0 {
		fb.NodeAddValue(builder, value)
	}
	return fb.NodeEnd(builder)
}

func offsetVector(
	builder *flatbuffers.Builder,
	start func(*flatbuffers.Builder, int) flatbuffers.UOffsetT,
	offsets []flatbuffers.UOffsetT,
) flatbuffers.UOffsetT {
	start(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	return builder.EndVector(len(offsets))
}

// flatten lists the tree in pre-order with parent indexes.
func flatten(root *chunk.Node) ([]*chunk.Node, []int32) {
	var nodes []*chunk.Node
	var parents []int32
	var visit func(n *chunk.Node, parent int32)
	visit = func(n *chunk.Node, parent int32) {
		idx := int32(len(nodes)) //nolint:gosec // trees are far below 2^31 nodes
		nodes = append(nodes, n)
		parents = append(parents, parent)
		for _, c := range n.Children {
			visit(c, idx)
		}
	}
	visit(root, -1)
	return nodes, parents
}

// Decode parses data produced by Encode. Any structural problem is reported
// as ErrCorrupt; the returned tree has passed chunk.Node.Validate.
func Decode(data []byte) (s *Snapshot, err error) {
	dec, err := decompressor()
	if err != nil {
		return nil, fmt.Errorf("snapshot: create decoder: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) < 2*flatbuffers.SizeUOffsetT {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(raw))
	}

	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("%w: %v", ErrCorrupt, r)
		}
	}()

	root := fb.GetRootAsSnapshot(raw, 0)
	if v := root.Version(); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}

	s = &Snapshot{
		Format: string(root.Format()),
		Blob:   string(root.Blob()),
		Start:  root.Start(),
		Status: diag.Status(root.Status()),
		Phase:  string(root.Phase()),
		Steps:  root.Steps(),
	}
	for j := range root.PhasesLength() {
		s.Phases = append(s.Phases, string(root.Phases(j)))
	}
	var fd fb.Diagnostic
	for j := range root.DiagnosticsLength() {
		root.Diagnostics(&fd, j)
		s.Diagnostics = append(s.Diagnostics, diag.Diagnostic{
			Format:  string(fd.Format()),
			Offset:  fd.Offset(),
			Kind:    diag.Kind(fd.Kind()),
			Field:   string(fd.Field()),
			Message: string(fd.Message()),
		})
	}

	tree, err := readTree(root)
	if err != nil {
		return nil, err
	}
	s.Tree = tree
	return s, nil
}

func readTree(root *fb.Snapshot) (*chunk.Node, error) {
	count := root.NodesLength()
	if count == 0 {
		return nil, nil
	}
	nodes := make([]*chunk.Node, count)
	var fn fb.Node
	var fv fb.Value
	for j := range count {
		root.Nodes(&fn, j)
		n := &chunk.Node{
			Type:    string(fn.Type()),
			Name:    string(fn.Name()),
			Range:   chunk.Range{Start: fn.Start(), End: fn.End()},
			Partial: fn.Partial(),
		}
		if v := fn.Value(&fv); v != nil {
			n.Value = &chunk.Value{Kind: chunk.ValueKind(v.Kind()), U: v.U()}
			if b := v.BBytes(); b != nil {
				n.Value.B = bytes.Clone(b)
			}
		}
		nodes[j] = n

		parent := int(fn.Parent())
		switch {
		case j == 0 && parent != -1:
			return nil, fmt.Errorf("%w: root has parent %d", ErrCorrupt, parent)
		case j == 0:
		case parent < 0 || parent >= j:
			return nil, fmt.Errorf("%w: node %d has parent %d", ErrCorrupt, j, parent)
		default:
			nodes[parent].Add(n)
		}
	}
	if err := nodes[0].Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nodes[0], nil
}
