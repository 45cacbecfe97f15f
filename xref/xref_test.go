package xref

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/diag"
)

func str(start uint64, s string) *chunk.Node {
	return &chunk.Node{
		Type:  "cstring",
		Range: chunk.Range{Start: start, End: start + uint64(len(s)) + 1},
		Value: chunk.StringValue(s),
	}
}

func TestResolveExactAndContained(t *testing.T) {
	t.Parallel()

	table := NewTable()
	text := str(101, ".text")
	data := str(107, ".data")
	table.Define("strtab", 1, text)
	table.Define("strtab", 7, data)
	assert.Equal(t, 2, table.Len())

	tests := []struct {
		name      string
		key       Key
		wantNode  *chunk.Node
		wantDelta uint64
	}{
		{name: "exact", key: Key{"strtab", 1}, wantNode: text},
		{name: "second", key: Key{"strtab", 7}, wantNode: data},
		{name: "suffix", key: Key{"strtab", 3}, wantNode: text, wantDelta: 2},
		{name: "terminator", key: Key{"strtab", 6}, wantNode: text, wantDelta: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := table.Resolve(tt.key)
			require.NoError(t, err)
			assert.Same(t, tt.wantNode, got.Node)
			assert.Equal(t, tt.wantDelta, got.Delta)
		})
	}

	for _, k := range []Key{{"strtab", 0}, {"strtab", 13}, {"other", 1}} {
		_, err := table.Resolve(k)
		assert.ErrorIs(t, err, ErrUnresolved, k.String())
	}
}

func TestResolveLinks(t *testing.T) {
	t.Parallel()

	table := NewTable()
	text := str(101, ".text")
	table.Define("strtab", 1, text)
	table.Link(Key{"section_name", 1}, Key{"strtab", 1})
	table.Link(Key{"alias", 0}, Key{"section_name", 1})
	assert.Equal(t, 2, table.Links())

	got, err := table.Resolve(Key{"alias", 0})
	require.NoError(t, err)
	assert.Same(t, text, got.Node)

	// Memoized results are dropped when the table changes.
	other := str(200, ".init")
	table.Define("strtab2", 0, other)
	table.Link(Key{"section_name", 1}, Key{"strtab2", 0})
	got, err = table.Resolve(Key{"alias", 0})
	require.NoError(t, err)
	assert.Same(t, other, got.Node)
}

func TestResolveCycle(t *testing.T) {
	t.Parallel()

	table := NewTable()
	table.Link(Key{"a", 0}, Key{"b", 4})
	table.Link(Key{"b", 4}, Key{"a", 0})
	table.Link(Key{"self", 9}, Key{"self", 9})

	for _, k := range []Key{{"a", 0}, {"self", 9}} {
		_, err := table.Resolve(k)
		require.Error(t, err)
		assert.ErrorIs(t, err, diag.ErrCyclicReference)
		var de *diag.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, diag.KindCyclicReference, de.Kind)
	}
}

func TestResolveConcurrent(t *testing.T) {
	t.Parallel()

	table := NewTable()
	for i := range uint64(100) {
		table.Define("r", i*4, &chunk.Node{Range: chunk.Range{Start: i * 4, End: i*4 + 4}})
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range uint64(100) {
				got, err := table.Resolve(Key{"r", i*4 + uint64(w%4)})
				if assert.NoError(t, err) {
					assert.Equal(t, uint64(w%4), got.Delta)
				}
			}
		}()
	}
	wg.Wait()
}
