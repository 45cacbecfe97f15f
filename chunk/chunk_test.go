package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		a, b     Range
		contains bool
		overlaps bool
	}{
		{name: "nested", a: Range{0, 10}, b: Range{2, 4}, contains: true, overlaps: true},
		{name: "equal", a: Range{3, 7}, b: Range{3, 7}, contains: true, overlaps: true},
		{name: "adjacent", a: Range{0, 4}, b: Range{4, 8}, contains: false, overlaps: false},
		{name: "straddling", a: Range{0, 5}, b: Range{4, 8}, contains: false, overlaps: true},
		{name: "empty inside", a: Range{0, 5}, b: Range{2, 2}, contains: true, overlaps: false},
		{name: "empty at end", a: Range{0, 5}, b: Range{5, 5}, contains: true, overlaps: false},
		{name: "disjoint", a: Range{0, 2}, b: Range{8, 9}, contains: false, overlaps: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.contains, tt.a.Contains(tt.b))
			assert.Equal(t, tt.overlaps, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.overlaps, tt.b.Overlaps(tt.a))
		})
	}

	assert.Equal(t, uint64(4), Range{2, 6}.Len())
	assert.True(t, Range{6, 6}.IsEmpty())
	assert.True(t, Range{2, 6}.ContainsOffset(2))
	assert.False(t, Range{2, 6}.ContainsOffset(6))
	assert.Equal(t, "[0x2, 0x6)", Range{2, 6}.String())
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := ParseID("42")
	require.NoError(t, err)
	assert.Equal(t, ID(42), id)
	assert.Equal(t, "42", id.String())

	for _, bad := range []string{"", "0", "-1", "x"} {
		_, err := ParseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestValueString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "7", UintValue(7).String())
	assert.Equal(t, "-3", IntValue(-3).String())
	assert.Equal(t, int64(-3), IntValue(-3).Int())
	assert.Equal(t, `".text"`, StringValue(".text").String())
	assert.Equal(t, "7f45", BytesValue([]byte{0x7f, 0x45}).String())

	var nilValue *Value
	assert.Empty(t, nilValue.String())
	assert.Nil(t, nilValue.Clone())

	orig := BytesValue([]byte{1})
	clone := orig.Clone()
	clone.B[0] = 2
	assert.Equal(t, byte(1), orig.B[0])
}

func tree() *Node {
	return &Node{Type: "root", Range: Range{0, 16}, Children: []*Node{
		{Type: "a", Name: "first", Range: Range{0, 4}, Value: UintValue(1)},
		{Type: "b", Name: "second", Range: Range{8, 16}, Children: []*Node{
			{Type: "c", Range: Range{8, 10}},
		}},
		{Type: "marker", Range: Range{4, 4}},
	}}
}

func TestNodeValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, tree().Validate())

	escaping := tree()
	escaping.Children[1].Children[0].Range = Range{6, 10}
	assert.ErrorIs(t, escaping.Validate(), ErrInvalidTree)

	overlapping := tree()
	overlapping.Add(&Node{Type: "d", Range: Range{3, 5}})
	assert.ErrorIs(t, overlapping.Validate(), ErrInvalidTree)

	inverted := &Node{Type: "x", Range: Range{4, 2}}
	assert.ErrorIs(t, inverted.Validate(), ErrInvalidTree)

	// Discovery order need not follow offsets.
	unordered := &Node{Type: "root", Range: Range{0, 8}, Children: []*Node{
		{Type: "late", Range: Range{4, 8}},
		{Type: "early", Range: Range{0, 4}},
	}}
	assert.NoError(t, unordered.Validate())
}

func TestNodeWalkAndClone(t *testing.T) {
	t.Parallel()

	root := tree()
	var types []string
	var depths []int
	root.Walk(func(n *Node, depth int) bool {
		types = append(types, n.Type)
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []string{"root", "a", "b", "c", "marker"}, types)
	assert.Equal(t, []int{0, 1, 1, 2, 1}, depths)
	assert.Equal(t, 5, root.Count())

	var pruned []string
	root.Walk(func(n *Node, _ int) bool {
		pruned = append(pruned, n.Type)
		return n.Type != "b"
	})
	assert.Equal(t, []string{"root", "a", "b", "marker"}, pruned)

	root.ID = 9
	clone := root.Clone()
	assert.Zero(t, clone.ID)
	assert.Equal(t, "second", clone.Child("second").Name)
	assert.Nil(t, clone.Child("missing"))
	clone.Children[0].Value.U = 99
	assert.Equal(t, uint64(1), root.Children[0].Value.U)
}

func TestSiblings(t *testing.T) {
	t.Parallel()

	var s Siblings
	a := &Node{Type: "a", Range: Range{8, 12}}
	b := &Node{Type: "b", Range: Range{0, 4}}
	c := &Node{Type: "c", Range: Range{16, 20}}
	for _, n := range []*Node{a, b, c} {
		require.Nil(t, s.Overlapping(n.Range))
		s.Insert(n)
	}
	s.Insert(&Node{Type: "empty", Range: Range{4, 4}})
	assert.Equal(t, 3, s.Len())

	tests := []struct {
		r    Range
		want *Node
	}{
		{Range{4, 8}, nil},
		{Range{12, 16}, nil},
		{Range{20, 30}, nil},
		{Range{3, 5}, b},
		{Range{6, 9}, a},
		{Range{11, 17}, c},
		{Range{11, 13}, a},
		{Range{19, 21}, c},
		{Range{0, 40}, c},
		{Range{10, 10}, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Overlapping(tt.r), tt.r.String())
	}
}
