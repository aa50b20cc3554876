package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeSerializeRoundTrip(t *testing.T) {
	key := NewNibblePathFromBytes([]byte{0xab, 0xcd})

	leaf := &Node{
		HasValue:      true,
		PathStartNibble: 0,
		PathEndNibble:   uint8(key.Len()),
		PathBytes:       key.Bytes(),
		Value:           []byte("hello world"),
		ValueLen:        11,
		Version:         7,
	}

	buf := SerializeNode(leaf)
	got, err := DeserializeNode(buf)
	require.NoError(t, err)

	require.Equal(t, leaf.HasValue, got.HasValue)
	require.Equal(t, leaf.Value, got.Value)
	require.Equal(t, leaf.Version, got.Version)
	require.Equal(t, leaf.Path().Bytes(), got.Path().Bytes())
	require.Equal(t, leaf.Path().Len(), got.Path().Len())
}

func TestNodeSerializeRoundTripWithChildren(t *testing.T) {
	n := &Node{
		Mask:            1<<3 | 1<<9,
		HasValue:        false,
		PathStartNibble: 0,
		PathEndNibble:   2,
		PathBytes:       []byte{0x12},
		Version:         3,
	}
	n.Children = []ChildInfo{
		{ChunkOff: PackChunkOffset(5, 100), SubtrieMinVersion: 1, Hash: make([]byte, keccakSize)},
		{ChunkOff: PackChunkOffset(6, 200), SubtrieMinVersion: 2, Hash: []byte{0x01, 0x02}},
	}
	for i := range n.Children[0].Hash {
		n.Children[0].Hash[i] = byte(i)
	}

	buf := SerializeNode(n)
	got, err := DeserializeNode(buf)
	require.NoError(t, err)

	require.Equal(t, n.Mask, got.Mask)
	require.Len(t, got.Children, 2)
	require.Equal(t, n.Children[0].ChunkOff, got.Children[0].ChunkOff)
	require.Equal(t, n.Children[0].Hash, got.Children[0].Hash)
	require.Equal(t, n.Children[1].Hash, got.Children[1].Hash)
}

func TestChunkOffsetPacking(t *testing.T) {
	off := PackChunkOffset(0xABCDE, 0x0123456789A)
	require.EqualValues(t, 0xABCDE, off.ChunkID())
	require.EqualValues(t, 0x0123456789A, off.Offset())
}

func TestNodeValidateCanonicalForm(t *testing.T) {
	// Zero children, no value: valid (only as a transient empty node).
	empty := &Node{}
	require.NoError(t, empty.validate())

	// One child, no value: must never be a persisted node.
	oneChild := &Node{Mask: 1, Children: []ChildInfo{{}}}
	require.ErrorIs(t, oneChild.validate(), ErrDegenerateNode)

	// Two children, no value: valid branch.
	twoChildren := &Node{Mask: 1 | 2, Children: []ChildInfo{{}, {}}}
	require.NoError(t, twoChildren.validate())

	// Mask/children length mismatch.
	mismatched := &Node{Mask: 1 | 2, Children: []ChildInfo{{}}}
	require.ErrorIs(t, mismatched.validate(), ErrChildCountMismatch)
}
