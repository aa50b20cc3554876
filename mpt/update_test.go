package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func k(nibbles ...uint8) NibblePath {
	b := make([]byte, (len(nibbles)+1)/2)
	for i, nb := range nibbles {
		if i%2 == 0 {
			b[i/2] = nb << 4
		} else {
			b[i/2] |= nb
		}
	}
	return NibblePathFromPacked(b, 0, len(nibbles))
}

func TestApplyInsertAndRead(t *testing.T) {
	engine := NewEngine(newInMemoryNodeStore(), NewRootVarLenMerkleCompute(nil))

	updates := []Update{
		{Key: k(1, 2, 3, 4), Value: []byte("one")},
		{Key: k(1, 2, 5, 6), Value: []byte("two")},
		{Key: k(7, 8, 9, 0), Value: []byte("three")},
	}
	root, err := engine.Apply(nil, 1, updates)
	require.NoError(t, err)
	require.NotNil(t, root)

	for _, u := range updates {
		v, err := readInMemory(root, 0, u.Key)
		require.NoError(t, err)
		require.Equal(t, u.Value, v)
	}
}

func TestApplyDeleteCollapsesToExtension(t *testing.T) {
	engine := NewEngine(newInMemoryNodeStore(), NewRootVarLenMerkleCompute(nil))

	root, err := engine.Apply(nil, 1, []Update{
		{Key: k(1, 2, 3, 4), Value: []byte("one")},
		{Key: k(1, 2, 5, 6), Value: []byte("two")},
	})
	require.NoError(t, err)

	root, err = engine.Apply(root, 2, []Update{
		{Key: k(1, 2, 3, 4), Tombstone: true},
	})
	require.NoError(t, err)

	v, err := readInMemory(root, 0, k(1, 2, 5, 6))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), v)

	_, err = readInMemory(root, 0, k(1, 2, 3, 4))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, root.validate())
}

func TestApplyPersistentSharingUnaffectedSubtrieUnchanged(t *testing.T) {
	engine := NewEngine(newInMemoryNodeStore(), NewRootVarLenMerkleCompute(nil))

	root1, err := engine.Apply(nil, 1, []Update{
		{Key: k(0, 0, 0, 0), Value: []byte("a")},
		{Key: k(15, 15, 15, 15), Value: []byte("b")},
	})
	require.NoError(t, err)

	idx := root1.ChildArrayIndex(15)
	untouchedChild := root1.Children[idx].Ptr

	root2, err := engine.Apply(root1, 2, []Update{
		{Key: k(0, 0, 0, 1), Value: []byte("c")},
	})
	require.NoError(t, err)

	idx2 := root2.ChildArrayIndex(15)
	// The subtrie rooted at nibble 15 wasn't touched by the update batch, so
	// the new root must reference the exact same in-memory node (structural
	// sharing, spec §4.3 "unaffected subtrees are untouched").
	require.Same(t, untouchedChild, root2.Children[idx2].Ptr)
}

func TestApplyEmptyUpdatesReturnsSameRoot(t *testing.T) {
	engine := NewEngine(newInMemoryNodeStore(), NewRootVarLenMerkleCompute(nil))
	root, err := engine.Apply(nil, 1, []Update{{Key: k(1, 2), Value: []byte("x")}})
	require.NoError(t, err)

	same, err := engine.Apply(root, 2, nil)
	require.NoError(t, err)
	require.Same(t, root, same)
}

func TestMergeUpdatesSecondSourceWins(t *testing.T) {
	a := []Update{{Key: k(1, 2), Value: []byte("old")}, {Key: k(3, 4), Value: []byte("keep")}}
	b := []Update{{Key: k(1, 2), Value: []byte("new")}}

	merged := MergeUpdates(a, b)
	require.Len(t, merged, 2)
	require.Equal(t, []byte("new"), merged[0].Value)
	require.Equal(t, []byte("keep"), merged[1].Value)
}

func TestEngineApplyMergedInterleavesBothSources(t *testing.T) {
	engine := NewEngine(newInMemoryNodeStore(), NewRootVarLenMerkleCompute(nil))

	// a is ordinary execution's update batch, b an out-of-band witness
	// replay touching a disjoint key plus one the same key a also touches.
	a := []Update{{Key: k(1, 2), Value: []byte("exec")}, {Key: k(3, 4), Value: []byte("unchanged")}}
	b := []Update{{Key: k(1, 2), Value: []byte("replay")}, {Key: k(5, 6), Value: []byte("extra")}}

	root, err := engine.ApplyMerged(nil, 1, a, b)
	require.NoError(t, err)

	reader := NewVersionedReader(engine.Store)
	reader.SetVersion(1)

	v, err := reader.ReadAt(root, k(1, 2))
	require.NoError(t, err)
	require.Equal(t, []byte("replay"), v, "second source wins on a key both batches touch")

	v, err = reader.ReadAt(root, k(3, 4))
	require.NoError(t, err)
	require.Equal(t, []byte("unchanged"), v)

	v, err = reader.ReadAt(root, k(5, 6))
	require.NoError(t, err)
	require.Equal(t, []byte("extra"), v)
}
