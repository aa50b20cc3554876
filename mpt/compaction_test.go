package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactorPassSkipsYoungNodes(t *testing.T) {
	store := newInMemoryNodeStore()
	engine := NewEngine(store, NewRootVarLenMerkleCompute(nil))

	root, err := engine.Apply(nil, 1, []Update{
		{Key: k(1, 2, 3, 4), Value: []byte("one")},
		{Key: k(9, 8, 7, 6), Value: []byte("two")},
	})
	require.NoError(t, err)

	alloc := NewAllocator(2, 1<<20)
	alloc.InitFreeList(2)
	alloc.AllocateForFast()
	alloc.DemoteFastHeadToSlow()
	meta := NewDBMetadata(alloc)

	c := &Compactor{Store: store, Meta: meta, Logger: noopCompactionLogger{}}
	copied, err := c.Pass(root, nil, 0, func(uint32) error { return nil })
	require.NoError(t, err)
	// retentionCutoff=0 means every node (all at version 1) is "young
	// enough" and none are relocated.
	require.Equal(t, 0, copied)
}

func TestCompactorPassRelocatesStaleNodes(t *testing.T) {
	store := newInMemoryNodeStore()
	engine := NewEngine(store, NewRootVarLenMerkleCompute(nil))

	root, err := engine.Apply(nil, 1, []Update{
		{Key: k(1, 2, 3, 4), Value: []byte("one")},
	})
	require.NoError(t, err)

	alloc := NewAllocator(2, 1<<20)
	alloc.InitFreeList(2)
	alloc.AllocateForFast()
	alloc.DemoteFastHeadToSlow()
	meta := NewDBMetadata(alloc)

	c := &Compactor{Store: store, Meta: meta, Logger: noopCompactionLogger{}}
	copied, err := c.Pass(root, nil, 5, func(uint32) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, copied)
}
