package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDBMetadataMarshalRoundTrip(t *testing.T) {
	alloc := NewAllocator(4, 1<<20)
	alloc.InitFreeList(4)
	meta := NewDBMetadata(alloc)
	meta.Offsets.RootOffset = PackChunkOffset(2, 1024)
	meta.SlowFastRatio = 2.5

	buf := meta.Marshal()
	got, err := UnmarshalDBMetadata(buf, alloc)
	require.NoError(t, err)

	require.Equal(t, meta.Offsets.RootOffset, got.Offsets.RootOffset)
	require.InDelta(t, meta.SlowFastRatio, got.SlowFastRatio, 1e-6)
	require.False(t, got.IsDirty())
}

func TestDBMetadataUnmarshalBadMagic(t *testing.T) {
	alloc := NewAllocator(1, 1<<20)
	buf := make([]byte, dbMetadataWireSize)
	copy(buf, "XXXX")
	_, err := UnmarshalDBMetadata(buf, alloc)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDBMetadataUnmarshalTruncated(t *testing.T) {
	alloc := NewAllocator(1, 1<<20)
	_, err := UnmarshalDBMetadata([]byte{0x01, 0x02}, alloc)
	require.ErrorIs(t, err, ErrTornMetadata)
}

func TestHoldDirtyBracketsIsDirty(t *testing.T) {
	alloc := NewAllocator(1, 1<<20)
	meta := NewDBMetadata(alloc)
	require.False(t, meta.IsDirty())

	guard := meta.BeginMutation()
	require.True(t, meta.IsDirty())
	guard.Close()
	require.False(t, meta.IsDirty())
}

func TestRecoverRefusesDirtyWithoutTruncateOrAllowDirty(t *testing.T) {
	alloc := NewAllocator(4, 1<<20)
	meta := NewDBMetadata(alloc)
	meta.setDirty(true)

	err := Recover(meta, RecoveryOptions{}, func(ChunkOffset) error { return nil })
	require.ErrorIs(t, err, ErrTornMetadata)
}

func TestRecoverTruncateClearsDirty(t *testing.T) {
	alloc := NewAllocator(4, 1<<20)
	meta := NewDBMetadata(alloc)
	meta.setDirty(true)

	var truncated []ChunkOffset
	err := Recover(meta, RecoveryOptions{Truncate: true}, func(off ChunkOffset) error {
		truncated = append(truncated, off)
		return nil
	})
	require.NoError(t, err)
	require.False(t, meta.IsDirty())
	require.Len(t, truncated, 2)
}

func TestRecoverAllowDirtyLeavesRootReadable(t *testing.T) {
	alloc := NewAllocator(4, 1<<20)
	meta := NewDBMetadata(alloc)
	meta.Offsets.RootOffset = PackChunkOffset(1, 0)
	meta.setDirty(true)

	err := Recover(meta, RecoveryOptions{AllowDirty: true}, func(ChunkOffset) error { return nil })
	require.NoError(t, err)
	require.False(t, meta.IsDirty())
	require.Equal(t, PackChunkOffset(1, 0), meta.CurrentRoot())
}
