package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorFreeToFastToFree(t *testing.T) {
	a := NewAllocator(4, 1<<20)
	a.InitFreeList(4)
	require.EqualValues(t, 4<<20, a.FreeCapacityBytes())

	id, ok := a.AllocateForFast()
	require.True(t, ok)
	require.EqualValues(t, 0, id) // free list is FIFO: lowest id first
	fast, slow := a.ListMembership(id)
	require.True(t, fast)
	require.False(t, slow)
	require.EqualValues(t, 3<<20, a.FreeCapacityBytes())

	retired, ok := a.RetireFastHeadToFree()
	require.True(t, ok)
	require.Equal(t, id, retired)
	fast, slow = a.ListMembership(id)
	require.False(t, fast)
	require.False(t, slow)
	require.EqualValues(t, 4<<20, a.FreeCapacityBytes())
}

func TestAllocatorFallsBackToSlowListWhenFreeExhausted(t *testing.T) {
	a := NewAllocator(2, 1<<20)
	a.InitFreeList(2)

	first, ok := a.AllocateForFast()
	require.True(t, ok)
	second, ok := a.AllocateForFast()
	require.True(t, ok)

	// Free list is now empty; demote one chunk to slow so it becomes
	// available for AllocateForFast's fallback path.
	demoted, ok := a.DemoteFastHeadToSlow()
	require.True(t, ok)
	require.Equal(t, first, demoted)

	_, slow := a.ListMembership(first)
	require.True(t, slow)

	reused, ok := a.AllocateForFast()
	require.True(t, ok)
	require.Equal(t, first, reused)
	fast, slow := a.ListMembership(first)
	require.True(t, fast)
	require.False(t, slow)

	_ = second
}

func TestAllocatorExhaustionReturnsFalse(t *testing.T) {
	a := NewAllocator(1, 1<<20)
	a.InitFreeList(1)

	_, ok := a.AllocateForFast()
	require.True(t, ok)

	_, ok = a.AllocateForFast()
	require.False(t, ok)
}

func TestAllocatorRetireSlowHeadToFree(t *testing.T) {
	a := NewAllocator(2, 1<<20)
	a.InitFreeList(2)

	id, ok := a.AllocateForFast()
	require.True(t, ok)
	demoted, ok := a.DemoteFastHeadToSlow()
	require.True(t, ok)
	require.Equal(t, id, demoted)

	retired, ok := a.RetireSlowHeadToFree()
	require.True(t, ok)
	require.Equal(t, id, retired)
	fast, slow := a.ListMembership(id)
	require.False(t, fast)
	require.False(t, slow)
	require.EqualValues(t, 2<<20, a.FreeCapacityBytes())
}

func TestAllocatorShouldCompact(t *testing.T) {
	a := NewAllocator(10, 1<<20)
	a.CompactionHighWaterMark = 0.9
	require.False(t, a.ShouldCompact(8, 10))
	require.True(t, a.ShouldCompact(9, 10))
}
