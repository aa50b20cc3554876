package mpt

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// allocatorAction is one step of a random sequence drawn against a freshly
// seeded Allocator.
type allocatorAction uint8

const (
	actionAllocateFast allocatorAction = iota
	actionRetireToFree
	actionDemoteToSlow
)

// TestAllocatorListsStayPartitioned runs random sequences of allocate/
// retire/demote actions and checks, after every step, that every chunk id
// belongs to exactly one of {free, fast, slow} — db_metadata.hpp's lists
// are a strict partition of chunk ids, since a chunk is only ever unlinked
// from the list it is currently on before being appended to another.
func TestAllocatorListsStayPartitioned(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numChunks := rapid.IntRange(1, 64).Draw(t, "numChunks")
		const chunkCapacity = 4096
		a := NewAllocator(numChunks, chunkCapacity)
		a.InitFreeList(numChunks)

		steps := rapid.IntRange(0, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			action := rapid.SampledFrom([]allocatorAction{
				actionAllocateFast, actionRetireToFree, actionDemoteToSlow,
			}).Draw(t, "action")

			switch action {
			case actionAllocateFast:
				a.AllocateForFast()
			case actionRetireToFree:
				a.RetireFastHeadToFree()
			case actionDemoteToSlow:
				a.DemoteFastHeadToSlow()
			}

			requireListsPartitionIDs(t, a, numChunks)
			require.Equal(t,
				uint64(len(a.snapshotList(listFree)))*chunkCapacity,
				a.FreeCapacityBytes(),
				"free_capacity_bytes must track len(free_list)*chunk_capacity")
		}
	})
}

func requireListsPartitionIDs(t *rapid.T, a *Allocator, numChunks int) {
	seen := make(map[uint32]listKind, numChunks)
	for _, kind := range []listKind{listFree, listFast, listSlow} {
		for _, id := range a.snapshotList(kind) {
			if prior, ok := seen[id]; ok {
				t.Fatalf("chunk %d present on both list %d and list %d", id, prior, kind)
			}
			seen[id] = kind
		}
	}
	if len(seen) != numChunks {
		t.Fatalf("expected every one of %d chunks on exactly one list, got %d", numChunks, len(seen))
	}
}
