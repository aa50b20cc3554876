package mpt

// invalidChunkID marks a list-end sentinel, matching db_metadata.hpp's
// INVALID_CHUNK_ID = 0xfffff (20 bits all set).
const invalidChunkID uint32 = 0xfffff

// chunkInfo is the bit-packed 8-byte doubly-linked-list node from
// db_metadata.hpp's chunk_info_t: {prev:20, in_fast_list:1, in_slow_list:1,
// insertion_count_lo:10, next:20, unused:2, insertion_count_hi:10}. Mid-list
// removal is forbidden — IDs are only ever unlinked at a list's head or
// tail — so the split 20-bit insertion counter never has to be
// renumbered (spec §3.4).
type chunkInfo struct {
	prev uint32
	next uint32

	inFastList bool
	inSlowList bool

	insertionCount uint32 // 20-bit logical counter, split prev/next-adjacent in the C original for packing; kept whole here
}

func newChunkInfo() chunkInfo {
	return chunkInfo{prev: invalidChunkID, next: invalidChunkID}
}

// chunkList is one of free_list / fast_list / slow_list: a doubly linked
// list of chunk IDs threaded through a shared chunkInfo table (spec §3.4).
type chunkList struct {
	begin uint32
	end   uint32
}

func newChunkList() chunkList { return chunkList{begin: invalidChunkID, end: invalidChunkID} }

// Allocator manages the three chunk lists and free-capacity accounting
// described in spec §3.4/§4.4. It does not itself do I/O; DBMetadata owns
// persistence and the is_dirty bracket.
type Allocator struct {
	info []chunkInfo // indexed by chunk id

	free chunkList
	fast chunkList
	slow chunkList

	freeCapacityBytes uint64
	chunkCapacity     uint64

	nextInsertionCount uint32

	// CompactionHighWaterMark is the fraction of all chunks on fast_list
	// at or above which ShouldCompact reports true (Open Question
	// resolution recorded in DESIGN.md; default mirrors db_metadata.hpp's
	// slow_fast_ratio tunable).
	CompactionHighWaterMark float64
}

func NewAllocator(numChunks int, chunkCapacity uint64) *Allocator {
	a := &Allocator{
		info:                    make([]chunkInfo, numChunks),
		free:                    newChunkList(),
		fast:                    newChunkList(),
		slow:                    newChunkList(),
		chunkCapacity:           chunkCapacity,
		CompactionHighWaterMark: 0.9,
	}
	for i := range a.info {
		a.info[i] = newChunkInfo()
	}
	return a
}

func (a *Allocator) listFor(kind listKind) *chunkList {
	switch kind {
	case listFree:
		return &a.free
	case listFast:
		return &a.fast
	default:
		return &a.slow
	}
}

type listKind uint8

const (
	listFree listKind = iota
	listFast
	listSlow
)

// InitFreeList seeds the free list with every chunk id in [0, numChunks),
// used the first time a pool's trie region is laid out.
func (a *Allocator) InitFreeList(numChunks int) {
	for id := 0; id < numChunks; id++ {
		a.appendTo(listFree, uint32(id))
	}
	a.freeCapacityBytes = uint64(numChunks) * a.chunkCapacity
}

// appendTo links id onto the tail of the given list — the only mutation
// db_metadata.hpp's append_ permits (no mid-list insertion).
func (a *Allocator) appendTo(kind listKind, id uint32) {
	l := a.listFor(kind)
	ci := &a.info[id]
	ci.prev = l.end
	ci.next = invalidChunkID
	ci.inFastList = kind == listFast
	ci.inSlowList = kind == listSlow
	ci.insertionCount = a.nextInsertionCount
	a.nextInsertionCount++

	if l.end != invalidChunkID {
		a.info[l.end].next = id
	} else {
		l.begin = id
	}
	l.end = id
}

// removeHead unlinks and returns the list's head id, or (0, false) if
// empty — the only removal db_metadata.hpp permits, besides removal at the
// tail.
func (a *Allocator) removeHead(kind listKind) (uint32, bool) {
	l := a.listFor(kind)
	if l.begin == invalidChunkID {
		return 0, false
	}
	id := l.begin
	ci := &a.info[id]
	l.begin = ci.next
	if l.begin != invalidChunkID {
		a.info[l.begin].prev = invalidChunkID
	} else {
		l.end = invalidChunkID
	}
	ci.next, ci.prev = invalidChunkID, invalidChunkID
	ci.inFastList, ci.inSlowList = false, false
	return id, true
}

// AllocateForFast takes a chunk from free_list (falling back to slow_list,
// spec §4.4 "Allocation") and appends it to fast_list. Returns the chunk id.
func (a *Allocator) AllocateForFast() (uint32, bool) {
	id, ok := a.removeHead(listFree)
	if !ok {
		id, ok = a.removeHead(listSlow)
		if !ok {
			return 0, false
		}
	}
	a.appendTo(listFast, id)
	if a.freeCapacityBytes >= a.chunkCapacity {
		a.freeCapacityBytes -= a.chunkCapacity
	}
	return id, true
}

// RetireFastHeadToFree moves fast_list's head chunk (after it has been
// drained by compaction and destroy_contents'd) back to free_list.
func (a *Allocator) RetireFastHeadToFree() (uint32, bool) {
	id, ok := a.removeHead(listFast)
	if !ok {
		return 0, false
	}
	a.appendTo(listFree, id)
	a.freeCapacityBytes += a.chunkCapacity
	return id, true
}

// RetireSlowHeadToFree moves slow_list's head chunk (after a compaction
// pass has relocated its live nodes and destroy_contents'd it) back to
// free_list. Compaction drains slow_list, not fast_list: fast_list holds
// the chunks still being actively written (spec §4.4 "Allocation").
func (a *Allocator) RetireSlowHeadToFree() (uint32, bool) {
	id, ok := a.removeHead(listSlow)
	if !ok {
		return 0, false
	}
	a.appendTo(listFree, id)
	a.freeCapacityBytes += a.chunkCapacity
	return id, true
}

// DemoteFastHeadToSlow moves fast_list's head chunk into slow_list once the
// fast generation has aged past it (spec §4.4 "two logical generations").
func (a *Allocator) DemoteFastHeadToSlow() (uint32, bool) {
	id, ok := a.removeHead(listFast)
	if !ok {
		return 0, false
	}
	a.appendTo(listSlow, id)
	return id, true
}

func (a *Allocator) FreeCapacityBytes() uint64 { return a.freeCapacityBytes }

// snapshotList walks a list head-to-tail and returns its member ids in order.
func (a *Allocator) snapshotList(kind listKind) []uint32 {
	l := a.listFor(kind)
	var out []uint32
	for id := l.begin; id != invalidChunkID; id = a.info[id].next {
		out = append(out, id)
	}
	return out
}

// FastListIDs returns the fast list's member ids in head-to-tail order, for
// persisting list shape across a reopen (spec §4.5 "on open, the chunk
// lists' membership must be reconstructed exactly").
func (a *Allocator) FastListIDs() []uint32 { return a.snapshotList(listFast) }

// SlowListIDs returns the slow list's member ids in head-to-tail order.
func (a *Allocator) SlowListIDs() []uint32 { return a.snapshotList(listSlow) }

// Restore rebuilds the three chunk lists from a persisted fast/slow
// membership: every id not named in either list joins the free list, in
// ascending order. Used by DB.Open to reconstruct allocator state from the
// DBMetadata blob instead of assuming every chunk starts free.
func (a *Allocator) Restore(numChunks int, fastIDs, slowIDs []uint32) {
	a.info = make([]chunkInfo, numChunks)
	for i := range a.info {
		a.info[i] = newChunkInfo()
	}
	a.free, a.fast, a.slow = newChunkList(), newChunkList(), newChunkList()
	a.nextInsertionCount = 0

	inUse := make(map[uint32]bool, len(fastIDs)+len(slowIDs))
	for _, id := range slowIDs {
		a.appendTo(listSlow, id)
		inUse[id] = true
	}
	for _, id := range fastIDs {
		a.appendTo(listFast, id)
		inUse[id] = true
	}
	var freeCount int
	for id := 0; id < numChunks; id++ {
		if !inUse[uint32(id)] {
			a.appendTo(listFree, uint32(id))
			freeCount++
		}
	}
	a.freeCapacityBytes = uint64(freeCount) * a.chunkCapacity
}

func (a *Allocator) ListMembership(id uint32) (fast, slow bool) {
	ci := a.info[id]
	return ci.inFastList, ci.inSlowList
}

// ShouldCompact reports whether the fast list's occupancy has crossed
// CompactionHighWaterMark of total capacity (spec §4.4 "compaction windows").
func (a *Allocator) ShouldCompact(fastListLen int, totalChunks int) bool {
	if totalChunks == 0 {
		return false
	}
	return float64(fastListLen)/float64(totalChunks) >= a.CompactionHighWaterMark
}
