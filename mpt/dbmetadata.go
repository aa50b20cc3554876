package mpt

import (
	"encoding/binary"
	"sync/atomic"
)

const dbMetadataMagic = "MNDB"

// dbOffsets mirrors db_offsets_info_t from db_metadata.hpp (spec §3.4).
type dbOffsets struct {
	RootOffset             ChunkOffset
	StartOfWIPOffsetFast   ChunkOffset
	StartOfWIPOffsetSlow   ChunkOffset
	LastCompactOffsetFast  ChunkOffset
	LastCompactOffsetSlow  ChunkOffset
	LastCompactRangeFast   ChunkOffset
	LastCompactRangeSlow   ChunkOffset
}

// DBMetadata is the singleton persistent record inside the first
// conventional chunk (spec §3.4). isDirty is accessed with atomic
// load/release-store semantics so a crash mid-update leaves a detectable
// torn record, per the hold_dirty RAII discipline in db_metadata.hpp.
type DBMetadata struct {
	magic   [4]byte
	isDirty uint32 // accessed via atomic; 1 while a mutation is in flight

	Offsets      dbOffsets
	SlowFastRatio float64

	Alloc *Allocator

	// FastListIDs/SlowListIDs are populated by UnmarshalDBMetadata when Alloc
	// was not yet known (DB.Open uses these to call Allocator.Restore before
	// wiring Alloc back onto this struct). Unused once Alloc is set.
	FastListIDs []uint32
	SlowListIDs []uint32
}

func NewDBMetadata(alloc *Allocator) *DBMetadata {
	m := &DBMetadata{Alloc: alloc, SlowFastRatio: 1.0}
	copy(m.magic[:], dbMetadataMagic)
	// Every offset defaults to Invalid, not the zero value: ChunkOffset(0)
	// is PackChunkOffset(0, 0), a legitimate pointer at chunk 0 offset 0,
	// so leaving these at Go's zero value would make a brand-new metadata
	// blob look like it already has an in-flight write at that location.
	m.Offsets.RootOffset = InvalidChunkOffset
	m.Offsets.StartOfWIPOffsetFast = InvalidChunkOffset
	m.Offsets.StartOfWIPOffsetSlow = InvalidChunkOffset
	m.Offsets.LastCompactOffsetFast = InvalidChunkOffset
	m.Offsets.LastCompactOffsetSlow = InvalidChunkOffset
	m.Offsets.LastCompactRangeFast = InvalidChunkOffset
	m.Offsets.LastCompactRangeSlow = InvalidChunkOffset
	return m
}

func (m *DBMetadata) IsDirty() bool { return atomic.LoadUint32(&m.isDirty) == 1 }

func (m *DBMetadata) setDirty(v bool) {
	var n uint32
	if v {
		n = 1
	}
	atomic.StoreUint32(&m.isDirty, n) // release store: see spec §3.4 invariant
}

// HoldDirty is a scope-guard matching db_metadata.hpp's hold_dirty: sets
// is_dirty on construction, clears it on Close, on every exit path
// including panics recovered by the caller's defer.
type HoldDirty struct {
	meta *DBMetadata
}

func (m *DBMetadata) BeginMutation() *HoldDirty {
	m.setDirty(true)
	return &HoldDirty{meta: m}
}

func (h *HoldDirty) Close() {
	h.meta.setDirty(false)
}

// CommitRoot is the single linearization point of an update batch (spec
// §4.4 "Atomicity"): callers must invoke this, and only this, while holding
// a HoldDirty bracket, to publish a new root.
func (m *DBMetadata) CommitRoot(newRoot ChunkOffset, wipFast, wipSlow ChunkOffset) {
	m.Offsets.RootOffset = newRoot
	m.Offsets.StartOfWIPOffsetFast = wipFast
	m.Offsets.StartOfWIPOffsetSlow = wipSlow
}

const dbMetadataWireSize = 4 + 4 + 7*8 + 8

// Marshal encodes the fixed fields plus the allocator's fast/slow list
// membership (spec §4.5: list shape must survive a reopen, not just the
// root pointer), as two length-prefixed uint32 id arrays appended after the
// fixed-size header.
func (m *DBMetadata) Marshal() []byte {
	var fastIDs, slowIDs []uint32
	if m.Alloc != nil {
		fastIDs = m.Alloc.FastListIDs()
		slowIDs = m.Alloc.SlowListIDs()
	}

	buf := make([]byte, dbMetadataWireSize+4+len(fastIDs)*4+4+len(slowIDs)*4)
	off := 0
	copy(buf[off:], m.magic[:])
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], atomic.LoadUint32(&m.isDirty))
	off += 4
	putOffset := func(o ChunkOffset) {
		binary.LittleEndian.PutUint64(buf[off:], uint64(o))
		off += 8
	}
	putOffset(m.Offsets.RootOffset)
	putOffset(m.Offsets.StartOfWIPOffsetFast)
	putOffset(m.Offsets.StartOfWIPOffsetSlow)
	putOffset(m.Offsets.LastCompactOffsetFast)
	putOffset(m.Offsets.LastCompactOffsetSlow)
	putOffset(m.Offsets.LastCompactRangeFast)
	putOffset(m.Offsets.LastCompactRangeSlow)
	binary.LittleEndian.PutUint64(buf[off:], uint64(int64(m.SlowFastRatio*1e9)))
	off += 8

	putIDs := func(ids []uint32) {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(ids)))
		off += 4
		for _, id := range ids {
			binary.LittleEndian.PutUint32(buf[off:], id)
			off += 4
		}
	}
	putIDs(fastIDs)
	putIDs(slowIDs)
	return buf
}

// UnmarshalDBMetadata decodes a Marshal'd blob. alloc may be nil; if so the
// caller is expected to build one from the returned fast/slow id lists via
// Allocator.Restore before wiring it into the returned DBMetadata.
func UnmarshalDBMetadata(buf []byte, alloc *Allocator) (*DBMetadata, error) {
	if len(buf) < dbMetadataWireSize {
		return nil, ErrTornMetadata
	}
	m := &DBMetadata{Alloc: alloc}
	off := 0
	copy(m.magic[:], buf[off:off+4])
	off += 4
	if string(m.magic[:]) != dbMetadataMagic {
		return nil, ErrBadMagic
	}
	m.isDirty = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	getOffset := func() ChunkOffset {
		v := ChunkOffset(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		return v
	}
	m.Offsets.RootOffset = getOffset()
	m.Offsets.StartOfWIPOffsetFast = getOffset()
	m.Offsets.StartOfWIPOffsetSlow = getOffset()
	m.Offsets.LastCompactOffsetFast = getOffset()
	m.Offsets.LastCompactOffsetSlow = getOffset()
	m.Offsets.LastCompactRangeFast = getOffset()
	m.Offsets.LastCompactRangeSlow = getOffset()
	m.SlowFastRatio = float64(int64(binary.LittleEndian.Uint64(buf[off:]))) / 1e9
	off += 8

	getIDs := func() ([]uint32, error) {
		if off+4 > len(buf) {
			return nil, ErrTornMetadata
		}
		n := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		if off+int(n)*4 > len(buf) {
			return nil, ErrTornMetadata
		}
		ids := make([]uint32, n)
		for i := range ids {
			ids[i] = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
		return ids, nil
	}
	fastIDs, err := getIDs()
	if err != nil {
		return nil, err
	}
	slowIDs, err := getIDs()
	if err != nil {
		return nil, err
	}
	m.FastListIDs = fastIDs
	m.SlowListIDs = slowIDs
	return m, nil
}
