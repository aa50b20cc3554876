package mpt

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xPOURY4/monad-sub009/storagepool"
)

// defaultRetentionWindow bounds how many versions back a compaction pass
// treats as still-live by default (Open Question resolution, see
// DESIGN.md: spec §4.4 leaves the retention cutoff itself caller-supplied,
// mirroring db_metadata.hpp's slow_fast_ratio tunable's role for the
// fast/slow split).
const defaultRetentionWindow = 1000

// DB is the versioned MPT database: a NodeStore backed by a storagepool
// seq-chunk allocator, a single-writer Update engine, and the DBMetadata
// persistence/recovery layer (spec §3.1-§3.4, §4.1-§4.5 wired together).
type DB struct {
	pool      *storagepool.Pool
	meta      *DBMetadata
	engine    *Engine
	compactor *Compactor
	logger    *zap.Logger
	numSeq    int

	mu             sync.Mutex // single-writer per pool (spec §5)
	root           *Node
	activeFast     *storagepool.Chunk
	activeOff      uint64 // bytes already appended into activeFast
	currentVersion int64

	// RetentionWindow is how many versions behind currentVersion a
	// compaction pass's retention cutoff trails (spec §4.4 "Retention":
	// "callers specify a minimum version V"). Defaults to
	// defaultRetentionWindow; callers may tune it after Open.
	RetentionWindow int64

	metaChunk *storagepool.Chunk // conventional chunk 0, holds the DBMetadata blob
}

// Open wires a DB over an already-open storage pool, running the recovery
// sequence of spec §4.5. DBMetadata (including chunk-list shape) lives in
// the pool's conventional chunk 0; a fresh pool has none yet and Open treats
// a bad-magic read as "first open".
func Open(pool *storagepool.Pool, compute Compute, opts RecoveryOptions, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	numSeq := pool.Chunks(storagepool.KindSeq)
	chunkCap := pool.Devices()[0].ChunkCapacity()

	metaChunk, err := pool.ActivateChunk(storagepool.KindCnv, 0)
	if err != nil {
		return nil, errors.Wrap(err, "activating metadata chunk")
	}

	meta, err := loadOrInitMetadata(metaChunk, numSeq, chunkCap)
	if err != nil {
		return nil, err
	}

	if err := Recover(meta, opts, func(wip ChunkOffset) error {
		return truncateWIPChunk(pool, wip)
	}); err != nil {
		return nil, err
	}

	db := &DB{
		pool:            pool,
		meta:            meta,
		logger:          logger,
		numSeq:          numSeq,
		metaChunk:       metaChunk,
		RetentionWindow: defaultRetentionWindow,
	}
	db.engine = NewEngine(db, compute)
	db.compactor = &Compactor{Store: db, Meta: meta, Logger: noopCompactionLogger{}}

	// Resume the in-flight fast write chunk from the (now-truncated) WIP
	// offset instead of always rotating a brand-new one: the chunk named by
	// start_of_wip_offset_fast still has free capacity past the truncated
	// write pointer, and db_metadata.hpp's recovery leaves it as the chunk
	// the next WriteNode should keep appending to.
	if wip := meta.Offsets.StartOfWIPOffsetFast; wip != InvalidChunkOffset {
		chunk, err := pool.ActivateChunk(storagepool.KindSeq, int(wip.ChunkID()))
		if err != nil {
			return nil, errors.Wrap(err, "resuming in-flight fast chunk")
		}
		db.activeFast = chunk
		db.activeOff = wip.Offset()
	}

	if meta.CurrentRoot() != InvalidChunkOffset {
		root, err := db.ReadNode(meta.CurrentRoot())
		if err != nil {
			return nil, errors.Wrap(err, "reading committed root on open")
		}
		db.root = root
	}
	return db, nil
}

// truncateWIPChunk rolls back the sequential write pointer of the chunk
// named by a WIP offset to that offset, discarding whatever a crash left
// appended past it (spec §4.5 step 3). An Invalid offset means that side
// (fast or slow) never had an in-flight write at the last commit; nothing
// to do.
func truncateWIPChunk(pool *storagepool.Pool, wip ChunkOffset) error {
	if wip == InvalidChunkOffset {
		return nil
	}
	chunk, err := pool.ActivateChunk(storagepool.KindSeq, int(wip.ChunkID()))
	if err != nil {
		return errors.Wrap(err, "activating WIP chunk for truncation")
	}
	defer chunk.Release()
	return chunk.TruncateWritePointer(wip.Offset())
}

// loadOrInitMetadata reads the persisted DBMetadata blob from chunk and
// rebuilds the allocator's exact fast/slow list shape from it; a chunk that
// has never held a valid blob (fresh pool) gets a brand-new, all-free
// allocator instead.
func loadOrInitMetadata(chunk *storagepool.Chunk, numSeq int, chunkCap uint64) (*DBMetadata, error) {
	f, base := chunk.ReadFD()
	raw := make([]byte, dbMetadataBlobCapacity(numSeq))
	if _, err := f.ReadAt(raw, base); err != nil {
		return nil, errors.Wrap(err, "reading metadata chunk")
	}

	m, err := UnmarshalDBMetadata(raw, nil)
	if err == nil {
		alloc := NewAllocator(numSeq, chunkCap)
		alloc.Restore(numSeq, m.FastListIDs, m.SlowListIDs)
		m.Alloc = alloc
		return m, nil
	}

	alloc := NewAllocator(numSeq, chunkCap)
	alloc.InitFreeList(numSeq)
	return NewDBMetadata(alloc), nil
}

// dbMetadataBlobCapacity bounds how many bytes of the metadata chunk we
// read back: the fixed header plus room for every seq chunk id to appear in
// the fast or slow list once.
func dbMetadataBlobCapacity(numSeq int) int {
	return dbMetadataWireSize + 8 + numSeq*2*4
}

// persistMetadata writes the current DBMetadata (including its allocator's
// list shape) to the pool's conventional metadata chunk.
func (db *DB) persistMetadata() error {
	f, base := db.metaChunk.ReadFD()
	buf := db.meta.Marshal()
	_, err := f.WriteAt(buf, base)
	return err
}

// ReadNode implements NodeStore by reading from the pool's seq chunks.
func (db *DB) ReadNode(off ChunkOffset) (*Node, error) {
	chunk, err := db.pool.ActivateChunk(storagepool.KindSeq, int(off.ChunkID()))
	if err != nil {
		return nil, err
	}
	defer chunk.Release()

	f, base := chunk.ReadFD()
	// Nodes are length-prefixed on disk so a bare offset suffices to find
	// their end without a separate index.
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], base+int64(off.Offset())); err != nil {
		return nil, err
	}
	n := leUint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, base+int64(off.Offset())+4); err != nil {
		return nil, err
	}
	return DeserializeNode(buf)
}

// WriteNode implements NodeStore by appending to the current fast-list
// write chunk, allocating a fresh one when it fills (spec §4.4
// "Allocation").
func (db *DB) WriteNode(n *Node) (ChunkOffset, error) {
	payload := SerializeNode(n)
	var lenBuf [4]byte
	putLEUint32(lenBuf[:], uint32(len(payload)))
	total := uint64(len(payload) + 4)

	if db.activeFast == nil || db.activeOff+total > db.activeFast.Capacity() {
		if err := db.rotateFastChunk(); err != nil {
			return 0, err
		}
	}

	f, base, err := db.activeFast.WriteFD(total)
	if err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(lenBuf[:], base); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(payload, base+4); err != nil {
		return 0, err
	}
	if err := db.activeFast.CommitAppend(total); err != nil {
		return 0, err
	}

	off := PackChunkOffset(uint32(db.activeFast.ID()), db.activeOff)
	db.activeOff += total
	return off, nil
}

func (db *DB) rotateFastChunk() error {
	id, ok := db.meta.Alloc.AllocateForFast()
	if !ok {
		return errors.New("mpt: no free chunks available for fast list")
	}
	chunk, err := db.pool.ActivateChunk(storagepool.KindSeq, int(id))
	if err != nil {
		return err
	}
	db.activeFast = chunk
	db.activeOff = 0

	// Rotation is the natural point to check the compaction trigger (spec
	// §4.4 "Allocation": "a chunk is taken from free_list (or slow_list
	// after compaction)"): once fast_list's occupancy crosses the
	// high-water mark, age its oldest chunk into slow_list and run a
	// compaction pass so slow_list has chunks worth freeing back to
	// free_list before the pool runs dry.
	if db.meta.Alloc.ShouldCompact(len(db.meta.Alloc.FastListIDs()), db.numSeq) {
		if _, demoted := db.meta.Alloc.DemoteFastHeadToSlow(); demoted {
			if cerr := db.runCompactionPass(); cerr != nil {
				db.logger.Sugar().Warnw("compaction pass failed", "error", cerr)
			}
		}
	}
	return nil
}

// runCompactionPass relocates slow_list-head nodes still live below the
// retention cutoff and returns the emptied chunk to free_list (spec §4.4
// "Compaction"/"Retention"). No historical roots are retained (a
// VersionedReader reads through the current root), so every pass walks
// only the current root.
func (db *DB) runCompactionPass() error {
	cutoff := db.currentVersion - db.RetentionWindow
	if cutoff < 0 {
		cutoff = 0
	}
	destroy := func(chunkID uint32) error {
		chunk, err := db.pool.ActivateChunk(storagepool.KindSeq, int(chunkID))
		if err != nil {
			return err
		}
		defer chunk.Release()
		return chunk.DestroyContents()
	}
	_, err := db.compactor.Pass(db.root, nil, cutoff, destroy)
	return err
}

// Commit applies updates and, on success, publishes the new root as the
// single linearization point (spec §4.4 "Atomicity", §4.5 "On commit").
func (db *DB) Commit(version int64, updates []Update) (*Node, error) {
	return db.commit(version, func() (*Node, error) {
		return db.engine.Apply(db.root, version, updates)
	})
}

// CommitMerged is Commit's multi-source variant: a and b are interleaved by
// key via Engine.ApplyMerged before descent (spec §4.3 SUPPLEMENT), then
// published with the same two-phase metadata persist as a plain Commit.
func (db *DB) CommitMerged(version int64, a, b []Update) (*Node, error) {
	return db.commit(version, func() (*Node, error) {
		return db.engine.ApplyMerged(db.root, version, a, b)
	})
}

func (db *DB) commit(version int64, apply func() (*Node, error)) (*Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	guard := db.meta.BeginMutation()

	newRoot, err := apply()
	if err != nil {
		guard.Close()
		return nil, err // old root remains published; see spec §4.3 "Failure semantics"
	}

	var rootOff ChunkOffset = InvalidChunkOffset
	if newRoot != nil {
		off, werr := db.WriteNode(newRoot)
		if werr != nil {
			guard.Close()
			return nil, werr
		}
		rootOff = off
	}

	wipFast := InvalidChunkOffset
	if db.activeFast != nil {
		wipFast = PackChunkOffset(uint32(db.activeFast.ID()), db.activeOff)
	}
	db.meta.CommitRoot(rootOff, wipFast, db.meta.Offsets.StartOfWIPOffsetSlow)

	// Two-phase metadata persist: first with is_dirty=1 (the in-flight
	// marker a crash here leaves behind, per spec §4.5's torn-metadata
	// recovery case), then again with is_dirty=0 once the new offsets are
	// durably on disk — that second write is what makes this commit visible
	// to a clean reopen without AllowDirty.
	if err := db.persistMetadata(); err != nil {
		guard.Close()
		return nil, errors.Wrap(err, "persisting db metadata (in-flight)")
	}
	guard.Close()
	if err := db.persistMetadata(); err != nil {
		return nil, errors.Wrap(err, "persisting db metadata (confirmed)")
	}

	db.root = newRoot
	db.currentVersion = version
	return newRoot, nil
}

// Root returns the current committed root (nil for an empty trie).
func (db *DB) Root() *Node {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.root
}

// RootHash returns the 32-byte Merkle root hash, or nil for an empty trie
// (spec §8 property 8 "trie commit-atomicity").
func (db *DB) RootHash() []byte {
	root := db.Root()
	if root == nil {
		return nil
	}
	if len(root.Data) == keccakSize {
		return root.Data
	}
	return db.engine.Compute.ComputeLen(root)
}

// Read looks up key against the current root, descending and pulling
// on-disk children through ReadNode as needed (spec §2 "read path").
func (db *DB) Read(key NibblePath) ([]byte, error) {
	db.mu.Lock()
	root := db.root
	db.mu.Unlock()
	return db.readAt(root, 0, key)
}

func (db *DB) readAt(node *Node, depth int, key NibblePath) ([]byte, error) {
	if node == nil {
		return nil, ErrNotFound
	}
	path := node.Path()
	for i := 0; i < path.Len(); i++ {
		if depth+i >= key.Len() || key.At(depth+i) != path.At(i) {
			return nil, ErrNotFound
		}
	}
	depth += path.Len()
	if depth == key.Len() {
		if !node.HasValue {
			return nil, ErrNotFound
		}
		return node.Value, nil
	}
	nibble := key.At(depth)
	if !node.HasChild(nibble) {
		return nil, ErrNotFound
	}
	idx := node.ChildArrayIndex(nibble)
	child := node.Children[idx].Ptr
	if child == nil {
		var err error
		child, err = db.ReadNode(node.Children[idx].ChunkOff)
		if err != nil {
			return nil, err
		}
	}
	return db.readAt(child, depth+1, key)
}

func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.activeFast != nil {
		db.activeFast.Release()
		db.activeFast = nil
	}
	if db.metaChunk != nil {
		db.metaChunk.Release()
		db.metaChunk = nil
	}
	return nil
}
