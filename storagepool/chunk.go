package storagepool

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Kind distinguishes conventional (random-write) from sequential
// (append-only) chunks — the pool's two zone flavors (spec §3.1).
type Kind uint8

const (
	KindCnv Kind = iota
	KindSeq
)

func (k Kind) String() string {
	if k == KindSeq {
		return "seq"
	}
	return "cnv"
}

// Chunk is a contiguous, reference-counted span of one device. Chunks are
// never moved; capacity always equals the device's chunk capacity.
// Reference counting models the shared_ptr<chunk> semantics of the
// reference design: last Release drops the entry from the pool's active
// table (spec Design Notes).
type Chunk struct {
	pool   *Pool
	device *Device

	kind               Kind
	id                 int // global chunk id within the pool
	idWithinDevice     int // index of this chunk on its device
	zoneID             int // index among same-kind chunks on the device
	offsetInDevice     int64
	capacity           uint64

	refcount int32
}

func (c *Chunk) Kind() Kind       { return c.kind }
func (c *Chunk) ID() int          { return c.id }
func (c *Chunk) ZoneID() int      { return c.zoneID }
func (c *Chunk) Capacity() uint64 { return c.capacity }
func (c *Chunk) Device() *Device  { return c.device }

func (c *Chunk) isConventionalWrite() bool { return c.kind == KindCnv }
func (c *Chunk) isSequentialWrite() bool   { return c.kind == KindSeq }

// Size returns the number of bytes currently occupied: capacity for cnv
// chunks (random-write, caller tracks occupancy itself), bytes-used counter
// for seq chunks (spec §3.1/§4.1).
func (c *Chunk) Size() uint64 {
	if c.kind == KindCnv {
		return c.capacity
	}
	return c.device.ChunkBytesUsed(c.seqIndexOnDevice())
}

func (c *Chunk) seqIndexOnDevice() int { return c.idWithinDevice - 1 }

// ReadFD returns the underlying file and the base byte offset of this
// chunk within it — the {fd, base_offset} pair of spec §4.1.
func (c *Chunk) ReadFD() (*os.File, int64) {
	return c.device.uncached, c.offsetInDevice
}

// WriteFD returns {fd, offset_of_next_append} for a write of nbytes. For a
// cnv chunk the "next append" is always offset 0 (random-write, caller
// picks); for seq it's the current append pointer derived from the
// bytes-used counter.
func (c *Chunk) WriteFD(nbytes uint64) (*os.File, int64, error) {
	if c.kind == KindCnv {
		return c.device.uncached, c.offsetInDevice, nil
	}
	used := c.device.ChunkBytesUsed(c.seqIndexOnDevice())
	if used+nbytes > c.capacity {
		return nil, 0, ErrCapacityTooBig
	}
	return c.device.uncached, c.offsetInDevice + int64(used), nil
}

// CommitAppend advances the seq chunk's append pointer after nbytes have
// been durably written, atomically updating the persisted counter.
func (c *Chunk) CommitAppend(nbytes uint64) error {
	if c.kind != KindSeq {
		return nil
	}
	idx := c.seqIndexOnDevice()
	newUsed := c.device.ChunkBytesUsed(idx) + nbytes
	return c.device.storeBytesUsedCounter(idx, uint32(newUsed))
}

// TruncateWritePointer resets a seq chunk's append pointer back to an
// earlier offset, discarding any bytes written past it without physically
// erasing them — the next CommitAppend overwrites that tail. Used to roll
// back a torn in-flight write a crash left behind (spec §4.5 step 3: treat
// [start_of_wip_offset, end-of-chunk) as discardable on recovery).
func (c *Chunk) TruncateWritePointer(off uint64) error {
	if c.kind != KindSeq {
		return nil
	}
	if off > c.capacity {
		return ErrCapacityTooBig
	}
	return c.device.storeBytesUsedCounter(c.seqIndexOnDevice(), uint32(off))
}

// DestroyContents issues TRIM/discard and resets the bytes-used counter
// (spec §4.1 step 4). For cnv chunks there is no occupancy counter to
// reset; only the discard is issued.
func (c *Chunk) DestroyContents() error {
	f := c.device.uncached
	fd := int(f.Fd())
	err := unix.FallocPunchHole(fd, c.offsetInDevice, int64(c.capacity))
	if err != nil {
		// Fall back to a plain zero-fill for filesystems without
		// FALLOC_FL_PUNCH_HOLE (spec §9 open question: "contents are
		// unspecified but trimmed").
		err = zeroFill(f, c.offsetInDevice, int64(c.capacity))
	}
	if c.kind == KindSeq {
		if zerr := c.device.storeBytesUsedCounter(c.seqIndexOnDevice(), 0); zerr != nil && err == nil {
			err = zerr
		}
	}
	return err
}

func zeroFill(f *os.File, off, n int64) error {
	const chunkSize = 1 << 20
	buf := make([]byte, chunkSize)
	for n > 0 {
		w := int64(len(buf))
		if w > n {
			w = n
		}
		if _, err := f.WriteAt(buf[:w], off); err != nil {
			return err
		}
		off += w
		n -= w
	}
	return nil
}

// TryTrimContents is a best-effort tail discard of the trailing nbytes of
// the chunk's occupied region.
func (c *Chunk) TryTrimContents(nbytes uint64) error {
	if nbytes == 0 {
		return nil
	}
	size := c.Size()
	if nbytes > size {
		nbytes = size
	}
	start := c.offsetInDevice + int64(size-nbytes)
	return unix.FallocPunchHole(int(c.device.uncached.Fd()), start, int64(nbytes))
}

// CloneContentsInto offloads a copy of nbytes from c into other via
// FICLONERANGE when available, falling back to a buffered copy.
func (c *Chunk) CloneContentsInto(other *Chunk, nbytes uint64) error {
	srcFd := int(c.device.uncached.Fd())
	dstFd := int(other.device.uncached.Fd())
	err := unix.IoctlFileCloneRange(dstFd, &unix.FileCloneRange{
		Src_fd:      int64(srcFd),
		Src_offset:  uint64(c.offsetInDevice),
		Src_length:  nbytes,
		Dest_offset: uint64(other.offsetInDevice),
	})
	if err == nil {
		return nil
	}
	buf := make([]byte, 1<<20)
	var done uint64
	for done < nbytes {
		w := uint64(len(buf))
		if w > nbytes-done {
			w = nbytes - done
		}
		if _, rerr := c.device.uncached.ReadAt(buf[:w], c.offsetInDevice+int64(done)); rerr != nil {
			return rerr
		}
		if _, werr := other.device.uncached.WriteAt(buf[:w], other.offsetInDevice+int64(done)); werr != nil {
			return werr
		}
		done += w
	}
	return nil
}

func (c *Chunk) retain() { atomic.AddInt32(&c.refcount, 1) }

// Release drops a reference; at zero the pool forgets the activation so a
// later activate_chunk reopens cleanly.
func (c *Chunk) Release() {
	if atomic.AddInt32(&c.refcount, -1) == 0 {
		c.pool.deactivate(c)
	}
}
