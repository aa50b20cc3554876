package storagepool

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"
)

// DeviceKind distinguishes the three backing-device shapes the pool can
// emulate chunked storage over (spec §3.1).
type DeviceKind uint8

const (
	DeviceUnknown DeviceKind = iota
	DeviceFile
	DeviceBlock
	DeviceZoned
)

// Device is one backing file/block device/zoned device. It carries a unique
// hash and the persistent 64-byte metadata block at its tail (spec §3.1,
// §6). A Device owns the cached (buffered) file handle used for metadata
// I/O and an uncached (O_DIRECT) handle used for chunk data I/O by the
// async engine, mirroring storage_pool.hpp's cached_readwritefd_ /
// uncached_readfd_/writefd_ split.
type Device struct {
	path string
	kind DeviceKind

	cached   *os.File
	uncached *os.File

	uniqueHash    uint64
	sizeOfFile    int64
	chunkCapacity uint64

	numChunks    int // total chunks (chunk 0 is cnv, the rest seq)
	tailOffset   int64

	mu        sync.Mutex
	bytesUsed []uint32 // per-seq-chunk atomic "bytes appended" counters
}

// Identity is the string folded into the pool configuration hash — the
// device's resolved path stands in for a true content-addressed identity.
func (d *Device) Identity() string { return d.path }

func (d *Device) Path() string            { return d.path }
func (d *Device) Kind() DeviceKind        { return d.kind }
func (d *Device) TotalSize() int64        { return d.sizeOfFile }
func (d *Device) ChunkCapacity() uint64   { return d.chunkCapacity }
func (d *Device) NumChunks() int          { return d.numChunks }
func (d *Device) NumSeqChunks() int       { return d.numChunks - 1 }
func (d *Device) ChunkBytesUsed(seqIdx int) uint64 {
	return uint64(atomic.LoadUint32(&d.bytesUsed[seqIdx]))
}

// openDevice opens path, classifies it (regular file vs block device), and
// probes its size. It does not yet read or write the tail metadata block;
// that's done by the pool during Open once chunk_capacity is known.
func openDevice(path string, readOnly bool) (*Device, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storagepool: open device %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storagepool: stat device %s: %w", path, err)
	}

	kind := DeviceFile
	size := st.Size()
	if st.Mode()&os.ModeDevice != 0 {
		kind = DeviceBlock
		if sz, err := blockDeviceSize(f); err == nil {
			size = sz
		}
	}

	directFlags := unix.O_RDWR | unix.O_DIRECT
	if readOnly {
		directFlags = unix.O_RDONLY | unix.O_DIRECT
	}
	uncachedFd, err := unix.Open(path, directFlags, 0o644)
	var uncached *os.File
	if err == nil {
		uncached = os.NewFile(uintptr(uncachedFd), path)
	}
	// O_DIRECT is unsupported on some filesystems (tmpfs, overlayfs); fall
	// back to the cached handle for both roles rather than failing open.
	if uncached == nil {
		uncached = f
	}

	d := &Device{
		path:       path,
		kind:       kind,
		cached:     f,
		uncached:   uncached,
		sizeOfFile: size,
		uniqueHash: xxhash.Sum64String(path),
	}
	return d, nil
}

func blockDeviceSize(f *os.File) (int64, error) {
	cur, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return 0, err
	}
	end, err := f.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(cur, os.SEEK_SET); err != nil {
		return 0, err
	}
	return end, nil
}

func (d *Device) Close() error {
	var err error
	if d.uncached != d.cached {
		if e := d.uncached.Close(); e != nil {
			err = e
		}
	}
	if e := d.cached.Close(); e != nil {
		err = e
	}
	return err
}

// readMetadata reads the trailing 64-byte metadata_t block.
func (d *Device) readMetadata() (deviceMetadata, error) {
	var buf [metadataSize]byte
	if _, err := d.cached.ReadAt(buf[:], d.sizeOfFile-metadataSize); err != nil {
		return deviceMetadata{}, err
	}
	return unmarshalDeviceMetadata(buf)
}

func (d *Device) writeMetadata(m deviceMetadata) error {
	buf := m.marshal()
	_, err := d.cached.WriteAt(buf[:], d.sizeOfFile-metadataSize)
	return err
}

// bytesUsedCountersOffset is where the N seq-chunk "bytes-used" uint32
// counters live, immediately before the metadata_t tail (spec §6).
func (d *Device) bytesUsedCountersOffset() int64 {
	return d.sizeOfFile - metadataSize - int64(d.NumSeqChunks())*4
}

func (d *Device) loadBytesUsedCounters() error {
	n := d.NumSeqChunks()
	d.bytesUsed = make([]uint32, n)
	if n == 0 {
		return nil
	}
	buf := make([]byte, n*4)
	if _, err := d.cached.ReadAt(buf, d.bytesUsedCountersOffset()); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		d.bytesUsed[i] = leUint32(buf[i*4 : i*4+4])
	}
	return nil
}

func (d *Device) storeBytesUsedCounter(seqIdx int, value uint32) error {
	atomic.StoreUint32(&d.bytesUsed[seqIdx], value)
	var b [4]byte
	putLEUint32(b[:], value)
	_, err := d.cached.WriteAt(b[:], d.bytesUsedCountersOffset()+int64(seqIdx)*4)
	return err
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

