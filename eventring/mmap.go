package eventring

import (
	"fmt"
	"os"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

// mapping holds every mmap'd region of one event ring file, wired together
// the way monad_event_ring_mmap composes four separate mappings (spec
// §3.5/§6): a plain header page, a plain descriptor array, a double-mapped
// payload buffer (the "wrap-around trick"), and an optional plain context
// area.
type mapping struct {
	header      mmap.MMap
	descriptors mmap.MMap
	payloadBuf  []byte // length 2*PayloadBufSize; both halves backed by the same file bytes
	contextArea mmap.MMap

	size Size
}

func mmapGoProt(writable bool) int {
	if writable {
		return mmap.RDWR
	}
	return mmap.RDONLY
}

func unixProt(writable bool) int {
	if writable {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_READ
}

// mapHeader maps just the fixed 2 MiB header section.
func mapHeader(f *os.File, writable bool, offset int64) (mmap.MMap, error) {
	h, err := mmap.MapRegion(f, HeaderSize, mmapGoProt(writable), 0, offset)
	if err != nil {
		return nil, fmt.Errorf("eventring: mmap header: %w", err)
	}
	return h, nil
}

// mapSections maps the descriptor array, payload buffer, and (if present)
// context area that follow the header, given an already-known Size. On any
// failure it unwinds whatever it already mapped.
func mapSections(f *os.File, writable bool, headerOffset int64, size Size) (descriptors mmap.MMap, payloadBuf []byte, contextArea mmap.MMap, err error) {
	descLen := int(size.DescriptorCapacity) * DescriptorSize
	descOffset := headerOffset + int64(HeaderSize)
	descriptors, err = mmap.MapRegion(f, descLen, mmapGoProt(writable), 0, descOffset)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("eventring: mmap descriptor array: %w", err)
	}

	payloadOffset := descOffset + int64(descLen)
	payloadBuf, err = mapDoubledPayloadBuffer(f, unixProt(writable), payloadOffset, size.PayloadBufSize)
	if err != nil {
		descriptors.Unmap()
		return nil, nil, nil, err
	}

	if size.ContextAreaSize > 0 {
		contextOffset := payloadOffset + int64(size.PayloadBufSize)
		contextArea, err = mmap.MapRegion(f, int(size.ContextAreaSize), mmapGoProt(writable), 0, contextOffset)
		if err != nil {
			unmapPayloadBuffer(payloadBuf)
			descriptors.Unmap()
			return nil, nil, nil, fmt.Errorf("eventring: mmap context area: %w", err)
		}
	}
	return descriptors, payloadBuf, contextArea, nil
}

// mapDoubledPayloadBuffer reserves one anonymous region sized 2x the
// payload buffer, then remaps the same file-backed bytes into both halves
// with MAP_FIXED (event_ring.c's "wrap around" trick): a payload that
// crosses the end of the logical buffer can still be written/read with
// plain contiguous addressing, because the second half mirrors the first.
func mapDoubledPayloadBuffer(f *os.File, prot int, offset int64, size uint64) ([]byte, error) {
	anon, err := unix.Mmap(-1, 0, int(2*size), prot, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("eventring: reserve payload buffer address space: %w", err)
	}
	base := uintptr(unsafe.Pointer(&anon[0]))

	if err := fixedMmapFile(base, int(size), prot, f, offset); err != nil {
		unix.Munmap(anon)
		return nil, fmt.Errorf("eventring: fixed mmap payload buffer: %w", err)
	}
	if err := fixedMmapFile(base+uintptr(size), int(size), prot, f, offset); err != nil {
		unix.Munmap(anon)
		return nil, fmt.Errorf("eventring: fixed mmap payload buffer wrap-around: %w", err)
	}
	return anon, nil
}

// fixedMmapFile maps length bytes of f at file offset into the already
// reserved address addr. golang.org/x/sys/unix's Mmap wrapper always passes
// addr=0 to the kernel, so the MAP_FIXED remap needed here goes through the
// raw mmap syscall directly — the whole module already assumes a Linux
// target (O_DIRECT, FALLOC_FL_PUNCH_HOLE, eventfd elsewhere), so this isn't adding a
// new portability constraint.
func fixedMmapFile(addr uintptr, length int, prot int, f *os.File, offset int64) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(unix.MAP_FIXED|unix.MAP_SHARED),
		f.Fd(),
		uintptr(offset),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func unmapPayloadBuffer(buf []byte) {
	if buf != nil {
		unix.Munmap(buf)
	}
}

// mapRingFromSize maps a ring file whose Size is already known (used when
// laying out a brand-new ring, before its header has been written).
func mapRingFromSize(f *os.File, writable bool, offset int64, size Size) (*mapping, error) {
	header, err := mapHeader(f, writable, offset)
	if err != nil {
		return nil, err
	}
	descriptors, payloadBuf, contextArea, err := mapSections(f, writable, offset, size)
	if err != nil {
		header.Unmap()
		return nil, err
	}
	return &mapping{header: header, descriptors: descriptors, payloadBuf: payloadBuf, contextArea: contextArea, size: size}, nil
}

// openMappedRing maps an existing, already-initialized ring file: it reads
// the Size back out of the header it just mapped, after checking the magic
// (spec §4.1-style "verify magic" step, applied to the event ring instead
// of the chunked storage pool).
func openMappedRing(f *os.File, writable bool, offset int64) (*mapping, error) {
	header, err := mapHeader(f, writable, offset)
	if err != nil {
		return nil, err
	}
	if string(header[hdrMagicOff:hdrMagicOff+4]) != headerMagic {
		header.Unmap()
		return nil, ErrBadMagic
	}
	size := decodeSize(header)
	if err := validateSize(size); err != nil {
		header.Unmap()
		return nil, err
	}
	if err := checkFileCanHoldSize(f, offset, size); err != nil {
		header.Unmap()
		return nil, err
	}
	descriptors, payloadBuf, contextArea, err := mapSections(f, writable, offset, size)
	if err != nil {
		header.Unmap()
		return nil, err
	}
	return &mapping{header: header, descriptors: descriptors, payloadBuf: payloadBuf, contextArea: contextArea, size: size}, nil
}

// checkFileCanHoldSize guards against mapping a truncated or corrupted ring
// file: without this, a too-short file would mmap successfully (mmap
// doesn't validate against EOF) and only fault with SIGBUS the first time a
// reader or producer touched a page past the file's real end.
func checkFileCanHoldSize(f *os.File, offset int64, size Size) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("eventring: stat %s: %w", f.Name(), err)
	}
	if fi.Size() < offset+int64(CalcStorage(size)) {
		return ErrFileTooSmall
	}
	return nil
}

func (m *mapping) unmap() {
	if m.descriptors != nil {
		m.descriptors.Unmap()
	}
	unmapPayloadBuffer(m.payloadBuf)
	if m.contextArea != nil {
		m.contextArea.Unmap()
	}
	if m.header != nil {
		m.header.Unmap()
	}
}
