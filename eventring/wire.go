package eventring

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// The header and descriptor control fields live in mmap'd memory shared
// with other processes, so ordinary Go field access isn't safe: every
// load/store here goes through sync/atomic against a raw pointer into the
// mapped bytes, the same discipline event_recorder_inline.h expresses with
// __atomic_fetch_add/__atomic_store_n/__atomic_load_n.

func u64Ptr(buf []byte, off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[off]))
}

func loadU64(buf []byte, off int) uint64         { return atomic.LoadUint64(u64Ptr(buf, off)) }
func storeU64(buf []byte, off int, v uint64)     { atomic.StoreUint64(u64Ptr(buf, off), v) }
func addU64(buf []byte, off int, delta uint64) uint64 {
	return atomic.AddUint64(u64Ptr(buf, off), delta)
}

func casU64(buf []byte, off int, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(u64Ptr(buf, off), old, new)
}

// --- header ---

func decodeSize(header []byte) Size {
	return Size{
		DescriptorCapacity: binary.LittleEndian.Uint64(header[hdrSizeOff:]),
		PayloadBufSize:     binary.LittleEndian.Uint64(header[hdrSizeOff+8:]),
		ContextAreaSize:    binary.LittleEndian.Uint64(header[hdrSizeOff+16:]),
	}
}

// initHeader zeroes the whole header page and writes the fixed fields,
// the Go analogue of monad_event_ring_init_file's memset-then-memcpy: the
// rest of the 2 MiB page is left zero so no stale data from a prior use of
// the file can be mistaken for valid header content, and the control block
// (last_seqno, next_payload_byte, buffer_window_start) starts at zero.
func initHeader(header []byte, size Size, contentType ContentType, schemaHash [SchemaHashSize]byte) {
	for i := range header {
		header[i] = 0
	}
	copy(header[hdrMagicOff:], headerMagic)
	copy(header[hdrSchemaHashOff:], schemaHash[:])
	binary.LittleEndian.PutUint16(header[hdrContentTypeOff:], uint16(contentType))
	binary.LittleEndian.PutUint64(header[hdrSizeOff:], size.DescriptorCapacity)
	binary.LittleEndian.PutUint64(header[hdrSizeOff+8:], size.PayloadBufSize)
	binary.LittleEndian.PutUint64(header[hdrSizeOff+16:], size.ContextAreaSize)
}

func headerContentType(header []byte) ContentType {
	return ContentType(binary.LittleEndian.Uint16(header[hdrContentTypeOff:]))
}

func headerSchemaHash(header []byte) [SchemaHashSize]byte {
	var h [SchemaHashSize]byte
	copy(h[:], header[hdrSchemaHashOff:hdrSchemaHashOff+SchemaHashSize])
	return h
}

// control is a thin view over the header's control block (spec §3.5
// control = {last_seqno, next_payload_byte, buffer_window_start}).
type control struct {
	header []byte
}

func (c control) lastSeqno() uint64         { return loadU64(c.header, hdrControlOff) }
func (c control) fetchAddLastSeqno() uint64 { return addU64(c.header, hdrControlOff, 1) - 1 }

func (c control) fetchAddPayloadByte(n uint64) uint64 {
	return addU64(c.header, hdrControlOff+8, n) - n
}

func (c control) nextPayloadByte() uint64   { return loadU64(c.header, hdrControlOff+8) }
func (c control) bufferWindowStart() uint64 { return loadU64(c.header, hdrControlOff+16) }

func (c control) casBufferWindowStart(old, new uint64) bool {
	return casU64(c.header, hdrControlOff+16, old, new)
}

// --- descriptor ---

func descOffset(idx uint64) int { return int(idx) * DescriptorSize }

func descSlot(descriptors []byte, idx uint64) []byte {
	off := descOffset(idx)
	return descriptors[off : off+DescriptorSize]
}

func descSeqno(slot []byte) uint64                { return loadU64(slot, descSeqnoOff) }
func storeDescSeqnoRelease(slot []byte, v uint64) { storeU64(slot, descSeqnoOff, v) }

func writeDescriptorFields(slot []byte, d Descriptor) {
	binary.LittleEndian.PutUint16(slot[descEventTypeOff:], d.EventType)
	binary.LittleEndian.PutUint64(slot[descEpochNanosOff:], d.EpochNanos)
	binary.LittleEndian.PutUint32(slot[descPayloadSizeOff:], d.PayloadSize)
	if d.Inline {
		slot[descInlineFlagOff] = 1
	} else {
		slot[descInlineFlagOff] = 0
	}
	binary.LittleEndian.PutUint64(slot[descPayloadBufOffsetOff:], d.PayloadBufOffset)
	if d.Inline {
		copy(slot[descPayloadOff:descPayloadOff+InlinePayloadMax], d.InlinePayload[:])
	}
}

func readDescriptor(slot []byte, seqno uint64) Descriptor {
	d := Descriptor{
		Seqno:       seqno,
		EventType:   binary.LittleEndian.Uint16(slot[descEventTypeOff:]),
		EpochNanos:  binary.LittleEndian.Uint64(slot[descEpochNanosOff:]),
		PayloadSize: binary.LittleEndian.Uint32(slot[descPayloadSizeOff:]),
		Inline:      slot[descInlineFlagOff] != 0,
	}
	if d.Inline {
		copy(d.InlinePayload[:], slot[descPayloadOff:descPayloadOff+InlinePayloadMax])
	} else {
		d.PayloadBufOffset = binary.LittleEndian.Uint64(slot[descPayloadBufOffsetOff:])
	}
	return d
}
