// Package eventring implements the lock-free, single-producer*-mapping,
// many-readers shared-memory event ring (spec.md §3.5, §4.6): a memory
// region divided into header / descriptor-array / payload-buffer / context
// sections, grounded on event_ring.c's monad_event_ring_init_size /
// monad_event_ring_calc_storage / monad_event_ring_mmap and
// event_recorder_inline.h's reserve/commit sequence.
//
// * "single-producer-mapping" describes the ring's wire format, not a
// concurrency restriction: event_recorder.cpp's own multithreaded test
// drives many producer goroutines against one Recorder, see recorder.go.
package eventring

import "fmt"

const (
	page2MB = 1 << 21

	// HeaderSize is the fixed size of the header section: one 2 MiB aligned
	// page regardless of how much of it the header fields actually occupy
	// (spec §3.5).
	HeaderSize = page2MB

	// WindowIncr is the minimum unit by which buffer_window_start advances
	// (spec §4.6 "Sliding window").
	WindowIncr = uint64(1) << 24

	// InlinePayloadMax is the largest payload that rides inside the
	// descriptor itself instead of the payload buffer (spec §3.5).
	InlinePayloadMax = 48

	// DescriptorSize is the fixed on-wire size of one event descriptor
	// record (spec §3.5 "a fixed record").
	DescriptorSize = descPayloadOff + InlinePayloadMax

	minDescriptorsShift = 4
	maxDescriptorsShift = 24

	// minPayloadBufShift keeps the payload buffer at least 2*WindowIncr
	// (exactly 2*WindowIncr at the minimum shift), so the sliding-window
	// subtraction PayloadBufSize-WindowIncr in Recorder.Reserve cannot
	// underflow (event_recorder.cpp's PayloadOverflowTest exercises sizes
	// such as (1<<28) minus one or two WindowIncr units).
	minPayloadBufShift = 25
	maxPayloadBufShift = 33
)

const headerMagic = "MNER"

// SchemaHashSize is the length of the caller-supplied content schema digest
// carried in the header, used to detect a reader linked against a
// mismatched event schema (spec §6 "schema_hash").
const SchemaHashSize = 32

// ContentType tags what kind of events a ring carries (spec §3.5 header
// `content_type`).
type ContentType uint16

const (
	ContentTypeNone ContentType = iota
	ContentTypeTest
	ContentTypeExec
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeTest:
		return "test"
	case ContentTypeExec:
		return "exec"
	default:
		return "none"
	}
}

// Size is the three independently-sized ring sections (spec §3.5, §6).
type Size struct {
	DescriptorCapacity uint64
	PayloadBufSize     uint64
	ContextAreaSize    uint64
}

// InitSize validates shift parameters and derives a Size, the Go analogue of
// monad_event_ring_init_size: both the descriptor capacity and the payload
// buffer size must be powers of two within a sane range: at least 16
// descriptors, and a payload buffer of at least 2*WindowIncr so it is not
// too close in size to WindowIncr for the sliding-window optimization to
// work.
func InitSize(descriptorsShift, payloadBufShift uint8, contextLargePages uint16) (Size, error) {
	if descriptorsShift < minDescriptorsShift || descriptorsShift > maxDescriptorsShift {
		return Size{}, fmt.Errorf("%w: %d outside [%d, %d]",
			ErrInvalidDescriptorShift, descriptorsShift, minDescriptorsShift, maxDescriptorsShift)
	}
	if payloadBufShift < minPayloadBufShift || payloadBufShift > maxPayloadBufShift {
		return Size{}, fmt.Errorf("%w: %d outside [%d, %d]",
			ErrInvalidPayloadBufShift, payloadBufShift, minPayloadBufShift, maxPayloadBufShift)
	}
	return Size{
		DescriptorCapacity: 1 << descriptorsShift,
		PayloadBufSize:     1 << payloadBufShift,
		ContextAreaSize:    page2MB * uint64(contextLargePages),
	}, nil
}

// CalcStorage returns the total byte footprint of a ring of this Size,
// header section included (spec §6 "four 2-MiB-aligned sections").
func CalcStorage(size Size) uint64 {
	return HeaderSize + size.DescriptorCapacity*DescriptorSize + size.PayloadBufSize + size.ContextAreaSize
}

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

func validateSize(size Size) error {
	if !isPowerOfTwo(size.DescriptorCapacity) {
		return fmt.Errorf("%w: descriptor_capacity %d is not a power of two", ErrInvalidDescriptorShift, size.DescriptorCapacity)
	}
	if !isPowerOfTwo(size.PayloadBufSize) {
		return fmt.Errorf("%w: payload_buf_size %d is not a power of two", ErrInvalidPayloadBufShift, size.PayloadBufSize)
	}
	if size.ContextAreaSize > 0 && !isPowerOfTwo(size.ContextAreaSize) {
		return fmt.Errorf("%w: %d", ErrInvalidContextAreaSize, size.ContextAreaSize)
	}
	return nil
}

// header byte offsets within the first HeaderSize bytes of the mapped file
// (spec §6 header layout: magic, schema_hash, content_type, size, control).
const (
	hdrMagicOff       = 0
	hdrSchemaHashOff  = hdrMagicOff + 4
	hdrContentTypeOff = hdrSchemaHashOff + SchemaHashSize
	hdrSizeOff        = hdrContentTypeOff + 12 // padded to 8-byte alignment
	hdrControlOff     = hdrSizeOff + 24        // 3 x uint64

	hdrUsedSize = hdrControlOff + 24 // 3 x uint64: last_seqno, next_payload_byte, buffer_window_start
)

// descriptor byte offsets within one DescriptorSize-sized stride (spec §6
// "Node serialization"-style packed record, applied to
// monad_event_descriptor instead of a trie node).
const (
	descSeqnoOff            = 0
	descEventTypeOff        = descSeqnoOff + 8
	descEpochNanosOff       = descEventTypeOff + 8 // padded to 8
	descPayloadSizeOff      = descEpochNanosOff + 8
	descInlineFlagOff       = descPayloadSizeOff + 4
	descPayloadBufOffsetOff = descInlineFlagOff + 8 // padded to 8
	descPayloadOff          = descPayloadBufOffsetOff + 8
)

// Descriptor is the decoded, process-local copy of one event record (spec
// §3.5). InlinePayload holds the payload bytes when Inline is true;
// otherwise the payload lives in the ring's payload buffer at
// PayloadBufOffset and must be read via Reader.Peek/PayloadCheck before the
// sliding window invalidates it.
type Descriptor struct {
	Seqno            uint64
	EventType        uint16
	EpochNanos       uint64
	PayloadSize      uint32
	Inline           bool
	PayloadBufOffset uint64
	InlinePayload    [InlinePayloadMax]byte
}
