package eventring

import (
	"fmt"
	"time"
)

// maxPayloadSize mirrors PayloadOverflowTest's INT32_MAX cutoff: the C
// descriptor's payload_size field is a uint32_t but the reserve path treats
// anything above INT32_MAX as a caller error rather than silently wrapping.
const maxPayloadSize = (1 << 31) - 1

// Reservation is the in-flight state between Recorder.Reserve and
// Recorder.Commit: the claimed descriptor slot and the sequence number that
// must be release-stored into it to publish the event (spec §4.6 producer
// contract steps 4-7).
type Reservation struct {
	slot  []byte
	seqno uint64
}

// Recorder is a multi-producer event writer bound to one mapped ring (spec
// §4.6 "Producer contract", §5 "Event Ring (recorder)"): producers never
// block, and no two producers ever fill the same slot because sequence
// numbers are monotonic and the slot is (seqno-1) mod capacity.
type Recorder struct {
	m   *mapping
	ctl control
}

func newRecorder(m *mapping) *Recorder {
	return &Recorder{m: m, ctl: control{header: m.header}}
}

// Record reserves space for payload, copies it in, and commits the event in
// one call — the Go analogue of monad_event_record
// (event_recorder_inline.h). Reserve/Commit are exposed separately for
// callers that want to fill the payload in place or use vectored writes via
// RecordV.
func (r *Recorder) Record(eventType uint16, payload []byte) error {
	res, dst, err := r.Reserve(eventType, len(payload))
	if err != nil {
		return err
	}
	copy(dst, payload)
	return r.Commit(res)
}

// RecordV is the vectored "gather I/O" form of Record, mirroring
// monad_event_recordv: useful when a payload is naturally assembled from
// several disjoint buffers and the caller would rather not concatenate them
// first.
func (r *Recorder) RecordV(eventType uint16, iov [][]byte) error {
	total := 0
	for _, b := range iov {
		total += len(b)
	}
	res, dst, err := r.Reserve(eventType, total)
	if err != nil {
		return err
	}
	for _, b := range iov {
		dst = dst[copy(dst, b):]
	}
	return r.Commit(res)
}

// Reserve allocates a descriptor slot and, for payloads that don't fit
// inline, space in the payload buffer. The returned slice has exactly
// payloadSize bytes and must be completely filled in before Commit (spec
// §4.6 producer contract steps 1-6).
func (r *Recorder) Reserve(eventType uint16, payloadSize int) (*Reservation, []byte, error) {
	if payloadSize < 0 || payloadSize > maxPayloadSize {
		return nil, nil, fmt.Errorf("eventring: payload size %d exceeds max %d", payloadSize, maxPayloadSize)
	}
	inline := payloadSize <= InlinePayloadMax
	allocSize := uint64(0)
	if !inline {
		allocSize = roundUp(uint64(payloadSize), 8)
	}

	lastSeqno := r.ctl.fetchAddLastSeqno()
	payloadBegin := r.ctl.fetchAddPayloadByte(allocSize)

	slot := descSlot(r.m.descriptors, lastSeqno&(r.m.size.DescriptorCapacity-1))
	// Zero the slot's seqno with a release store before touching anything
	// else: if this slot is still occupied by an older event a reader is
	// currently inspecting, this is what lets that reader detect
	// invalidation (spec §4.6 step 4).
	storeDescSeqnoRelease(slot, 0)

	payloadEnd := payloadBegin + allocSize
	windowStart := r.ctl.bufferWindowStart()
	if payloadEnd-windowStart > r.m.size.PayloadBufSize-WindowIncr {
		// Slide the window forward by the payload size rounded up to
		// WindowIncr (spec §4.6 step 6). A lost CAS race just means another
		// producer already slid it at least as far; no retry needed.
		r.ctl.casBufferWindowStart(windowStart, windowStart+roundUp(uint64(payloadSize), WindowIncr))
	}

	seqno := lastSeqno + 1
	d := Descriptor{
		EventType:   eventType,
		EpochNanos:  uint64(time.Now().UnixNano()),
		PayloadSize: uint32(payloadSize),
		Inline:      inline,
	}
	var dst []byte
	if inline {
		dst = slot[descPayloadOff : descPayloadOff+payloadSize]
	} else {
		d.PayloadBufOffset = payloadBegin
		off := payloadBegin & (r.m.size.PayloadBufSize - 1)
		dst = r.m.payloadBuf[off : off+uint64(payloadSize)]
	}
	writeDescriptorFields(slot, d)
	return &Reservation{slot: slot, seqno: seqno}, dst, nil
}

// Commit publishes the event reserved by Reserve, making it visible to
// readers via a release store of the descriptor's sequence number (spec
// §4.6 producer contract step 7).
func (r *Recorder) Commit(res *Reservation) error {
	storeDescSeqnoRelease(res.slot, res.seqno)
	return nil
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
