package eventring

import (
	"fmt"
	"os"

	"github.com/xPOURY4/monad-sub009/metrics"
)

// HeaderSnapshot is a point-in-time, process-local copy of a ring's header
// fields, used by the CLI's --header option (spec §6 "print event ring file
// header").
type HeaderSnapshot struct {
	ContentType        ContentType
	DescriptorCapacity uint64
	DescriptorByteSize uint64
	PayloadBufSize     uint64
	ContextAreaSize    uint64
	LastSeqno          uint64
	NextPayloadByte    uint64
	BufferWindowStart  uint64
}

func snapshotHeader(m *mapping, contentType ContentType) HeaderSnapshot {
	ctl := control{header: m.header}
	return HeaderSnapshot{
		ContentType:        contentType,
		DescriptorCapacity: m.size.DescriptorCapacity,
		DescriptorByteSize: m.size.DescriptorCapacity * DescriptorSize,
		PayloadBufSize:     m.size.PayloadBufSize,
		ContextAreaSize:    m.size.ContextAreaSize,
		LastSeqno:          ctl.lastSeqno(),
		NextPayloadByte:    ctl.nextPayloadByte(),
		BufferWindowStart:  ctl.bufferWindowStart(),
	}
}

// Reader is the consumer-facing API over a read-only mapped ring (spec
// §4.6 "Consumer contract", grounded on the try_next/payload_check/peek
// trio event_recorder.cpp's reader_main and eventcap.cpp's follow_thread_main
// exercise).
type Reader struct {
	f *os.File
	m *mapping

	ctl           control
	readLastSeqno uint64
	metrics       *metrics.Registry
}

// SetMetrics attaches a diagnostics registry that records ErrGap resyncs.
// Safe to call at any time, including with nil to detach.
func (r *Reader) SetMetrics(reg *metrics.Registry) { r.metrics = reg }

// OpenReader maps path read-only and validates its header magic (spec §4.5
// "verify magic" step, applied to the event ring rather than the chunked
// storage pool).
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("eventring: open %s: %w", path, err)
	}
	m, err := openMappedRing(f, false, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Reader{f: f, m: m, ctl: control{header: m.header}}, nil
}

func (r *Reader) Close() error {
	r.m.unmap()
	return r.f.Close()
}

func (r *Reader) ContentType() ContentType           { return headerContentType(r.m.header) }
func (r *Reader) SchemaHash() [SchemaHashSize]byte   { return headerSchemaHash(r.m.header) }
func (r *Reader) Size() Size                         { return r.m.size }
func (r *Reader) HeaderSnapshot() HeaderSnapshot      { return snapshotHeader(r.m, r.ContentType()) }

// Reset resyncs the reader's cursor to the beginning, the same "start from
// zero regardless of where the most recent event is" behavior
// event_recorder.cpp's reader_main uses at the start of a test run.
func (r *Reader) Reset() { r.readLastSeqno = 0 }

// SeekSeqno forces the reader's cursor to a specific sequence number (the
// CLI's --start-seqno debug flag, spec §6).
func (r *Reader) SeekSeqno(seqno uint64) { r.readLastSeqno = seqno }

// TryNext returns the next event, ErrNotReady if nothing new has been
// committed, or ErrGap if the reader fell behind far enough that the
// descriptor it expected has already been overwritten (spec §4.6 "Consumer
// contract" steps 1-2). On ErrGap the reader resyncs its cursor to the
// ring's current last_seqno rather than retrying the same stale slot
// forever (DESIGN.md's resolution of the reader-gap-behavior Open
// Question).
func (r *Reader) TryNext() (Descriptor, error) {
	last := r.ctl.lastSeqno()
	if last <= r.readLastSeqno {
		return Descriptor{}, ErrNotReady
	}

	idx := r.readLastSeqno & (r.m.size.DescriptorCapacity - 1)
	slot := descSlot(r.m.descriptors, idx)
	seqno := descSeqno(slot)
	if seqno != r.readLastSeqno+1 {
		r.readLastSeqno = last
		r.metrics.ReaderGap()
		return Descriptor{}, ErrGap
	}

	d := readDescriptor(slot, seqno)
	r.readLastSeqno = seqno
	return d, nil
}

// PayloadCheck reports whether d's payload bytes are still inside the
// ring's valid sliding window (spec §4.6 step 3). Inline payloads live
// inside the descriptor itself and are never invalidated this way.
func (r *Reader) PayloadCheck(d Descriptor) bool {
	if d.Inline {
		return true
	}
	return d.PayloadBufOffset >= r.ctl.bufferWindowStart()
}

// Peek returns a direct view into the payload buffer for d, relying on the
// double-mapped "wrap-around" trick so the slice is contiguous even when
// the payload straddles the buffer's physical end. The bytes underneath can
// be overwritten by a producer at any time; call PayloadCheck after reading
// to find out whether that happened (spec §4.6 "the payload is peeked by
// pointer").
func (r *Reader) Peek(d Descriptor) []byte {
	if d.Inline {
		return d.InlinePayload[:d.PayloadSize]
	}
	off := d.PayloadBufOffset & (r.m.size.PayloadBufSize - 1)
	return r.m.payloadBuf[off : off+uint64(d.PayloadSize)]
}

// Payload copies d's payload bytes out, returning ErrPayloadExpired if the
// sliding window invalidated them before (or during) the copy.
func (r *Reader) Payload(d Descriptor) ([]byte, error) {
	if d.Inline {
		return append([]byte(nil), d.InlinePayload[:d.PayloadSize]...), nil
	}
	buf := append([]byte(nil), r.Peek(d)...)
	if !r.PayloadCheck(d) {
		return nil, ErrPayloadExpired
	}
	return buf, nil
}
