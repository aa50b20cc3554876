package eventring

import (
	"fmt"
	"os"
)

// Writer owns a created event ring file and the shared memory mapping
// backing it. Recorder hands out the producer-facing API (spec §4.6, §6
// "Event Ring file layout").
type Writer struct {
	f   *os.File
	m   *mapping
	rec *Recorder
}

// CreateFile lays out a brand-new event ring file at path: truncates it to
// the computed storage size, writes the header, zeroes the descriptor array
// so every seqno starts invalid, and maps it read-write — the Go analogue
// of monad_event_ring_init_file followed by monad_event_ring_mmap and
// monad_event_ring_init_recorder.
func CreateFile(path string, size Size, contentType ContentType, schemaHash [SchemaHashSize]byte) (*Writer, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	if contentType == ContentTypeNone {
		return nil, ErrInvalidContentType
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventring: create %s: %w", path, err)
	}
	total := int64(CalcStorage(size))
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, fmt.Errorf("eventring: truncate %s to %d bytes: %w", path, total, err)
	}

	m, err := mapRingFromSize(f, true, 0, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	initHeader(m.header, size, contentType, schemaHash)
	for i := range m.descriptors {
		m.descriptors[i] = 0
	}

	return &Writer{f: f, m: m, rec: newRecorder(m)}, nil
}

// OpenWriter maps an already-initialized ring file read-write, for a
// process that reopens a ring created by an earlier run instead of creating
// one fresh.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventring: open %s: %w", path, err)
	}
	m, err := openMappedRing(f, true, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, m: m, rec: newRecorder(m)}, nil
}

// Recorder returns the producer-facing API for this ring.
func (w *Writer) Recorder() *Recorder { return w.rec }

// HeaderSnapshot reports the ring's current section sizes and control
// counters (spec §6 CLI surface "--header").
func (w *Writer) HeaderSnapshot() HeaderSnapshot {
	return snapshotHeader(w.m, headerContentType(w.m.header))
}

func (w *Writer) Close() error {
	w.m.unmap()
	return w.f.Close()
}
