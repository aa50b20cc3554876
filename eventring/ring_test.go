package eventring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSchemaHash() [SchemaHashSize]byte {
	var h [SchemaHashSize]byte
	for i := range h {
		h[i] = byte(i)
	}
	return h
}

func smallSize(t *testing.T) Size {
	t.Helper()
	size, err := InitSize(4, minPayloadBufShift, 0) // 16 descriptors, 32 MiB payload buf
	require.NoError(t, err)
	return size
}

func TestInitSizeRejectsOutOfRangeShifts(t *testing.T) {
	_, err := InitSize(minDescriptorsShift-1, minPayloadBufShift, 0)
	require.ErrorIs(t, err, ErrInvalidDescriptorShift)

	_, err = InitSize(minDescriptorsShift, minPayloadBufShift-1, 0)
	require.ErrorIs(t, err, ErrInvalidPayloadBufShift)
}

func TestCalcStorageAccountsForAllFourSections(t *testing.T) {
	size := Size{DescriptorCapacity: 16, PayloadBufSize: 1 << 16, ContextAreaSize: page2MB}
	got := CalcStorage(size)
	want := uint64(HeaderSize) + 16*DescriptorSize + (1 << 16) + page2MB
	require.Equal(t, want, got)
}

func TestRecordAndTryNextRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	w, err := CreateFile(path, smallSize(t), ContentTypeTest, testSchemaHash())
	require.NoError(t, err)
	defer w.Close()

	rec := w.Recorder()
	require.NoError(t, rec.Record(7, []byte("hello event")))
	require.NoError(t, rec.Record(8, []byte("a second, larger payload that still fits inline or not")))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, ContentTypeTest, r.ContentType())
	require.Equal(t, testSchemaHash(), r.SchemaHash())

	d1, err := r.TryNext()
	require.NoError(t, err)
	require.Equal(t, uint64(7), uint64(d1.EventType))

	d2, err := r.TryNext()
	require.NoError(t, err)
	require.Equal(t, uint64(8), uint64(d2.EventType))

	_, err = r.TryNext()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestRecordThenReadSequentially(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	w, err := CreateFile(path, smallSize(t), ContentTypeTest, testSchemaHash())
	require.NoError(t, err)
	defer w.Close()

	rec := w.Recorder()
	require.NoError(t, rec.Record(1, []byte("first")))
	require.NoError(t, rec.Record(2, []byte("second")))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	d1, err := r.TryNext()
	require.NoError(t, err)
	require.Equal(t, uint64(1), d1.Seqno)
	require.True(t, d1.Inline)
	p1, err := r.Payload(d1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), p1)

	d2, err := r.TryNext()
	require.NoError(t, err)
	require.Equal(t, uint64(2), d2.Seqno)
	p2, err := r.Payload(d2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), p2)

	_, err = r.TryNext()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestTryNextDetectsGapAndResyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	// 16 descriptor slots: write far more events than that to guarantee the
	// reader's stale cursor (stuck at 0) gets lapped before it ever reads.
	size, err := InitSize(4, minPayloadBufShift, 0)
	require.NoError(t, err)
	w, err := CreateFile(path, size, ContentTypeTest, testSchemaHash())
	require.NoError(t, err)
	defer w.Close()

	rec := w.Recorder()
	for i := 0; i < 64; i++ {
		require.NoError(t, rec.Record(1, []byte("x")))
	}

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.TryNext()
	require.ErrorIs(t, err, ErrGap)

	// After a gap, the reader resyncs to the ring's current last_seqno; the
	// very next call has nothing newer to report.
	_, err = r.TryNext()
	require.ErrorIs(t, err, ErrNotReady)
}

func TestLargePayloadSlidesWindowAndEventuallyExpires(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	// payload_buf_shift at the allowed minimum (32 MiB) so a handful of
	// multi-megabyte records is enough to cross the WindowIncr (16 MiB)
	// threshold and force a slide.
	size, err := InitSize(8, minPayloadBufShift, 0)
	require.NoError(t, err)
	w, err := CreateFile(path, size, ContentTypeTest, testSchemaHash())
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	rec := w.Recorder()
	payload := make([]byte, 2<<20) // 2 MiB: bigger than InlinePayloadMax, smaller than the buffer
	require.NoError(t, rec.Record(1, payload))

	first, err := r.TryNext()
	require.NoError(t, err)
	require.False(t, first.Inline)
	require.True(t, r.PayloadCheck(first))

	// Nine more 2 MiB records push total reserved bytes past the 16 MiB
	// WindowIncr threshold, forcing buffer_window_start to slide past the
	// first event's offset.
	for i := 0; i < 9; i++ {
		require.NoError(t, rec.Record(1, payload))
	}
	require.False(t, r.PayloadCheck(first))

	_, err = r.Payload(first)
	require.ErrorIs(t, err, ErrPayloadExpired)
}

func TestOpenReaderRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	w, err := CreateFile(path, smallSize(t), ContentTypeTest, testSchemaHash())
	require.NoError(t, err)
	w.Close()

	require.NoError(t, os.Truncate(path, HeaderSize))

	_, err = OpenReader(path)
	require.ErrorIs(t, err, ErrFileTooSmall)
}

func TestHeaderSnapshotReflectsActivity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.bin")
	w, err := CreateFile(path, smallSize(t), ContentTypeExec, testSchemaHash())
	require.NoError(t, err)
	defer w.Close()

	rec := w.Recorder()
	require.NoError(t, rec.Record(1, []byte("abc")))
	require.NoError(t, rec.Record(2, []byte("def")))

	snap := w.HeaderSnapshot()
	require.Equal(t, ContentTypeExec, snap.ContentType)
	require.Equal(t, uint64(2), snap.LastSeqno)
}
