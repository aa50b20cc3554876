package eventring

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestSlidingWindowNeverExposesStaleBytes draws a random sequence of
// out-of-line payload sizes and checks, after every record, that every
// descriptor seen so far is self-consistent: a descriptor still inside the
// window reads back exactly the bytes it was recorded with, and one pushed
// out of the window reports ErrPayloadExpired instead of silently handing
// back whatever now sits at that buffer offset (spec §4.6 "Sliding window").
func TestSlidingWindowNeverExposesStaleBytes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		path := filepath.Join(t.TempDir(), "ring.bin")
		size, err := InitSize(6, minPayloadBufShift, 0)
		require.NoError(t, err)
		w, err := CreateFile(path, size, ContentTypeTest, testSchemaHash())
		require.NoError(t, err)
		defer w.Close()

		r, err := OpenReader(path)
		require.NoError(t, err)
		defer r.Close()

		rec := w.Recorder()

		type recorded struct {
			desc    Descriptor
			payload []byte
		}
		var seen []recorded

		numEvents := rapid.IntRange(1, 40).Draw(t, "numEvents")
		for i := 0; i < numEvents; i++ {
			n := rapid.IntRange(InlinePayloadMax+1, 3<<20).Draw(t, "payloadLen")
			payload := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "payload")
			require.NoError(t, rec.Record(1, payload))

			d, err := r.TryNext()
			require.NoError(t, err)
			require.False(t, d.Inline)
			seen = append(seen, recorded{desc: d, payload: payload})

			for _, s := range seen {
				got, err := r.Payload(s.desc)
				if err == nil {
					require.True(t, bytes.Equal(got, s.payload),
						"event %d still in window must read back its original bytes", s.desc.Seqno)
				} else {
					require.ErrorIs(t, err, ErrPayloadExpired)
					require.False(t, r.PayloadCheck(s.desc))
				}
			}
		}
	})
}
