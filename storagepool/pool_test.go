package storagepool

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeBackingFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func smallFlags() CreationFlags {
	return CreationFlags{ChunkCapacityShift: minChunkCapacityShift}
}

func TestPoolRoundTrip(t *testing.T) {
	cap := int64(1) << minChunkCapacityShift
	// 3 chunks worth plus tail room for metadata + 2 seq counters.
	path := makeBackingFile(t, 3*cap+metadataSize+2*4)

	p, err := Open([]string{path}, Truncate, smallFlags(), nil, nil)
	require.NoError(t, err)
	defer p.Close()

	require.Equal(t, 1, p.Chunks(KindCnv))
	require.Equal(t, 2, p.Chunks(KindSeq))

	cnv, err := p.ActivateChunk(KindCnv, 0)
	require.NoError(t, err)
	defer cnv.Release()

	payload := bytes.Repeat([]byte{0xee}, 4096)
	f, off := cnv.ReadFD()
	_, err = f.WriteAt(payload, off)
	require.NoError(t, err)

	readBack := make([]byte, len(payload))
	_, err = f.ReadAt(readBack, off)
	require.NoError(t, err)
	require.Equal(t, payload, readBack)

	seq, err := p.ActivateChunk(KindSeq, 0)
	require.NoError(t, err)
	defer seq.Release()

	seqPayload := bytes.Repeat([]byte{0x77}, 4096)
	wf, woff, err := seq.WriteFD(uint64(len(seqPayload)))
	require.NoError(t, err)
	_, err = wf.WriteAt(seqPayload, woff)
	require.NoError(t, err)
	require.NoError(t, seq.CommitAppend(uint64(len(seqPayload))))

	require.Equal(t, uint64(len(seqPayload)), seq.Size())

	require.NoError(t, seq.DestroyContents())
	require.Equal(t, uint64(0), seq.Size())
}

func TestPoolConfigHashMismatch(t *testing.T) {
	cap := int64(1) << minChunkCapacityShift
	path := makeBackingFile(t, 2*cap+metadataSize+4)

	p, err := Open([]string{path}, Truncate, smallFlags(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	mismatched := smallFlags()
	mismatched.InterleaveChunksEvenly = true
	_, err = Open([]string{path}, OpenExisting, mismatched, nil, nil)
	require.ErrorIs(t, err, ErrConfigMismatch)

	p2, err := Open([]string{path}, Truncate, mismatched, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p2.Close())
}

func TestInterleavingGapBounds(t *testing.T) {
	// Device sizes proportional to 22B, 12B, 7B chunks (spec §8 scenario S2).
	counts := []int{22, 12, 7}
	assignment := interleavedAssignment(counts)
	require.Len(t, assignment, 41)

	gap0 := deviceMeanGap(assignment, 0)
	gap2 := deviceMeanGap(assignment, 2)
	require.Less(t, gap0, gap2)
	require.LessOrEqual(t, gap2, 8.5)
}
