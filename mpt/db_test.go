package mpt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/xPOURY4/monad-sub009/internal/rlp"
	"github.com/xPOURY4/monad-sub009/storagepool"
)

func makeTriePool(t *testing.T) *storagepool.Pool {
	t.Helper()
	cap := int64(1) << 24 // minimum chunk capacity shift
	path := filepath.Join(t.TempDir(), "trie.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4*cap+64+3*4))
	require.NoError(t, f.Close())

	flags := storagepool.CreationFlags{ChunkCapacityShift: 24}
	pool, err := storagepool.Open([]string{path}, storagepool.Truncate, flags, nil, nil)
	require.NoError(t, err)
	return pool
}

func TestDBOpenCommitReopenRoundTrip(t *testing.T) {
	pool := makeTriePool(t)
	defer pool.Close()

	compute := NewRootVarLenMerkleCompute(nil)

	db, err := Open(pool, compute, RecoveryOptions{}, nil)
	require.NoError(t, err)
	require.Nil(t, db.Root())

	_, err = db.Commit(1, []Update{
		{Key: k(1, 2, 3, 4), Value: []byte("hello")},
		{Key: k(5, 6, 7, 8), Value: []byte("world")},
	})
	require.NoError(t, err)

	v, err := db.Read(k(1, 2, 3, 4))
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	rootHash := db.RootHash()
	require.Len(t, rootHash, keccakSize)
	require.NoError(t, db.Close())

	// Reopen over the same pool: the committed root must survive a clean
	// reopen (the commit's second, dirty-cleared metadata persist is what
	// makes this work without AllowDirty).
	db2, err := Open(pool, compute, RecoveryOptions{}, nil)
	require.NoError(t, err)
	defer db2.Close()
	require.NotNil(t, db2.Root())
	require.Equal(t, rootHash, db2.RootHash())

	v, err = db2.Read(k(5, 6, 7, 8))
	require.NoError(t, err)
	require.Equal(t, []byte("world"), v)
}

func TestDBEmptyCommitLeavesOldRootPublished(t *testing.T) {
	pool := makeTriePool(t)
	defer pool.Close()

	compute := NewRootVarLenMerkleCompute(nil)
	db, err := Open(pool, compute, RecoveryOptions{}, nil)
	require.NoError(t, err)

	_, err = db.Commit(1, []Update{{Key: k(1, 2), Value: []byte("x")}})
	require.NoError(t, err)
	firstRoot := db.Root()
	firstHash := db.RootHash()

	// An update batch with no entries is a legal no-op: the root must be
	// unchanged (spec §8 property 8, commit atomicity).
	same, err := db.Commit(2, nil)
	require.NoError(t, err)
	require.Same(t, firstRoot, same)
	require.Equal(t, firstHash, db.RootHash())
}

// TestDBReopenAfterTornMetadataRequiresAllowDirty is spec §8 scenario S5:
// crash-simulate by leaving the persisted metadata's dirty bit set (as a
// real crash mid-commit would), then exercise the three-way reopen
// contract through a real DB.Open/DB.Commit cycle rather than against a
// synthetic DBMetadata.
func TestDBReopenAfterTornMetadataRequiresAllowDirty(t *testing.T) {
	pool := makeTriePool(t)
	defer pool.Close()
	compute := NewRootVarLenMerkleCompute(nil)

	db, err := Open(pool, compute, RecoveryOptions{}, nil)
	require.NoError(t, err)
	_, err = db.Commit(1, []Update{{Key: k(1, 2), Value: []byte("x")}})
	require.NoError(t, err)
	oldRoot := db.Root()
	oldHash := db.RootHash()
	require.NoError(t, db.Close())

	// Simulate a crash mid-commit: leave is_dirty=1 durably on disk without
	// ever publishing the matching dirty=0 confirmation (the second half of
	// the two-phase persist in DB.commit never ran).
	crashed, err := Open(pool, compute, RecoveryOptions{AllowDirty: true}, nil)
	require.NoError(t, err)
	crashed.meta.BeginMutation() // intentionally never Close()d: dirty stays set on disk
	require.NoError(t, crashed.persistMetadata())
	require.NoError(t, crashed.Close())

	_, err = Open(pool, compute, RecoveryOptions{}, nil)
	require.ErrorIs(t, err, ErrTornMetadata, "reopen without allow_dirty must refuse a torn metadata blob")

	recovered, err := Open(pool, compute, RecoveryOptions{AllowDirty: true}, nil)
	require.NoError(t, err)
	defer recovered.Close()
	require.NotNil(t, recovered.Root())
	require.Equal(t, oldHash, recovered.RootHash(), "allow_dirty reopen must recover the last committed root")
	require.NotSame(t, oldRoot, recovered.Root(), "recovered root is deserialized fresh from disk, not the same in-memory node")

	v, err := recovered.Read(k(1, 2))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), v)
}

// TestDBRootHashMatchesIndependentlyAssembledEncoding is spec §8 scenario
// S6: insert a fixed, known key/value fixture and check the resulting root
// hash against a published reference. A literal externally-published
// Keccak256 digest can't be verified without running a hasher, so the
// reference value here is instead assembled by hand from the same
// hex-prefix/RLP primitives mpt/compute.go's Compute implementations use
// (but without going through Engine/Compute at all), then hashed with the
// same sha3 package: two independently-built 36-byte branch encodings that
// must collapse to the identical digest if WriteNode/ComputeLen assembled
// the on-disk trie correctly.
func TestDBRootHashMatchesIndependentlyAssembledEncoding(t *testing.T) {
	pool := makeTriePool(t)
	defer pool.Close()
	compute := NewRootVarLenMerkleCompute(nil)

	db, err := Open(pool, compute, RecoveryOptions{}, nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Commit(1, []Update{
		{Key: k(1, 2, 3, 4), Value: []byte("hello")},
		{Key: k(5, 6, 7, 8), Value: []byte("world")},
	})
	require.NoError(t, err)

	// Both keys share no leading nibble, so the root is a bare branch with
	// two leaf children at nibble 1 and nibble 5; each leaf's own encoding
	// is short enough (10 bytes) to be embedded inline rather than hashed.
	leaf := func(pathNibbles []uint8, value []byte) []byte {
		hp := hexPrefixEncode(k(pathNibbles...), true)
		return rlp.EncodeList([][]byte{rlp.EncodeString(hp), rlp.EncodeString(value)})
	}
	leaf1 := leaf([]uint8{2, 3, 4}, []byte("hello"))
	leaf5 := leaf([]uint8{6, 7, 8}, []byte("world"))

	items := make([][]byte, 17)
	for i := range items {
		items[i] = rlp.EncodeString(nil)
	}
	items[1] = leaf1
	items[5] = leaf5
	branchEncoding := rlp.EncodeList(items)

	h := sha3.NewLegacyKeccak256()
	h.Write(branchEncoding)
	wantRoot := h.Sum(nil)

	require.Equal(t, wantRoot, db.RootHash())
}
