package storagepool

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Mode selects how Open behaves against an existing on-disk pool.
type Mode uint8

const (
	OpenExisting Mode = iota
	CreateIfNeeded
	Truncate
)

// Label names a pool usage preset, the way erigon's kv.Label selects a
// TableCfg: a small enum that a constructor maps to a concrete CreationFlags
// default, validated once at package init.
type Label uint8

const (
	LabelGeneric Label = iota
	LabelStateTrie
	LabelHistoryArchive
	LabelScratch
)

func (l Label) String() string {
	switch l {
	case LabelStateTrie:
		return "state-trie"
	case LabelHistoryArchive:
		return "history-archive"
	case LabelScratch:
		return "scratch"
	default:
		return "generic"
	}
}

// CreationFlags mirrors the bitfield struct creation_flags from the
// storage_pool.hpp reference: a handful of independent boolean knobs plus a
// log2 chunk-capacity field, default chunk_capacity shift 28 (256 MiB). The
// yaml tags let `cmd/monadctl` load/dump a pool's config as a small YAML
// document instead of a Go literal.
type CreationFlags struct {
	ChunkCapacityShift                 uint8 `yaml:"chunk_capacity_shift"`
	InterleaveChunksEvenly             bool  `yaml:"interleave_chunks_evenly"`
	OpenReadOnly                       bool  `yaml:"open_read_only"`
	OpenReadOnlyAllowDirty             bool  `yaml:"open_read_only_allow_dirty"`
	DisableMismatchingStoragePoolCheck bool  `yaml:"disable_mismatching_storage_pool_check"`
}

// DefaultCreationFlagsForLabel returns a preset CreationFlags for a named
// pool usage, the way TablesCfgByLabel dispatches a default TableCfg.
func DefaultCreationFlagsForLabel(l Label) CreationFlags {
	switch l {
	case LabelStateTrie:
		return CreationFlags{ChunkCapacityShift: 28, InterleaveChunksEvenly: true}
	case LabelHistoryArchive:
		return CreationFlags{ChunkCapacityShift: 30, InterleaveChunksEvenly: true}
	case LabelScratch:
		return CreationFlags{ChunkCapacityShift: 24}
	default:
		return CreationFlags{ChunkCapacityShift: 28}
	}
}

const (
	minChunkCapacityShift = 24 // 16 MiB
	maxChunkCapacityShift = 32 // 4 GiB
)

func (f CreationFlags) chunkCapacity() uint64 {
	return uint64(1) << f.ChunkCapacityShift
}

func (f CreationFlags) validate() error {
	if f.ChunkCapacityShift < minChunkCapacityShift || f.ChunkCapacityShift > maxChunkCapacityShift {
		return ErrBadChunkCapSize
	}
	return nil
}

// Validate exposes the same chunk_capacity_shift range check to callers
// outside the package, such as monadctl checking a config dump before it is
// ever handed to Open.
func (f CreationFlags) Validate() error {
	return f.validate()
}

// metadataSize is the fixed 64-byte tail record per device (spec §6):
// uint32 spare[13]; uint32 config_hash; uint32 chunk_capacity; byte magic[4].
const metadataSize = 64

const magic = "MND0"

// deviceMetadata is the on-disk 64-byte metadata_t record.
type deviceMetadata struct {
	configHash    uint32
	chunkCapacity uint32
}

func (m deviceMetadata) marshal() [metadataSize]byte {
	var buf [metadataSize]byte
	// bytes [0:52) are spare, left zero.
	binary.LittleEndian.PutUint32(buf[52:56], m.configHash)
	binary.LittleEndian.PutUint32(buf[56:60], m.chunkCapacity)
	copy(buf[60:64], magic)
	return buf
}

func unmarshalDeviceMetadata(buf [metadataSize]byte) (deviceMetadata, error) {
	if string(buf[60:64]) != magic {
		return deviceMetadata{}, ErrBadMagic
	}
	return deviceMetadata{
		configHash:    binary.LittleEndian.Uint32(buf[52:56]),
		chunkCapacity: binary.LittleEndian.Uint32(buf[56:60]),
	}, nil
}

// configHash derives the non-cryptographic digest of
// {device identities, chunk_capacity, interleave_flag} per spec §3.1/§6.
func configHash(deviceIdentities []string, chunkCapacity uint64, interleave bool) uint32 {
	h := xxhash.New()
	for _, id := range deviceIdentities {
		_, _ = h.WriteString(id)
		_, _ = h.Write([]byte{0})
	}
	var scratch [9]byte
	binary.LittleEndian.PutUint64(scratch[:8], chunkCapacity)
	if interleave {
		scratch[8] = 1
	}
	_, _ = h.Write(scratch[:])
	return uint32(h.Sum64())
}
