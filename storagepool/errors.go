package storagepool

import "errors"

// Sentinel errors surfaced by pool open/activation/config validation.
var (
	ErrConfigMismatch  = errors.New("storagepool: configuration hash mismatch")
	ErrDirty           = errors.New("storagepool: pool was closed dirty")
	ErrBadMagic        = errors.New("storagepool: bad metadata magic")
	ErrChunkNotActive  = errors.New("storagepool: chunk is not activated")
	ErrNoSuchChunk     = errors.New("storagepool: no such chunk")
	ErrCapacityTooBig  = errors.New("storagepool: payload exceeds chunk capacity")
	ErrBadChunkCapSize = errors.New("storagepool: chunk_capacity must be a power of two in [16MiB, 4GiB]")
	ErrClosed          = errors.New("storagepool: pool is closed")
)
