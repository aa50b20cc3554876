package mpt

import "errors"

var (
	ErrChildCountMismatch = errors.New("mpt: number_of_children does not match popcount(mask)")
	ErrDegenerateNode     = errors.New("mpt: no-value node with fewer than 2 children")
	ErrTruncatedNode      = errors.New("mpt: truncated node buffer")
	ErrTornMetadata       = errors.New("mpt: db metadata is dirty")
	ErrBadMagic           = errors.New("mpt: bad db metadata magic")
	ErrNotFound           = errors.New("mpt: key not found")
	ErrClosed             = errors.New("mpt: database is closed")
	ErrRootMismatch       = errors.New("mpt: computed root does not match expected root")
)
