package eventring

import "errors"

var (
	ErrInvalidDescriptorShift = errors.New("eventring: descriptor shift out of range")
	ErrInvalidPayloadBufShift = errors.New("eventring: payload buffer shift out of range")
	ErrInvalidContextAreaSize = errors.New("eventring: context area size must be zero or a power of two")
	ErrInvalidContentType     = errors.New("eventring: invalid content type")
	ErrBadMagic               = errors.New("eventring: file does not carry the current header magic")
	ErrFileTooSmall           = errors.New("eventring: file is smaller than the computed ring storage size")

	// ErrNotReady is returned by Reader.TryNext when no event newer than the
	// reader's cursor has been committed yet (spec §4.6 consumer contract
	// step 1).
	ErrNotReady = errors.New("eventring: no new event available yet")

	// ErrGap is returned once when the reader has fallen far enough behind
	// that the descriptor it expected next has already been overwritten by a
	// producer (spec §4.6 consumer contract step 2).
	ErrGap = errors.New("eventring: reader fell behind, one or more descriptors were overwritten")

	// ErrPayloadExpired means the descriptor was read successfully but its
	// payload bytes have since fallen outside the sliding window and may
	// have been overwritten (spec §4.6 "payload_check").
	ErrPayloadExpired = errors.New("eventring: event payload has been overwritten by the sliding window")
)
