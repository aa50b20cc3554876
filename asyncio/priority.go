package asyncio

import "golang.org/x/sys/unix"

// Priority is a coarse I/O priority hint. Highest translates to the
// real-time ioprio class at priority 0 and requires the process to hold
// CAP_SYS_NICE (spec §4.2 "I/O priority").
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHighest
)

const (
	ioprioClassShift = 13
	ioprioClassBE    = 2
	ioprioClassRT    = 1

	ioprioWhoProcess = 1
)

// applyThreadPriority sets the calling OS thread's ioprio. Highest requests
// the real-time class at priority 0; failures (missing CAP_SYS_NICE, or a
// kernel/arch that doesn't expose ioprio_set) are non-fatal — the op still
// proceeds, just without the scheduling hint.
func applyThreadPriority(p Priority) error {
	if p == PriorityNormal {
		return nil
	}
	ioprio := (ioprioClassRT << ioprioClassShift) | 0
	tid := unix.Gettid()
	_, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, uintptr(ioprioWhoProcess), uintptr(tid), uintptr(ioprio))
	if errno != 0 {
		return errno
	}
	return nil
}
