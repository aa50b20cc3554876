package asyncio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// BufferPool is the fixed pool of page-aligned, page-sized direct-I/O
// buffers that read_single_buffer_sender allocates from (spec §4.2). When
// exhausted, Acquire reports back-pressure rather than blocking or growing.
type BufferPool struct {
	pageSize int
	mu       sync.Mutex
	free     [][]byte
}

// NewBufferPool allocates count page-aligned buffers of pageSize bytes each,
// suitable for registration with O_DIRECT file descriptors.
func NewBufferPool(count, pageSize int) (*BufferPool, error) {
	bp := &BufferPool{pageSize: pageSize}
	for i := 0; i < count; i++ {
		buf, err := alignedPage(pageSize)
		if err != nil {
			return nil, err
		}
		bp.free = append(bp.free, buf)
	}
	return bp, nil
}

func alignedPage(size int) ([]byte, error) {
	// mmap an anonymous, page-aligned region rather than relying on Go's
	// allocator, since O_DIRECT requires the buffer itself to be aligned
	// to the device's logical block size (commonly the page size).
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Acquire returns a buffer or ErrBufferPoolExhausted (spec §7
// "back-pressure").
func (bp *BufferPool) Acquire() ([]byte, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.free) == 0 {
		return nil, ErrBufferPoolExhausted
	}
	n := len(bp.free) - 1
	buf := bp.free[n]
	bp.free = bp.free[:n]
	return buf, nil
}

// Release returns buf to the pool for reuse.
func (bp *BufferPool) Release(buf []byte) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.free = append(bp.free, buf)
}

func (bp *BufferPool) Available() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.free)
}
