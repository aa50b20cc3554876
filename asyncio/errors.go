package asyncio

import "errors"

var (
	ErrNotOwnerThread          = errors.New("asyncio: operation initiated off the engine's owning goroutine")
	ErrBufferPoolExhausted     = errors.New("asyncio: buffer_pool_exhausted")
	ErrConcurrentReadLimit     = errors.New("asyncio: concurrent_read_io_limit_reached")
	ErrAlreadyExecuting        = errors.New("asyncio: operation is already executing")
	ErrEngineClosed            = errors.New("asyncio: engine is closed")
	ErrShortRead               = errors.New("asyncio: short read")
	ErrShortWrite              = errors.New("asyncio: short write")
)
