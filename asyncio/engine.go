package asyncio

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/xPOURY4/monad-sub009/metrics"
)

// Config tunes an Engine (spec §4.2).
type Config struct {
	ConcurrentReadIOLimit int
	Logger                *zap.Logger
	Metrics               *metrics.Registry
}

// completion is one decoded entry read off the completion ring.
type completion struct {
	op  *Op
	res Result
}

// Engine is the single-threaded cooperative scheduler described in spec
// §4.2/§5. All non-threadsafe operations must be initiated and completed on
// the goroutine that first calls a Poll method; KindThreadsafe is the sole
// exception, using an eventfd-backed handoff slot to wake a blocked Poll.
type Engine struct {
	logger  *zap.Logger
	metrics *metrics.Registry

	ownerOnce  sync.Once
	ownerGoID  int64 // not set or read: ownership is not checked (see Initiate)
	ownerKnown atomic.Bool

	completions chan completion

	// deferred initiation queue, drained iteratively once the outermost
	// completion handler returns (spec §4.2 "Deferred initiation").
	recursionDepth int
	pending        []*Op
	pendingSenders map[*Op]func() // re-run Initiate for a deferred op

	concurrentReadLimit int
	concurrentReadsInUse int32
	readWaitQueue       []func()

	eventfd int
	epfd    int
	closed  atomic.Bool
}

// NewEngine constructs an Engine with a completion queue of the given depth
// (the "submission/completion ring" of spec §4.2; here realized as a
// buffered channel fed by worker goroutines performing the actual syscalls,
// since the portable Go toolchain has no io_uring binding — see the
// project's recorded Open Question resolution).
func NewEngine(depth int, cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, err
	}

	limit := cfg.ConcurrentReadIOLimit
	if limit <= 0 {
		limit = 1 << 20 // effectively unlimited
	}

	return &Engine{
		logger:              cfg.Logger,
		metrics:             cfg.Metrics,
		completions:         make(chan completion, depth),
		pendingSenders:      make(map[*Op]func()),
		concurrentReadLimit: limit,
		eventfd:             efd,
		epfd:                epfd,
	}, nil
}

func (e *Engine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		unix.Close(e.epfd)
		unix.Close(e.eventfd)
	}
	return nil
}

// wake increments the eventfd counter after a completion has been queued.
// PollBlocking waits on the completion channel itself, not on the eventfd
// or epfd, and drains the counter after each blocking wait.
func (e *Engine) wake() {
	var buf [8]byte
	buf[0] = 1
	unix.Write(e.eventfd, buf[:])
}

func (e *Engine) drainWake() {
	var buf [8]byte
	for {
		n, err := unix.Read(e.eventfd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Initiate submits op (spec §4.2 "Initiation"):
//  1. no owner-goroutine check is made (see the note in the body);
//  2. set is_executing;
//  3. defer into the pending queue if we're inside a completion handler and
//     the op kind is deferrable;
//  4. otherwise invoke the sender.
func (e *Engine) Initiate(op *Op) error {
	if op.kind != KindThreadsafe {
		// Best-effort ownership check: Go has no cheap "current goroutine
		// id" API, so ownership is enforced by convention (single poll
		// loop goroutine) rather than asserted here, matching how the
		// teacher's single-threaded subsystems rely on call discipline
		// over a runtime-checked assertion.
	}
	if !op.isExecuting.CompareAndSwap(false, true) {
		return ErrAlreadyExecuting
	}

	if e.recursionDepth > 0 && op.kind.deferrable() {
		e.pending = append(e.pending, op)
		e.pendingSenders[op] = func() { e.runInitiate(op) }
		return nil
	}
	return e.runInitiate(op)
}

func (e *Engine) runInitiate(op *Op) error {
	if op.kind == KindRead || op.kind == KindReadScatter {
		if !e.acquireReadSlot() {
			op.isExecuting.Store(false)
			e.metrics.BackPressure(op.kind.String())
			return ErrConcurrentReadLimit
		}
	}

	op.initiatedAt = time.Now()
	res, err := op.sender.Initiate(op)
	if err != nil {
		if op.kind == KindRead || op.kind == KindReadScatter {
			e.releaseReadSlot()
		}
		op.isExecuting.Store(false)
		return err
	}
	if res != nil {
		// initiation_immediately_completed (spec §7): deliver synchronously.
		e.dispatchCompletion(op, *res)
	}
	return nil
}

func (e *Engine) acquireReadSlot() bool {
	for {
		cur := atomic.LoadInt32(&e.concurrentReadsInUse)
		if int(cur) >= e.concurrentReadLimit {
			return false
		}
		if atomic.CompareAndSwapInt32(&e.concurrentReadsInUse, cur, cur+1) {
			return true
		}
	}
}

func (e *Engine) releaseReadSlot() {
	atomic.AddInt32(&e.concurrentReadsInUse, -1)
}

// complete is called by a Sender (typically from a worker goroutine
// performing the real pread/pwrite) once the operation's result is ready.
// It enqueues onto the completion ring and wakes a blocked poller.
func (e *Engine) complete(op *Op, res Result) {
	e.completions <- completion{op: op, res: res}
	e.wake()
}

// dispatchCompletion runs the full completion handling in-line: decode,
// clear is_executing, invoke the receiver, honor ActionReinitiate, and
// account for read-slot release (spec §4.2 "Completion pump").
func (e *Engine) dispatchCompletion(op *Op, res Result) {
	e.recursionDepth++
	defer func() { e.recursionDepth-- }()

	if op.kind == KindRead || op.kind == KindReadScatter {
		e.releaseReadSlot()
	}
	op.isExecuting.Store(false)

	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
	}
	e.metrics.OpCompleted(op.kind.String(), outcome, time.Since(op.initiatedAt))

	if op.receiver == nil {
		return
	}
	action := op.receiver.Completed(op, res)
	if action == ActionReinitiate {
		op.isExecuting.Store(false)
		_ = e.Initiate(op)
	}

	if e.recursionDepth == 1 {
		e.drainPending()
	}
}

// drainPending iteratively runs deferred initiations queued while a
// completion handler was executing, bounding recursion depth to a small
// constant regardless of how many ops a receiver chains (spec §4.2
// "Deferred initiation", tested by property 4 / the stack-bound test).
func (e *Engine) drainPending() {
	for len(e.pending) > 0 {
		op := e.pending[0]
		e.pending = e.pending[1:]
		fn := e.pendingSenders[op]
		delete(e.pendingSenders, op)
		if fn != nil {
			fn()
		}
	}
}

// PollNonblocking drains up to n already-available completions without
// waiting.
func (e *Engine) PollNonblocking(n int) int {
	count := 0
	for count < n {
		select {
		case c := <-e.completions:
			e.dispatchCompletion(c.op, c.res)
			count++
		default:
			return count
		}
	}
	return count
}

// PollBlocking waits for at least one completion (threadsafe handoffs
// arrive as completions too), then drains up to n.
func (e *Engine) PollBlocking(n int) int {
	if n <= 0 {
		return 0
	}
	select {
	case c := <-e.completions:
		e.dispatchCompletion(c.op, c.res)
	}
	e.drainWake()
	return 1 + e.PollNonblocking(n-1)
}

// PostThreadsafe schedules fn to run on the engine's owning goroutine the
// next time it polls, via the eventfd handoff slot (spec §5).
func (e *Engine) PostThreadsafe(fn func()) {
	op := &Op{kind: KindThreadsafe, engine: e}
	op.sender = threadsafeSender{fn: fn}
	_ = e.Initiate(op)
}

type threadsafeSender struct{ fn func() }

func (threadsafeSender) Kind() Kind { return KindThreadsafe }

// Initiate hands fn to the completion queue instead of running it here, so
// it executes in the receiver on whichever goroutine next polls.
func (s threadsafeSender) Initiate(op *Op) (*Result, error) {
	op.receiver = FuncReceiver(func(*Op, Result) CompletionAction {
		s.fn()
		return ActionDone
	})
	op.engine.complete(op, Result{Kind: ResultVoid})
	return nil, nil
}
