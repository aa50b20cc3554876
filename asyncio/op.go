package asyncio

import (
	"sync/atomic"
	"time"
)

// Kind is the op_kind tag of a connected operation (spec §3.2).
type Kind uint8

const (
	KindRead Kind = iota
	KindReadScatter
	KindWrite
	KindTimeout
	KindThreadsafe
)

func (k Kind) deferrable() bool {
	// "reads and non-write kinds" may be deferred into the pending-
	// initiations queue (spec §4.2 step 3); writes are not, to keep
	// durability ordering simple to reason about.
	return k != KindWrite
}

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindReadScatter:
		return "read_scatter"
	case KindWrite:
		return "write"
	case KindTimeout:
		return "timeout"
	case KindThreadsafe:
		return "threadsafe"
	default:
		return "unknown"
	}
}

// ResultKind discriminates the four completion shapes the engine decodes a
// completion-ring entry into (spec §4.2).
type ResultKind uint8

const (
	ResultVoid ResultKind = iota
	ResultSize
	ResultFilledReadBuffer
	ResultFilledWriteBuffer
)

// Result is the value delivered to a Receiver on completion.
type Result struct {
	Kind ResultKind
	N    int
	Buf  []byte // valid for ResultFilledReadBuffer / ResultFilledWriteBuffer
	Err  error
}

// CompletionAction is what a Receiver asks the engine to do once its
// Completed callback returns (spec Design Notes: "Reinitiate").
type CompletionAction uint8

const (
	ActionDone CompletionAction = iota
	ActionReinitiate
)

// Receiver is notified of an operation's completion.
type Receiver interface {
	Completed(op *Op, res Result) CompletionAction
}

// Sender describes how to perform one operation: Initiate either completes
// synchronously (returning a non-nil *Result — "initiation_immediately_completed",
// spec §7) or arranges for the engine to be notified later via complete().
type Sender interface {
	Kind() Kind
	Initiate(op *Op) (*Result, error)
}

// Op is a "connected operation": pinned in memory between submission and
// completion, owns {sender, receiver, kind, engine, isExecuting} (spec
// §3.2). Callers must not copy an *Op once Initiate has been called on it.
type Op struct {
	sender   Sender
	receiver Receiver
	kind     Kind
	engine   *Engine

	isExecuting atomic.Bool
	pendingNext *Op // cleared by Reset; the deferred-initiation queue itself is Engine.pending

	initiatedAt time.Time // set by runInitiate, read by dispatchCompletion for op latency
}

// New connects a sender and receiver into a fresh, unsubmitted operation
// state (spec §3.2: "owns {sender, receiver, ...}").
func New(engine *Engine, sender Sender, receiver Receiver) *Op {
	return &Op{sender: sender, receiver: receiver, kind: sender.Kind(), engine: engine}
}

func (op *Op) Kind() Kind   { return op.kind }
func (op *Op) Engine() *Engine { return op.engine }

// Reset prepares a completed operation for reuse (spec §7: "the operation
// state remains valid for reuse after reset()").
func (op *Op) Reset(sender Sender, receiver Receiver) {
	op.sender = sender
	op.receiver = receiver
	op.kind = sender.Kind()
	op.isExecuting.Store(false)
	op.pendingNext = nil
}
