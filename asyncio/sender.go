package asyncio

import (
	"os"
	"time"
)

// ReadSender performs a direct read into a buffer acquired from a
// BufferPool (spec §4.2 "read_single_buffer_sender").
type ReadSender struct {
	File     *os.File
	Offset   int64
	N        int
	Pool     *BufferPool
	Priority Priority
}

func (ReadSender) Kind() Kind { return KindRead }

func (s ReadSender) Initiate(op *Op) (*Result, error) {
	buf, err := s.Pool.Acquire()
	if err != nil {
		return nil, err // buffer_pool_exhausted: back-pressure, non-fatal
	}
	if s.N > len(buf) {
		s.Pool.Release(buf)
		return nil, ErrShortRead
	}
	go func() {
		_ = applyThreadPriority(s.Priority)
		n, rerr := s.File.ReadAt(buf[:s.N], s.Offset)
		res := Result{Kind: ResultFilledReadBuffer, N: n, Buf: buf[:n]}
		if rerr != nil && n < s.N {
			res.Err = rerr
		}
		op.engine.complete(op, res)
	}()
	return nil, nil
}

// WriteSender performs a direct write of a caller-supplied buffer.
type WriteSender struct {
	File     *os.File
	Offset   int64
	Buf      []byte
	Priority Priority
}

func (WriteSender) Kind() Kind { return KindWrite }

func (s WriteSender) Initiate(op *Op) (*Result, error) {
	go func() {
		_ = applyThreadPriority(s.Priority)
		n, werr := s.File.WriteAt(s.Buf, s.Offset)
		res := Result{Kind: ResultFilledWriteBuffer, N: n, Buf: s.Buf}
		if werr != nil {
			res.Err = werr
		} else if n != len(s.Buf) {
			res.Err = ErrShortWrite
		}
		op.engine.complete(op, res)
	}()
	return nil, nil
}

// TimeoutSender delivers Void after Duration elapses, or never if Cancel is
// called first (spec §4.2 "Timeout sender").
type TimeoutSender struct {
	Duration time.Duration
	Deadline time.Time // used instead of Duration when non-zero

	timer *time.Timer
}

func (TimeoutSender) Kind() Kind { return KindTimeout }

func (s *TimeoutSender) Initiate(op *Op) (*Result, error) {
	d := s.Duration
	if !s.Deadline.IsZero() {
		d = time.Until(s.Deadline)
	}
	if d <= 0 {
		return &Result{Kind: ResultVoid}, nil
	}
	s.timer = time.AfterFunc(d, func() {
		op.engine.complete(op, Result{Kind: ResultVoid})
	})
	return nil, nil
}

// Cancel stops the pending timer if the operation has not yet been
// submitted to completion (spec §5 "cancellation & timeouts").
func (s *TimeoutSender) Cancel() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
