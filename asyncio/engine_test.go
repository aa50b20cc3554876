package asyncio

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tempFileWithData(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadWriteRoundTrip(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	f := tempFileWithData(t, data)

	pool, err := NewBufferPool(4, 4096)
	require.NoError(t, err)

	e, err := NewEngine(16, Config{})
	require.NoError(t, err)
	defer e.Close()

	done := make(chan Result, 1)
	op := New(e, ReadSender{File: f, Offset: 0, N: 4096, Pool: pool}, FuncReceiver(func(op *Op, res Result) CompletionAction {
		done <- res
		return ActionDone
	}))

	require.NoError(t, e.Initiate(op))
	e.PollBlocking(1)

	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, data, res.Buf)
}

func TestStackDepthBound(t *testing.T) {
	e, err := NewEngine(1024, Config{})
	require.NoError(t, err)
	defer e.Close()

	var completed int64
	var maxDepth int64
	const total = 2000

	var chain func() *Op
	chain = func() *Op {
		sender := instantSender{}
		var op *Op
		op = New(e, sender, FuncReceiver(func(_ *Op, _ Result) CompletionAction {
			d := atomic.AddInt64(&maxDepth, 1)
			defer atomic.AddInt64(&maxDepth, -1)
			require.Less(t, d, int64(3), "receiver re-entered: deferred initiation must keep nesting bounded")
			if atomic.AddInt64(&completed, 1) < total {
				_ = e.Initiate(chain())
			}
			return ActionDone
		}))
		return op
	}

	require.NoError(t, e.Initiate(chain()))
	for atomic.LoadInt64(&completed) < total {
		e.PollNonblocking(1000)
		time.Sleep(time.Millisecond)
	}
	require.GreaterOrEqual(t, atomic.LoadInt64(&completed), int64(total))
}

// instantSender completes synchronously, the way a cache-hit read would.
type instantSender struct{}

func (instantSender) Kind() Kind { return KindRead }

func (instantSender) Initiate(op *Op) (*Result, error) {
	return &Result{Kind: ResultVoid}, nil
}

func TestTimeoutSender(t *testing.T) {
	e, err := NewEngine(4, Config{})
	require.NoError(t, err)
	defer e.Close()

	start := time.Now()
	done := make(chan struct{})
	op := New(e, &TimeoutSender{Duration: 50 * time.Millisecond}, FuncReceiver(func(_ *Op, _ Result) CompletionAction {
		close(done)
		return ActionDone
	}))
	require.NoError(t, e.Initiate(op))
	e.PollBlocking(1)
	<-done
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 150*time.Millisecond)
}
