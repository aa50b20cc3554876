// Package metrics is the module's cross-cutting diagnostics layer: chunk
// activations, async op completions, back-pressure events, compaction
// passes, and event-ring reader gaps, all exported as Prometheus
// collectors. Every producer (storagepool.Pool, asyncio.Engine,
// mpt.Compactor, eventring.Reader) takes a *Registry optionally; a nil
// Registry (or the zero value returned by NewNopRegistry) is always safe to
// use and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the collectors this module exports. It is deliberately
// not a prometheus.Collector itself — callers register the individual
// vectors with whatever prometheus.Registerer they already use (a global
// registry, a per-test registry, or none at all).
type Registry struct {
	chunkActivations  *prometheus.CounterVec
	opCompletions     *prometheus.CounterVec
	opLatency         *prometheus.HistogramVec
	backPressureTotal *prometheus.CounterVec
	compactionPasses  prometheus.Counter
	compactionNodes   prometheus.Counter
	readerGaps        prometheus.Counter
}

// NewRegistry builds a Registry and registers every collector with reg. reg
// may be prometheus.DefaultRegisterer, or a fresh prometheus.NewRegistry()
// in tests that want isolation.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		chunkActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monad_chunk_activations_total",
			Help: "Number of storage pool chunks activated, by kind (cnv/seq).",
		}, []string{"kind"}),
		opCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monad_async_op_completions_total",
			Help: "Number of async I/O operations completed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "monad_async_op_latency_seconds",
			Help:    "Async I/O operation latency from Initiate to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		backPressureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "monad_async_backpressure_total",
			Help: "Number of times a caller was throttled by the concurrent read I/O limit.",
		}, []string{"kind"}),
		compactionPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monad_mpt_compaction_passes_total",
			Help: "Number of trie compaction passes run.",
		}),
		compactionNodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monad_mpt_compaction_nodes_copied_total",
			Help: "Number of live nodes relocated by compaction passes.",
		}),
		readerGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "monad_eventring_reader_gaps_total",
			Help: "Number of times an event ring reader detected it fell behind and resynced.",
		}),
	}
	reg.MustRegister(
		r.chunkActivations,
		r.opCompletions,
		r.opLatency,
		r.backPressureTotal,
		r.compactionPasses,
		r.compactionNodes,
		r.readerGaps,
	)
	return r
}

// ChunkActivated records one storagepool.ActivateChunk call for the given
// chunk kind ("cnv" or "seq"). A nil Registry is a no-op.
func (r *Registry) ChunkActivated(kind string) {
	if r == nil {
		return
	}
	r.chunkActivations.WithLabelValues(kind).Inc()
}

// OpCompleted records one asyncio.Engine completion, its kind ("read",
// "write", ...), outcome ("ok" or "error"), and the wall-clock time between
// Initiate and completion.
func (r *Registry) OpCompleted(kind, outcome string, latency time.Duration) {
	if r == nil {
		return
	}
	r.opCompletions.WithLabelValues(kind, outcome).Inc()
	r.opLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// BackPressure records one op throttled by the concurrent-read-I/O limit.
func (r *Registry) BackPressure(kind string) {
	if r == nil {
		return
	}
	r.backPressureTotal.WithLabelValues(kind).Inc()
}

// CompactionPass records one mpt.Compactor.Pass call and how many nodes it
// relocated.
func (r *Registry) CompactionPass(nodesCopied int) {
	if r == nil {
		return
	}
	r.compactionPasses.Inc()
	r.compactionNodes.Add(float64(nodesCopied))
}

// ReaderGap records one eventring.Reader.TryNext call that returned ErrGap.
func (r *Registry) ReaderGap() {
	if r == nil {
		return
	}
	r.readerGaps.Inc()
}
