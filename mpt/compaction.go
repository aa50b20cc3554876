package mpt

import "github.com/xPOURY4/monad-sub009/metrics"

// Compactor drives compaction passes over the chunk allocator (spec §4.4).
// It walks from the current root and from retained historical roots to
// determine liveness, using each child's SubtrieMinVersion and
// FastListMinOffset/SlowListMinOffset to prune branches known to contain
// nothing older than the retention cut-off.
type Compactor struct {
	Store   NodeStore
	Meta    *DBMetadata
	Logger  compactionLogger
	Metrics *metrics.Registry
}

type compactionLogger interface {
	Infow(msg string, kv ...interface{})
}

type noopCompactionLogger struct{}

func (noopCompactionLogger) Infow(string, ...interface{}) {}

// RetainedRoot is a historical root kept alive for readers below a
// retention version cutoff (spec §4.4 "Retention").
type RetainedRoot struct {
	Root        *Node
	MinVersion  int64
}

// Pass runs one compaction pass against slow_list's head: copy live nodes
// reachable from `current` and `retained` whose min_version is below
// `retentionCutoff` into fresh writes at the current write position, then
// return the emptied chunk to the free list via destroy_contents (spec
// §4.4 "Compaction"). fast_list is never a compaction target — it holds
// the chunks still being actively written; only chunks that have aged into
// slow_list via DemoteFastHeadToSlow are compaction-eligible.
//
// Liveness determination and the actual byte copy are delegated to the
// caller-supplied predicate+copy hooks so this type stays storage-pool
// agnostic; DB wires it against a real storagepool.Chunk.
func (c *Compactor) Pass(current *Node, retained []RetainedRoot, retentionCutoff int64, destroy func(chunkID uint32) error) (copied int, err error) {
	live := make(map[*Node]bool)
	c.markLive(current, retentionCutoff, live)
	for _, r := range retained {
		if r.MinVersion < retentionCutoff {
			c.markLive(r.Root, retentionCutoff, live)
		}
	}

	for n := range live {
		if n.Version >= retentionCutoff {
			continue // already young enough to not need relocation
		}
		if _, werr := c.Store.WriteNode(n); werr != nil {
			return copied, werr
		}
		copied++
	}

	head, ok := c.Meta.Alloc.RetireSlowHeadToFree()
	if ok && destroy != nil {
		if derr := destroy(head); derr != nil {
			return copied, derr
		}
	}
	if ok {
		c.logger().Infow("compaction pass complete", "chunk_id", head, "nodes_copied", copied)
	}
	c.Metrics.CompactionPass(copied)
	return copied, nil
}

func (c *Compactor) logger() compactionLogger {
	if c.Logger == nil {
		return noopCompactionLogger{}
	}
	return c.Logger
}

// markLive walks node's subtrie, skipping children whose SubtrieMinVersion
// already clears the retention cutoff (spec §4.4: "enable pruning walks
// that skip branches known to contain nothing older than the retention
// cut-off").
func (c *Compactor) markLive(node *Node, cutoff int64, live map[*Node]bool) {
	if node == nil || live[node] {
		return
	}
	live[node] = true
	for _, ch := range node.Children {
		if ch.SubtrieMinVersion >= cutoff {
			continue
		}
		child := ch.Ptr
		if child == nil {
			var err error
			child, err = c.Store.ReadNode(ch.ChunkOff)
			if err != nil {
				continue
			}
		}
		c.markLive(child, cutoff, live)
	}
}
