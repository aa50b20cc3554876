package mpt

import "fmt"

// VersionedReader reads a trie as of a fixed historical version, the way a
// block-execution replay looks up state "as of" a given block number
// without disturbing the live writer (spec §3.3 "version" / §5 "historical
// roots may be read concurrently with a writer").
//
// Its field shape — a target version, a trace flag, explicit setters/getters
// — follows the versioned-reader pattern used elsewhere in this codebase's
// lineage for threading a point-in-time cursor through lookups.
type VersionedReader struct {
	store   NodeStore
	version int64
	trace   bool
}

func NewVersionedReader(store NodeStore) *VersionedReader {
	return &VersionedReader{store: store}
}

func (r *VersionedReader) String() string {
	return fmt.Sprintf("VersionedReader{version=%d, trace=%v}", r.version, r.trace)
}

func (r *VersionedReader) SetVersion(v int64) { r.version = v }
func (r *VersionedReader) GetVersion() int64  { return r.version }
func (r *VersionedReader) SetTrace(t bool)    { r.trace = t }

// ReadAt looks up key starting from root, but refuses to descend into any
// subtrie whose SubtrieMinVersion exceeds the reader's target version —
// such a subtrie was entirely rewritten after the point in time being
// queried, so no node reachable only through it can be part of the
// historical view (a conservative, cheap-to-check bound, not an exact
// version-filtered read).
func (r *VersionedReader) ReadAt(root *Node, key NibblePath) ([]byte, error) {
	return r.readAt(root, 0, key)
}

func (r *VersionedReader) readAt(node *Node, depth int, key NibblePath) ([]byte, error) {
	if node == nil {
		return nil, ErrNotFound
	}
	path := node.Path()
	for i := 0; i < path.Len(); i++ {
		if depth+i >= key.Len() || key.At(depth+i) != path.At(i) {
			return nil, ErrNotFound
		}
	}
	depth += path.Len()
	if depth == key.Len() {
		if !node.HasValue || node.Version > r.version {
			return nil, ErrNotFound
		}
		return node.Value, nil
	}
	nibble := key.At(depth)
	if !node.HasChild(nibble) {
		return nil, ErrNotFound
	}
	idx := node.ChildArrayIndex(nibble)
	ci := node.Children[idx]
	if ci.SubtrieMinVersion > r.version {
		return nil, ErrNotFound
	}
	child := ci.Ptr
	if child == nil {
		var err error
		child, err = r.store.ReadNode(ci.ChunkOff)
		if err != nil {
			return nil, err
		}
	}
	return r.readAt(child, depth+1, key)
}
