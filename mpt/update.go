package mpt

import "sort"

// NodeStore is what the update engine needs from the persistence layer: read
// a node given its on-disk offset, and append a freshly built node,
// receiving back the offset it was written at (spec §4.3 step 7: "Serialize
// to a write buffer, append to the current seq chunk via Async I/O, and
// record the returned offset in the parent").
type NodeStore interface {
	ReadNode(off ChunkOffset) (*Node, error)
	WriteNode(n *Node) (ChunkOffset, error)
}

// Update is one pending mutation: a key, a value or tombstone, and an
// incarnation flag distinguishing "this account was destroyed and recreated"
// from a plain value change (spec §4.3: "{key_nibbles, value ∈ {bytes,
// tombstone}, incarnation_flag, nested_subtrie}").
type Update struct {
	Key             NibblePath
	Value           []byte
	Tombstone       bool
	IncarnationFlag bool
}

func isDeletion(u Update) bool { return u.Tombstone }

// sortUpdates orders updates by key so the engine can recurse branch-wise
// (spec §4.3 step 1).
func sortUpdates(updates []Update) {
	sort.SliceStable(updates, func(i, j int) bool {
		return comparePaths(updates[i].Key, updates[j].Key) < 0
	})
}

func comparePaths(a, b NibblePath) int {
	n := a.Len()
	if b.Len() < n {
		n = b.Len()
	}
	for i := 0; i < n; i++ {
		if a.At(i) != b.At(i) {
			if a.At(i) < b.At(i) {
				return -1
			}
			return 1
		}
	}
	return a.Len() - b.Len()
}

// Engine is the persistent (copy-on-write) trie update engine (spec §4.3).
type Engine struct {
	Store           NodeStore
	Compute         Compute
	CacheAboveDepth int // -1 means "cache all" (spec §4.3 "Caching")
}

func NewEngine(store NodeStore, compute Compute) *Engine {
	return &Engine{Store: store, Compute: compute, CacheAboveDepth: -1}
}

// Apply takes a root (possibly nil, for an empty trie) and an update batch
// and returns the new root. Structural sharing is maximised: any subtrie
// whose key range isn't touched by `updates` is returned unchanged,
// referenced by its existing Ptr/ChunkOff (spec §4.3).
func (e *Engine) Apply(root *Node, version int64, updates []Update) (*Node, error) {
	if len(updates) == 0 {
		return root, nil
	}
	cp := append([]Update(nil), updates...)
	sortUpdates(cp)
	return e.applyAt(root, 0, cp, version)
}

// ApplyMerged interleaves two update batches from distinct sources (e.g.
// ordinary block execution plus an out-of-band witness replay) by key via
// MergeUpdates before descent, then applies the merged batch exactly as
// Apply does (spec §4.3 SUPPLEMENT: multi-source updates, grounded on
// merge.c's do_merge/merge_trie pairing).
func (e *Engine) ApplyMerged(root *Node, version int64, a, b []Update) (*Node, error) {
	sortedA := append([]Update(nil), a...)
	sortUpdates(sortedA)
	sortedB := append([]Update(nil), b...)
	sortUpdates(sortedB)
	return e.Apply(root, version, MergeUpdates(sortedA, sortedB))
}

// applyAt rebuilds the subtrie rooted at `node` (already resolved in
// memory) covering path depth `depth`, folding in `updates` (all of which
// share at least `depth` matching leading nibbles with node's position).
func (e *Engine) applyAt(node *Node, depth int, updates []Update, version int64) (*Node, error) {
	if node == nil {
		return e.buildFresh(updates, depth, version)
	}

	path := node.Path()
	pathLen := path.Len()

	common := 0
	for common < pathLen {
		nibble := path.At(common)
		if !allUpdatesAgreeAt(updates, depth+common, nibble) {
			break
		}
		common++
	}

	if common < pathLen {
		return e.splitExtension(node, depth, common, updates, version)
	}

	// Full path matched; we're now at depth+pathLen.
	atEnd := depth + pathLen
	leafUpdates, branchUpdatesByNibble := partitionAtEnd(updates, atEnd)

	newNode := &Node{
		Mask:            node.Mask,
		HasValue:        node.HasValue,
		PathStartNibble: node.PathStartNibble,
		PathEndNibble:   node.PathEndNibble,
		PathBytes:       node.PathBytes,
		Value:           node.Value,
		ValueLen:        node.ValueLen,
		Version:         node.Version,
		Children:        append([]ChildInfo(nil), node.Children...),
	}

	if len(leafUpdates) > 0 {
		// The last (by sort order, since tombstones/values for the exact
		// key collapse to one effective update) update at this exact key
		// wins.
		last := leafUpdates[len(leafUpdates)-1]
		if isDeletion(last) {
			newNode.HasValue = false
			newNode.Value = nil
			newNode.ValueLen = 0
		} else {
			newNode.HasValue = true
			newNode.Value = last.Value
			newNode.ValueLen = uint32(len(last.Value))
			newNode.Version = version
		}
	}

	for nibble, sub := range branchUpdatesByNibble {
		var childNode *Node
		var childIdx = -1
		if newNode.HasChild(nibble) {
			childIdx = newNode.ChildArrayIndex(nibble)
			childNode = newNode.Children[childIdx].Ptr
			if childNode == nil {
				var err error
				childNode, err = e.Store.ReadNode(node.Children[childIdx].ChunkOff)
				if err != nil {
					return nil, err
				}
			}
		}
		newChild, err := e.applyAt(childNode, depth+pathLen+1, sub, version)
		if err != nil {
			return nil, err
		}
		if newChild == nil {
			if childIdx >= 0 {
				newNode.Mask &^= 1 << nibble
				newNode.Children = removeChildAt(newNode.Children, childIdx)
			}
			continue
		}
		newEntry := ChildInfo{Ptr: newChild, ChunkOff: childOffset(newChild), SubtrieMinVersion: childMinVersion(newChild), Hash: childHashOf(newChild)}
		if childIdx >= 0 {
			newNode.Children[childIdx] = newEntry
		} else {
			newNode.Mask |= 1 << nibble
			insertIdx := newNode.ChildArrayIndex(nibble)
			newNode.Children = insertChildAt(newNode.Children, insertIdx, newEntry)
		}
	}

	return e.finalizeAndCollapse(newNode, depth, version)
}

// finalizeAndCollapse enforces the canonical-form invariant (spec §3.3: a
// no-value node must have >=2 children), computes the Merkle contribution,
// and persists the node (spec §4.3 steps 5-7).
func (e *Engine) finalizeAndCollapse(n *Node, depth int, version int64) (*Node, error) {
	nc := n.NumberOfChildren()
	if nc == 0 && !n.HasValue {
		return nil, nil
	}
	if nc == 1 && !n.HasValue {
		// Collapse into an extension: splice the sole child's path onto
		// ours (spec §4.3 step 5 / §3.3 invariant).
		r := n.ChildrenRange()
		nibble, idx, _ := r.Next()
		child := n.Children[idx].Ptr
		if child == nil {
			var err error
			child, err = e.Store.ReadNode(n.Children[idx].ChunkOff)
			if err != nil {
				return nil, err
			}
		}
		// Rewrite a copy: the child may still be shared with an older root.
		copied := *child
		child = &copied
		newPath := concatNibble(n.Path(), nibble, child.Path())
		child.PathBytes = newPath.Bytes()
		child.PathStartNibble = 0
		child.PathEndNibble = uint8(newPath.Len())
		return e.finalizeAndCollapse(child, depth, version)
	}

	if !n.HasValue {
		maxV := version
		for _, c := range n.Children {
			if c.SubtrieMinVersion > maxV {
				maxV = c.SubtrieMinVersion
			}
		}
		n.Version = maxV
	}

	// Only the depth-0 node takes the root specialization's always-hash
	// form; deeper nodes stay inline when their encoding is short.
	compute := e.Compute
	if rc, ok := compute.(*RootVarLenMerkleCompute); ok && depth > 0 {
		compute = &rc.VarLenMerkleCompute
	}
	n.Data = compute.ComputeLen(n)
	n.DataLen = uint8(len(n.Data))

	off, err := e.Store.WriteNode(n)
	if err != nil {
		return nil, err
	}
	n.SelfOffset = off
	n.dropCacheIfBeyond(e.CacheAboveDepth, depth)
	return n, nil
}

// dropCacheIfBeyond clears in-memory child pointers past the caching
// policy's threshold, forcing later reads of this subtrie back through
// Store.ReadNode (spec §4.3 "Caching"). The node's own durable location is
// carried on it as SelfOffset, set by the caller just before this runs.
func (n *Node) dropCacheIfBeyond(cacheAboveDepth, depth int) {
	if cacheAboveDepth >= 0 && depth > cacheAboveDepth {
		for i := range n.Children {
			n.Children[i].Ptr = nil
		}
	}
}

// childMinVersion returns the smallest version in n's subtrie: a leaf's own
// version, otherwise the least of its children's SubtrieMinVersion and, when
// n carries a value, n.Version.
func childMinVersion(n *Node) int64 {
	if n == nil {
		return 0
	}
	if len(n.Children) == 0 {
		return n.Version
	}
	minV := n.Children[0].SubtrieMinVersion
	for _, c := range n.Children[1:] {
		if c.SubtrieMinVersion < minV {
			minV = c.SubtrieMinVersion
		}
	}
	if n.HasValue && n.Version < minV {
		minV = n.Version
	}
	return minV
}

// childHashOf returns a just-finalized child's Merkle contribution for the
// parent's ChildInfo.Hash: the bytes a sibling reader embeds inline or
// re-hashes when assembling the parent's own encoding (spec §4.3 step 6 /
// §3.3 "cached Merkle hash"). A deleted child has no contribution.
func childHashOf(n *Node) []byte {
	if n == nil {
		return nil
	}
	return n.Data
}

// childOffset returns the durable offset to record in a parent's ChildInfo
// for a just-(re)written child, or InvalidChunkOffset if the child was
// deleted (n == nil, handled by the caller before this is reached).
func childOffset(n *Node) ChunkOffset {
	if n == nil {
		return InvalidChunkOffset
	}
	return n.SelfOffset
}

func concatNibble(prefix NibblePath, nibble uint8, suffix NibblePath) NibblePath {
	total := prefix.Len() + 1 + suffix.Len()
	out := make([]byte, (total+1)/2)
	write := func(pos int, v uint8) {
		if pos%2 == 0 {
			out[pos/2] |= v << 4
		} else {
			out[pos/2] |= v
		}
	}
	pos := 0
	for i := 0; i < prefix.Len(); i++ {
		write(pos, prefix.At(i))
		pos++
	}
	write(pos, nibble)
	pos++
	for i := 0; i < suffix.Len(); i++ {
		write(pos, suffix.At(i))
		pos++
	}
	return NibblePathFromPacked(out, 0, total)
}

// splitExtension handles path divergence mid-extension (spec §4.3 step 4):
// the common prefix becomes a new branch node with two children — the
// remainder of the old node's path, and a fresh subtrie built from updates.
func (e *Engine) splitExtension(node *Node, depth, common int, updates []Update, version int64) (*Node, error) {
	path := node.Path()
	oldNibble := path.At(common)
	newNibble := updates[0].Key.At(depth + common)
	// updates sharing the common prefix may fork at a nibble different
	// from oldNibble only when they're not all equal to it; partition.
	var forUpdatesBranch, forOld []Update
	for _, u := range updates {
		if u.Key.At(depth+common) == oldNibble {
			forOld = append(forOld, u)
		} else {
			forUpdatesBranch = append(forUpdatesBranch, u)
		}
	}

	remainder := &Node{
		Mask:            node.Mask,
		HasValue:        node.HasValue,
		Value:           node.Value,
		ValueLen:        node.ValueLen,
		Version:         node.Version,
		Children:        node.Children,
		PathStartNibble: path.start + uint8(common) + 1,
		PathEndNibble:   path.end,
		PathBytes:       node.PathBytes,
	}

	branch := &Node{Mask: 0}
	if len(forOld) > 0 {
		updatedOld, err := e.applyAt(remainder, depth+common+1, forOld, version)
		if err != nil {
			return nil, err
		}
		if updatedOld != nil {
			branch.Mask |= 1 << oldNibble
			branch.Children = append(branch.Children, ChildInfo{Ptr: updatedOld, ChunkOff: childOffset(updatedOld), SubtrieMinVersion: childMinVersion(updatedOld), Hash: childHashOf(updatedOld)})
		}
	} else {
		remainder, err := e.finalizeAndCollapse(remainder, depth+common+1, version)
		if err != nil {
			return nil, err
		}
		branch.Mask |= 1 << oldNibble
		branch.Children = append(branch.Children, ChildInfo{Ptr: remainder, ChunkOff: childOffset(remainder), SubtrieMinVersion: childMinVersion(remainder), Hash: childHashOf(remainder)})
	}

	if len(forUpdatesBranch) > 0 {
		fresh, err := e.buildFresh(forUpdatesBranch, depth+common+1, version)
		if err != nil {
			return nil, err
		}
		if fresh != nil {
			insertIdx := 0
			if branch.HasChild(oldNibble) && oldNibble < newNibble {
				insertIdx = 1
			}
			branch.Mask |= 1 << newNibble
			branch.Children = insertChildAt(branch.Children, insertIdx, ChildInfo{Ptr: fresh, ChunkOff: childOffset(fresh), SubtrieMinVersion: childMinVersion(fresh), Hash: childHashOf(fresh)})
		}
	}

	branch.PathStartNibble = path.start
	branch.PathEndNibble = path.start + uint8(common)
	branch.PathBytes = path.Slice(0, common).Bytes()

	return e.finalizeAndCollapse(branch, depth, version)
}

// buildFresh constructs a brand-new subtrie from updates that share no
// existing on-disk presence (an insert into previously empty key-space).
func (e *Engine) buildFresh(updates []Update, depth int, version int64) (*Node, error) {
	var live []Update
	for _, u := range updates {
		if !isDeletion(u) {
			live = append(live, u)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	if len(live) == 1 && live[0].Key.Len() == depth {
		n := &Node{HasValue: true, Value: live[0].Value, ValueLen: uint32(len(live[0].Value)), Version: version}
		return e.finalizeAndCollapse(n, depth, version)
	}

	common := commonPrefixFrom(live, depth)
	atEnd := depth + common
	node := &Node{PathStartNibble: 0, PathEndNibble: uint8(common)}
	if common > 0 {
		node.PathBytes = live[0].Key.Slice(depth, atEnd).Bytes()
	}

	leafUpdates, byNibble := partitionAtEnd(live, atEnd)
	if len(leafUpdates) > 0 {
		last := leafUpdates[len(leafUpdates)-1]
		node.HasValue = true
		node.Value = last.Value
		node.ValueLen = uint32(len(last.Value))
		node.Version = version
	}

	nibbles := make([]int, 0, len(byNibble))
	for nb := range byNibble {
		nibbles = append(nibbles, int(nb))
	}
	sortInts(nibbles)
	for _, nb := range nibbles {
		nibble := uint8(nb)
		child, err := e.buildFresh(byNibble[nibble], atEnd+1, version)
		if err != nil {
			return nil, err
		}
		if child == nil {
			continue
		}
		node.Mask |= 1 << nibble
		idx := node.ChildArrayIndex(nibble)
		node.Children = insertChildAt(node.Children, idx, ChildInfo{Ptr: child, ChunkOff: childOffset(child), SubtrieMinVersion: childMinVersion(child), Hash: childHashOf(child)})
	}

	return e.finalizeAndCollapse(node, depth, version)
}

func sortInts(s []int) {
	sort.Ints(s)
}

func commonPrefixFrom(updates []Update, depth int) int {
	if len(updates) == 0 {
		return 0
	}
	first := updates[0].Key
	common := first.Len() - depth
	for _, u := range updates[1:] {
		c := first.Slice(depth, first.Len()).CommonPrefixLen(u.Key.Slice(depth, u.Key.Len()))
		if c < common {
			common = c
		}
	}
	if common < 0 {
		common = 0
	}
	return common
}

// allUpdatesAgreeAt reports whether every update with a key long enough to
// reach nibble index `idx` agrees it equals `nibble`. Updates too short
// (ending exactly at idx) don't constrain the comparison — they terminate
// here, at a value.
func allUpdatesAgreeAt(updates []Update, idx int, nibble uint8) bool {
	for _, u := range updates {
		if u.Key.Len() <= idx {
			continue
		}
		if u.Key.At(idx) != nibble {
			return false
		}
	}
	return true
}

// partitionAtEnd splits updates into those whose key ends exactly at
// `atEnd` (leaf-level updates for this node) and those continuing past it,
// grouped by their next nibble.
func partitionAtEnd(updates []Update, atEnd int) (leaf []Update, byNibble map[uint8][]Update) {
	byNibble = make(map[uint8][]Update)
	for _, u := range updates {
		if u.Key.Len() == atEnd {
			leaf = append(leaf, u)
			continue
		}
		nibble := u.Key.At(atEnd)
		byNibble[nibble] = append(byNibble[nibble], u)
	}
	return leaf, byNibble
}

func removeChildAt(children []ChildInfo, idx int) []ChildInfo {
	return append(children[:idx], children[idx+1:]...)
}

func insertChildAt(children []ChildInfo, idx int, c ChildInfo) []ChildInfo {
	children = append(children, ChildInfo{})
	copy(children[idx+1:], children[idx:])
	children[idx] = c
	return children
}
