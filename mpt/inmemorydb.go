package mpt

import "sync"

// inMemoryNodeStore is a NodeStore that never touches a storage pool: it
// keeps every written node live in a map keyed by a synthetic offset. This
// is the supplemented in-memory trie variant grounded on
// in_memory_trie_db.cpp — useful for quick experimentation and tests
// without standing up a backing device.
type inMemoryNodeStore struct {
	mu    sync.Mutex
	nodes map[ChunkOffset]*Node
	next  uint64
}

func newInMemoryNodeStore() *inMemoryNodeStore {
	return &inMemoryNodeStore{nodes: make(map[ChunkOffset]*Node)}
}

func (s *inMemoryNodeStore) ReadNode(off ChunkOffset) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[off]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (s *inMemoryNodeStore) WriteNode(n *Node) (ChunkOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := ChunkOffset(s.next)
	s.next++
	s.nodes[off] = n
	return off, nil
}

// InMemoryDB is a trie backed purely by process memory: no storage pool, no
// chunk allocator, no recovery. It satisfies the same Read/Commit surface
// as DB so callers (notably the CLI and tests) can swap between the two
// without branching logic.
type InMemoryDB struct {
	mu     sync.Mutex
	store  *inMemoryNodeStore
	engine *Engine
	root   *Node
}

// NewInMemory constructs an in-memory-only trie variant (spec supplement:
// dropped-feature restoration from in_memory_trie_db.cpp).
func NewInMemory(compute Compute) *InMemoryDB {
	store := newInMemoryNodeStore()
	return &InMemoryDB{store: store, engine: NewEngine(store, compute)}
}

func (db *InMemoryDB) Commit(version int64, updates []Update) (*Node, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	newRoot, err := db.engine.Apply(db.root, version, updates)
	if err != nil {
		return nil, err
	}
	db.root = newRoot
	return newRoot, nil
}

func (db *InMemoryDB) Root() *Node {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.root
}

func (db *InMemoryDB) RootHash() []byte {
	root := db.Root()
	if root == nil {
		return nil
	}
	if len(root.Data) == keccakSize {
		return root.Data
	}
	return db.engine.Compute.ComputeLen(root)
}

func (db *InMemoryDB) Read(key NibblePath) ([]byte, error) {
	db.mu.Lock()
	root := db.root
	db.mu.Unlock()
	return readInMemory(root, 0, key)
}

func readInMemory(node *Node, depth int, key NibblePath) ([]byte, error) {
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
		if !node.HasValue {
			return nil, ErrNotFound
		}
		return node.Value, nil
	}
	nibble := key.At(depth)
	if !node.HasChild(nibble) {
		return nil, ErrNotFound
	}
	idx := node.ChildArrayIndex(nibble)
	return readInMemory(node.Children[idx].Ptr, depth+1, key)
}
