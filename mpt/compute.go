package mpt

import (
	"github.com/xPOURY4/monad-sub009/internal/rlp"
	"golang.org/x/crypto/sha3"
)

// Compute is the pluggable Merkle-hashing interface (spec §4.3): a Node
// knows its shape (leaf/extension/branch) but delegates how its
// contribution to the parent's hash is computed, so callers can swap in a
// different hash function or a variable-length leaf scheme.
type Compute interface {
	// ComputeLen returns this node's contribution as it should be embedded
	// into its parent: either the short (<32 byte) RLP encoding verbatim,
	// or the 32-byte Keccak digest of the full encoding when it doesn't
	// fit inline.
	ComputeLen(n *Node) []byte
	// ComputeBranch returns the 16-way RLP encoding of a branch node with
	// an empty-string value terminator.
	ComputeBranch(n *Node) []byte
	// Compute dispatches among leaf / extension / branch shapes and
	// returns the node's full encoding (not yet length-collapsed).
	Compute(n *Node) []byte
}

// LeafCompute renders a leaf's RLP payload from its raw value bytes — the
// customization point MerkleComputeBase is generic over (spec §4.3
// "Specializations: MerkleComputeBase<LeafCompute>").
type LeafCompute interface {
	ComputeLeaf(value []byte) []byte
}

// RawLeafCompute RLP-encodes the leaf value verbatim, the default used by
// fixed-length tries that store an already-RLP-ready payload.
type RawLeafCompute struct{}

func (RawLeafCompute) ComputeLeaf(value []byte) []byte {
	return rlp.EncodeString(value)
}

const maxBranchRLPSize = 532 // 16 * 33-byte hash items + 1-byte empty value + 3-byte list header, static bound in compute.hpp
const maxLeafDataSize = 110

// MerkleComputeBase is the default Compute for fixed-length (64-nibble-key)
// tries such as state/storage (spec §4.3). It collapses single-child
// branches into extensions by hoisting the lone child's encoding.
type MerkleComputeBase struct {
	Leaf LeafCompute
}

func NewMerkleComputeBase(leaf LeafCompute) *MerkleComputeBase {
	if leaf == nil {
		leaf = RawLeafCompute{}
	}
	return &MerkleComputeBase{Leaf: leaf}
}

func (m *MerkleComputeBase) ComputeLen(n *Node) []byte {
	full := m.Compute(n)
	return collapseOrHash(full)
}

func collapseOrHash(full []byte) []byte {
	if len(full) < keccakSize {
		return full
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(full)
	return h.Sum(nil)
}

func (m *MerkleComputeBase) ComputeBranch(n *Node) []byte {
	items := make([][]byte, 17)
	r := n.ChildrenRange()
	for {
		nibble, idx, ok := r.Next()
		if !ok {
			break
		}
		items[nibble] = childEmbedding(n.Children[idx])
	}
	for i := range items {
		if items[i] == nil {
			items[i] = rlp.EncodeString(nil)
		}
	}
	if n.HasValue {
		items[16] = rlp.EncodeString(n.Value)
	} else {
		items[16] = rlp.EncodeString(nil)
	}
	return rlp.EncodeList(items)
}

func childEmbedding(c ChildInfo) []byte {
	if len(c.Hash) == keccakSize {
		return rlp.EncodeString(c.Hash)
	}
	// shorter-than-32-byte embeddings are carried inline, already a valid
	// RLP item (produced by a nested ComputeLen call).
	return c.Hash
}

func (m *MerkleComputeBase) Compute(n *Node) []byte {
	path := n.Path()
	if n.NumberOfChildren() == 0 && n.HasValue {
		return rlp.EncodeList([][]byte{
			rlp.EncodeString(hexPrefixEncode(path, true)),
			m.Leaf.ComputeLeaf(n.Value),
		})
	}
	if n.NumberOfChildren() == 1 && !n.HasValue {
		// canonical form forbids this for persisted nodes (validate()),
		// but the update engine calls Compute transiently while folding
		// a collapsed extension; treat as extension node.
		r := n.ChildrenRange()
		_, idx, _ := r.Next()
		child := n.Children[idx]
		return rlp.EncodeList([][]byte{
			rlp.EncodeString(hexPrefixEncode(path, false)),
			childEmbedding(child),
		})
	}
	return m.ComputeBranch(n)
}

// VarLenMerkleCompute is the Compute specialization for variable-length
// tries (e.g. receipts), parameterized by a LeafProcessor that may
// transform the stored bytes before encoding (spec §4.3
// "VarLenMerkleCompute<LeafProcessor>").
type VarLenMerkleCompute struct {
	Processor LeafCompute
}

func NewVarLenMerkleCompute(p LeafCompute) *VarLenMerkleCompute {
	if p == nil {
		p = RawLeafCompute{}
	}
	return &VarLenMerkleCompute{Processor: p}
}

func (v *VarLenMerkleCompute) ComputeLen(n *Node) []byte {
	return collapseOrHash(v.Compute(n))
}

func (v *VarLenMerkleCompute) ComputeBranch(n *Node) []byte {
	base := &MerkleComputeBase{Leaf: v.Processor}
	return base.ComputeBranch(n)
}

func (v *VarLenMerkleCompute) Compute(n *Node) []byte {
	base := &MerkleComputeBase{Leaf: v.Processor}
	return base.Compute(n)
}

// RootVarLenMerkleCompute is the root-level specialization: ComputeLen
// always produces the full 32-byte hash regardless of encoded size, since
// the root hash is always looked up as a full digest (spec §4.3 mirrors
// compute.hpp's RootVarLenMerkleCompute). Compute and ComputeBranch are the
// embedded VarLenMerkleCompute's. The update engine uses this form for the
// depth-0 node only; deeper nodes get the embedded VarLenMerkleCompute.
type RootVarLenMerkleCompute struct {
	VarLenMerkleCompute
}

func NewRootVarLenMerkleCompute(p LeafCompute) *RootVarLenMerkleCompute {
	return &RootVarLenMerkleCompute{VarLenMerkleCompute: *NewVarLenMerkleCompute(p)}
}

func (v *RootVarLenMerkleCompute) ComputeLen(n *Node) []byte {
	// Unlike every other level, the root's contribution is never embedded
	// into a parent, so it skips collapseOrHash's short-encoding fast path
	// and is always the full 32-byte digest (compute.hpp: "root data of a
	// merkle trie is always a hash"). Compute here is the inherited
	// VarLenMerkleCompute encoder, not an override, since the root still
	// needs its actual leaf/extension/branch encoding hashed, not a stub.
	full := v.VarLenMerkleCompute.Compute(n)
	h := sha3.NewLegacyKeccak256()
	h.Write(full)
	return h.Sum(nil)
}

// hexPrefixEncode implements the standard hex-prefix (HP) encoding used to
// flag leaf-vs-extension and odd-vs-even nibble count in the first byte of
// an encoded path.
func hexPrefixEncode(path NibblePath, isLeaf bool) []byte {
	n := path.Len()
	odd := n%2 == 1
	var out []byte
	if odd {
		first := byte(0x10)
		if isLeaf {
			first |= 0x20
		}
		first |= path.At(0)
		out = append(out, first)
		for i := 1; i < n; i += 2 {
			b := path.At(i) << 4
			if i+1 < n {
				b |= path.At(i + 1)
			}
			out = append(out, b)
		}
	} else {
		first := byte(0)
		if isLeaf {
			first = 0x20
		}
		out = append(out, first)
		for i := 0; i < n; i += 2 {
			out = append(out, path.At(i)<<4|path.At(i+1))
		}
	}
	return out
}
