// Package smt implements a fixed-depth sparse Merkle tree stored as an arena
// of node hashes keyed by (level, index).  Level 0 holds the leaves and level
// Depth holds the root.  Subtrees without any leaf set hash to a precomputed
// default chain and are never stored.
package smt

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"zkrollup-node/common"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// MaxDepth is the maximum depth of a tree, bounded by the uint64 leaf index
const MaxDepth = 63

// NodeKey identifies a node in the tree
type NodeKey struct {
	Level uint8
	Index uint64
}

// Node is a stored node hash
type Node struct {
	Level uint8    `json:"l"`
	Index uint64   `json:"i"`
	Hash  *big.Int `json:"h"`
}

// Internals is a snapshot of the non-default nodes of a tree
type Internals struct {
	Depth int    `json:"depth"`
	Nodes []Node `json:"nodes"`
}

// Tree is a sparse Merkle tree of fixed depth.  It is not safe for
// concurrent use.
type Tree struct {
	depth    int
	defaults []*big.Int
	nodes    map[NodeKey]*big.Int
	// dirty holds the inner nodes whose hash must be recomputed
	dirty map[NodeKey]struct{}
}

type defaultsKey struct {
	depth     int
	emptyLeaf string
}

var (
	defaultsMu    sync.Mutex
	defaultChains = make(map[defaultsKey][]*big.Int)
)

// HashNode compresses two children at the given level of the tree.  The
// level is mixed in as a domain tag.
func HashNode(level int, left, right *big.Int) (*big.Int, error) {
	h, err := poseidon.Hash([]*big.Int{big.NewInt(int64(level)), left, right})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return h, nil
}

// DefaultHashes returns the hashes of empty subtrees per level, where the
// empty leaf hashes to emptyLeaf.  The result is shared and must not be
// modified.
func DefaultHashes(depth int, emptyLeaf *big.Int) ([]*big.Int, error) {
	key := defaultsKey{depth: depth, emptyLeaf: emptyLeaf.String()}
	defaultsMu.Lock()
	defer defaultsMu.Unlock()
	if chain, ok := defaultChains[key]; ok {
		return chain, nil
	}
	chain := make([]*big.Int, depth+1)
	chain[0] = new(big.Int).Set(emptyLeaf)
	for l := 1; l <= depth; l++ {
		h, err := HashNode(l, chain[l-1], chain[l-1])
		if err != nil {
			return nil, common.Wrap(err)
		}
		chain[l] = h
	}
	defaultChains[key] = chain
	return chain, nil
}

// NewTree returns an empty tree of the given depth
func NewTree(depth int, emptyLeaf *big.Int) (*Tree, error) {
	if depth <= 0 || depth > MaxDepth {
		return nil, common.Wrap(fmt.Errorf("invalid tree depth %d", depth))
	}
	defaults, err := DefaultHashes(depth, emptyLeaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Tree{
		depth:    depth,
		defaults: defaults,
		nodes:    make(map[NodeKey]*big.Int),
		dirty:    make(map[NodeKey]struct{}),
	}, nil
}

// Depth returns the depth of the tree
func (t *Tree) Depth() int {
	return t.depth
}

// Capacity returns the number of leaves of the tree
func (t *Tree) Capacity() uint64 {
	return uint64(1) << uint(t.depth)
}

func (t *Tree) checkIndex(index uint64) error {
	if index >= t.Capacity() {
		return common.Wrap(fmt.Errorf("leaf index %d out of range for depth %d", index, t.depth))
	}
	return nil
}

// Leaf returns the hash stored at the leaf
func (t *Tree) Leaf(index uint64) *big.Int {
	if h, ok := t.nodes[NodeKey{Level: 0, Index: index}]; ok {
		return new(big.Int).Set(h)
	}
	return new(big.Int).Set(t.defaults[0])
}

// Set stores the leaf hash and invalidates the cached hashes of its
// ancestors.  Setting the empty leaf value removes the leaf.
func (t *Tree) Set(index uint64, leaf *big.Int) error {
	if err := t.checkIndex(index); err != nil {
		return err
	}
	key := NodeKey{Level: 0, Index: index}
	if leaf.Cmp(t.defaults[0]) == 0 {
		delete(t.nodes, key)
	} else {
		t.nodes[key] = new(big.Int).Set(leaf)
	}
	for l := 1; l <= t.depth; l++ {
		index >>= 1
		t.dirty[NodeKey{Level: uint8(l), Index: index}] = struct{}{}
	}
	return nil
}

// Remove sets the leaf back to the empty value
func (t *Tree) Remove(index uint64) error {
	return t.Set(index, t.defaults[0])
}

func (t *Tree) node(level int, index uint64) (*big.Int, error) {
	key := NodeKey{Level: uint8(level), Index: index}
	if _, ok := t.dirty[key]; ok {
		left, err := t.node(level-1, 2*index)
		if err != nil {
			return nil, err
		}
		right, err := t.node(level-1, 2*index+1)
		if err != nil {
			return nil, err
		}
		h, err := HashNode(level, left, right)
		if err != nil {
			return nil, err
		}
		delete(t.dirty, key)
		if h.Cmp(t.defaults[level]) == 0 {
			delete(t.nodes, key)
		} else {
			t.nodes[key] = h
		}
		return h, nil
	}
	if h, ok := t.nodes[key]; ok {
		return h, nil
	}
	return t.defaults[level], nil
}

// Root returns the root hash, recomputing the invalidated nodes
func (t *Tree) Root() (*big.Int, error) {
	h, err := t.node(t.depth, 0)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(h), nil
}

// MerklePath returns the sibling hashes from the leaf level up to the level
// below the root
func (t *Tree) MerklePath(index uint64) ([]*big.Int, error) {
	if err := t.checkIndex(index); err != nil {
		return nil, err
	}
	path := make([]*big.Int, t.depth)
	for l := 0; l < t.depth; l++ {
		h, err := t.node(l, index^1)
		if err != nil {
			return nil, err
		}
		path[l] = new(big.Int).Set(h)
		index >>= 1
	}
	return path, nil
}

// VerifyPath checks that the leaf at index with the given path hashes to root
func VerifyPath(index uint64, leaf *big.Int, path []*big.Int, root *big.Int) (bool, error) {
	h := leaf
	for l, sibling := range path {
		var err error
		if index&1 == 0 {
			h, err = HashNode(l+1, h, sibling)
		} else {
			h, err = HashNode(l+1, sibling, h)
		}
		if err != nil {
			return false, err
		}
		index >>= 1
	}
	return h.Cmp(root) == 0, nil
}

// Internals returns the non-default nodes of the tree, sorted by level and
// index
func (t *Tree) Internals() (*Internals, error) {
	if _, err := t.Root(); err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(t.nodes))
	for k, h := range t.nodes {
		nodes = append(nodes, Node{Level: k.Level, Index: k.Index, Hash: new(big.Int).Set(h)})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].Index < nodes[j].Index
	})
	return &Internals{Depth: t.depth, Nodes: nodes}, nil
}

// RestoreFromInternals replaces the content of the tree with the snapshot
func (t *Tree) RestoreFromInternals(in *Internals) error {
	if in.Depth != t.depth {
		return common.Wrap(fmt.Errorf("internals depth %d, tree depth %d", in.Depth, t.depth))
	}
	nodes := make(map[NodeKey]*big.Int, len(in.Nodes))
	for _, n := range in.Nodes {
		if int(n.Level) > t.depth || n.Hash == nil {
			return common.Wrap(fmt.Errorf("invalid node at level %d index %d", n.Level, n.Index))
		}
		nodes[NodeKey{Level: n.Level, Index: n.Index}] = new(big.Int).Set(n.Hash)
	}
	t.nodes = nodes
	t.dirty = make(map[NodeKey]struct{})
	return nil
}

// Copy returns a deep copy of the tree
func (t *Tree) Copy() *Tree {
	cpy := &Tree{
		depth:    t.depth,
		defaults: t.defaults,
		nodes:    make(map[NodeKey]*big.Int, len(t.nodes)),
		dirty:    make(map[NodeKey]struct{}, len(t.dirty)),
	}
	for k, v := range t.nodes {
		cpy.nodes[k] = v
	}
	for k := range t.dirty {
		cpy.dirty[k] = struct{}{}
	}
	return cpy
}
