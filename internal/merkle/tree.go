// tree.go - Incremental Merkle tree with a bounded history of roots.
//
// The tree is append-only. Instead of materialising 2^depth nodes it keeps,
// per level, the most recent left-child digest that is still waiting for a
// right sibling. An insert therefore costs O(depth) hash calls and the whole
// structure is O(depth) in memory. The last RootHistorySize roots are kept in
// a fixed ring so that withdrawal proofs built against a slightly stale state
// remain acceptable for a bounded window.

package merkle

import (
	"errors"
	"fmt"
	"math/big"
)

const (
	// RootHistorySize is the number of most recent roots accepted as valid.
	RootHistorySize = 30
	// MaxDepth bounds the zero-hash table; valid tree depths are [1, MaxDepth).
	MaxDepth = 32
)

var (
	// ErrTreeFull is returned when the accumulator holds 2^depth leaves.
	ErrTreeFull = errors.New("merkle: tree is full")
	// ErrLevelOutOfRange is returned for a zero-hash lookup outside [0, MaxDepth).
	ErrLevelOutOfRange = errors.New("merkle: level out of range")
	// ErrBadDepth is returned for a construction depth outside [1, MaxDepth).
	ErrBadDepth = errors.New("merkle: depth must be in [1, 32)")
)

// Tree is the authenticated set of inserted commitments.
// It is not safe for concurrent use; the owning pool serialises access.
type Tree struct {
	depth  int
	hasher Hasher

	zeros          []*big.Int
	filledSubtrees []*big.Int
	roots          [RootHistorySize]*big.Int
	currentRoot    int
	nextIndex      uint64
}

// NewTree builds an empty tree of the given depth. The ring is seeded with
// the empty tree's root, so IsKnownRoot holds before the first insert.
func NewTree(depth int, hasher Hasher) (*Tree, error) {
	if depth < 1 || depth >= MaxDepth {
		return nil, fmt.Errorf("%w: got %d", ErrBadDepth, depth)
	}
	zeros, err := ZeroHashes(hasher)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		depth:          depth,
		hasher:         hasher,
		zeros:          zeros,
		filledSubtrees: make([]*big.Int, depth),
	}
	copy(t.filledSubtrees, zeros[:depth])
	t.roots[0] = new(big.Int).Set(zeros[depth])
	return t, nil
}

// Depth returns the fixed tree depth.
func (t *Tree) Depth() int { return t.depth }

// Capacity returns the maximum number of leaves, 2^depth.
func (t *Tree) Capacity() uint64 { return 1 << uint(t.depth) }

// LeafCount returns the number of leaves inserted so far.
func (t *Tree) LeafCount() uint64 { return t.nextIndex }

// Root returns the latest root.
func (t *Tree) Root() *big.Int {
	return new(big.Int).Set(t.roots[t.currentRoot])
}

// ZeroHash returns the empty-subtree digest for a level in [0, MaxDepth).
func (t *Tree) ZeroHash(level int) (*big.Int, error) {
	if level < 0 || level >= MaxDepth {
		return nil, fmt.Errorf("%w: got %d", ErrLevelOutOfRange, level)
	}
	return new(big.Int).Set(t.zeros[level]), nil
}

// Insert appends a leaf and returns its index. The new root is appended to
// the root history. On any failure the tree is left untouched.
func (t *Tree) Insert(leaf *big.Int) (uint64, error) {
	if t.nextIndex >= t.Capacity() {
		return 0, ErrTreeFull
	}

	// Stage the per-level cache so a mid-loop hash failure cannot leave the
	// tree half-updated.
	filled := make([]*big.Int, t.depth)
	copy(filled, t.filledSubtrees)

	current := new(big.Int).Set(leaf)
	index := t.nextIndex
	var err error
	for level := 0; level < t.depth; level++ {
		if index%2 == 0 {
			// Left child: cache it and pair with the canonical empty subtree.
			filled[level] = current
			current, err = t.hasher.Hash2(current, t.zeros[level])
		} else {
			// Right child: its left sibling was cached by an earlier insert.
			current, err = t.hasher.Hash2(filled[level], current)
		}
		if err != nil {
			return 0, fmt.Errorf("merkle: insert at level %d: %w", level, err)
		}
		index /= 2
	}

	t.filledSubtrees = filled
	t.currentRoot = (t.currentRoot + 1) % RootHistorySize
	t.roots[t.currentRoot] = current
	inserted := t.nextIndex
	t.nextIndex++
	return inserted, nil
}

// IsKnownRoot reports whether root is one of the last RootHistorySize roots.
// The zero digest is rejected outright so an uninitialised ring slot can
// never be matched.
func (t *Tree) IsKnownRoot(root *big.Int) bool {
	if root == nil || root.Sign() == 0 {
		return false
	}
	i := t.currentRoot
	for {
		if t.roots[i] != nil && t.roots[i].Cmp(root) == 0 {
			return true
		}
		if i == 0 {
			i = RootHistorySize
		}
		i--
		if i == t.currentRoot {
			return false
		}
	}
}

// TreeState is the serialisable form of a Tree. Digests are decimal strings;
// an empty string marks a root slot that has never been written.
type TreeState struct {
	Depth            int      `json:"depth"`
	NextIndex        uint64   `json:"next_index"`
	CurrentRootIndex int      `json:"current_root_index"`
	Roots            []string `json:"roots"`
	FilledSubtrees   []string `json:"filled_subtrees"`
}

// State exports the tree for persistence.
func (t *Tree) State() *TreeState {
	s := &TreeState{
		Depth:            t.depth,
		NextIndex:        t.nextIndex,
		CurrentRootIndex: t.currentRoot,
		Roots:            make([]string, RootHistorySize),
		FilledSubtrees:   make([]string, t.depth),
	}
	for i, r := range t.roots {
		if r != nil {
			s.Roots[i] = r.String()
		}
	}
	for i, f := range t.filledSubtrees {
		s.FilledSubtrees[i] = f.String()
	}
	return s
}

// Restore rebuilds a tree from a previously exported state.
func Restore(s *TreeState, hasher Hasher) (*Tree, error) {
	t, err := NewTree(s.Depth, hasher)
	if err != nil {
		return nil, err
	}
	if len(s.FilledSubtrees) != s.Depth || len(s.Roots) != RootHistorySize {
		return nil, errors.New("merkle: malformed tree state")
	}
	if s.CurrentRootIndex < 0 || s.CurrentRootIndex >= RootHistorySize {
		return nil, errors.New("merkle: malformed tree state")
	}
	for i, enc := range s.Roots {
		if enc == "" {
			t.roots[i] = nil
			continue
		}
		v, ok := new(big.Int).SetString(enc, 10)
		if !ok {
			return nil, fmt.Errorf("merkle: bad root digest %q", enc)
		}
		t.roots[i] = v
	}
	for i, enc := range s.FilledSubtrees {
		v, ok := new(big.Int).SetString(enc, 10)
		if !ok {
			return nil, fmt.Errorf("merkle: bad subtree digest %q", enc)
		}
		t.filledSubtrees[i] = v
	}
	if t.roots[s.CurrentRootIndex] == nil {
		return nil, errors.New("merkle: state has no current root")
	}
	t.currentRoot = s.CurrentRootIndex
	t.nextIndex = s.NextIndex
	return t, nil
}
