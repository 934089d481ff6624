package merkle

import (
	"errors"
	"math/big"
	"testing"
)

// referenceRoot hashes a fully materialised tree over the same leaves,
// padding incomplete levels with the zero-hash constants. The incremental
// tree must always agree with it.
func referenceRoot(t *testing.T, h Hasher, leaves []*big.Int, depth int) *big.Int {
	t.Helper()
	zeros, err := ZeroHashes(h)
	if err != nil {
		t.Fatalf("zero hashes: %v", err)
	}
	level := make([]*big.Int, len(leaves))
	copy(level, leaves)
	for l := 0; l < depth; l++ {
		if len(level)%2 == 1 {
			level = append(level, zeros[l])
		}
		next := make([]*big.Int, 0, len(level)/2)
		for i := 0; i+1 < len(level); i += 2 {
			n, err := h.Hash2(level[i], level[i+1])
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
			next = append(next, n)
		}
		if len(next) == 0 {
			next = []*big.Int{zeros[l+1]}
		}
		level = next
	}
	return level[0]
}

func TestIncrementalRootMatchesReference(t *testing.T) {
	hashers := map[string]Hasher{
		"MiMC":     NewMiMCHasher(),
		"Poseidon": NewPoseidonHasher(),
	}
	for name, h := range hashers {
		t.Run(name, func(t *testing.T) {
			const depth = 4
			tree, err := NewTree(depth, h)
			if err != nil {
				t.Fatalf("new tree: %v", err)
			}

			var leaves []*big.Int
			for i := 0; i < 1<<depth; i++ {
				leaf := big.NewInt(int64(1000 + i*7))
				idx, err := tree.Insert(leaf)
				if err != nil {
					t.Fatalf("insert %d: %v", i, err)
				}
				if idx != uint64(i) {
					t.Errorf("insert returned index %d, want %d", idx, i)
				}
				leaves = append(leaves, leaf)

				want := referenceRoot(t, h, leaves, depth)
				if got := tree.Root(); got.Cmp(want) != 0 {
					t.Fatalf("after %d leaves: incremental root %s != reference %s", i+1, got, want)
				}
			}
		})
	}
}

func TestEmptyTreeRoot(t *testing.T) {
	h := NewMiMCHasher()
	tree, err := NewTree(6, h)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	want := referenceRoot(t, h, nil, 6)
	if got := tree.Root(); got.Cmp(want) != 0 {
		t.Errorf("empty root %s != reference %s", got, want)
	}
	// The seeded empty root must be accepted; the zero digest never is.
	if !tree.IsKnownRoot(tree.Root()) {
		t.Error("empty tree root should be a known root")
	}
	if tree.IsKnownRoot(big.NewInt(0)) {
		t.Error("zero digest must never be a known root")
	}
	if tree.IsKnownRoot(nil) {
		t.Error("nil digest must never be a known root")
	}
}

func TestRootHistoryWindow(t *testing.T) {
	tree, err := NewTree(6, NewMiMCHasher())
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}

	var produced []*big.Int
	for i := 0; i < RootHistorySize+1; i++ {
		if _, err := tree.Insert(big.NewInt(int64(i + 1))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		produced = append(produced, tree.Root())
	}

	// The first root has been pushed out of the 30-slot window.
	if tree.IsKnownRoot(produced[0]) {
		t.Error("oldest root should have aged out of the history")
	}
	for i := 1; i < len(produced); i++ {
		if !tree.IsKnownRoot(produced[i]) {
			t.Errorf("root produced by insert %d should still be known", i)
		}
	}
	// The seeded empty root was also evicted by now.
	empty, _ := NewTree(6, NewMiMCHasher())
	if tree.IsKnownRoot(empty.Root()) {
		t.Error("initial empty root should have aged out")
	}
}

func TestTreeCapacity(t *testing.T) {
	const depth = 2
	tree, err := NewTree(depth, NewMiMCHasher())
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	for i := 0; i < 1<<depth; i++ {
		if _, err := tree.Insert(big.NewInt(int64(i + 1))); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	rootBefore := tree.Root()
	_, err = tree.Insert(big.NewInt(99))
	if !errors.Is(err, ErrTreeFull) {
		t.Fatalf("expected ErrTreeFull, got %v", err)
	}
	if tree.LeafCount() != 1<<depth {
		t.Errorf("leaf count changed on failed insert: %d", tree.LeafCount())
	}
	if tree.Root().Cmp(rootBefore) != 0 {
		t.Error("root changed on failed insert")
	}
}

func TestZeroHashTable(t *testing.T) {
	h := NewMiMCHasher()
	tree, err := NewTree(8, h)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}

	t.Run("Chain", func(t *testing.T) {
		z0, err := tree.ZeroHash(0)
		if err != nil {
			t.Fatalf("level 0: %v", err)
		}
		if z0.Cmp(EmptyLeaf()) != 0 {
			t.Error("level 0 zero hash is not the empty-leaf constant")
		}
		prev := z0
		for level := 1; level < MaxDepth; level++ {
			want, err := h.Hash2(prev, prev)
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
			got, err := tree.ZeroHash(level)
			if err != nil {
				t.Fatalf("level %d: %v", level, err)
			}
			if got.Cmp(want) != 0 {
				t.Fatalf("level %d zero hash mismatch", level)
			}
			prev = got
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		if _, err := tree.ZeroHash(-1); !errors.Is(err, ErrLevelOutOfRange) {
			t.Errorf("level -1: expected ErrLevelOutOfRange, got %v", err)
		}
		if _, err := tree.ZeroHash(MaxDepth); !errors.Is(err, ErrLevelOutOfRange) {
			t.Errorf("level %d: expected ErrLevelOutOfRange, got %v", MaxDepth, err)
		}
	})
}

func TestBadDepth(t *testing.T) {
	for _, depth := range []int{0, -1, MaxDepth, MaxDepth + 5} {
		if _, err := NewTree(depth, NewMiMCHasher()); !errors.Is(err, ErrBadDepth) {
			t.Errorf("depth %d: expected ErrBadDepth, got %v", depth, err)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	h := NewMiMCHasher()
	tree, err := NewTree(5, h)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := tree.Insert(big.NewInt(int64(100 + i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	restored, err := Restore(tree.State(), h)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Root().Cmp(tree.Root()) != 0 {
		t.Error("restored root differs")
	}
	if restored.LeafCount() != tree.LeafCount() {
		t.Error("restored leaf count differs")
	}
	if !restored.IsKnownRoot(tree.Root()) {
		t.Error("restored tree lost the root history")
	}

	// The restored tree must keep producing the same roots.
	next := big.NewInt(777)
	if _, err := tree.Insert(next); err != nil {
		t.Fatalf("insert original: %v", err)
	}
	if _, err := restored.Insert(next); err != nil {
		t.Fatalf("insert restored: %v", err)
	}
	if restored.Root().Cmp(tree.Root()) != 0 {
		t.Error("restored tree diverged on the next insert")
	}
}

func TestRestoreRejectsMalformedState(t *testing.T) {
	h := NewMiMCHasher()
	tree, _ := NewTree(4, h)
	good := tree.State()

	bad := *good
	bad.FilledSubtrees = good.FilledSubtrees[:2]
	if _, err := Restore(&bad, h); err == nil {
		t.Error("expected error for truncated subtree cache")
	}

	bad = *good
	bad.CurrentRootIndex = RootHistorySize
	if _, err := Restore(&bad, h); err == nil {
		t.Error("expected error for out-of-range root cursor")
	}

	bad = *good
	bad.Roots = append([]string{}, good.Roots...)
	bad.Roots[0] = "not-a-digest"
	if _, err := Restore(&bad, h); err == nil {
		t.Error("expected error for undecodable digest")
	}
}
