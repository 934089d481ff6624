package zk

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"mixer/internal/merkle"
	"mixer/internal/mixer"
)

const testDepth = 20

var (
	setupOnce sync.Once
	testCCS   constraint.ConstraintSystem
	testPK    groth16.ProvingKey
	testVK    groth16.VerifyingKey
	setupErr  error
)

// proving artifacts are shared across tests; setup dominates the runtime.
func provingArtifacts(t *testing.T) (constraint.ConstraintSystem, groth16.ProvingKey, groth16.VerifyingKey) {
	t.Helper()
	setupOnce.Do(func() {
		testCCS, setupErr = CompileWithdrawCircuit(testDepth)
		if setupErr != nil {
			return
		}
		testPK, testVK, setupErr = groth16.Setup(testCCS)
	})
	if setupErr != nil {
		t.Fatalf("proving setup: %v", setupErr)
	}
	return testCCS, testPK, testVK
}

func TestNoteDerivations(t *testing.T) {
	h := merkle.NewMiMCHasher()
	note, err := NewNote()
	if err != nil {
		t.Fatalf("new note: %v", err)
	}

	cm1, err := note.Commitment(h)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	cm2, _ := note.Commitment(h)
	if cm1.Cmp(cm2) != 0 {
		t.Error("commitment derivation is not deterministic")
	}

	nf, err := note.NullifierHash(h)
	if err != nil {
		t.Fatalf("nullifier hash: %v", err)
	}
	if nf.Cmp(cm1) == 0 {
		t.Error("nullifier hash collides with commitment")
	}

	other, _ := NewNote()
	cmOther, _ := other.Commitment(h)
	if cm1.Cmp(cmOther) == 0 {
		t.Error("two fresh notes produced the same commitment")
	}
}

func TestMerklePathMatchesTree(t *testing.T) {
	h := merkle.NewMiMCHasher()
	const depth = 5
	tree, err := merkle.NewTree(depth, h)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}

	var leaves []*big.Int
	for i := 0; i < 6; i++ {
		leaf := big.NewInt(int64(10 + i))
		leaves = append(leaves, leaf)
		if _, err := tree.Insert(leaf); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	for index := range leaves {
		elements, indices, root, err := MerklePath(h, leaves, uint64(index), depth)
		if err != nil {
			t.Fatalf("path for leaf %d: %v", index, err)
		}
		if len(elements) != depth || len(indices) != depth {
			t.Fatalf("path for leaf %d has wrong length", index)
		}
		if root.Cmp(tree.Root()) != 0 {
			t.Errorf("path root for leaf %d differs from tree root", index)
		}

		// Replay the path by hand.
		current := new(big.Int).Set(leaves[index])
		for l := 0; l < depth; l++ {
			if indices[l] == 0 {
				current, err = h.Hash2(current, elements[l])
			} else {
				current, err = h.Hash2(elements[l], current)
			}
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
		}
		if current.Cmp(root) != 0 {
			t.Errorf("replayed path for leaf %d does not reach the root", index)
		}
	}

	if _, _, _, err := MerklePath(h, leaves, 6, depth); err == nil {
		t.Error("expected error for out-of-range leaf index")
	}
}

func TestWithdrawEndToEnd(t *testing.T) {
	ccs, pk, vk := provingArtifacts(t)
	hasher := merkle.NewMiMCHasher()
	denomination := uint256.NewInt(1_000_000)
	recipient := common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")

	ledger := mixer.NewLedger()
	pool, err := mixer.NewPool(testDepth, hasher, denomination, NewGroth16Verifier(vk, testDepth), ledger)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	note, err := NewNote()
	if err != nil {
		t.Fatalf("new note: %v", err)
	}
	commitment, err := note.Commitment(hasher)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	index, err := pool.Deposit(commitment, denomination)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if index != 0 {
		t.Fatalf("leaf index = %d, want 0", index)
	}

	proof, root, nullifierHash, err := Prove(note, pool.Leaves(), index, testDepth, recipient, ccs, pk)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if !pool.IsKnownRoot(root) {
		t.Fatal("proved root is not known to the pool")
	}

	t.Run("FirstWithdrawSucceeds", func(t *testing.T) {
		if err := pool.Withdraw(proof, root, nullifierHash, recipient); err != nil {
			t.Fatalf("withdraw: %v", err)
		}
		if !ledger.BalanceOf(recipient).Eq(denomination) {
			t.Errorf("recipient balance = %s, want %s", ledger.BalanceOf(recipient), denomination)
		}
		if !ledger.PoolBalance().IsZero() {
			t.Errorf("pool balance = %s, want 0", ledger.PoolBalance())
		}
	})

	t.Run("SecondWithdrawIsDoubleSpend", func(t *testing.T) {
		err := pool.Withdraw(proof, root, nullifierHash, recipient)
		if !errors.Is(err, mixer.ErrNullifierSpent) {
			t.Fatalf("expected ErrNullifierSpent, got %v", err)
		}
	})
}

func TestWithdrawRejectsForgedProofs(t *testing.T) {
	ccs, pk, vk := provingArtifacts(t)
	hasher := merkle.NewMiMCHasher()
	denomination := uint256.NewInt(1_000_000)
	recipient := common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")

	pool, err := mixer.NewPool(testDepth, hasher, denomination, NewGroth16Verifier(vk, testDepth), mixer.NewLedger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	note, _ := NewNote()
	commitment, _ := note.Commitment(hasher)
	index, err := pool.Deposit(commitment, denomination)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	proof, root, nullifierHash, err := Prove(note, pool.Leaves(), index, testDepth, recipient, ccs, pk)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	t.Run("RedirectedRecipient", func(t *testing.T) {
		// The proof binds the recipient; paying someone else must fail.
		thief := common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")
		err := pool.Withdraw(proof, root, nullifierHash, thief)
		if !errors.Is(err, mixer.ErrInvalidProof) {
			t.Fatalf("expected ErrInvalidProof, got %v", err)
		}
		if pool.IsSpent(nullifierHash) {
			t.Error("rejected proof consumed the nullifier")
		}
	})

	t.Run("WrongNullifierHash", func(t *testing.T) {
		err := pool.Withdraw(proof, root, big.NewInt(12345), recipient)
		if !errors.Is(err, mixer.ErrInvalidProof) {
			t.Fatalf("expected ErrInvalidProof, got %v", err)
		}
	})

	t.Run("TamperedProofBytes", func(t *testing.T) {
		mangled := append([]byte(nil), proof...)
		mangled[len(mangled)/2] ^= 0xff
		err := pool.Withdraw(mangled, root, nullifierHash, recipient)
		if !errors.Is(err, mixer.ErrInvalidProof) {
			t.Fatalf("expected ErrInvalidProof, got %v", err)
		}
	})

	t.Run("ValidAfterRejections", func(t *testing.T) {
		if err := pool.Withdraw(proof, root, nullifierHash, recipient); err != nil {
			t.Fatalf("withdraw after rejected attempts: %v", err)
		}
	})
}
