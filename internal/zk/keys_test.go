package zk

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"mixer/internal/merkle"
)

func TestSetupOrLoadKeys(t *testing.T) {
	const depth = 2
	ccs, err := CompileWithdrawCircuit(depth)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	dir := t.TempDir()
	pkPath := filepath.Join(dir, "keys", "withdraw_pk.bin")
	vkPath := filepath.Join(dir, "keys", "withdraw_vk.bin")

	pk, _, err := SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		t.Fatalf("initial setup: %v", err)
	}

	// Second call must load from disk, and the reloaded verifying key must
	// still accept proofs made with the original proving key.
	_, vk2, err := SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	hasher := merkle.NewMiMCHasher()
	note, err := NewNote()
	if err != nil {
		t.Fatalf("new note: %v", err)
	}
	commitment, err := note.Commitment(hasher)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	recipient := common.HexToAddress("0x1234567890123456789012345678901234567890")
	proof, root, nullifierHash, err := Prove(note, []*big.Int{commitment}, 0, depth, recipient, ccs, pk)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	verifier := NewGroth16Verifier(vk2, depth)
	inputs := [3]*big.Int{root, nullifierHash, new(big.Int).SetBytes(recipient.Bytes())}
	if err := verifier.Verify(proof, inputs); err != nil {
		t.Fatalf("verify with reloaded key: %v", err)
	}
}
