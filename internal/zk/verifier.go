// verifier.go - Groth16 implementation of the pool's Verifier contract.

package zk

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
)

// Groth16Verifier checks withdrawal proofs against a fixed verifying key.
// It is stateless and safe for concurrent use.
type Groth16Verifier struct {
	vk    groth16.VerifyingKey
	depth int
}

// NewGroth16Verifier wraps a verifying key for a circuit of the given depth.
func NewGroth16Verifier(vk groth16.VerifyingKey, depth int) *Groth16Verifier {
	return &Groth16Verifier{vk: vk, depth: depth}
}

// Verify deserialises the proof, rebuilds the public-only witness from
// [root, nullifierHash, recipient], and runs pairing verification.
func (v *Groth16Verifier) Verify(proofBytes []byte, publicInputs [3]*big.Int) error {
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("zk: unmarshal proof: %w", err)
	}

	assignment := NewCircuitWithdraw(v.depth)
	assignment.Root = publicInputs[0]
	assignment.NullifierHash = publicInputs[1]
	assignment.Recipient = publicInputs[2]

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("zk: build public witness: %w", err)
	}
	if err := groth16.Verify(proof, v.vk, witness); err != nil {
		return fmt.Errorf("zk: verify: %w", err)
	}
	return nil
}
