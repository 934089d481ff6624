// circuit.go - Groth16 withdrawal circuit.
//
// The statement: "I know (nullifier, secret) such that MiMC(nullifier, secret)
// is a leaf of the tree whose root is the public Root, and MiMC(nullifier) is
// the public NullifierHash." The recipient address rides along as a public
// input bound by a squaring constraint, so a proof cannot be replayed toward
// a different payout address.

package zk

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// CircuitWithdraw proves membership of a commitment and correct nullifier
// derivation. Public inputs are declared in the fixed verification order:
// root, nullifier hash, recipient.
type CircuitWithdraw struct {
	Root          frontend.Variable `gnark:",public"`
	NullifierHash frontend.Variable `gnark:",public"`
	Recipient     frontend.Variable `gnark:",public"`

	Nullifier    frontend.Variable
	Secret       frontend.Variable
	PathElements []frontend.Variable
	PathIndices  []frontend.Variable
}

// NewCircuitWithdraw allocates a circuit for a tree of the given depth.
func NewCircuitWithdraw(depth int) *CircuitWithdraw {
	return &CircuitWithdraw{
		PathElements: make([]frontend.Variable, depth),
		PathIndices:  make([]frontend.Variable, depth),
	}
}

func (c *CircuitWithdraw) Define(api frontend.API) error {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	// commitment = H(nullifier, secret)
	h.Write(c.Nullifier, c.Secret)
	current := h.Sum()

	// nullifierHash = H(nullifier)
	h.Reset()
	h.Write(c.Nullifier)
	api.AssertIsEqual(c.NullifierHash, h.Sum())

	// Recompute the root along the inclusion path. A path index of 0 means
	// the running node is a left child.
	for i := range c.PathElements {
		api.AssertIsBoolean(c.PathIndices[i])
		left := api.Select(c.PathIndices[i], c.PathElements[i], current)
		right := api.Select(c.PathIndices[i], current, c.PathElements[i])
		h.Reset()
		h.Write(left, right)
		current = h.Sum()
	}
	api.AssertIsEqual(c.Root, current)

	// Keep the recipient in the constraint system.
	api.Mul(c.Recipient, c.Recipient)
	return nil
}
