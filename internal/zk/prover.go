// prover.go - Note secrets, witness construction, and proof generation.
//
// Proof generation is off-protocol: depositors run it themselves against the
// public leaf list. Nothing here touches pool state.

package zk

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"

	"mixer/internal/merkle"
)

// Note holds the depositor's secret pair. The commitment goes on-pool at
// deposit time; the nullifier hash is revealed at withdrawal.
type Note struct {
	Nullifier *big.Int
	Secret    *big.Int
}

// NewNote samples a fresh note from crypto/rand.
func NewNote() (*Note, error) {
	var n, s fr.Element
	if _, err := n.SetRandom(); err != nil {
		return nil, fmt.Errorf("zk: sample nullifier: %w", err)
	}
	if _, err := s.SetRandom(); err != nil {
		return nil, fmt.Errorf("zk: sample secret: %w", err)
	}
	return &Note{
		Nullifier: n.BigInt(new(big.Int)),
		Secret:    s.BigInt(new(big.Int)),
	}, nil
}

// Commitment derives the leaf value H(nullifier, secret).
func (n *Note) Commitment(h merkle.Hasher) (*big.Int, error) {
	return h.Hash2(n.Nullifier, n.Secret)
}

// NullifierHash derives the spend tag H(nullifier).
func (n *Note) NullifierHash(h merkle.Hasher) (*big.Int, error) {
	return h.Hash1(n.Nullifier)
}

// CompileWithdrawCircuit compiles the withdrawal circuit for a tree depth.
func CompileWithdrawCircuit(depth int) (constraint.ConstraintSystem, error) {
	return frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewCircuitWithdraw(depth))
}

// MerklePath rebuilds the inclusion path for the leaf at index from the
// ordered leaf list, padding incomplete levels with the zero-hash constants.
// It returns the sibling digests, the side bits (1 when the running node is
// a right child), and the root the path hashes to.
func MerklePath(h merkle.Hasher, leaves []*big.Int, index uint64, depth int) ([]*big.Int, []int, *big.Int, error) {
	if index >= uint64(len(leaves)) {
		return nil, nil, nil, fmt.Errorf("zk: leaf index %d out of range (%d leaves)", index, len(leaves))
	}
	zeros, err := merkle.ZeroHashes(h)
	if err != nil {
		return nil, nil, nil, err
	}

	level := make([]*big.Int, len(leaves))
	copy(level, leaves)
	elements := make([]*big.Int, 0, depth)
	indices := make([]int, 0, depth)

	idx := index
	for l := 0; l < depth; l++ {
		if len(level)%2 == 1 {
			level = append(level, zeros[l])
		}
		elements = append(elements, new(big.Int).Set(level[idx^1]))
		indices = append(indices, int(idx&1))

		next := make([]*big.Int, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			n, err := h.Hash2(level[i], level[i+1])
			if err != nil {
				return nil, nil, nil, fmt.Errorf("zk: path level %d: %w", l, err)
			}
			next[i/2] = n
		}
		level = next
		idx /= 2
	}
	if len(level) == 0 {
		return nil, nil, nil, fmt.Errorf("zk: empty tree")
	}
	return elements, indices, level[0], nil
}

// Prove builds the witness for a note sitting at leafIndex and generates a
// Groth16 proof toward recipient. It returns the serialised proof plus the
// root and nullifier hash the verifier will receive as public inputs.
func Prove(
	note *Note, leaves []*big.Int, leafIndex uint64, depth int, recipient common.Address,
	ccs constraint.ConstraintSystem, pk groth16.ProvingKey,
) ([]byte, *big.Int, *big.Int, error) {
	hasher := merkle.NewMiMCHasher()

	elements, indices, root, err := MerklePath(hasher, leaves, leafIndex, depth)
	if err != nil {
		return nil, nil, nil, err
	}
	nullifierHash, err := note.NullifierHash(hasher)
	if err != nil {
		return nil, nil, nil, err
	}

	assignment := NewCircuitWithdraw(depth)
	assignment.Root = root
	assignment.NullifierHash = nullifierHash
	assignment.Recipient = new(big.Int).SetBytes(recipient.Bytes())
	assignment.Nullifier = note.Nullifier
	assignment.Secret = note.Secret
	for i := 0; i < depth; i++ {
		assignment.PathElements[i] = elements[i]
		assignment.PathIndices[i] = indices[i]
	}

	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("zk: build witness: %w", err)
	}
	proof, err := groth16.Prove(ccs, pk, witness)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("zk: prove: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, nil, nil, fmt.Errorf("zk: serialise proof: %w", err)
	}
	return buf.Bytes(), root, nullifierHash, nil
}
