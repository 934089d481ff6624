// hasher.go - Field arithmetic and hash backends for the commitment accumulator.
//
// All digests in the pool (commitments, nullifier hashes, tree nodes, roots)
// are elements of the BN254 scalar field, carried as *big.Int. The tree only
// ever needs two operations from its hash: a one-input and a two-input
// compression. Both backends are algebraic hashes with matching in-circuit
// counterparts, so a leaf inserted natively can later be proven in a SNARK.

package merkle

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Hasher is the compression function contract consumed by the tree.
// Implementations must be pure and deterministic.
type Hasher interface {
	// Hash1 compresses a single field element.
	Hash1(x *big.Int) (*big.Int, error)
	// Hash2 compresses an ordered pair of field elements.
	Hash2(left, right *big.Int) (*big.Int, error)
}

// emptyLeaf is the canonical empty-leaf digest: a fixed domain constant
// reduced into the field. Every zero-subtree digest is derived from it.
const emptyLeaf = "21663839004416932945382355908790599225266501822907911457504978515578255421292"

// EmptyLeaf returns the level-0 zero-hash constant.
func EmptyLeaf() *big.Int {
	v, _ := new(big.Int).SetString(emptyLeaf, 10)
	return v
}

// MiMCHasher hashes with the native BN254 MiMC, the default backend.
// It matches gnark's in-circuit MiMC gadget over the same curve.
type MiMCHasher struct{}

// NewMiMCHasher returns the default MiMC backend.
func NewMiMCHasher() MiMCHasher { return MiMCHasher{} }

func (MiMCHasher) Hash1(x *big.Int) (*big.Int, error) {
	var e fr.Element
	e.SetBigInt(x)
	b := e.Bytes()
	h := mimc.NewMiMC()
	if _, err := h.Write(b[:]); err != nil {
		return nil, fmt.Errorf("mimc write: %w", err)
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}

func (MiMCHasher) Hash2(left, right *big.Int) (*big.Int, error) {
	var l, r fr.Element
	l.SetBigInt(left)
	r.SetBigInt(right)
	lb := l.Bytes()
	rb := r.Bytes()
	h := mimc.NewMiMC()
	if _, err := h.Write(lb[:]); err != nil {
		return nil, fmt.Errorf("mimc write: %w", err)
	}
	if _, err := h.Write(rb[:]); err != nil {
		return nil, fmt.Errorf("mimc write: %w", err)
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}

// PoseidonHasher hashes with the iden3 Poseidon permutation over BN254.
type PoseidonHasher struct{}

// NewPoseidonHasher returns the Poseidon backend.
func NewPoseidonHasher() PoseidonHasher { return PoseidonHasher{} }

func (PoseidonHasher) Hash1(x *big.Int) (*big.Int, error) {
	out, err := poseidon.Hash([]*big.Int{x})
	if err != nil {
		return nil, fmt.Errorf("poseidon: %w", err)
	}
	return out, nil
}

func (PoseidonHasher) Hash2(left, right *big.Int) (*big.Int, error) {
	out, err := poseidon.Hash([]*big.Int{left, right})
	if err != nil {
		return nil, fmt.Errorf("poseidon: %w", err)
	}
	return out, nil
}

// ZeroHashes precomputes the empty-subtree digest for every level 0..MaxDepth-1,
// where level 0 is the empty leaf and level i is Hash2(z[i-1], z[i-1]).
func ZeroHashes(h Hasher) ([]*big.Int, error) {
	zeros := make([]*big.Int, MaxDepth)
	zeros[0] = EmptyLeaf()
	for i := 1; i < MaxDepth; i++ {
		z, err := h.Hash2(zeros[i-1], zeros[i-1])
		if err != nil {
			return nil, fmt.Errorf("zero hash level %d: %w", i, err)
		}
		zeros[i] = z
	}
	return zeros, nil
}
