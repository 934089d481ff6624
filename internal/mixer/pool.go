// pool.go - Deposit/withdraw state machine for the fixed-denomination pool.
//
// The Pool owns the commitment accumulator and the two append-only sets
// (seen commitments, spent nullifiers). A deposit binds exactly one
// denomination of value to a hiding commitment; a withdrawal proves, in zero
// knowledge, ownership of some previously deposited commitment without
// revealing which one, and releases the denomination to an arbitrary
// recipient exactly once.
//
// NOTE: Pool methods serialise through an internal mutex; the re-entrancy
// flag additionally rejects calls made from inside the vault transfer.

package mixer

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"mixer/internal/merkle"
)

// One sentinel per failed precondition; callers match with errors.Is.
var (
	ErrDuplicateCommitment = errors.New("mixer: commitment already submitted")
	ErrWrongDenomination   = errors.New("mixer: value sent is not the pool denomination")
	ErrUnknownRoot         = errors.New("mixer: root is not in the recent history")
	ErrNullifierSpent      = errors.New("mixer: nullifier already spent")
	ErrInvalidProof        = errors.New("mixer: proof verification failed")
	ErrTransferFailed      = errors.New("mixer: payout transfer failed")
	ErrReentrantCall       = errors.New("mixer: re-entrant call rejected")
)

// Verifier checks a withdrawal proof against the fixed public-input vector
// [root, nullifierHash, recipient]. A nil error means the proof is valid.
type Verifier interface {
	Verify(proof []byte, publicInputs [3]*big.Int) error
}

// Vault holds the pool's funds. Credit is called when a deposit is accepted;
// Transfer releases one denomination to a recipient and may cede control to
// code outside the pool, which is why withdrawals guard around it.
type Vault interface {
	Credit(amount *uint256.Int)
	Transfer(recipient common.Address, amount *uint256.Int) error
}

// DepositEvent records an accepted deposit.
type DepositEvent struct {
	Commitment string    `json:"commitment"`
	LeafIndex  uint64    `json:"leaf_index"`
	Timestamp  time.Time `json:"timestamp"`
}

// WithdrawEvent records a completed withdrawal.
type WithdrawEvent struct {
	Recipient     common.Address `json:"recipient"`
	NullifierHash string         `json:"nullifier_hash"`
	Amount        *uint256.Int   `json:"amount"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Pool is the protocol state machine. All state lives for the pool's whole
// lifetime and only ever grows; the two operations below are the only
// mutators.
type Pool struct {
	mu     sync.Mutex
	paying bool

	tree         *merkle.Tree
	denomination *uint256.Int
	verifier     Verifier
	vault        Vault

	commitments map[string]struct{}
	leaves      []*big.Int
	nullifiers  map[string]struct{}

	deposits    []DepositEvent
	withdrawals []WithdrawEvent
}

// NewPool creates a pool over a fresh accumulator of the given depth.
func NewPool(depth int, hasher merkle.Hasher, denomination *uint256.Int, verifier Verifier, vault Vault) (*Pool, error) {
	if denomination == nil || denomination.IsZero() {
		return nil, errors.New("mixer: denomination must be non-zero")
	}
	tree, err := merkle.NewTree(depth, hasher)
	if err != nil {
		return nil, err
	}
	return &Pool{
		tree:         tree,
		denomination: denomination.Clone(),
		verifier:     verifier,
		vault:        vault,
		commitments:  make(map[string]struct{}),
		nullifiers:   make(map[string]struct{}),
	}, nil
}

// Denomination returns the fixed deposit/withdraw amount.
func (p *Pool) Denomination() *uint256.Int { return p.denomination.Clone() }

// Root returns the accumulator's latest root.
func (p *Pool) Root() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.Root()
}

// IsKnownRoot reports whether root is within the accepted history window.
func (p *Pool) IsKnownRoot(root *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.IsKnownRoot(root)
}

// HasCommitment reports whether a commitment was already deposited.
func (p *Pool) HasCommitment(commitment *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.commitments[commitment.String()]
	return ok
}

// IsSpent reports whether a nullifier hash has been consumed.
func (p *Pool) IsSpent(nullifierHash *big.Int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.nullifiers[nullifierHash.String()]
	return ok
}

// Leaves returns the ordered list of inserted commitments. Proof tooling
// uses it to rebuild Merkle inclusion paths.
func (p *Pool) Leaves() []*big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*big.Int, len(p.leaves))
	for i, l := range p.leaves {
		out[i] = new(big.Int).Set(l)
	}
	return out
}

// LeafCount returns the number of accepted deposits.
func (p *Pool) LeafCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tree.LeafCount()
}

// Deposits returns the deposit log.
func (p *Pool) Deposits() []DepositEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DepositEvent(nil), p.deposits...)
}

// Withdrawals returns the withdrawal log.
func (p *Pool) Withdrawals() []WithdrawEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WithdrawEvent(nil), p.withdrawals...)
}

// Deposit inserts a commitment bound to exactly one denomination of value
// and returns its leaf index. Either every effect happens (leaf inserted,
// commitment recorded, vault credited, event appended) or none do.
func (p *Pool) Deposit(commitment *big.Int, valueSent *uint256.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paying {
		return 0, ErrReentrantCall
	}
	key := commitment.String()
	if _, ok := p.commitments[key]; ok {
		return 0, ErrDuplicateCommitment
	}
	if valueSent == nil || !valueSent.Eq(p.denomination) {
		return 0, ErrWrongDenomination
	}

	index, err := p.tree.Insert(commitment)
	if err != nil {
		return 0, err
	}
	p.commitments[key] = struct{}{}
	p.leaves = append(p.leaves, new(big.Int).Set(commitment))
	if p.vault != nil {
		p.vault.Credit(p.denomination)
	}
	p.deposits = append(p.deposits, DepositEvent{
		Commitment: key,
		LeafIndex:  index,
		Timestamp:  time.Now().UTC(),
	})
	return index, nil
}

// Withdraw releases one denomination to recipient, spending the nullifier.
//
// Preconditions run cheapest-first: root membership, nullifier freshness,
// then the proof. The nullifier is marked before the transfer and unwound
// if the transfer fails, so a note can never end up both unspendable and
// unpaid. The pool lock is released around the vault transfer; the paying
// flag rejects any call re-entering from inside it.
func (p *Pool) Withdraw(proof []byte, root, nullifierHash *big.Int, recipient common.Address) error {
	p.mu.Lock()

	if p.paying {
		p.mu.Unlock()
		return ErrReentrantCall
	}
	if !p.tree.IsKnownRoot(root) {
		p.mu.Unlock()
		return ErrUnknownRoot
	}
	key := nullifierHash.String()
	if _, ok := p.nullifiers[key]; ok {
		p.mu.Unlock()
		return ErrNullifierSpent
	}
	inputs := [3]*big.Int{root, nullifierHash, AddressToField(recipient)}
	if err := p.verifier.Verify(proof, inputs); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidProof, err)
	}

	p.nullifiers[key] = struct{}{}
	p.paying = true
	p.mu.Unlock()

	var transferErr error
	if p.vault != nil {
		transferErr = p.vault.Transfer(recipient, p.denomination)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.paying = false
	if transferErr != nil {
		// Unwind the marking so the note stays spendable.
		delete(p.nullifiers, key)
		return fmt.Errorf("%w: %v", ErrTransferFailed, transferErr)
	}
	p.withdrawals = append(p.withdrawals, WithdrawEvent{
		Recipient:     recipient,
		NullifierHash: key,
		Amount:        p.denomination.Clone(),
		Timestamp:     time.Now().UTC(),
	})
	return nil
}

// AddressToField embeds a 20-byte address into a field element, the exact
// encoding the withdrawal circuit binds as its third public input.
func AddressToField(addr common.Address) *big.Int {
	return new(big.Int).SetBytes(addr.Bytes())
}
