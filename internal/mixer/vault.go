// vault.go - In-memory value ledger backing the pool.

package mixer

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger is the reference Vault: a pool balance plus per-address balances,
// all uint256. It stands in for whatever custody layer the host environment
// provides.
type Ledger struct {
	mu       sync.Mutex
	pool     *uint256.Int
	balances map[common.Address]*uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		pool:     uint256.NewInt(0),
		balances: make(map[common.Address]*uint256.Int),
	}
}

// Credit adds deposited value to the pool balance.
func (l *Ledger) Credit(amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pool.Add(l.pool, amount)
}

// Transfer moves amount from the pool to recipient.
func (l *Ledger) Transfer(recipient common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pool.Lt(amount) {
		return fmt.Errorf("ledger: pool balance %s below payout %s", l.pool, amount)
	}
	l.pool.Sub(l.pool, amount)
	bal, ok := l.balances[recipient]
	if !ok {
		bal = uint256.NewInt(0)
		l.balances[recipient] = bal
	}
	bal.Add(bal, amount)
	return nil
}

// PoolBalance returns the value currently held by the pool.
func (l *Ledger) PoolBalance() *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool.Clone()
}

// BalanceOf returns the value paid out to an address so far.
func (l *Ledger) BalanceOf(addr common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[addr]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}
