// state.go - Durable snapshot of the pool state.
//
// The protocol's security rests on this state never being lost or rolled
// back, so everything that matters survives restarts: the tree counters and
// caches, the root history, both append-only sets, and the event logs.
// Persisted as a single JSON file, overwritten atomically on save.

package mixer

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/holiman/uint256"

	"mixer/internal/merkle"
)

// PoolState is the serialisable form of a Pool. Digests are decimal strings.
type PoolState struct {
	Denomination string            `json:"denomination"`
	Tree         *merkle.TreeState `json:"tree"`
	Commitments  []string          `json:"commitments"`
	Nullifiers   []string          `json:"nullifiers"`
	Deposits     []DepositEvent    `json:"deposits"`
	Withdrawals  []WithdrawEvent   `json:"withdrawals"`
}

// Snapshot exports the pool for persistence.
func (p *Pool) Snapshot() *PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &PoolState{
		Denomination: p.denomination.Dec(),
		Tree:         p.tree.State(),
		Commitments:  make([]string, len(p.leaves)),
		Nullifiers:   make([]string, 0, len(p.nullifiers)),
		Deposits:     append([]DepositEvent(nil), p.deposits...),
		Withdrawals:  append([]WithdrawEvent(nil), p.withdrawals...),
	}
	// Commitments are exported in insertion order so inclusion paths can be
	// rebuilt from the snapshot alone.
	for i, leaf := range p.leaves {
		s.Commitments[i] = leaf.String()
	}
	for nf := range p.nullifiers {
		s.Nullifiers = append(s.Nullifiers, nf)
	}
	return s
}

// SaveToFile writes the snapshot next to path and renames it into place.
func (s *PoolState) SaveToFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("state: create %s: %w", tmp, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("state: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: close: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}

// LoadPoolState reads a snapshot from disk.
func LoadPoolState(path string) (*PoolState, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var s PoolState
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", path, err)
	}
	return &s, nil
}

// RestorePool rebuilds a pool from a snapshot. The hasher must be the one
// the snapshot was produced with; the verifier and vault are re-attached
// fresh since they hold no protocol state.
func RestorePool(s *PoolState, hasher merkle.Hasher, verifier Verifier, vault Vault) (*Pool, error) {
	denom, err := uint256.FromDecimal(s.Denomination)
	if err != nil {
		return nil, fmt.Errorf("state: bad denomination %q: %w", s.Denomination, err)
	}
	tree, err := merkle.Restore(s.Tree, hasher)
	if err != nil {
		return nil, err
	}
	if uint64(len(s.Commitments)) != tree.LeafCount() {
		return nil, fmt.Errorf("state: %d commitments for %d leaves", len(s.Commitments), tree.LeafCount())
	}

	p := &Pool{
		tree:         tree,
		denomination: denom,
		verifier:     verifier,
		vault:        vault,
		commitments:  make(map[string]struct{}, len(s.Commitments)),
		nullifiers:   make(map[string]struct{}, len(s.Nullifiers)),
		deposits:     append([]DepositEvent(nil), s.Deposits...),
		withdrawals:  append([]WithdrawEvent(nil), s.Withdrawals...),
	}
	for _, enc := range s.Commitments {
		leaf, ok := new(big.Int).SetString(enc, 10)
		if !ok {
			return nil, fmt.Errorf("state: bad commitment digest %q", enc)
		}
		p.commitments[enc] = struct{}{}
		p.leaves = append(p.leaves, leaf)
	}
	for _, nf := range s.Nullifiers {
		if _, ok := new(big.Int).SetString(nf, 10); !ok {
			return nil, fmt.Errorf("state: bad nullifier digest %q", nf)
		}
		p.nullifiers[nf] = struct{}{}
	}
	return p, nil
}
