package mempool

import (
	"sync"

	"github.com/kth-go/consensuscore/pkg/crypto"
	"github.com/kth-go/consensuscore/pkg/types"
)

// DSProof records two conflicting spends of the same outpoint, proving a
// double-spend attempt against a mempool transaction.
type DSProof struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Spender1 types.Hash     `json:"spender1"`
	Spender2 types.Hash     `json:"spender2"`
}

// Hash returns the proof's identity.
func (d *DSProof) Hash() types.Hash {
	buf := make([]byte, 0, 3*types.HashSize+4)
	buf = append(buf, d.Outpoint.TxID[:]...)
	buf = append(buf, byte(d.Outpoint.Index), byte(d.Outpoint.Index>>8),
		byte(d.Outpoint.Index>>16), byte(d.Outpoint.Index>>24))
	buf = append(buf, d.Spender1[:]...)
	buf = append(buf, d.Spender2[:]...)
	return crypto.Hash(buf)
}

// DSProofs is a hash-keyed map of double-spend proofs, maintained
// orthogonally to the transaction DAG.
type DSProofs struct {
	mu     sync.RWMutex
	byHash map[types.Hash]*DSProof
}

// NewDSProofs creates an empty proof map.
func NewDSProofs() *DSProofs {
	return &DSProofs{byHash: make(map[types.Hash]*DSProof)}
}

// Add stores a proof and reports whether it was new.
func (d *DSProofs) Add(proof *DSProof) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	hash := proof.Hash()
	if _, ok := d.byHash[hash]; ok {
		return false
	}
	d.byHash[hash] = proof
	return true
}

// Get looks up a proof by its hash.
func (d *DSProofs) Get(hash types.Hash) (*DSProof, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	proof, ok := d.byHash[hash]
	return proof, ok
}

// Count returns the number of stored proofs.
func (d *DSProofs) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byHash)
}
