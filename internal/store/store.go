// Package store defines the persistent-chain interface the consensus core
// consumes, plus a reference implementation over a key-value database.
package store

import (
	"errors"
	"math/big"

	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Store errors.
var (
	ErrMissingPrevout = errors.New("missing previous output")
	ErrBadForkPoint   = errors.New("fork point above chain top")
	ErrNotLinked      = errors.New("incoming block does not link to the chain")
	ErrCorrupt        = errors.New("store corrupt")
)

// OutputEntry is a resolved previous output together with the context a
// validator needs to judge an input spending it.
type OutputEntry struct {
	Output    tx.Output
	Height    uint64
	MTP       uint64
	Coinbase  bool
	Spent     bool
	Confirmed bool
}

// Reader is the read surface of the persistent chain. Reads are unlocked;
// callers snapshot Sequence before and after and retry on mismatch.
type Reader interface {
	LastHeight() (uint64, bool)
	Header(height uint64) (*block.Header, bool)
	Bits(height uint64) (uint64, bool)
	Version(height uint64) (uint32, bool)
	Timestamp(height uint64) (uint64, bool)
	BlockSize(height uint64) (uint64, bool)
	BlockHash(height uint64) (types.Hash, bool)
	Height(hash types.Hash) (uint64, bool)
	BlockExists(hash types.Hash) bool
	Block(hash types.Hash) (*block.Block, bool)
	BlockByHeight(height uint64) (*block.Block, bool)

	// Transaction returns a confirmed transaction and its block height.
	Transaction(hash types.Hash) (*tx.Transaction, uint64, bool)

	// Output resolves a prevout visible at branchHeight. A spent confirmed
	// output is still returned, flagged Spent. With requireConfirmed false,
	// the unconfirmed index is consulted as a last resort.
	Output(op types.Outpoint, branchHeight uint64, requireConfirmed bool) (OutputEntry, bool)

	// UTXO is the unspent-set optimized variant of Output.
	UTXO(op types.Outpoint, branchHeight uint64) (OutputEntry, bool)

	// UTXOPoolFrom collects every output created by blocks in
	// (first..top], keyed by outpoint: the reorg subset used to resolve
	// prevouts created in blocks about to be rolled back.
	UTXOPoolFrom(first, top uint64) map[types.Outpoint]OutputEntry

	// BranchWork sums main-chain proof above fromHeight, scanning from the
	// top down and stopping early once the sum exceeds ceiling.
	BranchWork(ceiling *big.Int, fromHeight uint64) *big.Int

	// History returns the unspent outputs indexed under an address.
	History(addr types.Address) ([]OutputEntry, error)

	// Sequence is the version counter for unlocked reads.
	Sequence() uint64
}

// Writer mutates the persistent chain. Calls are serialized by the caller.
type Writer interface {
	// Reorganize atomically swaps the chain suffix above forkPoint for the
	// incoming blocks and returns the blocks that left the chain, in
	// ascending height order.
	Reorganize(forkPoint uint64, incoming []*block.Block) ([]*block.Block, error)

	// Push records a validated transaction in the unconfirmed index.
	Push(t *tx.Transaction) error

	// Unconfirmed fetches a transaction from the unconfirmed index.
	Unconfirmed(hash types.Hash) (*tx.Transaction, bool)

	// PruneReorgAsync schedules deletion of undo data that has fallen
	// below the rewindable depth.
	PruneReorgAsync()
}

// Store is the full persistent-chain collaborator.
type Store interface {
	Reader
	Writer
	Close() error
}
