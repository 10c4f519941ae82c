package facade

import (
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/organizer"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Every fetch dispatches onto the general pool and returns through its
// handler. Store reads are unlocked: the sequence counter is snapshotted
// before the read and re-verified after, retrying on change.

// consistentRead runs read under the store's sequential-lock protocol.
func (c *Chain) consistentRead(read func()) {
	for {
		seq := c.store.Sequence()
		if seq%2 != 0 {
			continue // Write in progress.
		}
		read()
		if c.store.Sequence() == seq {
			return
		}
	}
}

// fetch wraps a read for asynchronous delivery.
func (c *Chain) fetch(read func()) {
	c.dispatcher.Concurrent(func() {
		if c.dispatcher.Stopped() {
			return
		}
		c.consistentRead(read)
	})
}

// FetchLastHeight reports the chain top height.
func (c *Chain) FetchLastHeight(handler func(err error, height uint64)) {
	c.fetch(func() {
		height, ok := c.store.LastHeight()
		if !ok {
			handler(organizer.ErrNotFound, 0)
			return
		}
		handler(nil, height)
	})
}

// FetchBlock retrieves a block by hash.
func (c *Chain) FetchBlock(hash types.Hash, handler func(err error, blk *block.Block, height uint64)) {
	c.fetch(func() {
		blk, ok := c.store.Block(hash)
		if !ok {
			handler(organizer.ErrNotFound, nil, 0)
			return
		}
		handler(nil, blk, blk.Header.Height)
	})
}

// FetchBlockByHeight retrieves the main-chain block at a height.
func (c *Chain) FetchBlockByHeight(height uint64, handler func(err error, blk *block.Block)) {
	c.fetch(func() {
		blk, ok := c.store.BlockByHeight(height)
		if !ok {
			handler(organizer.ErrNotFound, nil)
			return
		}
		handler(nil, blk)
	})
}

// FetchBlockHeader retrieves the main-chain header at a height.
func (c *Chain) FetchBlockHeader(height uint64, handler func(err error, header *block.Header)) {
	c.fetch(func() {
		header, ok := c.store.Header(height)
		if !ok {
			handler(organizer.ErrNotFound, nil)
			return
		}
		handler(nil, header)
	})
}

// FetchBlockHash reports the main-chain hash at a height.
func (c *Chain) FetchBlockHash(height uint64, handler func(err error, hash types.Hash)) {
	c.fetch(func() {
		hash, ok := c.store.BlockHash(height)
		if !ok {
			handler(organizer.ErrNotFound, types.Hash{})
			return
		}
		handler(nil, hash)
	})
}

// FetchBlockHeight reports the main-chain height of a block hash.
func (c *Chain) FetchBlockHeight(hash types.Hash, handler func(err error, height uint64)) {
	c.fetch(func() {
		height, ok := c.store.Height(hash)
		if !ok {
			handler(organizer.ErrNotFound, 0)
			return
		}
		handler(nil, height)
	})
}

// FetchTransaction retrieves a transaction: confirmed first, then the
// unconfirmed index.
func (c *Chain) FetchTransaction(hash types.Hash, handler func(err error, t *tx.Transaction, height uint64, confirmed bool)) {
	c.fetch(func() {
		if t, height, ok := c.store.Transaction(hash); ok {
			handler(nil, t, height, true)
			return
		}
		if t, ok := c.store.Unconfirmed(hash); ok {
			handler(nil, t, 0, false)
			return
		}
		handler(organizer.ErrNotFound, nil, 0, false)
	})
}

// FetchMerkleBlock materializes a block's header together with its
// transaction hashes, from which any merkle path can be built.
func (c *Chain) FetchMerkleBlock(hash types.Hash, handler func(err error, header *block.Header, txHashes []types.Hash)) {
	c.fetch(func() {
		blk, ok := c.store.Block(hash)
		if !ok {
			handler(organizer.ErrNotFound, nil, nil)
			return
		}
		hashes := make([]types.Hash, len(blk.Transactions))
		for i, t := range blk.Transactions {
			hashes[i] = t.Hash()
		}
		handler(nil, blk.Header, hashes)
	})
}

// FetchCompactBlock materializes a block as its header plus short txids:
// receivers reconstruct the body from their mempool.
func (c *Chain) FetchCompactBlock(hash types.Hash, handler func(err error, header *block.Header, shortIDs []uint64)) {
	c.fetch(func() {
		blk, ok := c.store.Block(hash)
		if !ok {
			handler(organizer.ErrNotFound, nil, nil)
			return
		}
		shortIDs := make([]uint64, len(blk.Transactions))
		for i, t := range blk.Transactions {
			txID := t.Hash()
			shortIDs[i] = uint64(txID[0]) | uint64(txID[1])<<8 | uint64(txID[2])<<16 |
				uint64(txID[3])<<24 | uint64(txID[4])<<32 | uint64(txID[5])<<40
		}
		handler(nil, blk.Header, shortIDs)
	})
}

// FetchBlockLocator builds a locator for the current chain: dense near the
// top, exponentially sparse down to genesis.
func (c *Chain) FetchBlockLocator(handler func(err error, locator []types.Hash)) {
	c.fetch(func() {
		top, ok := c.store.LastHeight()
		if !ok {
			handler(organizer.ErrNotFound, nil)
			return
		}
		var locator []types.Hash
		step := uint64(1)
		height := top
		for {
			hash, ok := c.store.BlockHash(height)
			if ok {
				locator = append(locator, hash)
			}
			if height == 0 {
				break
			}
			if len(locator) >= 10 {
				step *= 2
			}
			if height < step {
				height = 0
			} else {
				height -= step
			}
		}
		handler(nil, locator)
	})
}

// FetchLocatorBlockHashes resolves a peer's locator to the main-chain
// hashes after the first common block, up to limit.
func (c *Chain) FetchLocatorBlockHashes(locator []types.Hash, stop types.Hash, limit int, handler func(err error, hashes []types.Hash)) {
	c.fetch(func() {
		var forkHeight uint64
		for _, hash := range locator {
			if height, ok := c.store.Height(hash); ok {
				forkHeight = height
				break
			}
		}
		top, ok := c.store.LastHeight()
		if !ok {
			handler(organizer.ErrNotFound, nil)
			return
		}
		var hashes []types.Hash
		for h := forkHeight + 1; h <= top && len(hashes) < limit; h++ {
			hash, ok := c.store.BlockHash(h)
			if !ok {
				break
			}
			hashes = append(hashes, hash)
			if hash == stop {
				break
			}
		}
		handler(nil, hashes)
	})
}

// FetchHistory returns the unspent outputs indexed under an address hash.
func (c *Chain) FetchHistory(addr types.Address, handler func(err error, history []HistoryEntry)) {
	c.fetch(func() {
		entries, err := c.store.History(addr)
		if err != nil {
			handler(err, nil)
			return
		}
		history := make([]HistoryEntry, len(entries))
		for i, e := range entries {
			history[i] = HistoryEntry{Value: e.Output.Value, Height: e.Height, Coinbase: e.Coinbase}
		}
		handler(nil, history)
	})
}

// HistoryEntry is one row of an address history.
type HistoryEntry struct {
	Value    uint64
	Height   uint64
	Coinbase bool
}

// FetchUTXOCommitment computes a merkle commitment over the unspent set.
func (c *Chain) FetchUTXOCommitment(handler func(err error, commitment types.Hash)) {
	c.fetch(func() {
		commitment, err := c.store.UTXOCommitment()
		handler(err, commitment)
	})
}

// FetchTemplate snapshots the current block template.
func (c *Chain) FetchTemplate(handler func(err error, elements []mempool.Element, fees uint64)) {
	c.dispatcher.Concurrent(func() {
		if c.dispatcher.Stopped() {
			return
		}
		elements, fees := c.txs.FetchTemplate()
		handler(nil, elements, fees)
	})
}

// FetchMempool reports the txids of every pooled transaction.
func (c *Chain) FetchMempool(handler func(err error, hashes []types.Hash)) {
	c.dispatcher.Concurrent(func() {
		if c.dispatcher.Stopped() {
			return
		}
		handler(nil, c.txs.FetchMempool())
	})
}

// FetchDSProof looks up a double-spend proof by hash.
func (c *Chain) FetchDSProof(hash types.Hash, handler func(err error, proof *mempool.DSProof)) {
	c.dispatcher.Concurrent(func() {
		if c.dispatcher.Stopped() {
			return
		}
		proof, ok := c.txs.FetchDSProof(hash)
		if !ok {
			handler(organizer.ErrNotFound, nil)
			return
		}
		handler(nil, proof)
	})
}

// FilterBlocks removes inventory hashes already known to the block pool.
func (c *Chain) FilterBlocks(inventory []types.Hash, handler func(err error, unknown []types.Hash)) {
	c.dispatcher.Concurrent(func() {
		if c.dispatcher.Stopped() {
			return
		}
		handler(nil, c.pool.Filter(inventory))
	})
}

// FilterTransactions removes inventory hashes already in the mempool.
func (c *Chain) FilterTransactions(inventory []types.Hash, handler func(err error, unknown []types.Hash)) {
	c.dispatcher.Concurrent(func() {
		if c.dispatcher.Stopped() {
			return
		}
		handler(nil, c.txs.FilterKnown(inventory))
	})
}
