// Package branch models an in-memory chain of blocks above a fork point,
// answering read queries as an overlay on the persistent chain.
package branch

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/kth-go/consensuscore/internal/chainstate"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Branch errors.
var (
	ErrNotLinked = errors.New("block does not link to the branch front")
	ErrBadHeight = errors.New("block height does not match branch position")
)

// Output is a prevout resolved inside the branch.
type Output struct {
	Output   tx.Output
	Height   uint64
	Coinbase bool
}

// Branch is a contiguous chain of blocks above forkHeight. blocks[0] is the
// first block above the fork point. An empty branch represents the
// mempool's virtual tip, i.e. the current chain top.
type Branch struct {
	forkHeight uint64
	blocks     []*block.Block

	// Local overlays for prevouts created or consumed inside the branch.
	localUTXO map[types.Outpoint]Output
	spends    map[types.Outpoint]int // Outpoint -> index of the spending block.
}

// New creates an empty branch above the given fork height.
func New(forkHeight uint64) *Branch {
	return &Branch{
		forkHeight: forkHeight,
		localUTXO:  make(map[types.Outpoint]Output),
		spends:     make(map[types.Outpoint]int),
	}
}

// PushFront prepends a block. The current front must link to it by parent
// hash; when the branch is empty the block becomes the front and the fork
// height moves to just below it.
func (b *Branch) PushFront(blk *block.Block) error {
	if len(b.blocks) > 0 {
		front := b.blocks[0]
		if front.Header.PrevHash != blk.Hash() {
			return fmt.Errorf("%w: front parent %s, pushed %s",
				ErrNotLinked, front.Header.PrevHash, blk.Hash())
		}
		if blk.Header.Height+1 != front.Header.Height {
			return fmt.Errorf("%w: pushed height %d, front height %d",
				ErrBadHeight, blk.Header.Height, front.Header.Height)
		}
	}
	b.blocks = append([]*block.Block{blk}, b.blocks...)
	if blk.Header.Height == 0 {
		b.forkHeight = 0
	} else {
		b.forkHeight = blk.Header.Height - 1
	}
	b.reindex()
	return nil
}

// PushBack appends a block. It must link to the current top by parent
// hash; when the branch is empty it must sit directly above the fork
// height.
func (b *Branch) PushBack(blk *block.Block) error {
	if len(b.blocks) == 0 {
		if blk.Header.Height != b.forkHeight+1 {
			return fmt.Errorf("%w: pushed height %d above fork %d",
				ErrBadHeight, blk.Header.Height, b.forkHeight)
		}
	} else {
		top := b.blocks[len(b.blocks)-1]
		if blk.Header.PrevHash != top.Hash() {
			return fmt.Errorf("%w: pushed parent %s, top %s",
				ErrNotLinked, blk.Header.PrevHash, top.Hash())
		}
		if blk.Header.Height != top.Header.Height+1 {
			return fmt.Errorf("%w: pushed height %d, top height %d",
				ErrBadHeight, blk.Header.Height, top.Header.Height)
		}
	}
	b.blocks = append(b.blocks, blk)
	b.indexBlock(len(b.blocks)-1, blk)
	return nil
}

// reindex rebuilds the local UTXO and spend overlays from scratch.
// Branches are short, so a full rebuild on front-insertion is cheap.
func (b *Branch) reindex() {
	b.localUTXO = make(map[types.Outpoint]Output)
	b.spends = make(map[types.Outpoint]int)
	for i, blk := range b.blocks {
		b.indexBlock(i, blk)
	}
}

// indexBlock adds one block's outputs and spends to the overlays.
func (b *Branch) indexBlock(i int, blk *block.Block) {
	for txIdx, transaction := range blk.Transactions {
		txID := transaction.Hash()
		coinbase := txIdx == 0
		for outIdx, out := range transaction.Outputs {
			op := types.Outpoint{TxID: txID, Index: uint32(outIdx)}
			b.localUTXO[op] = Output{
				Output:   out,
				Height:   blk.Header.Height,
				Coinbase: coinbase,
			}
		}
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			b.spends[in.PrevOut] = i
		}
	}
}

// ForkHeight returns the height of the highest block shared with the chain.
func (b *Branch) ForkHeight() uint64 { return b.forkHeight }

// Size returns the number of blocks in the branch.
func (b *Branch) Size() int { return len(b.blocks) }

// Blocks returns the branch blocks in ascending height order.
func (b *Branch) Blocks() []*block.Block { return b.blocks }

// Top returns the highest block, or nil for an empty branch.
func (b *Branch) Top() *block.Block {
	if len(b.blocks) == 0 {
		return nil
	}
	return b.blocks[len(b.blocks)-1]
}

// TopHeight returns forkHeight + size.
func (b *Branch) TopHeight() uint64 {
	return b.forkHeight + uint64(len(b.blocks))
}

// Work returns the branch's total proof of work.
func (b *Branch) Work() *big.Int {
	total := new(big.Int)
	for _, blk := range b.blocks {
		total.Add(total, chainstate.Proof(blk.Header.Bits))
	}
	return total
}

// at returns the block at the given height, if the height is inside the
// branch. Heights at or below the fork point are out of range.
func (b *Branch) at(height uint64) (*block.Block, bool) {
	if height <= b.forkHeight || height > b.TopHeight() {
		return nil, false
	}
	return b.blocks[height-b.forkHeight-1], true
}

// Bits returns the difficulty of the branch block at height.
func (b *Branch) Bits(height uint64) (uint64, bool) {
	blk, ok := b.at(height)
	if !ok {
		return 0, false
	}
	return blk.Header.Bits, true
}

// Version returns the version of the branch block at height.
func (b *Branch) Version(height uint64) (uint32, bool) {
	blk, ok := b.at(height)
	if !ok {
		return 0, false
	}
	return blk.Header.Version, true
}

// Timestamp returns the timestamp of the branch block at height.
func (b *Branch) Timestamp(height uint64) (uint64, bool) {
	blk, ok := b.at(height)
	if !ok {
		return 0, false
	}
	return blk.Header.Timestamp, true
}

// BlockHash returns the hash of the branch block at height.
func (b *Branch) BlockHash(height uint64) (types.Hash, bool) {
	blk, ok := b.at(height)
	if !ok {
		return types.Hash{}, false
	}
	return blk.Hash(), true
}

// BlockSize returns the serialized size of the branch block at height.
func (b *Branch) BlockSize(height uint64) (uint64, bool) {
	blk, ok := b.at(height)
	if !ok {
		return 0, false
	}
	return blk.SerializedSize(), true
}

// PopulateSpent reports whether a branch transaction consumes the outpoint.
func (b *Branch) PopulateSpent(op types.Outpoint) bool {
	_, ok := b.spends[op]
	return ok
}

// PopulatePrevout resolves an outpoint created inside the branch against
// the per-block local UTXO overlay.
func (b *Branch) PopulatePrevout(op types.Outpoint) (Output, bool) {
	out, ok := b.localUTXO[op]
	return out, ok
}

var _ chainstate.Overlay = (*Branch)(nil)
