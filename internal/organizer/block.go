package organizer

import (
	"fmt"

	"github.com/kth-go/consensuscore/internal/blockpool"
	"github.com/kth-go/consensuscore/internal/branch"
	"github.com/kth-go/consensuscore/internal/blockvalidator"
	"github.com/kth-go/consensuscore/internal/dispatch"
	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/internal/txvalidator"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// ReorgHandler observes committed reorganizations, in commit order.
type ReorgHandler func(forkHeight uint64, incoming, outgoing []*block.Block)

// Blocks organizes candidate blocks into the chain.
type Blocks struct {
	store       store.Store
	pool        *blockpool.Pool
	validator   *blockvalidator.Validator
	mempool     *mempool.Pool
	txValidator *txvalidator.Validator
	mutex       *dispatch.PriorityMutex
	dispatcher  *dispatch.Dispatcher

	notify ReorgHandler // Set by the facade; may be nil.
}

// NewBlocks creates the block organizer.
func NewBlocks(st store.Store, pool *blockpool.Pool, validator *blockvalidator.Validator,
	mp *mempool.Pool, txValidator *txvalidator.Validator,
	mutex *dispatch.PriorityMutex, dispatcher *dispatch.Dispatcher) *Blocks {
	return &Blocks{
		store:       st,
		pool:        pool,
		validator:   validator,
		mempool:     mp,
		txValidator: txValidator,
		mutex:       mutex,
		dispatcher:  dispatcher,
	}
}

// OnReorg installs the committed-reorganization handler.
func (o *Blocks) OnReorg(handler ReorgHandler) { o.notify = handler }

// Organize validates the candidate block, resolves its branch against the
// pool, and, if the branch carries the most work, swaps it into the chain.
// The call blocks until the outcome is known.
func (o *Blocks) Organize(blk *block.Block) error {
	if o.dispatcher.Stopped() {
		return ErrServiceStopped
	}

	// Context-free phase runs before taking the organization mutex: it
	// touches no shared state.
	if err := o.validator.Check(blk); err != nil {
		return mapBlockError(err)
	}

	o.mutex.LockHigh()
	defer o.mutex.Unlock()

	if o.dispatcher.Stopped() {
		return ErrServiceStopped
	}

	hash := blk.Hash()
	if o.store.BlockExists(hash) || o.pool.Exists(hash) {
		return fmt.Errorf("%w: %s", ErrDuplicateBlock, hash)
	}

	// Resolve the branch through the pool: ancestors above the fork
	// point, the block itself, and any pooled chain hanging below it.
	path := o.pool.GetPath(blk)
	anchorHash, ok := o.store.BlockHash(path.ForkHeight())
	if !ok || path.Blocks()[0].Header.PrevHash != anchorHash {
		o.pool.Add(blk)
		log.Organizer.Debug().
			Str("hash", hash.String()).
			Uint64("height", blk.Header.Height).
			Msg("orphan block pooled")
		return fmt.Errorf("%w: %s", ErrOrphanBlock, hash)
	}
	chain := append(path.Blocks(), o.pool.GetDescendantChain(blk)...)

	// Validate every branch block in order, each as the tip of the
	// growing branch, with a stop check at each boundary.
	br := branch.New(path.ForkHeight())
	for _, b := range chain {
		if err := br.PushBack(b); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
		}
		result, err := o.validator.Accept(br)
		if err != nil {
			return mapBlockError(err)
		}
		if o.dispatcher.Stopped() {
			return ErrServiceStopped
		}
		if err := o.validator.Connect(br, result); err != nil {
			return mapBlockError(err)
		}
		if o.dispatcher.Stopped() {
			return ErrServiceStopped
		}
	}

	// Most-work rule: the branch must carry strictly more work than the
	// chain suffix it would replace. The store scan stops early once the
	// chain side has accumulated enough to win.
	branchWork := br.Work()
	threshold := o.store.BranchWork(branchWork, br.ForkHeight())
	if branchWork.Cmp(threshold) <= 0 {
		o.pool.Add(blk)
		log.Organizer.Debug().
			Str("hash", hash.String()).
			Str("branch_work", branchWork.String()).
			Str("chain_work", threshold.String()).
			Msg("branch retained, insufficient work")
		return fmt.Errorf("%w: branch %s, chain %s", ErrInsufficientWork, branchWork, threshold)
	}

	// Internal double spends across the branch's blocks.
	if br.Size() > 1 {
		if err := checkBranchDoubleSpends(br.Blocks()); err != nil {
			return err
		}
	}

	outgoing, err := o.store.Reorganize(br.ForkHeight(), br.Blocks())
	if err != nil {
		// The store failed mid-swap: nothing above this layer can fix it.
		log.Organizer.Error().Err(err).Msg("reorganize failed, store corrupt")
		return fmt.Errorf("%w: reorganize: %v", ErrOperationFailed, err)
	}

	// Pool bookkeeping: accepted blocks leave, displaced blocks return,
	// everything too deep goes.
	o.pool.Remove(br.Blocks())
	for _, out := range outgoing {
		o.pool.Add(out)
	}
	o.pool.Prune(br.TopHeight())

	o.updateMempool(br.Blocks(), outgoing)
	o.store.PruneReorgAsync()

	log.Organizer.Info().
		Uint64("fork", br.ForkHeight()).
		Int("incoming", br.Size()).
		Int("outgoing", len(outgoing)).
		Uint64("top", br.TopHeight()).
		Msg("block organized")

	if o.notify != nil {
		o.notify(br.ForkHeight(), br.Blocks(), outgoing)
	}
	return nil
}

// updateMempool removes mined transactions and re-admits displaced ones
// whose prevouts still resolve under the new chain state.
func (o *Blocks) updateMempool(incoming, outgoing []*block.Block) {
	var mined []*tx.Transaction
	minedSet := make(map[types.Hash]struct{})
	for _, blk := range incoming {
		for _, t := range blk.Transactions {
			mined = append(mined, t)
			minedSet[t.Hash()] = struct{}{}
		}
	}
	o.mempool.Remove(mined)

	var displaced []*tx.Transaction
	for _, blk := range outgoing {
		for i, t := range blk.Transactions {
			if i == 0 {
				continue // Coinbases die with their block.
			}
			if _, ok := minedSet[t.Hash()]; ok {
				continue // Confirmed on the winning branch too.
			}
			displaced = append(displaced, t)
		}
	}

	// Chained transactions can appear child-before-parent under canonical
	// block ordering; keep passing until no admission makes progress.
	for len(displaced) > 0 {
		var deferred []*tx.Transaction
		for _, t := range displaced {
			if !o.readmit(t) {
				deferred = append(deferred, t)
			}
		}
		if len(deferred) == len(displaced) {
			break
		}
		displaced = deferred
	}
}

// readmit puts a displaced transaction back into the mempool, best effort.
// Scripts were verified when the transaction first entered the chain, so
// only contextual checks and admission run. Returns whether the
// transaction made it into the pool.
func (o *Blocks) readmit(t *tx.Transaction) bool {
	if err := o.txValidator.Check(t); err != nil {
		return false
	}
	result, err := o.txValidator.Accept(t)
	if err != nil {
		log.Organizer.Debug().
			Str("txid", t.Hash().String()).
			Err(err).
			Msg("displaced transaction not re-admitted")
		return false
	}
	element := mempool.Element{
		TxID:        t.Hash(),
		Tx:          t,
		Fee:         result.Fee,
		Size:        result.Size,
		Sigops:      result.Sigops,
		OutputCount: uint32(len(t.Outputs)),
	}
	if err := o.mempool.Add(element); err != nil {
		log.Organizer.Debug().
			Str("txid", t.Hash().String()).
			Err(err).
			Msg("displaced transaction dropped")
		return false
	}
	return true
}

// checkBranchDoubleSpends rejects a branch whose blocks share a prevout.
func checkBranchDoubleSpends(blocks []*block.Block) error {
	seen := make(map[types.Outpoint]struct{})
	for _, blk := range blocks {
		for _, t := range blk.Transactions {
			for _, in := range t.Inputs {
				if in.PrevOut.IsZero() {
					continue
				}
				if _, ok := seen[in.PrevOut]; ok {
					return fmt.Errorf("%w: outpoint %s spent twice across the branch",
						ErrDoubleSpend, in.PrevOut)
				}
				seen[in.PrevOut] = struct{}{}
			}
		}
	}
	return nil
}
