// Package blockvalidator runs the check / accept / connect phases on a
// branch tip, splitting per-transaction work into parallel buckets.
package blockvalidator

import (
	"errors"
	"fmt"
	"math"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/branch"
	"github.com/kth-go/consensuscore/internal/chainstate"
	"github.com/kth-go/consensuscore/internal/dispatch"
	"github.com/kth-go/consensuscore/internal/scriptverify"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Validation errors.
var (
	ErrBadBits            = errors.New("difficulty does not match expected")
	ErrTimeTooOld         = errors.New("timestamp not above median time past")
	ErrDuplicateConfirmed = errors.New("transaction already confirmed")
	ErrMissingPrevout     = errors.New("missing previous output")
	ErrDoubleSpend        = errors.New("input spends an already-spent output")
	ErrCoinbaseImmature   = errors.New("coinbase input not mature")
	ErrLocktime           = errors.New("locktime not satisfied")
	ErrInputOverflow      = errors.New("input values overflow")
	ErrCoinbaseValue      = errors.New("coinbase pays more than subsidy plus fees")
	ErrBlockTooLarge      = errors.New("block exceeds size limit")
	ErrSigopLimit         = errors.New("block exceeds embedded sigop limit")
	ErrSigcheckLimit      = errors.New("block exceeds sigcheck limit")
)

// lockTimeThreshold splits height locktimes from timestamp locktimes.
const lockTimeThreshold = 500_000_000

// ChainView is the slice of the persistent chain the validator reads.
type ChainView interface {
	LastHeight() (uint64, bool)
	BlockByHeight(height uint64) (*block.Block, bool)
	Transaction(hash types.Hash) (*tx.Transaction, uint64, bool)
	UTXO(op types.Outpoint, branchHeight uint64) (store.OutputEntry, bool)
	Output(op types.Outpoint, branchHeight uint64, requireConfirmed bool) (store.OutputEntry, bool)
}

// MempoolView exposes the mempool's validated set: transactions already
// admitted in their current form skip script validation during connect.
type MempoolView interface {
	Has(txID types.Hash) bool
}

// Result carries the accept phase's findings into connect.
type Result struct {
	State *chainstate.ChainState

	// Prevouts[t][i] resolves input i of transaction t. The coinbase's
	// slot holds vacuous entries.
	Prevouts [][]store.OutputEntry

	Fees           uint64
	SerializedSize uint64
	Sigops         uint64
	Sigchecks      uint64
}

// Validator validates candidate blocks on a branch.
type Validator struct {
	store       ChainView
	populator   *chainstate.Populator
	verifier    scriptverify.Verifier
	dispatcher  *dispatch.Dispatcher
	mempool     MempoolView
	checkpoints []config.Checkpoint
}

// New creates a block validator.
func New(reader ChainView, populator *chainstate.Populator, verifier scriptverify.Verifier,
	dispatcher *dispatch.Dispatcher, mempool MempoolView, cfg *config.Config) *Validator {
	return &Validator{
		store:       reader,
		populator:   populator,
		verifier:    verifier,
		dispatcher:  dispatcher,
		mempool:     mempool,
		checkpoints: cfg.Checkpoints,
	}
}

// Check runs the context-free phase: txid warming in parallel buckets,
// then structural block checks.
func (v *Validator) Check(blk *block.Block) error {
	err := v.eachTxParallel(blk.Transactions, func(t *tx.Transaction) error {
		t.Hash()
		return nil
	})
	if err != nil {
		return err
	}
	return blk.Validate()
}

// Accept runs the contextual phase on the branch tip: chain state
// attachment, prevout population, per-transaction checks in parallel
// buckets, and block-level totals.
func (v *Validator) Accept(br *branch.Branch) (*Result, error) {
	tip := br.Top()
	if tip == nil {
		return nil, fmt.Errorf("accept on empty branch")
	}

	state, err := v.populator.Populate(br.TopHeight(), br)
	if err != nil {
		return nil, err
	}
	result := &Result{
		State:          state,
		SerializedSize: tip.SerializedSize(),
	}

	// Header context: difficulty and timestamp against the derived state.
	if tip.Header.Bits != state.ExpectedBits() {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrBadBits, tip.Header.Bits, state.ExpectedBits())
	}
	if state.MedianTimePast() > 0 && tip.Header.Timestamp <= state.MedianTimePast() {
		return nil, fmt.Errorf("%w: %d <= %d", ErrTimeTooOld, tip.Header.Timestamp, state.MedianTimePast())
	}

	// Canonical ordering once active.
	if state.IsEnabled(config.ForkCTOR) {
		if err := tip.CheckCanonicalOrder(); err != nil {
			return nil, err
		}
	}

	// Duplicate confirmed transactions: every transaction before the
	// collision-allowing rule, the coinbase only after it.
	if err := v.checkDuplicates(tip, br, state); err != nil {
		return nil, err
	}

	// Reorg subset: outputs destroyed and spends undone by rolling back
	// the chain above the branch's fork point.
	subset := v.reorgSubset(br)

	// Prevout population, sequential to keep the branch overlays simple.
	if err := v.populatePrevouts(tip, br, subset, result); err != nil {
		return nil, err
	}

	// Per-transaction contextual checks in parallel buckets.
	prevoutsByTx := make(map[*tx.Transaction][]store.OutputEntry, len(tip.Transactions))
	for i, t := range tip.Transactions {
		prevoutsByTx[t] = result.Prevouts[i]
	}
	err = v.eachTxParallel(tip.Transactions[1:], func(t *tx.Transaction) error {
		return v.acceptTx(t, prevoutsByTx[t], state)
	})
	if err != nil {
		return nil, err
	}

	// Fees and sigops tally, then block-level totals.
	var fees, sigops uint64
	for i, t := range tip.Transactions {
		if i == 0 {
			sigops += scriptverify.SigopCount(t)
			continue
		}
		var in, out uint64
		for _, entry := range result.Prevouts[i] {
			in += entry.Output.Value
		}
		out, err := t.TotalOutputValue()
		if err != nil {
			return nil, err
		}
		fees += in - out
		sigops += scriptverify.SigopCount(t)
	}
	result.Fees = fees
	result.Sigops = sigops

	if err := v.checkCoinbaseValue(tip, state, fees); err != nil {
		return nil, err
	}
	if result.SerializedSize > state.MaxBlockSize() {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrBlockTooLarge, result.SerializedSize, state.MaxBlockSize())
	}
	if !state.IsEnabled(config.ForkSigchecks) {
		if sigops > state.MaxBlockSigops(result.SerializedSize) {
			return nil, fmt.Errorf("%w: %d sigops, limit %d",
				ErrSigopLimit, sigops, state.MaxBlockSigops(result.SerializedSize))
		}
	}
	return result, nil
}

// Connect runs script validation for the branch tip. Blocks at or below
// the highest trusted checkpoint skip it.
func (v *Validator) Connect(br *branch.Branch, result *Result) error {
	tip := br.Top()
	if v.underCheckpoint(tip.Header.Height) {
		return nil
	}

	type job struct {
		t        *tx.Transaction
		prevouts []store.OutputEntry
	}
	jobs := make([]job, 0, len(tip.Transactions))
	for i, t := range tip.Transactions {
		if i == 0 {
			continue
		}
		if v.mempool.Has(t.Hash()) {
			// Already admitted to the mempool in its current form: the
			// scripts were verified then.
			continue
		}
		jobs = append(jobs, job{t: t, prevouts: result.Prevouts[i]})
	}

	buckets := v.dispatcher.Buckets()
	if buckets > len(jobs) {
		buckets = len(jobs)
	}
	if buckets == 0 {
		return nil
	}

	sigchecks := make([]uint64, buckets)
	oneshot := dispatch.NewOneshot()
	complete := dispatch.Synchronize(oneshot.Complete, buckets)
	for b := 0; b < buckets; b++ {
		bucket := b
		v.dispatcher.Parallel(func() {
			var checks uint64
			for i := bucket; i < len(jobs); i += buckets {
				if v.dispatcher.Stopped() {
					complete(dispatch.ErrStopped)
					return
				}
				j := jobs[i]
				for inputIdx := range j.t.Inputs {
					n, err := v.verifier.Verify(j.t, inputIdx, j.prevouts[inputIdx].Output, result.State.Forks())
					checks += n
					if err != nil {
						complete(fmt.Errorf("tx %s input %d: %w", j.t.Hash(), inputIdx, err))
						return
					}
				}
			}
			sigchecks[bucket] = checks
			complete(nil)
		})
	}
	if err := oneshot.Wait(); err != nil {
		return err
	}

	var total uint64
	for _, n := range sigchecks {
		total += n
	}
	result.Sigchecks = total
	if result.State.IsEnabled(config.ForkSigchecks) {
		if limit := result.State.MaxBlockSigchecks(result.SerializedSize); total > limit {
			return fmt.Errorf("%w: %d sigchecks, limit %d", ErrSigcheckLimit, total, limit)
		}
	}
	return nil
}

// =============================================================================
// Accept internals
// =============================================================================

// reorgSubset captures the UTXO delta of rolling back the chain above the
// branch's fork point: outputs those blocks created vanish, outputs they
// spent become spendable again.
type reorgSubset struct {
	destroyed map[types.Outpoint]struct{}
	restored  map[types.Outpoint]struct{}
}

func (v *Validator) reorgSubset(br *branch.Branch) *reorgSubset {
	top, ok := v.store.LastHeight()
	if !ok || br.ForkHeight() >= top {
		return nil
	}
	subset := &reorgSubset{
		destroyed: make(map[types.Outpoint]struct{}),
		restored:  make(map[types.Outpoint]struct{}),
	}
	for h := br.ForkHeight() + 1; h <= top; h++ {
		blk, ok := v.store.BlockByHeight(h)
		if !ok {
			continue
		}
		for _, t := range blk.Transactions {
			txID := t.Hash()
			for i := range t.Outputs {
				subset.destroyed[types.Outpoint{TxID: txID, Index: uint32(i)}] = struct{}{}
			}
			for _, in := range t.Inputs {
				if !in.PrevOut.IsZero() {
					subset.restored[in.PrevOut] = struct{}{}
				}
			}
		}
	}
	return subset
}

// populatePrevouts resolves every input of the tip: the branch's local
// UTXOs first, then the reorg subset (outputs created by rolled-back blocks
// are missing), then the persistent UTXO at the fork height, and finally
// spent persistent outputs whose spenders are about to be rolled back.
// Coinbase prevouts populate as vacuous.
func (v *Validator) populatePrevouts(tip *block.Block, br *branch.Branch, subset *reorgSubset, result *Result) error {
	result.Prevouts = make([][]store.OutputEntry, len(tip.Transactions))
	for txIdx, t := range tip.Transactions {
		entries := make([]store.OutputEntry, len(t.Inputs))
		for i, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				entries[i] = store.OutputEntry{Confirmed: true} // Vacuous.
				continue
			}
			entry, err := v.resolvePrevout(in.PrevOut, br, subset)
			if err != nil {
				return fmt.Errorf("tx %d input %d: %w", txIdx, i, err)
			}
			entries[i] = entry
		}
		result.Prevouts[txIdx] = entries
	}
	return nil
}

func (v *Validator) resolvePrevout(op types.Outpoint, br *branch.Branch, subset *reorgSubset) (store.OutputEntry, error) {
	// Created inside the branch?
	if out, ok := br.PopulatePrevout(op); ok {
		return store.OutputEntry{
			Output:    out.Output,
			Height:    out.Height,
			Coinbase:  out.Coinbase,
			Confirmed: true,
		}, nil
	}

	// Created by a block that this branch rolls back: gone.
	if subset != nil {
		if _, ok := subset.destroyed[op]; ok {
			return store.OutputEntry{}, fmt.Errorf("%w: %s created on the losing branch", ErrMissingPrevout, op)
		}
	}

	// Unspent in the persistent chain at the fork height.
	if entry, ok := v.store.UTXO(op, br.ForkHeight()); ok {
		return entry, nil
	}

	// Spent — but by a block this branch rolls back, so it comes back.
	if entry, ok := v.store.Output(op, br.ForkHeight(), true); ok {
		if subset != nil {
			if _, restored := subset.restored[op]; restored {
				entry.Spent = false
				return entry, nil
			}
		}
		return store.OutputEntry{}, fmt.Errorf("%w: %s", ErrDoubleSpend, op)
	}
	return store.OutputEntry{}, fmt.Errorf("%w: %s", ErrMissingPrevout, op)
}

// acceptTx runs the contextual per-transaction checks.
func (v *Validator) acceptTx(t *tx.Transaction, prevouts []store.OutputEntry, state *chainstate.ChainState) error {
	var totalIn uint64
	for i, entry := range prevouts {
		if entry.Coinbase {
			confirmations := state.Height() - entry.Height
			if confirmations < config.CoinbaseMaturity {
				return fmt.Errorf("%w: input %d has %d of %d confirmations",
					ErrCoinbaseImmature, i, confirmations, config.CoinbaseMaturity)
			}
		}
		if totalIn > math.MaxUint64-entry.Output.Value {
			return fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalIn += entry.Output.Value
	}

	totalOut, err := t.TotalOutputValue()
	if err != nil {
		return err
	}
	if totalIn < totalOut {
		return fmt.Errorf("%w: in %d, out %d", ErrDoubleSpend, totalIn, totalOut)
	}

	if t.LockTime > 0 {
		if t.LockTime < lockTimeThreshold {
			if t.LockTime >= state.Height() {
				return fmt.Errorf("%w: height %d", ErrLocktime, t.LockTime)
			}
		} else if t.LockTime >= state.MedianTimePast() {
			return fmt.Errorf("%w: time %d", ErrLocktime, t.LockTime)
		}
	}
	return nil
}

// checkDuplicates rejects transactions whose txid is already confirmed.
func (v *Validator) checkDuplicates(tip *block.Block, br *branch.Branch, state *chainstate.ChainState) error {
	check := func(t *tx.Transaction) error {
		if _, height, ok := v.store.Transaction(t.Hash()); ok && height <= br.ForkHeight() {
			return fmt.Errorf("%w: %s at height %d", ErrDuplicateConfirmed, t.Hash(), height)
		}
		return nil
	}
	if state.IsEnabled(config.ForkAllowCollisions) {
		return check(tip.Transactions[0])
	}
	for _, t := range tip.Transactions {
		if err := check(t); err != nil {
			return err
		}
	}
	return nil
}

// checkCoinbaseValue enforces subsidy plus fees.
func (v *Validator) checkCoinbaseValue(tip *block.Block, state *chainstate.ChainState, fees uint64) error {
	out, err := tip.Transactions[0].TotalOutputValue()
	if err != nil {
		return err
	}
	allowed := config.BlockSubsidy(state.Height()) + fees
	if out > allowed {
		return fmt.Errorf("%w: pays %d, allowed %d", ErrCoinbaseValue, out, allowed)
	}
	return nil
}

// underCheckpoint reports whether the height is covered by a trusted
// checkpoint, letting connect skip script validation.
func (v *Validator) underCheckpoint(height uint64) bool {
	for i := len(v.checkpoints) - 1; i >= 0; i-- {
		if height <= v.checkpoints[i].Height {
			return true
		}
	}
	return false
}

// eachTxParallel fans work out over the priority pool in round-robin
// buckets, joined through the synchronize combinator. The stop flag is
// polled at every bucket step.
func (v *Validator) eachTxParallel(txs []*tx.Transaction, fn func(*tx.Transaction) error) error {
	buckets := v.dispatcher.Buckets()
	if buckets > len(txs) {
		buckets = len(txs)
	}
	if buckets == 0 {
		return nil
	}

	oneshot := dispatch.NewOneshot()
	complete := dispatch.Synchronize(oneshot.Complete, buckets)
	for b := 0; b < buckets; b++ {
		bucket := b
		v.dispatcher.Parallel(func() {
			for i := bucket; i < len(txs); i += buckets {
				if v.dispatcher.Stopped() {
					complete(dispatch.ErrStopped)
					return
				}
				if err := fn(txs[i]); err != nil {
					complete(err)
					return
				}
			}
			complete(nil)
		})
	}
	return oneshot.Wait()
}
