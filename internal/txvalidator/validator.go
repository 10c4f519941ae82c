// Package txvalidator runs the check / accept / connect phases on a single
// loose transaction against the mempool's virtual chain state.
package txvalidator

import (
	"errors"
	"fmt"
	"math"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/chainstate"
	"github.com/kth-go/consensuscore/internal/scriptverify"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Validation errors.
var (
	ErrLooseCoinbase        = errors.New("loose coinbase transaction")
	ErrTransactionTooLarge  = errors.New("transaction too large")
	ErrMissingPrevout       = errors.New("missing previous output")
	ErrDoubleSpendMempool   = errors.New("double spend against the mempool")
	ErrDoubleSpendChain     = errors.New("double spend against the blockchain")
	ErrCoinbaseImmature     = errors.New("coinbase output not mature")
	ErrLocktime             = errors.New("locktime not satisfied")
	ErrInputOverflow        = errors.New("input values overflow")
	ErrInsufficientValue    = errors.New("inputs below outputs")
	ErrInsufficientFee      = errors.New("insufficient fee")
	ErrDust                 = errors.New("dusty output")
)

// MaxTxSize caps a loose transaction's signing bytes.
const MaxTxSize = 100_000

// lockTimeThreshold splits height locktimes from timestamp locktimes.
const lockTimeThreshold = 500_000_000

// ChainView is the slice of the persistent chain the validator reads.
type ChainView interface {
	UTXO(op types.Outpoint, branchHeight uint64) (store.OutputEntry, bool)
	Output(op types.Outpoint, branchHeight uint64, requireConfirmed bool) (store.OutputEntry, bool)
}

// MempoolView is the slice of the mempool the validator consults to
// resolve chained prevouts and detect double spends.
type MempoolView interface {
	Prevout(op types.Outpoint) (tx.Output, bool)
	Spender(op types.Outpoint) (types.Hash, bool)
	Has(txID types.Hash) bool
}

// Result carries the accept phase's findings into connect and admission.
type Result struct {
	State     *chainstate.ChainState
	Prevouts  []store.OutputEntry // Aligned with the transaction's inputs.
	Fee       uint64
	Size      uint64
	Sigops    uint64
	Sigchecks uint64
}

// Validator validates loose transactions.
type Validator struct {
	store     ChainView
	populator *chainstate.Populator
	verifier  scriptverify.Verifier
	mempool   MempoolView
	cfg       *config.Config
}

// New creates a transaction validator.
func New(reader ChainView, populator *chainstate.Populator, verifier scriptverify.Verifier, mempool MempoolView, cfg *config.Config) *Validator {
	return &Validator{
		store:     reader,
		populator: populator,
		verifier:  verifier,
		mempool:   mempool,
		cfg:       cfg,
	}
}

// Check runs context-free validation: structure, size, and the loose-
// coinbase rejection.
func (v *Validator) Check(t *tx.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, in := range t.Inputs {
		if in.PrevOut.IsZero() {
			return ErrLooseCoinbase
		}
	}
	size := len(t.SigningBytes())
	if size > MaxTxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTransactionTooLarge, size, MaxTxSize)
	}
	return nil
}

// Accept runs contextual validation against the mempool's virtual tip:
// prevout population, maturity, locktime, value balance, fee, and dust.
func (v *Validator) Accept(t *tx.Transaction) (*Result, error) {
	state, err := v.populator.PopulateVirtual()
	if err != nil {
		return nil, err
	}

	result := &Result{
		State:  state,
		Size:   uint64(len(t.SigningBytes())),
		Sigops: scriptverify.SigopCount(t),
	}

	var totalIn uint64
	for i, in := range t.Inputs {
		// Double spend against the mempool.
		if spender, ok := v.mempool.Spender(in.PrevOut); ok && spender != t.Hash() {
			return nil, fmt.Errorf("%w: input %d already consumed by %s",
				ErrDoubleSpendMempool, i, spender)
		}

		entry, err := v.resolvePrevout(in.PrevOut, state)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		// Coinbase maturity.
		if entry.Coinbase && entry.Confirmed {
			confirmations := state.Height() - entry.Height
			if confirmations < config.CoinbaseMaturity {
				return nil, fmt.Errorf("%w: input %d has %d of %d confirmations",
					ErrCoinbaseImmature, i, confirmations, config.CoinbaseMaturity)
			}
		}

		if totalIn > math.MaxUint64-entry.Output.Value {
			return nil, fmt.Errorf("input %d: %w", i, ErrInputOverflow)
		}
		totalIn += entry.Output.Value
		result.Prevouts = append(result.Prevouts, entry)
	}

	if err := checkLocktime(t, state); err != nil {
		return nil, err
	}

	totalOut, err := t.TotalOutputValue()
	if err != nil {
		return nil, err
	}
	if totalIn < totalOut {
		return nil, fmt.Errorf("%w: in %d, out %d", ErrInsufficientValue, totalIn, totalOut)
	}
	result.Fee = totalIn - totalOut

	// Dust outputs. Unspendable outputs burn value on purpose and are
	// exempt from the threshold.
	for i, out := range t.Outputs {
		if out.Script.Type == types.ScriptTypeUnspendable {
			continue
		}
		if out.Value < v.cfg.MinimumOutputSatoshis {
			return nil, fmt.Errorf("%w: output %d pays %d, floor %d",
				ErrDust, i, out.Value, v.cfg.MinimumOutputSatoshis)
		}
	}

	// Minimum relay fee, with a one-satoshi floor when fees are configured.
	required := result.Size*v.cfg.ByteFeeSatoshis + result.Sigops*v.cfg.SigopFeeSatoshis
	if required == 0 && (v.cfg.ByteFeeSatoshis > 0 || v.cfg.SigopFeeSatoshis > 0) {
		required = 1
	}
	if result.Fee < required {
		return nil, fmt.Errorf("%w: fee %d, required %d", ErrInsufficientFee, result.Fee, required)
	}

	return result, nil
}

// Connect runs script validation for every input, unless the transaction
// was already admitted to the mempool in its current form.
func (v *Validator) Connect(t *tx.Transaction, result *Result) error {
	if v.mempool.Has(t.Hash()) {
		return nil
	}
	for i := range t.Inputs {
		sigchecks, err := v.verifier.Verify(t, i, result.Prevouts[i].Output, result.State.Forks())
		result.Sigchecks += sigchecks
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

// resolvePrevout finds an input's previous output: the confirmed unspent
// set first, then the mempool's local UTXO for chained packages.
func (v *Validator) resolvePrevout(op types.Outpoint, state *chainstate.ChainState) (store.OutputEntry, error) {
	if entry, ok := v.store.UTXO(op, state.Height()); ok {
		return entry, nil
	}
	if out, ok := v.mempool.Prevout(op); ok {
		return store.OutputEntry{Output: out, Confirmed: false}, nil
	}
	// Distinguish an output that existed but is spent from one that never
	// existed.
	if entry, ok := v.store.Output(op, state.Height(), true); ok && entry.Spent {
		return store.OutputEntry{}, fmt.Errorf("%w: %s", ErrDoubleSpendChain, op)
	}
	return store.OutputEntry{}, fmt.Errorf("%w: %s", ErrMissingPrevout, op)
}

// checkLocktime enforces the transaction's locktime against the virtual
// tip: height locktimes against the next height, timestamp locktimes
// against median-time-past.
func checkLocktime(t *tx.Transaction, state *chainstate.ChainState) error {
	if t.LockTime == 0 {
		return nil
	}
	if t.LockTime < lockTimeThreshold {
		if t.LockTime >= state.Height() {
			return fmt.Errorf("%w: locked until height %d at height %d",
				ErrLocktime, t.LockTime, state.Height())
		}
		return nil
	}
	if t.LockTime >= state.MedianTimePast() {
		return fmt.Errorf("%w: locked until %d, median time past %d",
			ErrLocktime, t.LockTime, state.MedianTimePast())
	}
	return nil
}
