// Package organizer coordinates block and transaction organization:
// validation phases, forest-path selection, the atomic store swap, mempool
// maintenance, and subscriber notification.
package organizer

import (
	"errors"
	"fmt"

	"github.com/kth-go/consensuscore/internal/blockvalidator"
	"github.com/kth-go/consensuscore/internal/dispatch"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/scriptverify"
	"github.com/kth-go/consensuscore/internal/txvalidator"
)

// The exported error taxonomy. Every organize failure wraps one of these;
// callers dispatch with errors.Is.
var (
	// Lifecycle.
	ErrServiceStopped  = errors.New("service-stopped")
	ErrOperationFailed = errors.New("operation-failed")

	// Structural.
	ErrInvalidBlock             = errors.New("invalid-block")
	ErrInvalidTransaction       = errors.New("invalid-transaction")
	ErrInvalidScript            = errors.New("invalid-script")
	ErrInvalidSignatureEncoding = errors.New("invalid-signature-encoding")

	// Context.
	ErrOrphanBlock           = errors.New("orphan-block")
	ErrDuplicateBlock        = errors.New("duplicate-block")
	ErrDuplicateTransaction  = errors.New("duplicate-transaction")
	ErrNotFound              = errors.New("not-found")
	ErrMissingPreviousOutput = errors.New("missing-previous-output")

	// Consensus.
	ErrInsufficientWork         = errors.New("insufficient-work")
	ErrDoubleSpend              = errors.New("double-spend")
	ErrDoubleSpendMempool       = errors.New("double-spend-mempool")
	ErrDoubleSpendBlockchain    = errors.New("double-spend-blockchain")
	ErrStackFalse               = errors.New("stack-false")
	ErrBlockEmbeddedSigopLimit  = errors.New("block-embedded-sigop-limit")
	ErrBlockSigchecksLimit      = errors.New("block-sigchecks-limit")
	ErrInsufficientFee          = errors.New("insufficient-fee")
	ErrDustyTransaction         = errors.New("dusty-transaction")
	ErrLowBenefitTransaction    = errors.New("low-benefit-transaction")
)

// mapBlockError folds validator and verifier errors into the taxonomy.
func mapBlockError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrStopped):
		return ErrServiceStopped
	case errors.Is(err, scriptverify.ErrBadSignatureEncoding):
		return fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	case errors.Is(err, scriptverify.ErrStackFalse):
		return fmt.Errorf("%w: %v", ErrStackFalse, err)
	case errors.Is(err, scriptverify.ErrInvalidScript):
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	case errors.Is(err, blockvalidator.ErrSigopLimit):
		return fmt.Errorf("%w: %v", ErrBlockEmbeddedSigopLimit, err)
	case errors.Is(err, blockvalidator.ErrSigcheckLimit):
		return fmt.Errorf("%w: %v", ErrBlockSigchecksLimit, err)
	case errors.Is(err, blockvalidator.ErrMissingPrevout):
		return fmt.Errorf("%w: %v", ErrMissingPreviousOutput, err)
	case errors.Is(err, blockvalidator.ErrDoubleSpend):
		return fmt.Errorf("%w: %v", ErrDoubleSpend, err)
	case errors.Is(err, blockvalidator.ErrDuplicateConfirmed):
		return fmt.Errorf("%w: %v", ErrDuplicateTransaction, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
}

// mapTxError folds transaction-validator and mempool errors into the
// taxonomy.
func mapTxError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrStopped):
		return ErrServiceStopped
	case errors.Is(err, txvalidator.ErrDoubleSpendMempool), errors.Is(err, mempool.ErrDoubleSpend):
		return fmt.Errorf("%w: %v", ErrDoubleSpendMempool, err)
	case errors.Is(err, txvalidator.ErrDoubleSpendChain):
		return fmt.Errorf("%w: %v", ErrDoubleSpendBlockchain, err)
	case errors.Is(err, txvalidator.ErrMissingPrevout):
		return fmt.Errorf("%w: %v", ErrMissingPreviousOutput, err)
	case errors.Is(err, txvalidator.ErrInsufficientFee):
		return fmt.Errorf("%w: %v", ErrInsufficientFee, err)
	case errors.Is(err, txvalidator.ErrDust):
		return fmt.Errorf("%w: %v", ErrDustyTransaction, err)
	case errors.Is(err, mempool.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrDuplicateTransaction, err)
	case errors.Is(err, mempool.ErrLowBenefit), errors.Is(err, mempool.ErrPoolFull):
		return fmt.Errorf("%w: %v", ErrLowBenefitTransaction, err)
	case errors.Is(err, scriptverify.ErrBadSignatureEncoding):
		return fmt.Errorf("%w: %v", ErrInvalidSignatureEncoding, err)
	case errors.Is(err, scriptverify.ErrStackFalse):
		return fmt.Errorf("%w: %v", ErrStackFalse, err)
	case errors.Is(err, scriptverify.ErrInvalidScript):
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
}
