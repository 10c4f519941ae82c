package organizer

import (
	"github.com/kth-go/consensuscore/internal/dispatch"
	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/internal/txvalidator"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// TxHandler observes admitted transactions, in admission order.
type TxHandler func(t *tx.Transaction)

// DSProofHandler observes admitted double-spend proofs.
type DSProofHandler func(proof *mempool.DSProof)

// Transactions organizes loose transactions into the mempool.
type Transactions struct {
	store      store.Store
	mempool    *mempool.Pool
	dsproofs   *mempool.DSProofs
	validator  *txvalidator.Validator
	mutex      *dispatch.PriorityMutex
	dispatcher *dispatch.Dispatcher

	notify   TxHandler      // Set by the facade; may be nil.
	notifyDS DSProofHandler // Set by the facade; may be nil.
}

// NewTransactions creates the transaction organizer.
func NewTransactions(st store.Store, mp *mempool.Pool, dsproofs *mempool.DSProofs,
	validator *txvalidator.Validator, mutex *dispatch.PriorityMutex,
	dispatcher *dispatch.Dispatcher) *Transactions {
	return &Transactions{
		store:      st,
		mempool:    mp,
		dsproofs:   dsproofs,
		validator:  validator,
		mutex:      mutex,
		dispatcher: dispatcher,
	}
}

// OnTransaction installs the admission handler.
func (o *Transactions) OnTransaction(handler TxHandler) { o.notify = handler }

// OnDSProof installs the double-spend-proof handler.
func (o *Transactions) OnDSProof(handler DSProofHandler) { o.notifyDS = handler }

// Organize validates a loose transaction against the mempool's virtual
// chain state and admits it. The call blocks until the outcome is known.
func (o *Transactions) Organize(t *tx.Transaction) error {
	if o.dispatcher.Stopped() {
		return ErrServiceStopped
	}
	if err := o.validator.Check(t); err != nil {
		return mapTxError(err)
	}

	o.mutex.LockLow()
	defer o.mutex.Unlock()

	if o.dispatcher.Stopped() {
		return ErrServiceStopped
	}
	result, err := o.validator.Accept(t)
	if err != nil {
		return mapTxError(err)
	}
	if o.dispatcher.Stopped() {
		return ErrServiceStopped
	}
	if err := o.validator.Connect(t, result); err != nil {
		return mapTxError(err)
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
		return mapTxError(err)
	}

	if err := o.store.Push(t); err != nil {
		log.Organizer.Error().Err(err).Str("txid", element.TxID.String()).Msg("unconfirmed index push failed")
	}

	log.Organizer.Debug().
		Str("txid", element.TxID.String()).
		Uint64("fee", element.Fee).
		Uint64("size", element.Size).
		Msg("transaction organized")

	if o.notify != nil {
		o.notify(t)
	}
	return nil
}

// OrganizeDSProof admits a double-spend proof and notifies subscribers.
// Duplicate proofs are absorbed silently.
func (o *Transactions) OrganizeDSProof(proof *mempool.DSProof) {
	if !o.dsproofs.Add(proof) {
		return
	}
	log.Organizer.Info().
		Str("hash", proof.Hash().String()).
		Str("outpoint", proof.Outpoint.String()).
		Msg("double-spend proof admitted")
	if o.notifyDS != nil {
		o.notifyDS(proof)
	}
}

// FetchTemplate snapshots the block template under a high-priority
// critical section.
func (o *Transactions) FetchTemplate() ([]mempool.Element, uint64) {
	o.mutex.LockHigh()
	defer o.mutex.Unlock()
	return o.mempool.BlockTemplate()
}

// FetchMempool returns the txids of every pooled transaction.
func (o *Transactions) FetchMempool() []types.Hash {
	o.mutex.LockHigh()
	defer o.mutex.Unlock()
	return o.mempool.Hashes()
}

// FilterKnown removes inventory hashes already in the mempool.
func (o *Transactions) FilterKnown(inventory []types.Hash) []types.Hash {
	o.mutex.LockHigh()
	defer o.mutex.Unlock()
	return o.mempool.FilterKnown(inventory)
}

// FetchDSProof looks up a double-spend proof by its hash.
func (o *Transactions) FetchDSProof(hash types.Hash) (*mempool.DSProof, bool) {
	return o.dsproofs.Get(hash)
}
