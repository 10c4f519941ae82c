// Package facade presents the consensus core as a single thread-safe
// entry point: block and transaction organization, subscriptions, and the
// read API, over the priority mutex, thread pools, and dispatcher it owns.
package facade

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/blockpool"
	"github.com/kth-go/consensuscore/internal/blockvalidator"
	"github.com/kth-go/consensuscore/internal/chainstate"
	"github.com/kth-go/consensuscore/internal/dispatch"
	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/organizer"
	"github.com/kth-go/consensuscore/internal/scriptverify"
	"github.com/kth-go/consensuscore/internal/storage"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/internal/txvalidator"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
)

// ErrNotStarted is returned by writes before Start or after Close.
var ErrNotStarted = errors.New("chain not started")

// staleAfter is the tip age beyond which IsStale reports true.
const staleAfter = time.Hour

// Subscriber handler signatures. Handlers run on the general pool, in
// commit order; on Stop each receives a final service-stopped call.
type (
	BlockchainHandler  func(err error, forkHeight uint64, incoming, outgoing []*block.Block)
	TransactionHandler func(err error, t *tx.Transaction)
	DSProofHandler     func(err error, proof *mempool.DSProof)
)

// Chain is the consensus core's single typed entry point.
type Chain struct {
	cfg    *config.Config
	params *config.NetworkParams

	store      *store.KVStore
	dispatcher *dispatch.Dispatcher
	mutex      *dispatch.PriorityMutex
	serial     *dispatch.Serial
	pool       *blockpool.Pool
	mempool    *mempool.Pool
	dsproofs   *mempool.DSProofs

	blocks *organizer.Blocks
	txs    *organizer.Transactions

	lastBlock atomic.Pointer[block.Block] // Fast-path staleness check.

	subMu     sync.RWMutex
	blockSubs []BlockchainHandler
	txSubs    []TransactionHandler
	dsSubs    []DSProofHandler

	started atomic.Bool
	closed  atomic.Bool
}

// New wires the consensus core over the given database and installs the
// genesis block if the database is fresh.
func New(cfg *config.Config, db storage.DB) (*Chain, error) {
	params := config.ParamsFor(cfg.Network)

	st := store.NewKVStore(db, cfg.ReorgLimit)
	if err := st.InitGenesis(store.GenesisBlock(params)); err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(0, 0)
	mutex := dispatch.NewPriorityMutex()

	maxSigops := (1 + cfg.MaxTemplateSizeBytes/config.MaxBlockSigopsChunk) * config.MaxBlockSigops
	ctor := params.ActiveForks(^uint64(0), ^uint64(0), cfg.EnabledForks)&config.ForkCTOR != 0
	mp := mempool.New(
		cfg.MaxTemplateSizeBytes,
		maxSigops,
		uint64(config.MaxBlockSize)*cfg.MempoolSizeMultiplier,
		ctor,
	)

	populator := chainstate.NewPopulator(st, params, cfg.EnabledForks)
	verifier := scriptverify.NewDefault()
	txv := txvalidator.New(st, populator, verifier, mp, cfg)
	blkv := blockvalidator.New(st, populator, verifier, dispatcher, mp, cfg)

	pool := blockpool.New(cfg.ReorgLimit)
	dsproofs := mempool.NewDSProofs()

	c := &Chain{
		cfg:        cfg,
		params:     params,
		store:      st,
		dispatcher: dispatcher,
		mutex:      mutex,
		serial:     dispatch.NewSerial(dispatcher),
		pool:       pool,
		mempool:    mp,
		dsproofs:   dsproofs,
	}
	c.blocks = organizer.NewBlocks(st, pool, blkv, mp, txv, mutex, dispatcher)
	c.txs = organizer.NewTransactions(st, mp, dsproofs, txv, mutex, dispatcher)

	c.blocks.OnReorg(c.dispatchReorg)
	c.txs.OnTransaction(c.dispatchTransaction)
	c.txs.OnDSProof(c.dispatchDSProof)

	if top, ok := st.LastHeight(); ok {
		if blk, ok := st.BlockByHeight(top); ok {
			c.lastBlock.Store(blk)
		}
	}
	return c, nil
}

// Start enables organization.
func (c *Chain) Start() error {
	if c.closed.Load() {
		return ErrNotStarted
	}
	c.started.Store(true)
	log.Facade.Info().
		Str("network", string(c.cfg.Network)).
		Msg("chain started")
	return nil
}

// Stop halts in-flight work at the next phase boundary and releases
// subscribers with service-stopped.
func (c *Chain) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	c.dispatcher.Stop()

	c.subMu.RLock()
	blockSubs := append([]BlockchainHandler(nil), c.blockSubs...)
	txSubs := append([]TransactionHandler(nil), c.txSubs...)
	dsSubs := append([]DSProofHandler(nil), c.dsSubs...)
	c.subMu.RUnlock()

	for _, handler := range blockSubs {
		handler(organizer.ErrServiceStopped, 0, nil, nil)
	}
	for _, handler := range txSubs {
		handler(organizer.ErrServiceStopped, nil)
	}
	for _, handler := range dsSubs {
		handler(organizer.ErrServiceStopped, nil)
	}
	log.Facade.Info().Msg("chain stopped")
}

// Close stops the chain, joins the pools, and releases the store.
func (c *Chain) Close() error {
	c.Stop()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.dispatcher.Close()
	return c.store.Close()
}

// =============================================================================
// Organization
// =============================================================================

// OrganizeBlock submits a candidate block and blocks until the outcome is
// known.
func (c *Chain) OrganizeBlock(blk *block.Block) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	err := c.blocks.Organize(blk)
	if err == nil {
		c.lastBlock.Store(blk)
	}
	return err
}

// OrganizeTransaction submits a loose transaction and blocks until the
// outcome is known.
func (c *Chain) OrganizeTransaction(t *tx.Transaction) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	return c.txs.Organize(t)
}

// OrganizeDSProof admits a double-spend proof.
func (c *Chain) OrganizeDSProof(proof *mempool.DSProof) {
	if !c.started.Load() {
		return
	}
	c.txs.OrganizeDSProof(proof)
}

// IsStale reports whether the tip is older than the staleness cutoff.
func (c *Chain) IsStale() bool {
	blk := c.lastBlock.Load()
	if blk == nil {
		return true
	}
	tip := time.Unix(int64(blk.Header.Timestamp), 0)
	return time.Since(tip) > staleAfter
}

// =============================================================================
// Subscriptions
// =============================================================================

// SubscribeBlockchain registers a reorganization handler.
func (c *Chain) SubscribeBlockchain(handler BlockchainHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.blockSubs = append(c.blockSubs, handler)
}

// SubscribeTransaction registers a transaction-admission handler.
func (c *Chain) SubscribeTransaction(handler TransactionHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.txSubs = append(c.txSubs, handler)
}

// SubscribeDSProof registers a double-spend-proof handler.
func (c *Chain) SubscribeDSProof(handler DSProofHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.dsSubs = append(c.dsSubs, handler)
}

// dispatchReorg fans a committed reorganization out to subscribers on the
// serial queue, preserving commit order.
func (c *Chain) dispatchReorg(forkHeight uint64, incoming, outgoing []*block.Block) {
	c.subMu.RLock()
	handlers := append([]BlockchainHandler(nil), c.blockSubs...)
	c.subMu.RUnlock()
	c.serial.Post(func() {
		for _, handler := range handlers {
			handler(nil, forkHeight, incoming, outgoing)
		}
	})
}

func (c *Chain) dispatchTransaction(t *tx.Transaction) {
	c.subMu.RLock()
	handlers := append([]TransactionHandler(nil), c.txSubs...)
	c.subMu.RUnlock()
	c.serial.Post(func() {
		for _, handler := range handlers {
			handler(nil, t)
		}
	})
}

func (c *Chain) dispatchDSProof(proof *mempool.DSProof) {
	c.subMu.RLock()
	handlers := append([]DSProofHandler(nil), c.dsSubs...)
	c.subMu.RUnlock()
	c.serial.Post(func() {
		for _, handler := range handlers {
			handler(nil, proof)
		}
	})
}
