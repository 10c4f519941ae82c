package facade

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/organizer"
	"github.com/kth-go/consensuscore/internal/storage"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/crypto"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// testKey receives every coinbase so outputs are spendable in tests.
var testKey *crypto.PrivateKey

func init() {
	var err error
	testKey, err = crypto.PrivateKeyFromBytes([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		panic(err)
	}
}

func testAddr() types.Address {
	return crypto.AddressFromPubKey(testKey.PublicKey())
}

func testChain(t *testing.T) *Chain {
	t.Helper()
	cfg := config.Default(config.Testnet)
	c, err := New(cfg, storage.NewMemory())
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func coinbaseAt(height uint64, salt byte) *tx.Transaction {
	data := make([]byte, 9)
	binary.LittleEndian.PutUint64(data, height)
	data[8] = salt
	addr := testAddr()
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: data}},
		Outputs: []tx.Output{{
			Value:  config.BlockSubsidy(height),
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
		}},
	}
}

func blockAbove(parent *block.Block, salt byte, extra ...*tx.Transaction) *block.Block {
	height := parent.Header.Height + 1
	txs := append([]*tx.Transaction{coinbaseAt(height, salt)}, extra...)
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash()
	}
	params := config.TestnetParams()
	return block.NewBlock(&block.Header{
		Version:    1,
		PrevHash:   parent.Hash(),
		MerkleRoot: block.ComputeMerkleRoot(hashes),
		Timestamp:  params.GenesisTimestamp + height*params.TargetSpacing + uint64(salt),
		Height:     height,
		Bits:       params.GenesisBits,
	}, txs)
}

// signSpend builds a signed transaction spending the given prevout.
func signSpend(t *testing.T, prevout types.Outpoint, value, fee uint64) *tx.Transaction {
	t.Helper()
	addr := testAddr()
	spend := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: prevout, PubKey: testKey.PublicKey()}},
		Outputs: []tx.Output{{
			Value:  value - fee,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
		}},
	}
	hash := spend.Hash()
	sig, err := testKey.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	spend.Inputs[0].Signature = sig
	return spend
}

// reorgEvent is a recorded blockchain notification.
type reorgEvent struct {
	err        error
	forkHeight uint64
	incoming   []*block.Block
	outgoing   []*block.Block
}

type recorder struct {
	mu     sync.Mutex
	events []reorgEvent
}

func (r *recorder) handler(err error, forkHeight uint64, incoming, outgoing []*block.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, reorgEvent{err, forkHeight, incoming, outgoing})
}

func (r *recorder) snapshot() []reorgEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reorgEvent(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

// lastHeight reads the chain top synchronously through the fetch surface.
func lastHeight(t *testing.T, c *Chain) uint64 {
	t.Helper()
	done := make(chan uint64, 1)
	c.FetchLastHeight(func(err error, height uint64) {
		if err != nil {
			t.Errorf("fetch last height: %v", err)
		}
		done <- height
	})
	select {
	case h := <-done:
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("fetch last height timed out")
		return 0
	}
}

// extendChain organizes n blocks above parent, returning them.
func extendChain(t *testing.T, c *Chain, parent *block.Block, n int, salt byte) []*block.Block {
	t.Helper()
	var blocks []*block.Block
	prev := parent
	for i := 0; i < n; i++ {
		blk := blockAbove(prev, salt)
		if err := c.OrganizeBlock(blk); err != nil {
			t.Fatalf("organize block at height %d: %v", blk.Header.Height, err)
		}
		blocks = append(blocks, blk)
		prev = blk
	}
	return blocks
}

func genesisBlock() *block.Block {
	return store.GenesisBlock(config.TestnetParams())
}

func TestScenario_SingleBlockHappyPath(t *testing.T) {
	c := testChain(t)
	rec := &recorder{}
	c.SubscribeBlockchain(rec.handler)

	b1 := blockAbove(genesisBlock(), 0)
	if err := c.OrganizeBlock(b1); err != nil {
		t.Fatalf("organize: %v", err)
	}

	if got := lastHeight(t, c); got != 1 {
		t.Errorf("top = %d, want 1", got)
	}
	if c.pool.Size() != 0 {
		t.Errorf("pool size = %d, want 0", c.pool.Size())
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	ev := rec.snapshot()[0]
	if ev.err != nil || ev.forkHeight != 0 || len(ev.incoming) != 1 || len(ev.outgoing) != 0 {
		t.Errorf("event = fork %d, %d incoming, %d outgoing, want fork 0, one in, none out",
			ev.forkHeight, len(ev.incoming), len(ev.outgoing))
	}
	if len(ev.incoming) == 1 && ev.incoming[0].Hash() != b1.Hash() {
		t.Error("incoming block mismatch")
	}
}

func TestScenario_OrphanThenParent(t *testing.T) {
	c := testChain(t)
	rec := &recorder{}
	c.SubscribeBlockchain(rec.handler)

	b1 := blockAbove(genesisBlock(), 0)
	b2 := blockAbove(b1, 0)

	if err := c.OrganizeBlock(b2); !errors.Is(err, organizer.ErrOrphanBlock) {
		t.Fatalf("err = %v, want orphan-block", err)
	}
	if c.pool.Size() != 1 {
		t.Fatalf("pool size = %d, want 1", c.pool.Size())
	}

	if err := c.OrganizeBlock(b1); err != nil {
		t.Fatalf("organize parent: %v", err)
	}
	if got := lastHeight(t, c); got != 2 {
		t.Errorf("top = %d, want 2", got)
	}
	if c.pool.Size() != 0 {
		t.Errorf("pool size = %d, want 0 after both organized", c.pool.Size())
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	ev := rec.snapshot()[0]
	if ev.forkHeight != 0 || len(ev.incoming) != 2 {
		t.Errorf("event = fork %d with %d incoming, want one event spanning both blocks",
			ev.forkHeight, len(ev.incoming))
	}
}

func TestScenario_CompetingBranch(t *testing.T) {
	c := testChain(t)
	rec := &recorder{}
	c.SubscribeBlockchain(rec.handler)

	genesis := genesisBlock()
	branchA := extendChain(t, c, genesis, 5, 0)
	waitFor(t, func() bool { return len(rec.snapshot()) == 5 })

	// Branch B: insufficient work while its total is at or below A's.
	var branchB []*block.Block
	prev := genesis
	for i := 0; i < 5; i++ {
		blk := blockAbove(prev, 1)
		if err := c.OrganizeBlock(blk); !errors.Is(err, organizer.ErrInsufficientWork) {
			t.Fatalf("B%d err = %v, want insufficient-work", i+1, err)
		}
		branchB = append(branchB, blk)
		prev = blk
	}
	if c.pool.Size() != 5 {
		t.Errorf("pool size = %d, want 5 retained B blocks", c.pool.Size())
	}
	if got := lastHeight(t, c); got != 5 {
		t.Errorf("top = %d, want unchanged 5", got)
	}
	if len(rec.snapshot()) != 5 {
		t.Error("losing branch must not notify")
	}

	// Extend B past A's work: the sixth block wins the whole branch in.
	b6 := blockAbove(prev, 1)
	if err := c.OrganizeBlock(b6); err != nil {
		t.Fatalf("organize winning tip: %v", err)
	}
	branchB = append(branchB, b6)

	if got := lastHeight(t, c); got != 6 {
		t.Errorf("top = %d, want 6", got)
	}
	waitFor(t, func() bool { return len(rec.snapshot()) == 6 })
	ev := rec.snapshot()[5]
	if ev.forkHeight != 0 {
		t.Errorf("fork height = %d, want 0", ev.forkHeight)
	}
	if len(ev.incoming) != 6 || len(ev.outgoing) != 5 {
		t.Fatalf("incoming %d, outgoing %d, want 6 and 5", len(ev.incoming), len(ev.outgoing))
	}
	for i, blk := range ev.outgoing {
		if blk.Hash() != branchA[i].Hash() {
			t.Errorf("outgoing[%d] is not branch A in order", i)
		}
	}
	for i, blk := range ev.incoming {
		if blk.Hash() != branchB[i].Hash() {
			t.Errorf("incoming[%d] is not branch B in order", i)
		}
	}
	// Displaced A blocks return to the pool.
	for _, blk := range branchA {
		if !c.pool.Exists(blk.Hash()) {
			t.Error("displaced block missing from the pool")
		}
	}
}

func TestScenario_RoundTripReorg(t *testing.T) {
	c := testChain(t)
	genesis := genesisBlock()
	branchA := extendChain(t, c, genesis, 2, 0)

	// B wins with three blocks.
	prev := genesis
	var branchB []*block.Block
	for i := 0; i < 3; i++ {
		blk := blockAbove(prev, 1)
		err := c.OrganizeBlock(blk)
		if i < 2 && !errors.Is(err, organizer.ErrInsufficientWork) {
			t.Fatalf("B%d err = %v, want insufficient-work", i+1, err)
		}
		if i == 2 && err != nil {
			t.Fatalf("B3 organize: %v", err)
		}
		branchB = append(branchB, blk)
		prev = blk
	}
	if got := lastHeight(t, c); got != 3 {
		t.Fatalf("top = %d, want 3", got)
	}

	// A wins back with four blocks: the displaced A blocks are in the
	// pool, so organizing two fresh extensions restores and passes B.
	prev = branchA[1]
	for i := 0; i < 2; i++ {
		blk := blockAbove(prev, 0)
		err := c.OrganizeBlock(blk)
		if i == 0 && !errors.Is(err, organizer.ErrInsufficientWork) {
			t.Fatalf("A3 err = %v, want insufficient-work", err)
		}
		if i == 1 && err != nil {
			t.Fatalf("A4 organize: %v", err)
		}
		prev = blk
	}
	if got := lastHeight(t, c); got != 4 {
		t.Errorf("top = %d, want 4 after the restoring reorg", got)
	}
	// Branch B is displaced back into the pool.
	for _, blk := range branchB {
		if !c.pool.Exists(blk.Hash()) {
			t.Error("branch B block missing from the pool after round trip")
		}
	}
}

func TestScenario_DuplicateBlock(t *testing.T) {
	c := testChain(t)
	b1 := blockAbove(genesisBlock(), 0)
	if err := c.OrganizeBlock(b1); err != nil {
		t.Fatalf("organize: %v", err)
	}
	if err := c.OrganizeBlock(b1); !errors.Is(err, organizer.ErrDuplicateBlock) {
		t.Errorf("err = %v, want duplicate-block", err)
	}
}

// matureChain builds a chain long enough that the first block's coinbase
// is spendable.
func matureChain(t *testing.T, c *Chain) []*block.Block {
	t.Helper()
	n := int(config.CoinbaseMaturity) + 1
	return extendChain(t, c, genesisBlock(), n, 0)
}

// orderCanonically sorts transactions by ascending txid for block bodies.
func orderCanonically(txs ...*tx.Transaction) []*tx.Transaction {
	ordered := append([]*tx.Transaction(nil), txs...)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && types.Less(ordered[j].Hash(), ordered[j-1].Hash()); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

func TestTransactionFlow_AdmitChainMine(t *testing.T) {
	c := testChain(t)
	blocks := matureChain(t, c)
	cb := blocks[0].Transactions[0]

	var admitted []types.Hash
	var mu sync.Mutex
	c.SubscribeTransaction(func(err error, tr *tx.Transaction) {
		if err != nil {
			return
		}
		mu.Lock()
		admitted = append(admitted, tr.Hash())
		mu.Unlock()
	})

	spend := signSpend(t, types.Outpoint{TxID: cb.Hash(), Index: 0}, cb.Outputs[0].Value, 1000)
	if err := c.OrganizeTransaction(spend); err != nil {
		t.Fatalf("organize tx: %v", err)
	}

	// A chained child spending the parent's unconfirmed output.
	child := signSpend(t, types.Outpoint{TxID: spend.Hash(), Index: 0}, spend.Outputs[0].Value, 500)
	if err := c.OrganizeTransaction(child); err != nil {
		t.Fatalf("organize chained tx: %v", err)
	}

	// Double spend of the same coinbase is rejected.
	double := signSpend(t, types.Outpoint{TxID: cb.Hash(), Index: 0}, cb.Outputs[0].Value, 2000)
	if err := c.OrganizeTransaction(double); !errors.Is(err, organizer.ErrDoubleSpendMempool) {
		t.Errorf("err = %v, want double-spend-mempool", err)
	}

	// Duplicate admission surfaces as such.
	if err := c.OrganizeTransaction(spend); !errors.Is(err, organizer.ErrDuplicateTransaction) {
		t.Errorf("err = %v, want duplicate-transaction", err)
	}

	// The template carries both with the fee total.
	elements, fees := c.txs.FetchTemplate()
	if len(elements) != 2 {
		t.Fatalf("template = %d txs, want 2", len(elements))
	}
	if fees != 1500 {
		t.Errorf("template fees = %d, want 1500", fees)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(admitted) == 2
	})

	// Mine both: the mempool drains.
	top := blocks[len(blocks)-1]
	mined := blockAbove(top, 0, orderCanonically(spend, child)...)
	if err := c.OrganizeBlock(mined); err != nil {
		t.Fatalf("organize mined block: %v", err)
	}
	if c.mempool.Count() != 0 {
		t.Errorf("mempool count = %d, want 0 after mining", c.mempool.Count())
	}
}

func TestReorg_ReinjectsDisplacedTransactions(t *testing.T) {
	c := testChain(t)
	blocks := matureChain(t, c)
	cb := blocks[0].Transactions[0]
	top := blocks[len(blocks)-1]

	// Mine a spend on branch A's next block.
	spend := signSpend(t, types.Outpoint{TxID: cb.Hash(), Index: 0}, cb.Outputs[0].Value, 1000)
	minedA := blockAbove(top, 0, spend)
	if err := c.OrganizeBlock(minedA); err != nil {
		t.Fatalf("organize block with tx: %v", err)
	}
	if c.mempool.Has(spend.Hash()) {
		t.Fatal("mined tx should not be pooled")
	}

	// Branch B displaces that block without including the spend.
	b1 := blockAbove(top, 1)
	if err := c.OrganizeBlock(b1); !errors.Is(err, organizer.ErrInsufficientWork) {
		t.Fatalf("B1 err = %v, want insufficient-work", err)
	}
	b2 := blockAbove(b1, 1)
	if err := c.OrganizeBlock(b2); err != nil {
		t.Fatalf("B2 organize: %v", err)
	}

	// The displaced transaction returns to the mempool.
	if !c.mempool.Has(spend.Hash()) {
		t.Error("displaced transaction was not re-admitted")
	}
}

func TestDSProofFlow(t *testing.T) {
	c := testChain(t)

	var mu sync.Mutex
	var received *mempool.DSProof
	c.SubscribeDSProof(func(err error, proof *mempool.DSProof) {
		if err != nil {
			return
		}
		mu.Lock()
		received = proof
		mu.Unlock()
	})

	proof := &mempool.DSProof{
		Outpoint: types.Outpoint{TxID: types.Hash{1}, Index: 0},
		Spender1: types.Hash{2},
		Spender2: types.Hash{3},
	}
	c.OrganizeDSProof(proof)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received != nil
	})

	done := make(chan struct{})
	c.FetchDSProof(proof.Hash(), func(err error, got *mempool.DSProof) {
		if err != nil || got.Hash() != proof.Hash() {
			t.Errorf("fetch ds proof: %v", err)
		}
		close(done)
	})
	<-done
}

func TestStop_ReleasesSubscribersAndRejectsWrites(t *testing.T) {
	c := testChain(t)
	var stoppedErr error
	var mu sync.Mutex
	c.SubscribeBlockchain(func(err error, _ uint64, _, _ []*block.Block) {
		mu.Lock()
		stoppedErr = err
		mu.Unlock()
	})

	c.Stop()

	mu.Lock()
	got := stoppedErr
	mu.Unlock()
	if !errors.Is(got, organizer.ErrServiceStopped) {
		t.Errorf("subscriber release err = %v, want service-stopped", got)
	}
	if err := c.OrganizeBlock(blockAbove(genesisBlock(), 0)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("organize after stop = %v, want not-started", err)
	}
}

func TestFetchSurface_LocatorsAndLookups(t *testing.T) {
	c := testChain(t)
	blocks := extendChain(t, c, genesisBlock(), 5, 0)

	done := make(chan struct{})
	c.FetchBlockLocator(func(err error, locator []types.Hash) {
		if err != nil {
			t.Errorf("locator: %v", err)
		}
		if len(locator) == 0 || locator[0] != blocks[4].Hash() {
			t.Error("locator should start at the tip")
		}
		if locator[len(locator)-1] != genesisBlock().Hash() {
			t.Error("locator should end at genesis")
		}
		close(done)
	})
	<-done

	done = make(chan struct{})
	c.FetchLocatorBlockHashes([]types.Hash{blocks[1].Hash()}, types.Hash{}, 10,
		func(err error, hashes []types.Hash) {
			if err != nil {
				t.Errorf("locator hashes: %v", err)
			}
			if len(hashes) != 3 || hashes[0] != blocks[2].Hash() {
				t.Errorf("locator hashes = %d entries, want the 3 above the common block", len(hashes))
			}
			close(done)
		})
	<-done

	done = make(chan struct{})
	c.FetchMerkleBlock(blocks[0].Hash(), func(err error, header *block.Header, txHashes []types.Hash) {
		if err != nil || header == nil || len(txHashes) != 1 {
			t.Errorf("merkle block: %v", err)
		}
		close(done)
	})
	<-done

	done = make(chan struct{})
	c.FetchTransaction(blocks[2].Transactions[0].Hash(), func(err error, tr *tx.Transaction, height uint64, confirmed bool) {
		if err != nil || !confirmed || height != 3 {
			t.Errorf("fetch tx: err=%v height=%d confirmed=%v", err, height, confirmed)
		}
		close(done)
	})
	<-done

	done = make(chan struct{})
	c.FetchHistory(testAddr(), func(err error, history []HistoryEntry) {
		if err != nil {
			t.Errorf("history: %v", err)
		}
		if len(history) != 5 {
			t.Errorf("history = %d entries, want 5 coinbases", len(history))
		}
		close(done)
	})
	<-done
}
