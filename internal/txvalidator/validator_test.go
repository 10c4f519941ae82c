package txvalidator

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/chainstate"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/scriptverify"
	"github.com/kth-go/consensuscore/internal/storage"
	"github.com/kth-go/consensuscore/internal/store"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/crypto"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

var testKey *crypto.PrivateKey

func init() {
	var err error
	testKey, err = crypto.PrivateKeyFromBytes([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		panic(err)
	}
}

func coinbaseAt(height uint64) *tx.Transaction {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, height)
	addr := crypto.AddressFromPubKey(testKey.PublicKey())
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: data}},
		Outputs: []tx.Output{{
			Value:  config.BlockSubsidy(height),
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]},
		}},
	}
}

// harness wires a validator over a memory store holding a mature chain.
type harness struct {
	validator *Validator
	store     *store.KVStore
	mempool   *mempool.Pool
	cfg       *config.Config
	blocks    []*block.Block
}

func newHarness(t *testing.T, length int) *harness {
	t.Helper()
	params := config.TestnetParams()
	cfg := config.Default(config.Testnet)
	cfg.ByteFeeSatoshis = 1

	st := store.NewKVStore(storage.NewMemory(), cfg.ReorgLimit)
	genesis := store.GenesisBlock(params)
	if err := st.InitGenesis(genesis); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	prev := genesis
	var blocks []*block.Block
	for i := 0; i < length; i++ {
		height := prev.Header.Height + 1
		cb := coinbaseAt(height)
		blk := block.NewBlock(&block.Header{
			Version:    1,
			PrevHash:   prev.Hash(),
			MerkleRoot: cb.Hash(),
			Timestamp:  params.GenesisTimestamp + height*params.TargetSpacing,
			Height:     height,
			Bits:       params.GenesisBits,
		}, []*tx.Transaction{cb})
		if _, err := st.Reorganize(prev.Header.Height, []*block.Block{blk}); err != nil {
			t.Fatalf("extend chain: %v", err)
		}
		blocks = append(blocks, blk)
		prev = blk
	}

	populator := chainstate.NewPopulator(st, params, 0)
	mp := mempool.New(config.MaxBlockSize, 100_000, 0, true)
	validator := New(st, populator, scriptverify.NewDefault(), mp, cfg)
	return &harness{validator: validator, store: st, mempool: mp, cfg: cfg, blocks: blocks}
}

// matureCoinbase returns a spendable coinbase outpoint and its value.
func (h *harness) matureCoinbase() (types.Outpoint, uint64) {
	cb := h.blocks[0].Transactions[0]
	return types.Outpoint{TxID: cb.Hash(), Index: 0}, cb.Outputs[0].Value
}

func signSpend(t *testing.T, prevout types.Outpoint, outputs []tx.Output) *tx.Transaction {
	t.Helper()
	spend := &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: prevout, PubKey: testKey.PublicKey()}},
		Outputs: outputs,
	}
	hash := spend.Hash()
	sig, err := testKey.Sign(hash[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	spend.Inputs[0].Signature = sig
	return spend
}

func p2pkhOutput(value uint64) tx.Output {
	addr := crypto.AddressFromPubKey(testKey.PublicKey())
	return tx.Output{Value: value, Script: types.Script{Type: types.ScriptTypeP2PKH, Data: addr[:]}}
}

func TestValidTransaction_AllPhases(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()
	spend := signSpend(t, prevout, []tx.Output{p2pkhOutput(value - 1000)})

	if err := h.validator.Check(spend); err != nil {
		t.Fatalf("check: %v", err)
	}
	result, err := h.validator.Accept(spend)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if result.Fee != 1000 {
		t.Errorf("fee = %d, want 1000", result.Fee)
	}
	if result.Prevouts[0].Height != 1 || !result.Prevouts[0].Coinbase {
		t.Errorf("prevout = %+v, want coinbase at height 1", result.Prevouts[0])
	}
	if err := h.validator.Connect(spend, result); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if result.Sigchecks != 1 {
		t.Errorf("sigchecks = %d, want 1", result.Sigchecks)
	}
}

func TestCheck_RejectsLooseCoinbase(t *testing.T) {
	h := newHarness(t, 1)
	cb := coinbaseAt(99)
	if err := h.validator.Check(cb); !errors.Is(err, ErrLooseCoinbase) {
		t.Errorf("err = %v, want loose-coinbase", err)
	}
}

func TestAccept_MissingPrevout(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	spend := signSpend(t, types.Outpoint{TxID: types.Hash{0xEE}, Index: 0},
		[]tx.Output{p2pkhOutput(1000)})
	if _, err := h.validator.Accept(spend); !errors.Is(err, ErrMissingPrevout) {
		t.Errorf("err = %v, want missing-prevout", err)
	}
}

func TestAccept_ImmatureCoinbase(t *testing.T) {
	h := newHarness(t, 5) // Far below maturity.
	prevout, value := h.matureCoinbase()
	spend := signSpend(t, prevout, []tx.Output{p2pkhOutput(value - 1000)})
	if _, err := h.validator.Accept(spend); !errors.Is(err, ErrCoinbaseImmature) {
		t.Errorf("err = %v, want immature", err)
	}
}

func TestAccept_MempoolDoubleSpend(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()

	first := signSpend(t, prevout, []tx.Output{p2pkhOutput(value - 1000)})
	result, err := h.validator.Accept(first)
	if err != nil {
		t.Fatalf("accept first: %v", err)
	}
	if err := h.mempool.Add(mempool.Element{
		TxID: first.Hash(), Tx: first, Fee: result.Fee, Size: result.Size, Sigops: result.Sigops,
	}); err != nil {
		t.Fatalf("admit first: %v", err)
	}

	second := signSpend(t, prevout, []tx.Output{p2pkhOutput(value - 2000)})
	if _, err := h.validator.Accept(second); !errors.Is(err, ErrDoubleSpendMempool) {
		t.Errorf("err = %v, want double-spend-mempool", err)
	}
}

func TestAccept_ChainedPrevoutFromMempool(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()

	parent := signSpend(t, prevout, []tx.Output{p2pkhOutput(value - 1000)})
	result, err := h.validator.Accept(parent)
	if err != nil {
		t.Fatalf("accept parent: %v", err)
	}
	h.mempool.Add(mempool.Element{
		TxID: parent.Hash(), Tx: parent, Fee: result.Fee, Size: result.Size, Sigops: result.Sigops,
	})

	child := signSpend(t, types.Outpoint{TxID: parent.Hash(), Index: 0},
		[]tx.Output{p2pkhOutput(value - 2500)})
	childResult, err := h.validator.Accept(child)
	if err != nil {
		t.Fatalf("accept chained child: %v", err)
	}
	if childResult.Prevouts[0].Confirmed {
		t.Error("chained prevout should be unconfirmed")
	}
}

func TestAccept_InsufficientFee(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()
	spend := signSpend(t, prevout, []tx.Output{p2pkhOutput(value)}) // Zero fee.
	if _, err := h.validator.Accept(spend); !errors.Is(err, ErrInsufficientFee) {
		t.Errorf("err = %v, want insufficient-fee", err)
	}
}

func TestAccept_DustOutput(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()
	dusty := signSpend(t, prevout, []tx.Output{
		p2pkhOutput(value - 10_000),
		p2pkhOutput(1), // Below the dust floor.
	})
	if _, err := h.validator.Accept(dusty); !errors.Is(err, ErrDust) {
		t.Errorf("err = %v, want dusty", err)
	}
}

func TestAccept_Locktime(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()

	locked := &tx.Transaction{
		Version:  1,
		Inputs:   []tx.Input{{PrevOut: prevout, PubKey: testKey.PublicKey()}},
		Outputs:  []tx.Output{p2pkhOutput(value - 1000)},
		LockTime: 1_000_000, // Height-style lock far in the future.
	}
	hash := locked.Hash()
	sig, _ := testKey.Sign(hash[:])
	locked.Inputs[0].Signature = sig

	if _, err := h.validator.Accept(locked); !errors.Is(err, ErrLocktime) {
		t.Errorf("err = %v, want locktime", err)
	}
}

func TestConnect_BadSignature(t *testing.T) {
	h := newHarness(t, int(config.CoinbaseMaturity)+1)
	prevout, value := h.matureCoinbase()
	spend := signSpend(t, prevout, []tx.Output{p2pkhOutput(value - 1000)})
	spend.Inputs[0].Signature[0] ^= 0xFF

	result, err := h.validator.Accept(spend)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.validator.Connect(spend, result); !errors.Is(err, scriptverify.ErrStackFalse) {
		t.Errorf("err = %v, want stack-false", err)
	}
}
