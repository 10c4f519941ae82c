package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/chainstate"
	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/internal/storage"
	"github.com/kth-go/consensuscore/internal/utxo"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Key prefixes and state keys.
var (
	prefixBlock = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixUndo   = []byte("d/") // d/<hash(32)> -> undo data JSON
	prefixUnconf = []byte("p/") // p/<txhash(32)> -> tx JSON (unconfirmed index)
	keyTipHash   = []byte("s/tip")
	keyHeight    = []byte("s/height")
)

// undoData stores the information needed to revert a block's UTXO changes.
type undoData struct {
	SpentUTXOs       []utxo.UTXO      `json:"spent_utxos"`
	CreatedOutpoints []types.Outpoint `json:"created_outpoints"`
	TxHashes         []types.Hash     `json:"tx_hashes"`
}

// KVStore implements Store over a storage.DB. Run it on storage.MemoryDB
// for tests and simulation, or storage.BadgerDB for a durable node.
//
// Reads take no lock: the sequence counter goes odd while a write is in
// progress and even when quiescent; readers snapshot, read, and retry on
// change. Writes are serialized by the organizer.
type KVStore struct {
	db    storage.DB
	utxos *utxo.Store

	reorgLimit uint64 // Undo data below top-reorgLimit is prunable (0 = keep all).
	seq        atomic.Uint64
}

// NewKVStore creates a store over the given database. The UTXO set lives
// in its own prefixed keyspace of the same database.
func NewKVStore(db storage.DB, reorgLimit uint64) *KVStore {
	return &KVStore{
		db:         db,
		utxos:      utxo.NewStore(storage.NewPrefixDB(db, []byte("U/"))),
		reorgLimit: reorgLimit,
	}
}

// Close closes the underlying database.
func (s *KVStore) Close() error {
	return s.db.Close()
}

// Sequence returns the read-validation counter. Odd = write in progress.
func (s *KVStore) Sequence() uint64 {
	return s.seq.Load()
}

// =============================================================================
// Reader
// =============================================================================

// LastHeight returns the chain top height, or false on a fresh database.
func (s *KVStore) LastHeight() (uint64, bool) {
	data, err := s.db.Get(keyHeight)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// Block retrieves a block by its hash.
func (s *KVStore) Block(hash types.Hash) (*block.Block, bool) {
	data, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, false
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		log.Store.Error().Err(err).Str("hash", hash.String()).Msg("corrupt block record")
		return nil, false
	}
	return &blk, true
}

// BlockByHeight retrieves the main-chain block at the given height.
func (s *KVStore) BlockByHeight(height uint64) (*block.Block, bool) {
	hash, ok := s.BlockHash(height)
	if !ok {
		return nil, false
	}
	return s.Block(hash)
}

// BlockHash returns the main-chain hash at the given height.
func (s *KVStore) BlockHash(height uint64) (types.Hash, bool) {
	data, err := s.db.Get(heightKey(height))
	if err != nil || len(data) != types.HashSize {
		return types.Hash{}, false
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, true
}

// Height returns the main-chain height of the block with the given hash.
func (s *KVStore) Height(hash types.Hash) (uint64, bool) {
	blk, ok := s.Block(hash)
	if !ok {
		return 0, false
	}
	// Only main-chain blocks count: the height index must map back.
	mainHash, ok := s.BlockHash(blk.Header.Height)
	if !ok || mainHash != hash {
		return 0, false
	}
	return blk.Header.Height, true
}

// BlockExists reports whether a block record exists for the hash.
func (s *KVStore) BlockExists(hash types.Hash) bool {
	ok, err := s.db.Has(blockKey(hash))
	return err == nil && ok
}

// Header returns the main-chain header at the given height.
func (s *KVStore) Header(height uint64) (*block.Header, bool) {
	blk, ok := s.BlockByHeight(height)
	if !ok {
		return nil, false
	}
	return blk.Header, true
}

// Bits returns the difficulty of the main-chain block at the given height.
func (s *KVStore) Bits(height uint64) (uint64, bool) {
	h, ok := s.Header(height)
	if !ok {
		return 0, false
	}
	return h.Bits, true
}

// Version returns the version of the main-chain block at the given height.
func (s *KVStore) Version(height uint64) (uint32, bool) {
	h, ok := s.Header(height)
	if !ok {
		return 0, false
	}
	return h.Version, true
}

// Timestamp returns the timestamp of the main-chain block at the height.
func (s *KVStore) Timestamp(height uint64) (uint64, bool) {
	h, ok := s.Header(height)
	if !ok {
		return 0, false
	}
	return h.Timestamp, true
}

// BlockSize returns the serialized size of the main-chain block at height.
func (s *KVStore) BlockSize(height uint64) (uint64, bool) {
	blk, ok := s.BlockByHeight(height)
	if !ok {
		return 0, false
	}
	return blk.SerializedSize(), true
}

// Transaction returns a confirmed transaction and its block height.
func (s *KVStore) Transaction(hash types.Hash) (*tx.Transaction, uint64, bool) {
	data, err := s.db.Get(txKey(hash))
	if err != nil || len(data) != 8+types.HashSize {
		return nil, 0, false
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])

	blk, ok := s.Block(blockHash)
	if !ok {
		return nil, 0, false
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, height, true
		}
	}
	return nil, 0, false
}

// Output resolves a prevout visible at branchHeight.
func (s *KVStore) Output(op types.Outpoint, branchHeight uint64, requireConfirmed bool) (OutputEntry, bool) {
	// Fast path: still unspent.
	if entry, ok := s.UTXO(op, branchHeight); ok {
		return entry, true
	}

	// Spent but confirmed: reconstruct from the producing transaction.
	if producer, height, ok := s.Transaction(op.TxID); ok && height <= branchHeight {
		if int(op.Index) < len(producer.Outputs) {
			return OutputEntry{
				Output:    producer.Outputs[op.Index],
				Height:    height,
				MTP:       s.medianTimePast(height),
				Coinbase:  s.isCoinbase(op.TxID, height),
				Spent:     true,
				Confirmed: true,
			}, true
		}
		return OutputEntry{}, false
	}

	if requireConfirmed {
		return OutputEntry{}, false
	}

	// Unconfirmed index.
	if producer, ok := s.Unconfirmed(op.TxID); ok {
		if int(op.Index) < len(producer.Outputs) {
			return OutputEntry{
				Output:    producer.Outputs[op.Index],
				Confirmed: false,
			}, true
		}
	}
	return OutputEntry{}, false
}

// UTXO resolves an outpoint against the unspent set.
func (s *KVStore) UTXO(op types.Outpoint, branchHeight uint64) (OutputEntry, bool) {
	u, err := s.utxos.Get(op)
	if err != nil || u.Height > branchHeight {
		return OutputEntry{}, false
	}
	return OutputEntry{
		Output:    tx.Output{Value: u.Value, Script: u.Script},
		Height:    u.Height,
		MTP:       u.MTP,
		Coinbase:  u.Coinbase,
		Confirmed: true,
	}, true
}

// UTXOPoolFrom collects every output created by blocks in (first..top].
func (s *KVStore) UTXOPoolFrom(first, top uint64) map[types.Outpoint]OutputEntry {
	pool := make(map[types.Outpoint]OutputEntry)
	for h := first + 1; h <= top; h++ {
		blk, ok := s.BlockByHeight(h)
		if !ok {
			continue
		}
		mtp := s.medianTimePast(h)
		for txIdx, t := range blk.Transactions {
			txID := t.Hash()
			for outIdx, out := range t.Outputs {
				op := types.Outpoint{TxID: txID, Index: uint32(outIdx)}
				pool[op] = OutputEntry{
					Output:    out,
					Height:    h,
					MTP:       mtp,
					Coinbase:  txIdx == 0,
					Confirmed: true,
				}
			}
		}
	}
	return pool
}

// BranchWork sums main-chain proof above fromHeight, top down, stopping
// once the sum exceeds ceiling.
func (s *KVStore) BranchWork(ceiling *big.Int, fromHeight uint64) *big.Int {
	work := new(big.Int)
	top, ok := s.LastHeight()
	if !ok {
		return work
	}
	for h := top; h > fromHeight; h-- {
		bits, ok := s.Bits(h)
		if !ok {
			break
		}
		work.Add(work, chainstate.Proof(bits))
		if ceiling != nil && work.Cmp(ceiling) > 0 {
			break
		}
	}
	return work
}

// UTXOCommitment computes a merkle commitment over the entire unspent set.
func (s *KVStore) UTXOCommitment() (types.Hash, error) {
	return utxo.Commitment(s.utxos)
}

// History returns the unspent outputs indexed under an address.
func (s *KVStore) History(addr types.Address) ([]OutputEntry, error) {
	utxos, err := s.utxos.GetByAddress(addr)
	if err != nil {
		return nil, err
	}
	entries := make([]OutputEntry, 0, len(utxos))
	for _, u := range utxos {
		entries = append(entries, OutputEntry{
			Output:    tx.Output{Value: u.Value, Script: u.Script},
			Height:    u.Height,
			MTP:       u.MTP,
			Coinbase:  u.Coinbase,
			Confirmed: true,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Height < entries[j].Height })
	return entries, nil
}

// =============================================================================
// Writer
// =============================================================================

// InitGenesis installs the genesis block on a fresh database. On an
// initialized database it verifies the stored genesis matches.
func (s *KVStore) InitGenesis(genesis *block.Block) error {
	if _, ok := s.LastHeight(); ok {
		stored, ok := s.BlockHash(0)
		if !ok || stored != genesis.Hash() {
			return fmt.Errorf("%w: genesis mismatch", ErrCorrupt)
		}
		return nil
	}

	s.seq.Add(1)
	defer s.seq.Add(1)

	if err := s.applyBlock(genesis); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := s.setTip(genesis.Hash(), 0); err != nil {
		return err
	}
	log.Store.Info().Str("hash", genesis.Hash().String()).Msg("genesis installed")
	return nil
}

// Reorganize atomically swaps the chain suffix above forkPoint for the
// incoming blocks. Returns the outgoing blocks in ascending height order.
func (s *KVStore) Reorganize(forkPoint uint64, incoming []*block.Block) ([]*block.Block, error) {
	top, ok := s.LastHeight()
	if !ok {
		return nil, fmt.Errorf("%w: no chain", ErrCorrupt)
	}
	if forkPoint > top {
		return nil, fmt.Errorf("%w: fork %d, top %d", ErrBadForkPoint, forkPoint, top)
	}
	if len(incoming) == 0 {
		return nil, fmt.Errorf("reorganize with no incoming blocks")
	}

	// The first incoming block must link to the chain at the fork point.
	forkHash, ok := s.BlockHash(forkPoint)
	if !ok {
		return nil, fmt.Errorf("%w: no hash at fork height %d", ErrCorrupt, forkPoint)
	}
	if incoming[0].Header.PrevHash != forkHash {
		return nil, fmt.Errorf("%w: first incoming parent %s, fork hash %s",
			ErrNotLinked, incoming[0].Header.PrevHash, forkHash)
	}

	s.seq.Add(1)
	defer s.seq.Add(1)

	// Revert the outgoing suffix, top down.
	var outgoing []*block.Block
	for h := top; h > forkPoint; h-- {
		blk, err := s.revertHeight(h)
		if err != nil {
			return nil, err
		}
		outgoing = append([]*block.Block{blk}, outgoing...)
	}

	// Apply the incoming blocks, bottom up.
	for _, blk := range incoming {
		if err := s.applyBlock(blk); err != nil {
			return nil, fmt.Errorf("apply block at height %d: %w", blk.Header.Height, err)
		}
	}

	newTop := incoming[len(incoming)-1]
	if err := s.setTip(newTop.Hash(), newTop.Header.Height); err != nil {
		return nil, err
	}

	// Stale height index entries above the new top.
	for h := newTop.Header.Height + 1; h <= top; h++ {
		s.db.Delete(heightKey(h))
	}

	log.Store.Info().
		Uint64("fork", forkPoint).
		Int("incoming", len(incoming)).
		Int("outgoing", len(outgoing)).
		Uint64("top", newTop.Header.Height).
		Msg("chain reorganized")
	return outgoing, nil
}

// Push records a validated transaction in the unconfirmed index.
func (s *KVStore) Push(t *tx.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tx marshal: %w", err)
	}
	return s.db.Put(unconfKey(t.Hash()), data)
}

// Unconfirmed fetches a transaction from the unconfirmed index.
func (s *KVStore) Unconfirmed(hash types.Hash) (*tx.Transaction, bool) {
	data, err := s.db.Get(unconfKey(hash))
	if err != nil {
		return nil, false
	}
	var t tx.Transaction
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false
	}
	return &t, true
}

// PruneReorgAsync deletes undo data below the rewindable depth in the
// background.
func (s *KVStore) PruneReorgAsync() {
	if s.reorgLimit == 0 {
		return
	}
	go func() {
		top, ok := s.LastHeight()
		if !ok || top <= s.reorgLimit {
			return
		}
		floor := top - s.reorgLimit

		var doomed [][]byte
		s.db.ForEach(prefixUndo, func(key, _ []byte) error {
			if len(key) != len(prefixUndo)+types.HashSize {
				return nil
			}
			var hash types.Hash
			copy(hash[:], key[len(prefixUndo):])
			if blk, ok := s.Block(hash); ok && blk.Header.Height < floor {
				k := make([]byte, len(key))
				copy(k, key)
				doomed = append(doomed, k)
			}
			return nil
		})
		for _, key := range doomed {
			s.db.Delete(key)
		}
		if len(doomed) > 0 {
			log.Store.Debug().Int("pruned", len(doomed)).Msg("undo data pruned")
		}
	}()
}

// =============================================================================
// Internals
// =============================================================================

// applyBlock stores, indexes, and applies a block's UTXO changes, writing
// undo data for later reverts.
func (s *KVStore) applyBlock(blk *block.Block) error {
	hash := blk.Hash()
	height := blk.Header.Height

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	if err := s.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := s.db.Put(heightKey(height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}

	mtp := s.medianTimePast(height)
	undo := &undoData{}

	for txIdx, t := range blk.Transactions {
		txHash := t.Hash()
		undo.TxHashes = append(undo.TxHashes, txHash)
		coinbase := txIdx == 0

		// Spend inputs, saving each UTXO for the undo record.
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := s.utxos.Get(in.PrevOut)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrMissingPrevout, in.PrevOut)
			}
			undo.SpentUTXOs = append(undo.SpentUTXOs, *u)
			if err := s.utxos.Delete(in.PrevOut); err != nil {
				return fmt.Errorf("spend %s: %w", in.PrevOut, err)
			}
		}

		// Create outputs.
		for i, out := range t.Outputs {
			op := types.Outpoint{TxID: txHash, Index: uint32(i)}
			undo.CreatedOutpoints = append(undo.CreatedOutpoints, op)
			u := &utxo.UTXO{
				Outpoint: op,
				Value:    out.Value,
				Script:   out.Script,
				Height:   height,
				MTP:      mtp,
				Coinbase: coinbase,
			}
			if err := s.utxos.Put(u); err != nil {
				return fmt.Errorf("create output %s: %w", op, err)
			}
		}

		// Index by hash -> (height, blockHash) and drop from the
		// unconfirmed pool.
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], height)
		copy(val[8:], hash[:])
		if err := s.db.Put(txKey(txHash), val); err != nil {
			return fmt.Errorf("tx index put: %w", err)
		}
		s.db.Delete(unconfKey(txHash))
	}

	undoBytes, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("undo marshal: %w", err)
	}
	if err := s.db.Put(undoKey(hash), undoBytes); err != nil {
		return fmt.Errorf("undo put: %w", err)
	}
	return nil
}

// revertHeight undoes the main-chain block at the given height and returns
// it. The height index entry and undo data are removed.
func (s *KVStore) revertHeight(height uint64) (*block.Block, error) {
	blk, ok := s.BlockByHeight(height)
	if !ok {
		return nil, fmt.Errorf("%w: no block at height %d", ErrCorrupt, height)
	}
	hash := blk.Hash()

	undoBytes, err := s.db.Get(undoKey(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: undo missing for height %d", ErrCorrupt, height)
	}
	var undo undoData
	if err := json.Unmarshal(undoBytes, &undo); err != nil {
		return nil, fmt.Errorf("undo unmarshal: %w", err)
	}

	// Delete created outputs (reverse order for safety).
	for i := len(undo.CreatedOutpoints) - 1; i >= 0; i-- {
		if err := s.utxos.Delete(undo.CreatedOutpoints[i]); err != nil {
			return nil, fmt.Errorf("delete created output: %w", err)
		}
	}
	// Restore spent UTXOs.
	for i := range undo.SpentUTXOs {
		if err := s.utxos.Put(&undo.SpentUTXOs[i]); err != nil {
			return nil, fmt.Errorf("restore utxo: %w", err)
		}
	}
	// Remove tx index entries.
	for _, txHash := range undo.TxHashes {
		s.db.Delete(txKey(txHash))
	}

	s.db.Delete(undoKey(hash))
	s.db.Delete(heightKey(height))
	return blk, nil
}

func (s *KVStore) setTip(hash types.Hash, height uint64) error {
	if err := s.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	if err := s.db.Put(keyHeight, buf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	return nil
}

// medianTimePast returns the median of the trailing timestamp window
// ending just below the given height.
func (s *KVStore) medianTimePast(height uint64) uint64 {
	window := uint64(config.MTPWindow)
	if height < window {
		window = height
	}
	if window == 0 {
		return 0
	}
	stamps := make([]uint64, 0, window)
	for h := height - window; h < height; h++ {
		ts, ok := s.Timestamp(h)
		if !ok {
			continue
		}
		stamps = append(stamps, ts)
	}
	if len(stamps) == 0 {
		return 0
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return stamps[len(stamps)/2]
}

// isCoinbase reports whether the tx at the height is its block's coinbase.
func (s *KVStore) isCoinbase(txHash types.Hash, height uint64) bool {
	blk, ok := s.BlockByHeight(height)
	if !ok || len(blk.Transactions) == 0 {
		return false
	}
	return blk.Transactions[0].Hash() == txHash
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

func undoKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUndo)+types.HashSize)
	copy(key, prefixUndo)
	copy(key[len(prefixUndo):], hash[:])
	return key
}

func unconfKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixUnconf)+types.HashSize)
	copy(key, prefixUnconf)
	copy(key[len(prefixUnconf):], hash[:])
	return key
}

var _ Store = (*KVStore)(nil)
