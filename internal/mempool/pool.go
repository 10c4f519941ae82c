// Package mempool maintains the set of validated unconfirmed transactions
// as an indexed DAG, together with an ordered candidate prefix that forms
// the current block template.
package mempool

import (
	"errors"
	"sort"

	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Mempool errors.
var (
	ErrDuplicate   = errors.New("transaction already in mempool")
	ErrDoubleSpend = errors.New("input already consumed by a mempool transaction")
	ErrLowBenefit  = errors.New("package benefit too low for the template")
	ErrPoolFull    = errors.New("mempool is full")
)

// noCandidate marks a node that is not part of the block template.
const noCandidate = -1

// Element is the immutable per-transaction metadata carried by a node.
type Element struct {
	TxID        types.Hash
	Tx          *tx.Transaction
	Fee         uint64
	Size        uint64
	Sigops      uint64
	OutputCount uint32
}

// node is one vertex of the unconfirmed-transaction DAG. Indexes refer
// into Pool.all, which is grow-only between block arrivals so the edges
// stay stable.
type node struct {
	element Element

	parents  []int // Ancestor closure in topological (index) order.
	children []int // Direct children.

	// Package aggregates: own fee/size/sigops plus every in-template
	// transitive descendant, each counted once.
	childrenFees   uint64
	childrenSize   uint64
	childrenSigops uint64

	candidateIndex int
}

// Pool is the mempool. It carries no internal lock: every call is
// serialized externally by the organizer's priority mutex.
type Pool struct {
	all       []node
	byTxID    map[types.Hash]int
	byPrevout map[types.Outpoint]int // Input outpoint -> consumer index.
	localUTXO map[types.Outpoint]tx.Output

	// The candidate template: node indexes in descending package benefit.
	candidates     []int
	templateFees   uint64
	templateSize   uint64
	templateSigops uint64

	maxTemplateSize   uint64
	maxTemplateSigops uint64
	maxPoolSize       uint64 // Total serialized bytes across all[]; 0 = unlimited.
	poolSize          uint64

	ctor bool // Export ordering: lexicographic when set, left-of-parent otherwise.
}

// New creates an empty pool with the given template limits.
func New(maxTemplateSize, maxTemplateSigops, maxPoolSize uint64, ctor bool) *Pool {
	return &Pool{
		byTxID:            make(map[types.Hash]int),
		byPrevout:         make(map[types.Outpoint]int),
		localUTXO:         make(map[types.Outpoint]tx.Output),
		maxTemplateSize:   maxTemplateSize,
		maxTemplateSigops: maxTemplateSigops,
		maxPoolSize:       maxPoolSize,
		ctor:              ctor,
	}
}

// Add admits a validated transaction. On ErrLowBenefit the transaction is
// stored but left out of the template; other errors reject it outright.
func (p *Pool) Add(element Element) error {
	if _, ok := p.byTxID[element.TxID]; ok {
		return ErrDuplicate
	}
	for _, in := range element.Tx.Inputs {
		if in.PrevOut.IsZero() {
			continue
		}
		if _, ok := p.byPrevout[in.PrevOut]; ok {
			return ErrDoubleSpend
		}
	}
	if p.maxPoolSize > 0 && p.poolSize+element.Size > p.maxPoolSize {
		return ErrPoolFull
	}

	idx := len(p.all)
	n := node{element: element, candidateIndex: noCandidate}

	// Direct parents: the producing transaction of each input, when it is
	// in the pool. Indexes are admission-ordered, so parents < idx and the
	// closure stays topological.
	direct := make(map[int]struct{})
	for _, in := range element.Tx.Inputs {
		if parentIdx, ok := p.byTxID[in.PrevOut.TxID]; ok {
			direct[parentIdx] = struct{}{}
		}
	}

	// Ancestor closure: direct parents plus their closures, deduplicated.
	closure := make(map[int]struct{})
	for parentIdx := range direct {
		closure[parentIdx] = struct{}{}
		for _, a := range p.all[parentIdx].parents {
			closure[a] = struct{}{}
		}
	}
	n.parents = make([]int, 0, len(closure))
	for a := range closure {
		n.parents = append(n.parents, a)
	}
	sort.Ints(n.parents)

	p.all = append(p.all, n)
	p.poolSize += element.Size
	p.byTxID[element.TxID] = idx
	for _, in := range element.Tx.Inputs {
		if !in.PrevOut.IsZero() {
			p.byPrevout[in.PrevOut] = idx
		}
	}
	for i, out := range element.Tx.Outputs {
		p.localUTXO[types.Outpoint{TxID: element.TxID, Index: uint32(i)}] = out
	}
	for parentIdx := range direct {
		p.all[parentIdx].children = append(p.all[parentIdx].children, idx)
	}

	if err := p.templateInsert(idx); err != nil {
		log.Mempool.Debug().
			Str("txid", element.TxID.String()).
			Msg("transaction admitted outside the template")
		return err
	}
	return nil
}

// Remove processes a confirmed block's transactions: mined ones leave the
// pool, and any pool transaction double-spending a mined input is evicted
// with its descendants. The template is rebuilt from the survivors.
func (p *Pool) Remove(mined []*tx.Transaction) {
	doomed := make(map[int]struct{})

	for _, t := range mined {
		txID := t.Hash()
		if idx, ok := p.byTxID[txID]; ok {
			// Mined: only the transaction itself leaves; its children
			// simply lose a pool parent (the prevout is now confirmed).
			doomed[idx] = struct{}{}
			continue
		}
		// Not in the pool: any pool transaction consuming one of its
		// inputs is a double-spend against the block and goes down with
		// its whole descendant sub-DAG.
		for _, in := range t.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if conflict, ok := p.byPrevout[in.PrevOut]; ok {
				p.collectDescendants(conflict, doomed)
			}
		}
	}

	if len(doomed) == 0 && len(p.all) == 0 {
		return
	}

	// Survivors keep their relative (admission) order.
	survivors := make([]Element, 0, len(p.all))
	for i := range p.all {
		if _, dead := doomed[i]; !dead {
			survivors = append(survivors, p.all[i].element)
		}
	}

	// Rebuild all indexes and the template from scratch.
	p.all = p.all[:0]
	p.poolSize = 0
	p.byTxID = make(map[types.Hash]int, len(survivors))
	p.byPrevout = make(map[types.Outpoint]int)
	p.localUTXO = make(map[types.Outpoint]tx.Output)
	p.clearTemplate()

	for _, element := range survivors {
		// Survivors were valid before the block; only template placement
		// can fail here.
		if err := p.Add(element); err != nil && !errors.Is(err, ErrLowBenefit) {
			log.Mempool.Warn().
				Str("txid", element.TxID.String()).
				Err(err).
				Msg("survivor dropped during rebuild")
		}
	}

	log.Mempool.Debug().
		Int("mined", len(mined)).
		Int("evicted", len(doomed)).
		Int("remaining", len(p.all)).
		Msg("block processed")
}

// collectDescendants marks idx and its transitive children.
func (p *Pool) collectDescendants(idx int, out map[int]struct{}) {
	if _, ok := out[idx]; ok {
		return
	}
	out[idx] = struct{}{}
	for _, child := range p.all[idx].children {
		p.collectDescendants(child, out)
	}
}

// clearTemplate resets the candidate list, totals, and per-node aggregates.
func (p *Pool) clearTemplate() {
	p.candidates = p.candidates[:0]
	p.templateFees = 0
	p.templateSize = 0
	p.templateSigops = 0
	for i := range p.all {
		p.all[i].candidateIndex = noCandidate
		p.all[i].childrenFees = 0
		p.all[i].childrenSize = 0
		p.all[i].childrenSigops = 0
	}
}

// =============================================================================
// Queries
// =============================================================================

// Has reports whether the transaction is in the pool (template or not).
func (p *Pool) Has(txID types.Hash) bool {
	_, ok := p.byTxID[txID]
	return ok
}

// Transaction returns a pooled transaction.
func (p *Pool) Transaction(txID types.Hash) (*tx.Transaction, bool) {
	idx, ok := p.byTxID[txID]
	if !ok {
		return nil, false
	}
	return p.all[idx].element.Tx, true
}

// Count returns the number of pooled transactions.
func (p *Pool) Count() int { return len(p.all) }

// Hashes returns the txids of all pooled transactions in admission order.
func (p *Pool) Hashes() []types.Hash {
	hashes := make([]types.Hash, len(p.all))
	for i := range p.all {
		hashes[i] = p.all[i].element.TxID
	}
	return hashes
}

// FilterKnown removes inventory hashes already in the pool.
func (p *Pool) FilterKnown(inventory []types.Hash) []types.Hash {
	kept := inventory[:0]
	for _, hash := range inventory {
		if _, ok := p.byTxID[hash]; !ok {
			kept = append(kept, hash)
		}
	}
	return kept
}

// Prevout resolves an outpoint produced by a pooled transaction, so
// chained packages validate without touching the store.
func (p *Pool) Prevout(op types.Outpoint) (tx.Output, bool) {
	out, ok := p.localUTXO[op]
	return out, ok
}

// Spender returns the pooled transaction consuming the outpoint, if any.
func (p *Pool) Spender(op types.Outpoint) (types.Hash, bool) {
	idx, ok := p.byPrevout[op]
	if !ok {
		return types.Hash{}, false
	}
	return p.all[idx].element.TxID, true
}
