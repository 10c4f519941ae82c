package mempool

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

var nextSalt uint32

// makeTx builds a transaction spending the given outpoints, with salted
// outputs so txids are unique.
func makeTx(prevouts []types.Outpoint, outputs int) *tx.Transaction {
	nextSalt++
	data := make([]byte, 24)
	binary.LittleEndian.PutUint32(data, nextSalt)
	t := &tx.Transaction{Version: 1}
	if len(prevouts) == 0 {
		prevouts = []types.Outpoint{{TxID: types.Hash{0xAA, byte(nextSalt), byte(nextSalt >> 8)}, Index: 0}}
	}
	for _, op := range prevouts {
		t.Inputs = append(t.Inputs, tx.Input{PrevOut: op, Signature: data, PubKey: data})
	}
	for i := 0; i < outputs; i++ {
		t.Outputs = append(t.Outputs, tx.Output{
			Value:  100,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: data[:20]},
		})
	}
	return t
}

func elementOf(t *tx.Transaction, fee, size uint64) Element {
	return Element{
		TxID:        t.Hash(),
		Tx:          t,
		Fee:         fee,
		Size:        size,
		Sigops:      1,
		OutputCount: uint32(len(t.Outputs)),
	}
}

func output(t *tx.Transaction, i uint32) types.Outpoint {
	return types.Outpoint{TxID: t.Hash(), Index: i}
}

// checkInvariants verifies the package-accounting and ordering invariants.
func checkInvariants(t *testing.T, p *Pool) {
	t.Helper()

	// Candidate list is sorted by descending package benefit and the
	// positional back-pointers agree.
	for i, idx := range p.candidates {
		n := &p.all[idx]
		if n.candidateIndex != i {
			t.Fatalf("candidate %d has index %d", i, n.candidateIndex)
		}
		if i > 0 {
			prev := &p.all[p.candidates[i-1]]
			if benefitGreater(n.childrenFees, n.childrenSize, prev.childrenFees, prev.childrenSize) {
				t.Fatalf("candidates out of order at %d", i)
			}
		}
	}

	// Package aggregates equal own values plus in-template transitive
	// descendants, each counted once.
	for _, idx := range p.candidates {
		n := &p.all[idx]
		seen := make(map[int]struct{})
		p.collectTemplateDescendants(idx, seen)
		var fees, size, sigops uint64
		for m := range seen {
			e := &p.all[m].element
			fees += e.Fee
			size += e.Size
			sigops += e.Sigops
		}
		if n.childrenFees != fees || n.childrenSize != size || n.childrenSigops != sigops {
			t.Fatalf("aggregate mismatch for node %d: have (%d,%d,%d), want (%d,%d,%d)",
				idx, n.childrenFees, n.childrenSize, n.childrenSigops, fees, size, sigops)
		}
	}

	// Template totals match the candidate set, and feasibility holds.
	var fees, size, sigops uint64
	for _, idx := range p.candidates {
		e := &p.all[idx].element
		fees += e.Fee
		size += e.Size
		sigops += e.Sigops
	}
	if fees != p.templateFees || size != p.templateSize || sigops != p.templateSigops {
		t.Fatalf("template totals (%d,%d,%d) != recomputed (%d,%d,%d)",
			p.templateFees, p.templateSize, p.templateSigops, fees, size, sigops)
	}
	if size > p.maxTemplateSize || sigops > p.maxTemplateSigops {
		t.Fatalf("template exceeds limits: size %d/%d, sigops %d/%d",
			size, p.maxTemplateSize, sigops, p.maxTemplateSigops)
	}

	// No two pool transactions share an input.
	seen := make(map[types.Outpoint]types.Hash)
	for i := range p.all {
		for _, in := range p.all[i].element.Tx.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			if other, ok := seen[in.PrevOut]; ok {
				t.Fatalf("outpoint %s spent by both %s and %s",
					in.PrevOut, other, p.all[i].element.TxID)
			}
			seen[in.PrevOut] = p.all[i].element.TxID
		}
	}
}

func TestAdd_DuplicateRejected(t *testing.T) {
	p := New(10_000, 1000, 0, true)
	t1 := makeTx(nil, 1)

	if err := p.Add(elementOf(t1, 100, 250)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := p.Add(elementOf(t1, 100, 250)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second add err = %v, want duplicate", err)
	}
	if p.Count() != 1 {
		t.Errorf("count = %d, want 1 (idempotent)", p.Count())
	}
	checkInvariants(t, p)
}

func TestAdd_DoubleSpendRejected(t *testing.T) {
	p := New(10_000, 1000, 0, true)
	shared := types.Outpoint{TxID: types.Hash{7}, Index: 0}
	t1 := makeTx([]types.Outpoint{shared}, 1)
	t2 := makeTx([]types.Outpoint{shared}, 1)

	if err := p.Add(elementOf(t1, 100, 250)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := p.Add(elementOf(t2, 500, 250)); !errors.Is(err, ErrDoubleSpend) {
		t.Errorf("err = %v, want double-spend", err)
	}
	checkInvariants(t, p)
}

func TestAdd_ChainedPackageBenefit(t *testing.T) {
	p := New(10_000, 1000, 0, true)

	parent := makeTx(nil, 2)
	if err := p.Add(elementOf(parent, 100, 250)); err != nil {
		t.Fatalf("add parent: %v", err)
	}
	child := makeTx([]types.Outpoint{output(parent, 0)}, 1)
	if err := p.Add(elementOf(child, 50, 250)); err != nil {
		t.Fatalf("add child: %v", err)
	}

	// The parent's package aggregate now includes the child: 150/500.
	parentIdx := p.byTxID[parent.Hash()]
	n := &p.all[parentIdx]
	if n.childrenFees != 150 || n.childrenSize != 500 {
		t.Errorf("parent aggregate = %d/%d, want 150/500", n.childrenFees, n.childrenSize)
	}
	checkInvariants(t, p)
}

func TestAdd_PackagePullsAncestorsIn(t *testing.T) {
	// Template fits only 500 bytes: the parent alone does not make it in,
	// but a high-fee child lifts the whole package in together.
	p := New(500, 1000, 0, true)

	filler := makeTx(nil, 1)
	if err := p.Add(elementOf(filler, 400, 400)); err != nil {
		t.Fatalf("add filler: %v", err)
	}
	parent := makeTx(nil, 1)
	if err := p.Add(elementOf(parent, 1, 250)); !errors.Is(err, ErrLowBenefit) {
		t.Fatalf("low-fee parent should miss the template, got %v", err)
	}
	if !p.Has(parent.Hash()) {
		t.Fatal("parent should remain in the pool outside the template")
	}
	if p.InTemplate(parent.Hash()) {
		t.Fatal("parent should not be in the template")
	}

	child := makeTx([]types.Outpoint{output(parent, 0)}, 1)
	// Package: parent (1/250) + child (2000/250) = 2001/500, far above the
	// filler's 1.0 — the filler is evicted and both enter.
	if err := p.Add(elementOf(child, 2000, 250)); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if !p.InTemplate(parent.Hash()) || !p.InTemplate(child.Hash()) {
		t.Error("package members should both be in the template")
	}
	if p.InTemplate(filler.Hash()) {
		t.Error("filler should have been evicted")
	}
	checkInvariants(t, p)
}

func TestEviction_TwoWorstForOneBetter(t *testing.T) {
	// Template of 100 transactions at benefit 1.0; a 2.0-benefit
	// transaction the size of the two worst gets in by evicting them.
	p := New(100*250, 100_000, 0, true)

	var txs []*tx.Transaction
	for i := 0; i < 100; i++ {
		ti := makeTx(nil, 1)
		txs = append(txs, ti)
		if err := p.Add(elementOf(ti, 250, 250)); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	feesBefore, _, _ := p.TemplateTotals()

	star := makeTx(nil, 1)
	if err := p.Add(elementOf(star, 1000, 500)); err != nil {
		t.Fatalf("add star: %v", err)
	}

	if !p.InTemplate(star.Hash()) {
		t.Fatal("higher-benefit transaction should displace the tail")
	}
	if p.TemplateCount() != 99 {
		t.Errorf("template count = %d, want 99 (two evicted, one added)", p.TemplateCount())
	}
	feesAfter, _, _ := p.TemplateTotals()
	if feesAfter <= feesBefore {
		t.Errorf("template fees %d -> %d, want strict increase", feesBefore, feesAfter)
	}
	checkInvariants(t, p)
}

func TestEviction_AbortsWhenBenefitInsufficient(t *testing.T) {
	p := New(500, 1000, 0, true)
	good := makeTx(nil, 1)
	if err := p.Add(elementOf(good, 1000, 500)); err != nil {
		t.Fatalf("add: %v", err)
	}

	// Same benefit, needs the whole template evicted: stays out.
	equal := makeTx(nil, 1)
	if err := p.Add(elementOf(equal, 500, 250)); !errors.Is(err, ErrLowBenefit) {
		t.Errorf("err = %v, want low-benefit", err)
	}
	if !p.InTemplate(good.Hash()) {
		t.Error("existing template member should be retained on tie")
	}
	checkInvariants(t, p)
}

func TestEviction_DescendantsGoWithAncestor(t *testing.T) {
	p := New(750, 1000, 0, true)

	parent := makeTx(nil, 1)
	child := makeTx([]types.Outpoint{output(parent, 0)}, 1)
	if err := p.Add(elementOf(parent, 250, 250)); err != nil {
		t.Fatalf("add parent: %v", err)
	}
	if err := p.Add(elementOf(child, 250, 250)); err != nil {
		t.Fatalf("add child: %v", err)
	}

	// A transaction needing 500 bytes must evict parent AND child (the
	// parent cannot leave alone), paying more than their combined benefit.
	big := makeTx(nil, 1)
	if err := p.Add(elementOf(big, 5000, 750)); err != nil {
		t.Fatalf("add big: %v", err)
	}
	if p.InTemplate(parent.Hash()) || p.InTemplate(child.Hash()) {
		t.Error("evicting a parent must take its template descendants")
	}
	checkInvariants(t, p)
}

func TestRemove_MinedLeavesChildrenValid(t *testing.T) {
	p := New(10_000, 1000, 0, true)

	parent := makeTx(nil, 2)
	child := makeTx([]types.Outpoint{output(parent, 0)}, 1)
	p.Add(elementOf(parent, 100, 250))
	p.Add(elementOf(child, 100, 250))

	p.Remove([]*tx.Transaction{parent})

	if p.Has(parent.Hash()) {
		t.Error("mined transaction still pooled")
	}
	if !p.Has(child.Hash()) || !p.InTemplate(child.Hash()) {
		t.Error("child of a mined transaction should survive and re-enter the template")
	}
	checkInvariants(t, p)
}

func TestRemove_ConfirmedDoubleSpendEvictsSubDAG(t *testing.T) {
	p := New(10_000, 1000, 0, true)

	shared := types.Outpoint{TxID: types.Hash{5}, Index: 1}
	poolTx := makeTx([]types.Outpoint{shared}, 2)
	childA := makeTx([]types.Outpoint{output(poolTx, 0)}, 1)
	grandchild := makeTx([]types.Outpoint{output(childA, 0)}, 1)
	p.Add(elementOf(poolTx, 100, 250))
	p.Add(elementOf(childA, 100, 250))
	p.Add(elementOf(grandchild, 100, 250))

	// The block confirms a different spend of the shared outpoint.
	confirmed := makeTx([]types.Outpoint{shared}, 1)
	p.Remove([]*tx.Transaction{confirmed})

	for _, victim := range []*tx.Transaction{poolTx, childA, grandchild} {
		if p.Has(victim.Hash()) {
			t.Errorf("double-spend descendant %s survived", victim.Hash())
		}
	}
	if p.Count() != 0 {
		t.Errorf("count = %d, want 0", p.Count())
	}
	checkInvariants(t, p)
}

func TestRemove_RebuildKeepsOrderAndIndexes(t *testing.T) {
	p := New(10_000, 1000, 0, true)

	var kept []*tx.Transaction
	mined := makeTx(nil, 1)
	p.Add(elementOf(mined, 100, 250))
	for i := 0; i < 5; i++ {
		ti := makeTx(nil, 1)
		kept = append(kept, ti)
		p.Add(elementOf(ti, uint64(100+i), 250))
	}

	p.Remove([]*tx.Transaction{mined})

	if p.Count() != 5 {
		t.Fatalf("count = %d, want 5", p.Count())
	}
	for _, ti := range kept {
		if !p.Has(ti.Hash()) {
			t.Errorf("survivor %s missing after rebuild", ti.Hash())
		}
		// The local UTXO and spender indexes were rebuilt.
		if _, ok := p.Prevout(output(ti, 0)); !ok {
			t.Error("local UTXO missing after rebuild")
		}
	}
	checkInvariants(t, p)
}

func TestBlockTemplate_CTORIsLexicographic(t *testing.T) {
	p := New(10_000, 1000, 0, true)
	for i := 0; i < 10; i++ {
		ti := makeTx(nil, 1)
		p.Add(elementOf(ti, uint64(100+i*10), 250))
	}

	elements, fees := p.BlockTemplate()
	if len(elements) != 10 {
		t.Fatalf("template = %d txs, want 10", len(elements))
	}
	if fees == 0 {
		t.Error("fee total missing")
	}
	for i := 1; i < len(elements); i++ {
		if !types.Less(elements[i-1].TxID, elements[i].TxID) {
			t.Fatal("canonical export not in lexicographic txid order")
		}
	}
}

func TestBlockTemplate_TopologicalKeepsParentLeft(t *testing.T) {
	p := New(10_000, 1000, 0, false)

	parent := makeTx(nil, 2)
	child := makeTx([]types.Outpoint{output(parent, 0)}, 1)
	// Child pays a much higher fee: by benefit it sorts first, but the
	// export must place the parent left of it.
	p.Add(elementOf(parent, 10, 250))
	p.Add(elementOf(child, 5000, 250))

	elements, _ := p.BlockTemplate()
	if len(elements) != 2 {
		t.Fatalf("template = %d txs, want 2", len(elements))
	}
	if elements[0].TxID != parent.Hash() {
		t.Error("parent must be exported left of its child")
	}
}

func TestPoolSizeLimit(t *testing.T) {
	p := New(10_000, 1000, 600, true)
	t1 := makeTx(nil, 1)
	if err := p.Add(elementOf(t1, 100, 500)); err != nil {
		t.Fatalf("add: %v", err)
	}
	t2 := makeTx(nil, 1)
	if err := p.Add(elementOf(t2, 100, 500)); !errors.Is(err, ErrPoolFull) {
		t.Errorf("err = %v, want pool-full", err)
	}
}

func TestSpenderAndPrevoutIndexes(t *testing.T) {
	p := New(10_000, 1000, 0, true)
	t1 := makeTx(nil, 2)
	p.Add(elementOf(t1, 100, 250))

	spent := t1.Inputs[0].PrevOut
	if spender, ok := p.Spender(spent); !ok || spender != t1.Hash() {
		t.Error("spender index miss")
	}
	if out, ok := p.Prevout(output(t1, 1)); !ok || out.Value != 100 {
		t.Error("local UTXO miss")
	}
}

func TestDSProofs(t *testing.T) {
	proofs := NewDSProofs()
	proof := &DSProof{
		Outpoint: types.Outpoint{TxID: types.Hash{1}, Index: 2},
		Spender1: types.Hash{3},
		Spender2: types.Hash{4},
	}
	if !proofs.Add(proof) {
		t.Fatal("first add should be new")
	}
	if proofs.Add(proof) {
		t.Error("second add should be a duplicate")
	}
	got, ok := proofs.Get(proof.Hash())
	if !ok || got.Spender1 != proof.Spender1 {
		t.Error("lookup by hash failed")
	}
}
