package blockpool

import (
	"encoding/binary"
	"testing"

	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

func coinbaseTx(height uint64, salt byte) *tx.Transaction {
	data := make([]byte, 9)
	binary.LittleEndian.PutUint64(data, height)
	data[8] = salt
	return &tx.Transaction{
		Version: 1,
		Inputs:  []tx.Input{{PrevOut: types.Outpoint{}, Signature: data}},
		Outputs: []tx.Output{{
			Value:  50,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: make([]byte, 20)},
		}},
	}
}

func makeBlock(height uint64, parent types.Hash, salt byte) *block.Block {
	cb := coinbaseTx(height, salt)
	return block.NewBlock(&block.Header{
		Version:    1,
		PrevHash:   parent,
		MerkleRoot: cb.Hash(),
		Timestamp:  1_000_000 + height*600,
		Height:     height,
		Bits:       100,
	}, []*tx.Transaction{cb})
}

// chain builds a linked chain of n blocks starting at the given height.
func chain(start uint64, parent types.Hash, n int, salt byte) []*block.Block {
	var blocks []*block.Block
	for i := 0; i < n; i++ {
		blk := makeBlock(start+uint64(i), parent, salt)
		blocks = append(blocks, blk)
		parent = blk.Hash()
	}
	return blocks
}

func TestAdd_RootThenChild(t *testing.T) {
	p := New(100)
	blocks := chain(5, types.Hash{1}, 2, 0)

	p.Add(blocks[0])
	p.Add(blocks[1])

	if p.Size() != 2 {
		t.Fatalf("size = %d, want 2", p.Size())
	}
	if !p.checkForest() {
		t.Error("forest invariant violated")
	}
	if p.entries[blocks[0].Hash()].depthKey != 5 {
		t.Error("first block should be a root keyed by height")
	}
	if p.entries[blocks[1].Hash()].depthKey != 0 {
		t.Error("second block should be interior")
	}
}

func TestAdd_OrphanLinkedWhenParentArrives(t *testing.T) {
	p := New(100)
	blocks := chain(5, types.Hash{1}, 2, 0)

	// Child first: it is a root until the parent shows up.
	p.Add(blocks[1])
	if p.entries[blocks[1].Hash()].depthKey != 6 {
		t.Error("orphan should be a root")
	}

	p.Add(blocks[0])
	if p.entries[blocks[1].Hash()].depthKey != 0 {
		t.Error("orphan should become interior when its parent arrives")
	}
	if !p.checkForest() {
		t.Error("forest invariant violated")
	}
}

func TestRemove_PromotesChildren(t *testing.T) {
	p := New(100)
	blocks := chain(5, types.Hash{1}, 3, 0)
	for _, blk := range blocks {
		p.Add(blk)
	}

	p.Remove(blocks[:1])

	if p.Exists(blocks[0].Hash()) {
		t.Error("removed block still present")
	}
	if p.entries[blocks[1].Hash()].depthKey != 6 {
		t.Error("orphaned child should be promoted to a root")
	}
	if p.entries[blocks[2].Hash()].depthKey != 0 {
		t.Error("grandchild should stay interior")
	}
	if !p.checkForest() {
		t.Error("forest invariant violated")
	}
}

func TestPrune_DeletesDeepRootsRecursively(t *testing.T) {
	p := New(10)
	blocks := chain(1, types.Hash{1}, 3, 0)
	for _, blk := range blocks {
		p.Add(blk)
	}

	// Top far above: every block in the chain is too deep, including the
	// children promoted to roots as their parents are deleted.
	p.Prune(50)

	if p.Size() != 0 {
		t.Errorf("size = %d, want 0 after recursive prune", p.Size())
	}
}

func TestPrune_KeepsRecentRoots(t *testing.T) {
	p := New(10)
	deep := makeBlock(1, types.Hash{1}, 0)
	recent := makeBlock(45, types.Hash{2}, 0)
	p.Add(deep)
	p.Add(recent)

	p.Prune(50)

	if p.Exists(deep.Hash()) {
		t.Error("deep root should be pruned")
	}
	if !p.Exists(recent.Hash()) {
		t.Error("recent root should survive")
	}
	// Invariant: every remaining root is within the limit.
	for _, e := range p.entries {
		if e.depthKey > 0 && e.depthKey < 40 {
			t.Errorf("root at height %d survived below the floor", e.depthKey)
		}
	}
}

func TestPrune_UnlimitedDepthKeepsAll(t *testing.T) {
	p := New(0)
	p.Add(makeBlock(1, types.Hash{1}, 0))
	p.Prune(1_000_000)
	if p.Size() != 1 {
		t.Error("unlimited pool should never prune")
	}
}

func TestGetPath_WalksAncestors(t *testing.T) {
	p := New(100)
	blocks := chain(5, types.Hash{1}, 3, 0)
	p.Add(blocks[0])
	p.Add(blocks[1])

	br := p.GetPath(blocks[2])
	if br.Size() != 3 {
		t.Fatalf("path size = %d, want 3", br.Size())
	}
	if br.ForkHeight() != 4 {
		t.Errorf("fork height = %d, want 4", br.ForkHeight())
	}
	if br.Top().Hash() != blocks[2].Hash() {
		t.Error("path top should be the queried block")
	}
}

func TestGetPath_NoAncestors(t *testing.T) {
	p := New(100)
	blk := makeBlock(7, types.Hash{1}, 0)

	br := p.GetPath(blk)
	if br.Size() != 1 {
		t.Fatalf("path size = %d, want 1", br.Size())
	}
	if br.ForkHeight() != 6 {
		t.Errorf("fork height = %d, want 6", br.ForkHeight())
	}
}

func TestFilter_RemovesPooledHashes(t *testing.T) {
	p := New(100)
	pooled := makeBlock(5, types.Hash{1}, 0)
	p.Add(pooled)
	unknown := types.Hash{9}

	kept := p.Filter([]types.Hash{pooled.Hash(), unknown})
	if len(kept) != 1 || kept[0] != unknown {
		t.Errorf("filter kept %v, want only the unknown hash", kept)
	}
}

func TestParent(t *testing.T) {
	p := New(100)
	blocks := chain(5, types.Hash{1}, 2, 0)
	p.Add(blocks[0])

	parent, ok := p.Parent(blocks[1])
	if !ok || parent.Hash() != blocks[0].Hash() {
		t.Error("Parent should resolve the pooled parent")
	}
	if _, ok := p.Parent(blocks[0]); ok {
		t.Error("Parent of a root should not resolve")
	}
}

func TestCompetingBranches_TwoRoots(t *testing.T) {
	p := New(100)
	a := chain(5, types.Hash{1}, 2, 0)
	b := chain(5, types.Hash{1}, 2, 1)
	for _, blk := range append(a, b...) {
		p.Add(blk)
	}

	if !p.checkForest() {
		t.Error("forest invariant violated with competing branches")
	}
	roots := 0
	for _, e := range p.entries {
		if e.depthKey > 0 {
			roots++
		}
	}
	if roots != 2 {
		t.Errorf("roots = %d, want 2", roots)
	}
}
