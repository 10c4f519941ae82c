// Package blockpool holds candidate blocks that are not yet organized into
// the chain, as a forest indexed by hash and by depth.
package blockpool

import (
	"sync"

	"github.com/kth-go/consensuscore/internal/branch"
	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/types"
)

// entry is one pool node. depthKey is zero for interior nodes (parent in
// the pool) and the block's height for roots.
type entry struct {
	block    *block.Block
	children map[types.Hash]struct{}
	depthKey uint64
}

// Pool is a concurrently-accessible forest of candidate blocks. Readers
// take the shared lock, mutators the exclusive one.
type Pool struct {
	mu       sync.RWMutex
	entries  map[types.Hash]*entry
	maxDepth uint64 // Reorganization limit; 0 = unlimited.
}

// New creates an empty pool with the given maximum reorganization depth.
func New(maxDepth uint64) *Pool {
	return &Pool{
		entries:  make(map[types.Hash]*entry),
		maxDepth: maxDepth,
	}
}

// Add inserts a candidate block, linking it to any parent or children
// already in the pool. Adding an existing block is a no-op.
func (p *Pool) Add(blk *block.Block) {
	hash := blk.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[hash]; ok {
		return
	}

	e := &entry{
		block:    blk,
		children: make(map[types.Hash]struct{}),
		depthKey: blk.Header.Height,
	}

	// Interior if the parent is present.
	if parent, ok := p.entries[blk.Header.PrevHash]; ok {
		e.depthKey = 0
		parent.children[hash] = struct{}{}
	}

	// Orphans that arrived first become interior under this block.
	for childHash, child := range p.entries {
		if child.block.Header.PrevHash == hash {
			child.depthKey = 0
			e.children[childHash] = struct{}{}
		}
	}

	p.entries[hash] = e
	log.Blockpool.Debug().
		Str("hash", hash.String()).
		Uint64("height", blk.Header.Height).
		Int("pool_size", len(p.entries)).
		Msg("candidate block added")
}

// Remove deletes the accepted blocks and promotes every orphaned child to a
// root.
func (p *Pool) Remove(accepted []*block.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, blk := range accepted {
		hash := blk.Hash()
		e, ok := p.entries[hash]
		if !ok {
			continue
		}
		// Unlink from a pooled parent.
		if parent, ok := p.entries[e.block.Header.PrevHash]; ok {
			delete(parent.children, hash)
		}
		// Children become roots keyed by their own height.
		for childHash := range e.children {
			if child, ok := p.entries[childHash]; ok {
				child.depthKey = child.block.Header.Height
			}
		}
		delete(p.entries, hash)
	}
}

// Prune deletes every root whose height has fallen more than the maximum
// depth below the top, recursively applying the same test to promoted
// children.
func (p *Pool) Prune(topHeight uint64) {
	if p.maxDepth == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if topHeight <= p.maxDepth {
		return
	}
	floor := topHeight - p.maxDepth

	for {
		var doomed []types.Hash
		for hash, e := range p.entries {
			if e.depthKey > 0 && e.depthKey < floor {
				doomed = append(doomed, hash)
			}
		}
		if len(doomed) == 0 {
			return
		}
		for _, hash := range doomed {
			e := p.entries[hash]
			for childHash := range e.children {
				if child, ok := p.entries[childHash]; ok {
					child.depthKey = child.block.Header.Height
				}
			}
			delete(p.entries, hash)
		}
	}
}

// GetPath returns the branch from the block upward through ancestors known
// to the pool. The branch anchors just below its lowest block; the caller
// verifies the anchor exists in the persistent chain.
func (p *Pool) GetPath(blk *block.Block) *branch.Branch {
	p.mu.RLock()
	defer p.mu.RUnlock()

	br := branch.New(0)
	br.PushFront(blk)
	cursor := blk
	for {
		parent, ok := p.entries[cursor.Header.PrevHash]
		if !ok {
			return br
		}
		if err := br.PushFront(parent.block); err != nil {
			// A forest violation; the path ends here.
			log.Blockpool.Error().Err(err).Msg("broken parent link in pool")
			return br
		}
		cursor = parent.block
	}
}

// GetDescendantChain returns the pooled chain hanging below the block:
// at each step the child whose subtree carries the most work is followed.
func (p *Pool) GetDescendantChain(blk *block.Block) []*block.Block {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var chain []*block.Block
	cursor := blk.Hash()
	for {
		e, ok := p.entries[cursor]
		var children map[types.Hash]struct{}
		if ok {
			children = e.children
		} else {
			// The starting block itself may not be pooled; scan for its
			// direct children.
			children = make(map[types.Hash]struct{})
			for hash, candidate := range p.entries {
				if candidate.block.Header.PrevHash == cursor {
					children[hash] = struct{}{}
				}
			}
		}
		best, ok := p.bestSubtree(children)
		if !ok {
			return chain
		}
		chain = append(chain, p.entries[best].block)
		cursor = best
	}
}

// bestSubtree picks the child heading the most-work subtree chain.
func (p *Pool) bestSubtree(children map[types.Hash]struct{}) (types.Hash, bool) {
	var best types.Hash
	var bestWork uint64
	found := false
	for hash := range children {
		e, ok := p.entries[hash]
		if !ok {
			continue
		}
		work := p.subtreeWork(e)
		if !found || work > bestWork {
			best, bestWork, found = hash, work, true
		}
	}
	return best, found
}

// subtreeWork sums the best chain's difficulty below and including e.
func (p *Pool) subtreeWork(e *entry) uint64 {
	work := e.block.Header.Bits
	var best uint64
	for hash := range e.children {
		if child, ok := p.entries[hash]; ok {
			if w := p.subtreeWork(child); w > best {
				best = w
			}
		}
	}
	return work + best
}

// Filter removes inventory hashes that are present in the pool.
func (p *Pool) Filter(inventory []types.Hash) []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()

	kept := inventory[:0]
	for _, hash := range inventory {
		if _, ok := p.entries[hash]; !ok {
			kept = append(kept, hash)
		}
	}
	return kept
}

// Exists reports whether the block is in the pool.
func (p *Pool) Exists(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[hash]
	return ok
}

// Parent returns the pooled parent of the block, if present.
func (p *Pool) Parent(blk *block.Block) (*block.Block, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[blk.Header.PrevHash]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// Size returns the number of pooled blocks.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// checkForest verifies the forest invariant: interior nodes have exactly
// one pooled parent, roots have none. Tests only.
func (p *Pool) checkForest() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, e := range p.entries {
		_, hasParent := p.entries[e.block.Header.PrevHash]
		if hasParent != (e.depthKey == 0) {
			return false
		}
	}
	return true
}
