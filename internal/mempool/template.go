package mempool

import (
	"math/bits"
	"sort"

	"github.com/kth-go/consensuscore/pkg/types"
)

// benefitGreater reports fee1/size1 > fee2/size2, compared exactly by
// cross-multiplying in 128 bits. A zero size ranks above everything.
func benefitGreater(fee1, size1, fee2, size2 uint64) bool {
	if size1 == 0 {
		return size2 != 0
	}
	if size2 == 0 {
		return false
	}
	hi1, lo1 := bits.Mul64(fee1, size2)
	hi2, lo2 := bits.Mul64(fee2, size1)
	if hi1 != hi2 {
		return hi1 > hi2
	}
	return lo1 > lo2
}

// templateInsert tries to place the node's package (the node plus its
// not-yet-in-template ancestors) into the candidate template. When the
// template is full it walks the tail from worst benefit upward looking for
// evictions that free enough room; admission aborts as soon as the
// cumulative evicted benefit stops being below the package benefit.
func (p *Pool) templateInsert(idx int) error {
	var pkg []int
	for _, a := range p.all[idx].parents {
		if p.all[a].candidateIndex == noCandidate {
			pkg = append(pkg, a)
		}
	}
	pkg = append(pkg, idx)

	var pkgFee, pkgSize, pkgSigops uint64
	for _, m := range pkg {
		e := &p.all[m].element
		pkgFee += e.Fee
		pkgSize += e.Size
		pkgSigops += e.Sigops
	}

	if p.templateSize+pkgSize <= p.maxTemplateSize &&
		p.templateSigops+pkgSigops <= p.maxTemplateSigops {
		p.insertPackage(pkg)
		return nil
	}

	// The package itself and every in-template ancestor of the node are
	// off limits for eviction.
	protected := make(map[int]struct{}, len(pkg)+len(p.all[idx].parents))
	for _, m := range pkg {
		protected[m] = struct{}{}
	}
	for _, a := range p.all[idx].parents {
		protected[a] = struct{}{}
	}

	evictSet := make(map[int]struct{})
	var evictedFees, evictedSize, evictedSigops uint64

	for pos := len(p.candidates) - 1; pos >= 0; pos-- {
		c := p.candidates[pos]
		if _, ok := evictSet[c]; ok {
			continue
		}
		if _, ok := protected[c]; ok {
			continue
		}

		// The candidate leaves together with its in-template descendants.
		group := make(map[int]struct{})
		p.collectTemplateDescendants(c, group)
		blocked := false
		for m := range group {
			if _, ok := protected[m]; ok {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		for m := range group {
			if _, ok := evictSet[m]; ok {
				continue
			}
			evictSet[m] = struct{}{}
			e := &p.all[m].element
			evictedFees += e.Fee
			evictedSize += e.Size
			evictedSigops += e.Sigops
		}

		// The evicted set must stay strictly below the package benefit.
		if !benefitGreater(pkgFee, pkgSize, evictedFees, evictedSize) {
			return ErrLowBenefit
		}

		if p.templateSize-evictedSize+pkgSize <= p.maxTemplateSize &&
			p.templateSigops-evictedSigops+pkgSigops <= p.maxTemplateSigops {
			victims := make([]int, 0, len(evictSet))
			for m := range evictSet {
				victims = append(victims, m)
			}
			// Descendants first: indexes are admission-ordered.
			sort.Sort(sort.Reverse(sort.IntSlice(victims)))
			for _, v := range victims {
				p.evictNode(v)
			}
			p.insertPackage(pkg)
			return nil
		}
	}
	return ErrLowBenefit
}

// insertPackage places the package members, ancestors first, each at its
// sorted position, updating every in-template ancestor's aggregates.
func (p *Pool) insertPackage(pkg []int) {
	for _, m := range pkg {
		n := &p.all[m]
		n.childrenFees = n.element.Fee
		n.childrenSize = n.element.Size
		n.childrenSigops = n.element.Sigops

		pos := p.sortedPosition(n.childrenFees, n.childrenSize)
		p.insertCandidate(pos, m)
		p.templateFees += n.element.Fee
		p.templateSize += n.element.Size
		p.templateSigops += n.element.Sigops

		for _, a := range n.parents {
			an := &p.all[a]
			if an.candidateIndex == noCandidate {
				continue
			}
			an.childrenFees += n.element.Fee
			an.childrenSize += n.element.Size
			an.childrenSigops += n.element.Sigops
			p.resortCandidate(a)
		}
	}
}

// evictNode drops one in-template node, decrementing totals and every
// remaining in-template ancestor's aggregates.
func (p *Pool) evictNode(idx int) {
	n := &p.all[idx]
	p.removeCandidate(n.candidateIndex)
	n.candidateIndex = noCandidate
	p.templateFees -= n.element.Fee
	p.templateSize -= n.element.Size
	p.templateSigops -= n.element.Sigops

	for _, a := range n.parents {
		an := &p.all[a]
		if an.candidateIndex == noCandidate {
			continue
		}
		an.childrenFees -= n.element.Fee
		an.childrenSize -= n.element.Size
		an.childrenSigops -= n.element.Sigops
		p.resortCandidate(a)
	}

	n.childrenFees = 0
	n.childrenSize = 0
	n.childrenSigops = 0
}

// collectTemplateDescendants marks idx plus its transitive in-template
// descendants, descending children only while they are in the template.
func (p *Pool) collectTemplateDescendants(idx int, out map[int]struct{}) {
	if _, ok := out[idx]; ok {
		return
	}
	out[idx] = struct{}{}
	for _, child := range p.all[idx].children {
		if p.all[child].candidateIndex != noCandidate {
			p.collectTemplateDescendants(child, out)
		}
	}
}

// sortedPosition returns the insertion position keeping candidates in
// descending package benefit. Equal benefits retain existing positions.
func (p *Pool) sortedPosition(fees, size uint64) int {
	return sort.Search(len(p.candidates), func(i int) bool {
		c := &p.all[p.candidates[i]]
		return benefitGreater(fees, size, c.childrenFees, c.childrenSize)
	})
}

// insertCandidate splices idx in at pos, shifting positions after it.
func (p *Pool) insertCandidate(pos, idx int) {
	p.candidates = append(p.candidates, 0)
	copy(p.candidates[pos+1:], p.candidates[pos:])
	p.candidates[pos] = idx
	for i := pos; i < len(p.candidates); i++ {
		p.all[p.candidates[i]].candidateIndex = i
	}
}

// removeCandidate splices out the entry at pos, shifting positions down.
func (p *Pool) removeCandidate(pos int) {
	p.candidates = append(p.candidates[:pos], p.candidates[pos+1:]...)
	for i := pos; i < len(p.candidates); i++ {
		p.all[p.candidates[i]].candidateIndex = i
	}
}

// resortCandidate re-places an in-template node after its aggregates
// changed: remove, then reinsert at the position its new benefit earns.
func (p *Pool) resortCandidate(idx int) {
	n := &p.all[idx]
	p.removeCandidate(n.candidateIndex)
	pos := p.sortedPosition(n.childrenFees, n.childrenSize)
	p.insertCandidate(pos, idx)
}

// =============================================================================
// Export
// =============================================================================

// BlockTemplate returns the template transactions in export order and the
// accumulated fee total. The benefit-ordered candidate list is re-sorted
// lexicographically on txid for the canonical-ordering variant, or
// topologically (each parent left of its children, fee order otherwise
// preserved) for the other.
func (p *Pool) BlockTemplate() ([]Element, uint64) {
	snapshot := make([]int, len(p.candidates))
	copy(snapshot, p.candidates)

	var order []int
	if p.ctor {
		order = snapshot
		sort.Slice(order, func(i, j int) bool {
			return types.Less(p.all[order[i]].element.TxID, p.all[order[j]].element.TxID)
		})
	} else {
		emitted := make(map[int]struct{}, len(snapshot))
		order = make([]int, 0, len(snapshot))
		var emit func(int)
		emit = func(i int) {
			if _, ok := emitted[i]; ok {
				return
			}
			emitted[i] = struct{}{}
			for _, a := range p.all[i].parents {
				if p.all[a].candidateIndex != noCandidate {
					emit(a)
				}
			}
			order = append(order, i)
		}
		for _, c := range snapshot {
			emit(c)
		}
	}

	elements := make([]Element, len(order))
	for i, idx := range order {
		elements[i] = p.all[idx].element
	}
	return elements, p.templateFees
}

// TemplateTotals returns the template's accumulated fees, size, and sigops.
func (p *Pool) TemplateTotals() (fees, size, sigops uint64) {
	return p.templateFees, p.templateSize, p.templateSigops
}

// TemplateCount returns the number of in-template transactions.
func (p *Pool) TemplateCount() int { return len(p.candidates) }

// InTemplate reports whether a pooled transaction is in the template.
func (p *Pool) InTemplate(txID types.Hash) bool {
	idx, ok := p.byTxID[txID]
	return ok && p.all[idx].candidateIndex != noCandidate
}
