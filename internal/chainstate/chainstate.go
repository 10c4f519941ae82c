// Package chainstate derives the per-height consensus parameters used by
// the block and transaction validators.
package chainstate

import (
	"math/big"
	"sort"

	"github.com/kth-go/consensuscore/config"
)

// AsertAnchor pins the per-block difficulty adjustment to a reference block.
type AsertAnchor struct {
	Height     uint64
	ParentTime uint64
	Bits       uint64
}

// ChainState is the immutable consensus context for validating one block
// height (or the mempool's virtual tip). Once built it is never mutated;
// pointers can be freely shared across validators.
type ChainState struct {
	height uint64
	forks  config.Fork
	bits   uint64 // Expected difficulty for the block at this height.
	mtp    uint64 // Median-time-past of the parent window.

	// Trailing windows ending at height-1, oldest first.
	bitsWindow      []uint64
	versionWindow   []uint32
	timestampWindow []uint64

	asert AsertAnchor
	abla  ABLAState

	selfTimestamp uint64
	selfVersion   uint32

	params *config.NetworkParams
}

// Height returns the height this state validates.
func (s *ChainState) Height() uint64 { return s.height }

// Forks returns the active fork set for this height.
func (s *ChainState) Forks() config.Fork { return s.forks }

// IsEnabled reports whether all bits of f are active.
func (s *ChainState) IsEnabled(f config.Fork) bool { return s.forks&f == f }

// ExpectedBits returns the difficulty a block at this height must carry.
func (s *ChainState) ExpectedBits() uint64 { return s.bits }

// MedianTimePast returns the median of the trailing timestamp window.
func (s *ChainState) MedianTimePast() uint64 { return s.mtp }

// Timestamp returns this height's own timestamp: the branch top's when
// validating a block, now() for the mempool's virtual tip.
func (s *ChainState) Timestamp() uint64 { return s.selfTimestamp }

// Version returns this height's own version: the branch top's when
// validating a block, the signal version for the active fork set otherwise.
func (s *ChainState) Version() uint32 { return s.selfVersion }

// ABLA returns the adaptive block-size state inherited from the parent.
func (s *ChainState) ABLA() ABLAState { return s.abla }

// Anchor returns the per-block difficulty-adjustment anchor.
func (s *ChainState) Anchor() AsertAnchor { return s.asert }

// MaxBlockSize returns the block size limit at this height: the adaptive
// limit once active, the static cap before.
func (s *ChainState) MaxBlockSize() uint64 {
	if s.IsEnabled(config.ForkABLA) {
		return s.abla.Limit
	}
	return config.MaxBlockSize
}

// MaxBlockSigops returns the embedded sigop cap for a block of the given
// serialized size. The cap scales per size chunk.
func (s *ChainState) MaxBlockSigops(serializedSize uint64) uint64 {
	chunks := 1 + serializedSize/config.MaxBlockSigopsChunk
	return chunks * config.MaxBlockSigops
}

// MaxBlockSigchecks returns the sigcheck cap for a block of the given
// serialized size, once sigcheck accounting is active.
func (s *ChainState) MaxBlockSigchecks(serializedSize uint64) uint64 {
	return serializedSize / config.SigcheckChunk
}

// VersionTally counts window blocks whose version is at least minVersion.
func (s *ChainState) VersionTally(minVersion uint32) int {
	n := 0
	for _, v := range s.versionWindow {
		if v >= minVersion {
			n++
		}
	}
	return n
}

// Proof converts a difficulty value into its work contribution.
// Chain selection compares sums of these.
func Proof(bits uint64) *big.Int {
	return new(big.Int).SetUint64(bits)
}

// medianTimestamp returns the median of the window (empty window = 0).
func medianTimestamp(window []uint64) uint64 {
	if len(window) == 0 {
		return 0
	}
	sorted := make([]uint64, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
