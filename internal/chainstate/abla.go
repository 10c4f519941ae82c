package chainstate

import "github.com/kth-go/consensuscore/config"

// ABLAState is the adaptive block-size-limit state carried from block to
// block once the adaptive limit activates. It evolves by a pure function of
// the parent state and the parent block's serialized size.
type ABLAState struct {
	Limit uint64 // Current block-size limit in bytes.
}

// InitialABLAState constructs the state at the activation boundary from the
// serialized size of the block being validated's parent.
func InitialABLAState(cfg config.ABLAConfig, parentBlockSize uint64) ABLAState {
	state := ABLAState{Limit: cfg.InitialLimit}
	return NextABLAState(cfg, state, parentBlockSize)
}

// NextABLAState evolves the state by one block. The limit grows when the
// block fills beyond the elastic threshold, proportionally to the excess,
// and is clamped to [InitialLimit, MaxLimit].
func NextABLAState(cfg config.ABLAConfig, parent ABLAState, blockSize uint64) ABLAState {
	limit := parent.Limit
	if limit == 0 {
		limit = cfg.InitialLimit
	}

	if cfg.ThresholdDenominator > 0 && cfg.GrowthDenominator > 0 {
		threshold := limit / cfg.ThresholdDenominator * cfg.ThresholdNumerator
		if blockSize > threshold {
			excess := blockSize - threshold
			limit += excess / cfg.GrowthDenominator * cfg.GrowthNumerator
		}
	}

	if limit < cfg.InitialLimit {
		limit = cfg.InitialLimit
	}
	if cfg.MaxLimit > 0 && limit > cfg.MaxLimit {
		limit = cfg.MaxLimit
	}
	return ABLAState{Limit: limit}
}
