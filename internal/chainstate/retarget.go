package chainstate

import (
	"math/big"

	"github.com/kth-go/consensuscore/config"
)

// CalcNextBits computes the new difficulty after a retarget period.
// actualTimeSpan is the elapsed seconds for the last interval,
// expectedTimeSpan is interval * target spacing.
// The result is clamped to [oldBits/4, oldBits*4] and never below 1.
func CalcNextBits(currentBits uint64, actualTimeSpan, expectedTimeSpan int64) uint64 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	// Clamp actual to [expected/4, expected*4] to limit adjustment per period.
	minSpan := expectedTimeSpan / 4
	maxSpan := expectedTimeSpan * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	// newBits = currentBits * expected / actual (big.Int avoids overflow).
	cur := new(big.Int).SetUint64(currentBits)
	exp := new(big.Int).SetInt64(expectedTimeSpan)
	act := new(big.Int).SetInt64(actualTimeSpan)

	result := new(big.Int).Mul(cur, exp)
	result.Div(result, act)

	if result.Sign() <= 0 || !result.IsUint64() {
		return 1
	}
	bits := result.Uint64()
	if bits < 1 {
		bits = 1
	}
	return bits
}

// asertBits computes the per-block difficulty relative to the anchor.
// The target drifts exponentially with the difference between real elapsed
// time and ideal elapsed time, halving or doubling difficulty once per
// halfLife seconds of drift. The fractional part of the drift is applied
// as a linear big.Int ratio, keeping the same clamped structure as the
// periodic retarget.
func asertBits(anchor AsertAnchor, parentTime, height uint64, params *config.NetworkParams) uint64 {
	if height <= anchor.Height || anchor.Bits == 0 {
		return anchor.Bits
	}
	halfLife := int64(params.AsertHalfLife)
	if halfLife <= 0 {
		return anchor.Bits
	}

	blocks := int64(height - anchor.Height)
	ideal := blocks * int64(params.TargetSpacing)
	actual := int64(parentTime) - int64(anchor.ParentTime) + int64(params.TargetSpacing)
	drift := actual - ideal // Positive = chain is slow = lower difficulty.

	// Whole half-lives shift, remainder adjusts linearly:
	// bits' = anchorBits * 2^(-shifts) * halfLife / (halfLife + frac).
	shifts := drift / halfLife
	frac := drift % halfLife
	if frac < 0 {
		frac += halfLife
		shifts--
	}

	result := new(big.Int).SetUint64(anchor.Bits)
	result.Mul(result, big.NewInt(halfLife))
	result.Div(result, big.NewInt(halfLife+frac))

	// Cap the shift so extreme timestamps cannot overflow or zero out.
	const maxShift = 48
	if shifts > maxShift {
		shifts = maxShift
	}
	if shifts < -maxShift {
		shifts = -maxShift
	}
	if shifts > 0 {
		result.Rsh(result, uint(shifts))
	} else if shifts < 0 {
		result.Lsh(result, uint(-shifts))
	}

	if result.Sign() <= 0 || !result.IsUint64() {
		if result.Sign() <= 0 {
			return 1
		}
		return ^uint64(0)
	}
	bits := result.Uint64()
	if bits < 1 {
		bits = 1
	}
	return bits
}

// retargetBits computes the expected difficulty for a block at height from
// the trailing bits and timestamp data, before the per-block adjustment
// activates. Off retarget boundaries the parent difficulty carries forward.
func retargetBits(height uint64, parentBits uint64, firstTime, lastTime uint64, params *config.NetworkParams) uint64 {
	if height == 0 {
		return params.GenesisBits
	}
	interval := params.RetargetInterval
	if interval == 0 || height%interval != 0 {
		return parentBits
	}
	actual := int64(lastTime) - int64(firstTime)
	expected := int64(interval) * int64(params.TargetSpacing)
	return CalcNextBits(parentBits, actual, expected)
}
