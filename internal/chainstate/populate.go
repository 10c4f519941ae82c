package chainstate

import (
	"errors"
	"fmt"
	"time"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/log"
)

// Populator errors.
var (
	ErrLastHeightUnavailable = errors.New("last height unavailable")
	ErrHeaderUnavailable     = errors.New("header unavailable")
)

// Reader is the persistent-chain read surface the populator needs.
type Reader interface {
	LastHeight() (uint64, bool)
	Bits(height uint64) (uint64, bool)
	Version(height uint64) (uint32, bool)
	Timestamp(height uint64) (uint64, bool)
	BlockSize(height uint64) (uint64, bool)
}

// Overlay answers the same queries from an in-memory branch above its fork
// height; queries at or below the fork height report out of range.
type Overlay interface {
	ForkHeight() uint64
	Size() int
	TopHeight() uint64
	Bits(height uint64) (uint64, bool)
	Version(height uint64) (uint32, bool)
	Timestamp(height uint64) (uint64, bool)
	BlockSize(height uint64) (uint64, bool)
}

// SignalVersion is the version a node signals for newly produced blocks.
const SignalVersion uint32 = 1

// Populator builds ChainState records for validation. It queries the branch
// overlay first for each window entry and falls through to the persistent
// chain reader when the entry is below the branch's fork point.
type Populator struct {
	store   Reader
	params  *config.NetworkParams
	enabled config.Fork

	// now is the clock for the mempool's virtual tip; overridable in tests.
	now func() uint64
}

// NewPopulator creates a populator over the given persistent-chain reader.
func NewPopulator(store Reader, params *config.NetworkParams, enabled config.Fork) *Populator {
	return &Populator{
		store:   store,
		params:  params,
		enabled: enabled,
		now:     func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetClock overrides the virtual-tip clock. Tests only.
func (p *Populator) SetClock(now func() uint64) { p.now = now }

// Populate builds the state for the given height. A non-empty overlay
// supplies entries above its fork point; entries below come from the
// persistent chain. A nil or empty overlay with height above the chain top
// builds the mempool's virtual-tip state.
func (p *Populator) Populate(height uint64, overlay Overlay) (*ChainState, error) {
	if _, ok := p.store.LastHeight(); !ok && height > 0 {
		return nil, ErrLastHeightUnavailable
	}

	state := &ChainState{
		height: height,
		params: p.params,
	}

	// Timestamp window for MTP: last MTPWindow parents.
	window := uint64(config.MTPWindow)
	if height < window {
		window = height
	}
	for h := height - window; h < height; h++ {
		ts, ok := p.timestamp(h, overlay)
		if !ok {
			return nil, fmt.Errorf("%w: timestamp at height %d", ErrHeaderUnavailable, h)
		}
		state.timestampWindow = append(state.timestampWindow, ts)
	}
	state.mtp = medianTimestamp(state.timestampWindow)

	// Active fork set for this height is decided by the parent MTP.
	state.forks = p.params.ActiveForks(height, state.mtp, p.enabled)

	// Version-bit tally window.
	tally := uint64(config.VersionTallyWindow)
	if height < tally {
		tally = height
	}
	for h := height - tally; h < height; h++ {
		v, ok := p.version(h, overlay)
		if !ok {
			return nil, fmt.Errorf("%w: version at height %d", ErrHeaderUnavailable, h)
		}
		state.versionWindow = append(state.versionWindow, v)
	}

	// Bits window for retarget.
	retarget := p.params.RetargetWindow()
	if height < retarget {
		retarget = height
	}
	for h := height - retarget; h < height; h++ {
		bits, ok := p.bits(h, overlay)
		if !ok {
			return nil, fmt.Errorf("%w: bits at height %d", ErrHeaderUnavailable, h)
		}
		state.bitsWindow = append(state.bitsWindow, bits)
	}

	// Expected difficulty: per-block adjustment once active, periodic before.
	if err := p.populateBits(state, overlay); err != nil {
		return nil, err
	}

	// Adaptive block-size state inherited from the parent.
	if state.IsEnabled(config.ForkABLA) {
		abla, err := p.populateABLA(height, overlay)
		if err != nil {
			return nil, err
		}
		state.abla = abla
	}

	// Self-timestamp and self-version: the branch top's when validating a
	// block, now() and the signal version for the mempool's virtual tip.
	if overlay != nil && overlay.Size() > 0 {
		ts, ok := overlay.Timestamp(height)
		if !ok {
			return nil, fmt.Errorf("%w: branch top timestamp", ErrHeaderUnavailable)
		}
		v, _ := overlay.Version(height)
		state.selfTimestamp = ts
		state.selfVersion = v
	} else {
		state.selfTimestamp = p.now()
		state.selfVersion = SignalVersion
	}

	log.Chainstate.Debug().
		Uint64("height", height).
		Uint64("bits", state.bits).
		Uint64("mtp", state.mtp).
		Uint32("forks", uint32(state.forks)).
		Msg("chain state populated")
	return state, nil
}

// PopulateVirtual builds the state for the mempool's virtual tip: one above
// the current chain top, with no branch.
func (p *Populator) PopulateVirtual() (*ChainState, error) {
	top, ok := p.store.LastHeight()
	if !ok {
		return nil, ErrLastHeightUnavailable
	}
	return p.Populate(top+1, nil)
}

// populateBits fills the expected difficulty and, when the per-block
// adjustment is active, the anchor it derives from.
func (p *Populator) populateBits(state *ChainState, overlay Overlay) error {
	height := state.height
	if height == 0 {
		state.bits = p.params.GenesisBits
		return nil
	}

	parentBits, ok := p.bits(height-1, overlay)
	if !ok {
		return fmt.Errorf("%w: bits at height %d", ErrHeaderUnavailable, height-1)
	}

	if state.IsEnabled(config.ForkAsert) {
		anchor, err := p.anchor(overlay)
		if err != nil {
			return err
		}
		state.asert = anchor
		parentTime, ok := p.timestamp(height-1, overlay)
		if !ok {
			return fmt.Errorf("%w: timestamp at height %d", ErrHeaderUnavailable, height-1)
		}
		state.bits = asertBits(anchor, parentTime, height, p.params)
		return nil
	}

	interval := p.params.RetargetInterval
	if interval == 0 || height%interval != 0 || height < interval {
		state.bits = parentBits
		return nil
	}
	firstTime, ok := p.timestamp(height-interval, overlay)
	if !ok {
		return fmt.Errorf("%w: timestamp at height %d", ErrHeaderUnavailable, height-interval)
	}
	lastTime, ok := p.timestamp(height-1, overlay)
	if !ok {
		return fmt.Errorf("%w: timestamp at height %d", ErrHeaderUnavailable, height-1)
	}
	state.bits = retargetBits(height, parentBits, firstTime, lastTime, p.params)
	return nil
}

// anchor resolves the per-block adjustment anchor: the first height at
// which the adjustment is scheduled, or genesis when active from the start.
func (p *Populator) anchor(overlay Overlay) (AsertAnchor, error) {
	var anchorHeight uint64
	for _, a := range p.params.Activations {
		if a.Fork == config.ForkAsert && a.Height > 0 {
			anchorHeight = a.Height
			break
		}
	}

	if anchorHeight == 0 {
		return AsertAnchor{
			Height:     0,
			ParentTime: p.params.GenesisTimestamp - p.params.TargetSpacing,
			Bits:       p.params.GenesisBits,
		}, nil
	}

	bits, ok := p.bits(anchorHeight, overlay)
	if !ok {
		return AsertAnchor{}, fmt.Errorf("%w: anchor bits at height %d", ErrHeaderUnavailable, anchorHeight)
	}
	parentTime, ok := p.timestamp(anchorHeight-1, overlay)
	if !ok {
		return AsertAnchor{}, fmt.Errorf("%w: anchor parent timestamp at height %d", ErrHeaderUnavailable, anchorHeight-1)
	}
	return AsertAnchor{Height: anchorHeight, ParentTime: parentTime, Bits: bits}, nil
}

// populateABLA evolves the adaptive-limit state from the activation
// boundary through the parent block.
func (p *Populator) populateABLA(height uint64, overlay Overlay) (ABLAState, error) {
	var activation uint64
	for _, a := range p.params.Activations {
		if a.Fork == config.ForkABLA && a.Height > 0 {
			activation = a.Height
			break
		}
	}

	state := ABLAState{Limit: p.params.ABLA.InitialLimit}
	if height <= activation {
		return state, nil
	}
	for h := activation; h < height; h++ {
		size, ok := p.blockSize(h, overlay)
		if !ok {
			return ABLAState{}, fmt.Errorf("%w: block size at height %d", ErrHeaderUnavailable, h)
		}
		state = NextABLAState(p.params.ABLA, state, size)
	}
	return state, nil
}

// Overlay-first reads: entries above the branch fork point must come from
// the branch, entries below from the persistent chain.

func (p *Populator) bits(height uint64, overlay Overlay) (uint64, bool) {
	if overlay != nil {
		if bits, ok := overlay.Bits(height); ok {
			return bits, true
		}
	}
	return p.store.Bits(height)
}

func (p *Populator) version(height uint64, overlay Overlay) (uint32, bool) {
	if overlay != nil {
		if v, ok := overlay.Version(height); ok {
			return v, true
		}
	}
	return p.store.Version(height)
}

func (p *Populator) timestamp(height uint64, overlay Overlay) (uint64, bool) {
	if overlay != nil {
		if ts, ok := overlay.Timestamp(height); ok {
			return ts, true
		}
	}
	return p.store.Timestamp(height)
}

func (p *Populator) blockSize(height uint64, overlay Overlay) (uint64, bool) {
	if overlay != nil {
		if size, ok := overlay.BlockSize(height); ok {
			return size, true
		}
	}
	return p.store.BlockSize(height)
}
