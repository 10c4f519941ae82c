package config

import (
	"fmt"
)

// =============================================================================
// Protocol Rules (immutable, defined per network)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^8 base units (satoshis). All on-chain values are in base units.
const (
	Decimals = 8
	Coin     = 100_000_000 // 10^8 base units per coin
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 100

// Subsidy schedule.
const (
	InitialSubsidy           = 50 * Coin
	SubsidyHalvingInterval   = 210_000
)

// BlockSubsidy returns the coinbase subsidy at the given height.
func BlockSubsidy(height uint64) uint64 {
	halvings := height / SubsidyHalvingInterval
	if halvings >= 64 {
		return 0
	}
	return InitialSubsidy >> halvings
}

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 2_000_000 // 2 MB base block size (header + all tx signing bytes)
	MaxBlockTxs   = 50_000    // Max transactions per block (including coinbase)
	MaxTxInputs   = 2500      // Max inputs per transaction
	MaxTxOutputs  = 2500      // Max outputs per transaction
	MaxScriptData = 65_536    // 64 KB max script data per output
)

// Signature-operation accounting limits.
const (
	// MaxBlockSigops is the embedded sigop cap per MaxBlockSigopsChunk of
	// serialized block size, before sigcheck accounting activates.
	MaxBlockSigops      = 20_000
	MaxBlockSigopsChunk = 1_000_000

	// SigcheckChunk converts serialized block size into the sigcheck cap
	// once sigcheck accounting is active: limit = size / SigcheckChunk.
	SigcheckChunk = 141
)

// Retarget and timestamp-window constants.
const (
	// MTPWindow is the number of trailing timestamps whose median forms
	// the median-time-past of a block.
	MTPWindow = 11

	// VersionTallyWindow is the number of trailing block versions examined
	// for version-bit signalling.
	VersionTallyWindow = 1000
)

// =============================================================================
// Fork schedule
// =============================================================================

// Fork is a bitmask of consensus rule changes. Each bit activates either at
// a configured median-time-past (historical forks) or at a height (modern
// forks); once a fork's activation height is known it is preferred.
type Fork uint32

const (
	// ForkStrictEncoding requires canonical signature and script encoding.
	ForkStrictEncoding Fork = 1 << iota

	// ForkAllowCollisions relaxes the duplicate-transaction check to the
	// coinbase only; before it, every transaction is checked.
	ForkAllowCollisions

	// ForkCTOR switches template export to canonical (lexicographic) ordering.
	ForkCTOR

	// ForkAsert replaces the periodic retarget with the per-block
	// exponential difficulty adjustment.
	ForkAsert

	// ForkSigchecks replaces embedded sigop counting with sigcheck
	// accounting tied to serialized block size.
	ForkSigchecks

	// ForkABLA activates the adaptive block-size limit.
	ForkABLA
)

// AllForks is the union of every defined fork bit.
const AllForks = ForkStrictEncoding | ForkAllowCollisions | ForkCTOR |
	ForkAsert | ForkSigchecks | ForkABLA

// String returns a short name for a single fork bit.
func (f Fork) String() string {
	switch f {
	case ForkStrictEncoding:
		return "strict-encoding"
	case ForkAllowCollisions:
		return "allow-collisions"
	case ForkCTOR:
		return "ctor"
	case ForkAsert:
		return "asert"
	case ForkSigchecks:
		return "sigchecks"
	case ForkABLA:
		return "abla"
	default:
		return fmt.Sprintf("fork(%#x)", uint32(f))
	}
}

// Activation schedules one fork bit. Height activation is preferred when
// both are set; a zero Height with a zero MTP means "active from genesis".
type Activation struct {
	Fork   Fork
	Height uint64 // Activates when block height >= Height (0 = not height-scheduled).
	MTP    uint64 // Activates when median-time-past >= MTP (0 = not time-scheduled).
}

// ActiveAt reports whether the fork has activated for a block at the given
// height whose parent median-time-past is mtp.
func (a Activation) ActiveAt(height, mtp uint64) bool {
	if a.Height > 0 {
		return height >= a.Height
	}
	if a.MTP > 0 {
		return mtp >= a.MTP
	}
	return true // Active from genesis.
}

// =============================================================================
// ABLA (adaptive block-size limit) parameters
// =============================================================================

// ABLAConfig parameterizes the adaptive block-size limit algorithm.
// The limit grows when blocks fill beyond the elastic threshold and never
// shrinks below InitialLimit or grows above MaxLimit.
type ABLAConfig struct {
	InitialLimit     uint64 // Starting limit in bytes (the pre-activation max block size).
	MaxLimit         uint64 // Hard ceiling in bytes (0 = unlimited).
	GrowthNumerator  uint64 // Growth applied per byte above the threshold.
	GrowthDenominator uint64
	ThresholdNumerator  uint64 // Threshold = limit * num / den.
	ThresholdDenominator uint64
}

// DefaultABLAConfig returns the standard adaptive-limit parameters.
func DefaultABLAConfig() ABLAConfig {
	return ABLAConfig{
		InitialLimit:         MaxBlockSize,
		MaxLimit:             32 * MaxBlockSize,
		GrowthNumerator:      1,
		GrowthDenominator:    8,
		ThresholdNumerator:   1,
		ThresholdDenominator: 2,
	}
}

// =============================================================================
// Per-network protocol parameters
// =============================================================================

// NetworkParams holds the consensus-critical parameters of one network.
type NetworkParams struct {
	Name NetworkType

	// Genesis block fields. The genesis block contains only a coinbase and
	// is identified by these values; nodes reconstruct it deterministically.
	GenesisTimestamp uint64
	GenesisBits      uint64
	GenesisVersion   uint32

	// Difficulty retarget (pre-asert).
	RetargetInterval uint64 // Blocks between retargets.
	TargetSpacing    uint64 // Target seconds between blocks.

	// Per-block exponential adjustment (post-asert).
	AsertHalfLife uint64 // Seconds for difficulty to halve/double on drift.

	// Adaptive block-size limit.
	ABLA ABLAConfig

	// Fork activation schedule, ordered by activation.
	Activations []Activation
}

// RetargetWindow returns the number of trailing bits values a validator
// needs to compute the next retarget.
func (p *NetworkParams) RetargetWindow() uint64 {
	return p.RetargetInterval
}

// ActiveForks computes the fork set for a block at the given height whose
// parent median-time-past is mtp. The enabled argument adds policy forks the
// node accepts ahead of schedule.
func (p *NetworkParams) ActiveForks(height, mtp uint64, enabled Fork) Fork {
	forks := enabled
	for _, a := range p.Activations {
		if a.ActiveAt(height, mtp) {
			forks |= a.Fork
		}
	}
	return forks
}

// MainnetParams returns the mainnet protocol parameters.
func MainnetParams() *NetworkParams {
	return &NetworkParams{
		Name:             Mainnet,
		GenesisTimestamp: 1731024000, // 2024-11-08
		GenesisBits:      4096,
		GenesisVersion:   1,
		RetargetInterval: 144,
		TargetSpacing:    600,
		AsertHalfLife:    2 * 24 * 3600, // Two days.
		ABLA:             DefaultABLAConfig(),
		Activations: []Activation{
			{Fork: ForkStrictEncoding, MTP: 1731024000},
			{Fork: ForkAllowCollisions, MTP: 1736294400},
			{Fork: ForkCTOR, Height: 5000},
			{Fork: ForkAsert, Height: 10000},
			{Fork: ForkSigchecks, Height: 10000},
			{Fork: ForkABLA, Height: 20000},
		},
	}
}

// TestnetParams returns the testnet protocol parameters.
func TestnetParams() *NetworkParams {
	p := MainnetParams()
	p.Name = Testnet
	p.GenesisBits = 16
	p.RetargetInterval = 36
	return p
}

// Testnet4Params returns the testnet4 protocol parameters.
// Everything activates from genesis so new rules are exercised immediately.
func Testnet4Params() *NetworkParams {
	p := TestnetParams()
	p.Name = Testnet4
	p.Activations = []Activation{
		{Fork: ForkStrictEncoding},
		{Fork: ForkAllowCollisions},
		{Fork: ForkCTOR},
		{Fork: ForkAsert},
		{Fork: ForkSigchecks},
		{Fork: ForkABLA},
	}
	return p
}

// ScalenetParams returns the scalenet protocol parameters: testnet4 rules
// with a much larger adaptive limit ceiling for throughput testing.
func ScalenetParams() *NetworkParams {
	p := Testnet4Params()
	p.Name = Scalenet
	p.ABLA.MaxLimit = 256 * MaxBlockSize
	return p
}

// ChipnetParams returns the chipnet protocol parameters: testnet4 rules
// under the chipnet name, so every fork is active from genesis.
func ChipnetParams() *NetworkParams {
	p := Testnet4Params()
	p.Name = Chipnet
	return p
}

// ParamsFor returns the protocol parameters for the given network.
func ParamsFor(network NetworkType) *NetworkParams {
	switch network {
	case Testnet:
		return TestnetParams()
	case Testnet4:
		return Testnet4Params()
	case Scalenet:
		return ScalenetParams()
	case Chipnet:
		return ChipnetParams()
	default:
		return MainnetParams()
	}
}
