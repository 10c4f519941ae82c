// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: Defined per network, immutable, must match across all nodes
//   - Node settings: Runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/kth-go/consensuscore/pkg/types"
)

// NetworkType identifies which chain the node follows.
type NetworkType string

const (
	Mainnet  NetworkType = "mainnet"
	Testnet  NetworkType = "testnet"
	Testnet4 NetworkType = "testnet4"
	Scalenet NetworkType = "scalenet"
	Chipnet  NetworkType = "chipnet"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
// These settings can vary between nodes without breaking consensus,
// with the exception of EnabledForks, which accepts upcoming rules early.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Chain organization
	ReorgLimit  uint64       `conf:"chain.reorg_limit"` // Max rewindable depth (0 = unlimited).
	Checkpoints []Checkpoint `conf:"chain.checkpoints"` // Ordered height:hash pairs.

	// Relay / fee policy
	ByteFeeSatoshis       uint64 `conf:"fees.byte"`       // Fee per serialized byte.
	SigopFeeSatoshis      uint64 `conf:"fees.sigop"`      // Fee per signature operation.
	MinimumOutputSatoshis uint64 `conf:"fees.min_output"` // Dust threshold.

	// Consensus-adjacent policy
	EnabledForks Fork `conf:"chain.enabled_forks"` // Accept these rules before activation.

	// Template / mempool sizing
	MaxTemplateSizeBytes  uint64 `conf:"template.max_size"`
	MempoolSizeMultiplier uint64 `conf:"mempool.size_multiplier"` // Capacity = max block size × multiplier.

	// Logging
	Log LogConfig
}

// Checkpoint pins a block hash at a height. Blocks at or below the highest
// checkpoint skip script validation during connect.
type Checkpoint struct {
	Height uint64
	Hash   types.Hash
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.consensuscore
//	macOS:   ~/Library/Application Support/ConsensusCore
//	Windows: %APPDATA%\ConsensusCore
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".consensuscore"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "ConsensusCore")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "ConsensusCore")
		}
		return filepath.Join(home, "AppData", "Roaming", "ConsensusCore")
	default:
		return filepath.Join(home, ".consensuscore")
	}
}

// ChainDataDir returns the chain-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir returns the blocks storage directory.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "consensuscore.conf")
}
