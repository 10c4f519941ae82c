package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kth-go/consensuscore/pkg/types"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
// Only node-operational settings, NOT protocol rules.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Chain organization
	case "chain.reorg_limit":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.ReorgLimit = n
	case "chain.checkpoints":
		cps, err := parseCheckpoints(value)
		if err != nil {
			return err
		}
		cfg.Checkpoints = cps
	case "chain.enabled_forks":
		forks, err := parseForks(value)
		if err != nil {
			return err
		}
		cfg.EnabledForks = forks

	// Fees
	case "fees.byte":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.ByteFeeSatoshis = n
	case "fees.sigop":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.SigopFeeSatoshis = n
	case "fees.min_output":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.MinimumOutputSatoshis = n

	// Template / mempool sizing
	case "template.max_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.MaxTemplateSizeBytes = n
	case "mempool.size_multiplier":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.MempoolSizeMultiplier = n

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseCheckpoints parses "height:hash,height:hash,..." into an ordered list.
func parseCheckpoints(s string) ([]Checkpoint, error) {
	items := parseStringList(s)
	cps := make([]Checkpoint, 0, len(items))
	var lastHeight uint64
	for i, item := range items {
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("checkpoint %d: expected height:hash", i)
		}
		height, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %d: bad height: %w", i, err)
		}
		hash, err := types.HexToHash(parts[1])
		if err != nil {
			return nil, fmt.Errorf("checkpoint %d: bad hash: %w", i, err)
		}
		if i > 0 && height <= lastHeight {
			return nil, fmt.Errorf("checkpoint %d: heights must be strictly increasing", i)
		}
		lastHeight = height
		cps = append(cps, Checkpoint{Height: height, Hash: hash})
	}
	return cps, nil
}

// parseForks parses a comma-separated list of fork names into a bitmask.
func parseForks(s string) (Fork, error) {
	var forks Fork
	for _, name := range parseStringList(s) {
		switch strings.ToLower(name) {
		case "strict-encoding":
			forks |= ForkStrictEncoding
		case "allow-collisions":
			forks |= ForkAllowCollisions
		case "ctor":
			forks |= ForkCTOR
		case "asert":
			forks |= ForkAsert
		case "sigchecks":
			forks |= ForkSigchecks
		case "abla":
			forks |= ForkABLA
		case "all":
			forks |= AllForks
		default:
			return 0, fmt.Errorf("unknown fork %q", name)
		}
	}
	return forks, nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Consensus core node configuration
#
# This file contains NODE settings only.
# Protocol rules (fork schedule, size limits) are hardcoded per network
# and cannot be changed without a hard fork.

# Network: mainnet, testnet, testnet4, scalenet, or chipnet
network = ` + string(network) + `

# Data directory (default: ~/.consensuscore)
# datadir = ~/.consensuscore

# ============================================================================
# Chain organization
# ============================================================================

# Maximum rewindable reorganization depth (0 = unlimited)
chain.reorg_limit = 1000

# Trusted checkpoints: height:hash pairs, comma-separated
# chain.checkpoints = 1000:aa...ff,2000:bb...ee

# Accept upcoming rules ahead of their activation (comma-separated fork names)
# chain.enabled_forks = ctor,asert

# ============================================================================
# Fees and relay policy
# ============================================================================

# Minimum relay fee per serialized byte (base units)
fees.byte = 1

# Additional fee per signature operation (base units)
fees.sigop = 0

# Dust threshold: outputs below this value are rejected (base units)
fees.min_output = 546

# ============================================================================
# Template and mempool sizing
# ============================================================================

# Maximum block template size in bytes
template.max_size = 2000000

# Mempool capacity = max block size x this multiplier
mempool.size_multiplier = 10

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
