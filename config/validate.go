package config

import (
	"fmt"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.Network {
	case Mainnet, Testnet, Testnet4, Scalenet, Chipnet:
	default:
		return fmt.Errorf("unknown network %q", cfg.Network)
	}

	if cfg.EnabledForks&^AllForks != 0 {
		return fmt.Errorf("enabled_forks has undefined bits %#x", uint32(cfg.EnabledForks&^AllForks))
	}

	if cfg.MaxTemplateSizeBytes == 0 {
		return fmt.Errorf("template.max_size must be positive")
	}
	if cfg.MempoolSizeMultiplier == 0 {
		return fmt.Errorf("mempool.size_multiplier must be positive")
	}

	var lastHeight uint64
	for i, cp := range cfg.Checkpoints {
		if cp.Hash.IsZero() {
			return fmt.Errorf("checkpoint %d has zero hash", i)
		}
		if i > 0 && cp.Height <= lastHeight {
			return fmt.Errorf("checkpoint %d: heights must be strictly increasing", i)
		}
		lastHeight = cp.Height
	}

	return nil
}
