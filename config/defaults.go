package config

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network:               Mainnet,
		DataDir:               DefaultDataDir(),
		ReorgLimit:            1000,
		ByteFeeSatoshis:       1,
		SigopFeeSatoshis:      0,
		MinimumOutputSatoshis: 546,
		EnabledForks:          0,
		MaxTemplateSizeBytes:  MaxBlockSize,
		MempoolSizeMultiplier: 10,
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.ByteFeeSatoshis = 0
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet, Testnet4, Scalenet, Chipnet:
		cfg := DefaultTestnet()
		cfg.Network = network
		return cfg
	default:
		return DefaultMainnet()
	}
}
