package config

import (
	"flag"
	"fmt"
	"os"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Chain organization
	ReorgLimit   uint64
	Checkpoints  string
	EnabledForks string

	// Fees
	ByteFee   uint64
	SigopFee  uint64
	MinOutput uint64

	// Template / mempool sizing
	MaxTemplateSize uint64
	MempoolMult     uint64

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set flags (for zero-value overrides).
	SetReorgLimit bool
	SetByteFee    bool
	SetSigopFee   bool
	SetMinOutput  bool
	SetLogJSON    bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet("consensuscore", flag.ContinueOnError)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network (mainnet, testnet, testnet4, scalenet, chipnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Chain organization
	fs.Uint64Var(&f.ReorgLimit, "reorg-limit", 0, "Maximum rewindable reorganization depth (0 = unlimited)")
	fs.StringVar(&f.Checkpoints, "checkpoints", "", "Trusted checkpoints as comma-separated height:hash pairs")
	fs.StringVar(&f.EnabledForks, "enabled-forks", "", "Accept these rules ahead of activation (comma-separated)")

	// Fees
	fs.Uint64Var(&f.ByteFee, "byte-fee", 0, "Minimum relay fee per serialized byte")
	fs.Uint64Var(&f.SigopFee, "sigop-fee", 0, "Additional fee per signature operation")
	fs.Uint64Var(&f.MinOutput, "min-output", 0, "Dust threshold in base units")

	// Template / mempool sizing
	fs.Uint64Var(&f.MaxTemplateSize, "template-size", 0, "Maximum block template size in bytes")
	fs.Uint64Var(&f.MempoolMult, "mempool-multiplier", 0, "Mempool capacity as a multiple of max block size")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = printUsage

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	f.Args = fs.Args()

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "reorg-limit":
			f.SetReorgLimit = true
		case "byte-fee":
			f.SetByteFee = true
		case "sigop-fee":
			f.SetSigopFee = true
		case "min-output":
			f.SetMinOutput = true
		case "log-json":
			f.SetLogJSON = true
		}
	})

	return f
}

// ApplyFlags overlays parsed flags onto a Config. Flags win over file values.
func ApplyFlags(cfg *Config, f *Flags) error {
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.SetReorgLimit {
		cfg.ReorgLimit = f.ReorgLimit
	}
	if f.Checkpoints != "" {
		cps, err := parseCheckpoints(f.Checkpoints)
		if err != nil {
			return fmt.Errorf("checkpoints: %w", err)
		}
		cfg.Checkpoints = cps
	}
	if f.EnabledForks != "" {
		forks, err := parseForks(f.EnabledForks)
		if err != nil {
			return fmt.Errorf("enabled-forks: %w", err)
		}
		cfg.EnabledForks = forks
	}
	if f.SetByteFee {
		cfg.ByteFeeSatoshis = f.ByteFee
	}
	if f.SetSigopFee {
		cfg.SigopFeeSatoshis = f.SigopFee
	}
	if f.SetMinOutput {
		cfg.MinimumOutputSatoshis = f.MinOutput
	}
	if f.MaxTemplateSize > 0 {
		cfg.MaxTemplateSizeBytes = f.MaxTemplateSize
	}
	if f.MempoolMult > 0 {
		cfg.MempoolSizeMultiplier = f.MempoolMult
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: consensusd [flags]

Flags:
  -network <name>            Network: mainnet, testnet, testnet4, scalenet, chipnet
  -datadir <path>            Data directory
  -config, -c <path>         Config file path
  -reorg-limit <n>           Maximum rewindable reorganization depth (0 = unlimited)
  -checkpoints <list>        Trusted checkpoints (height:hash, comma-separated)
  -enabled-forks <list>      Accept rules ahead of activation (comma-separated)
  -byte-fee <n>              Minimum relay fee per serialized byte
  -sigop-fee <n>             Additional fee per signature operation
  -min-output <n>            Dust threshold in base units
  -template-size <n>         Maximum block template size in bytes
  -mempool-multiplier <n>    Mempool capacity as a multiple of max block size
  -log-level <level>         debug, info, warn, error
  -log-file <path>           Log file path
  -log-json                  Output logs as JSON
  -help, -h                  Show this help
  -version, -v               Show version
`)
}
