// Command consensusd runs the consensus core as a standalone node process:
// it opens the block store, starts the chain facade, and logs organization
// events until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/internal/facade"
	"github.com/kth-go/consensuscore/internal/log"
	"github.com/kth-go/consensuscore/internal/mempool"
	"github.com/kth-go/consensuscore/internal/storage"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Version is set at build time.
var Version = "dev"

func main() {
	flags := config.ParseFlags()
	if flags.Help {
		fmt.Println("consensusd - Bitcoin-family consensus core node")
		os.Exit(0)
	}
	if flags.Version {
		fmt.Printf("consensusd %s\n", Version)
		os.Exit(0)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if err := log.Init(cfg.Log.Level, cfg.Log.JSON, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "log init: %v\n", err)
		os.Exit(1)
	}

	if cfg.Network == config.Mainnet {
		types.SetAddressHRP(types.MainnetHRP)
	} else {
		types.SetAddressHRP(types.TestnetHRP)
	}

	if err := os.MkdirAll(cfg.BlocksDir(), 0755); err != nil {
		log.Fatal().Err(err).Msg("create data directory")
	}
	db, err := storage.NewBadger(cfg.BlocksDir())
	if err != nil {
		log.Fatal().Err(err).Msg("open block store")
	}

	chain, err := facade.New(cfg, db)
	if err != nil {
		log.Fatal().Err(err).Msg("wire consensus core")
	}
	if err := chain.Start(); err != nil {
		log.Fatal().Err(err).Msg("start chain")
	}

	chain.SubscribeBlockchain(func(err error, forkHeight uint64, incoming, outgoing []*block.Block) {
		if err != nil {
			return
		}
		log.Info().
			Uint64("fork", forkHeight).
			Int("incoming", len(incoming)).
			Int("outgoing", len(outgoing)).
			Msg("chain reorganized")
	})
	chain.SubscribeTransaction(func(err error, t *tx.Transaction) {
		if err != nil {
			return
		}
		log.Debug().Str("txid", t.Hash().String()).Msg("transaction admitted")
	})
	chain.SubscribeDSProof(func(err error, proof *mempool.DSProof) {
		if err != nil {
			return
		}
		log.Warn().Str("hash", proof.Hash().String()).Msg("double-spend proof")
	})

	log.Info().
		Str("version", Version).
		Str("network", string(cfg.Network)).
		Str("datadir", cfg.DataDir).
		Msg("consensusd running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if err := chain.Close(); err != nil {
		log.Error().Err(err).Msg("close chain")
	}
}

// loadConfig layers defaults, the config file, and command-line flags.
func loadConfig(flags *config.Flags) (*config.Config, error) {
	network := config.Mainnet
	if flags.Network != "" {
		network = config.NetworkType(flags.Network)
	}
	cfg := config.Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	path := flags.Config
	if path == "" {
		path = cfg.ConfigFile()
	}
	values, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := config.ApplyFileConfig(cfg, values); err != nil {
		return nil, err
	}
	if err := config.ApplyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
