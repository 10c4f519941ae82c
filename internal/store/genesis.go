package store

import (
	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/pkg/block"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// GenesisBlock builds the deterministic genesis block for a network. It
// contains a single coinbase whose data field carries the network name, so
// every network's genesis hash is distinct. The genesis output is provably
// unspendable.
func GenesisBlock(params *config.NetworkParams) *block.Block {
	coinbase := &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: []byte(params.Name),
		}},
		Outputs: []tx.Output{{
			Value:  50 * config.Coin,
			Script: types.Script{Type: types.ScriptTypeUnspendable, Data: []byte(params.Name)},
		}},
	}

	header := &block.Header{
		Version:    params.GenesisVersion,
		PrevHash:   types.Hash{},
		MerkleRoot: coinbase.Hash(),
		Timestamp:  params.GenesisTimestamp,
		Height:     0,
		Bits:       params.GenesisBits,
		Nonce:      0,
	}
	return block.NewBlock(header, []*tx.Transaction{coinbase})
}
