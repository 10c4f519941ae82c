// Package utxo manages the UTXO set.
package utxo

import "github.com/kth-go/consensuscore/pkg/types"

// UTXO represents an unspent transaction output together with the
// consensus context of the block that created it.
type UTXO struct {
	Outpoint types.Outpoint `json:"outpoint"`
	Value    uint64         `json:"value"`
	Script   types.Script   `json:"script"`
	Height   uint64         `json:"height"`
	MTP      uint64         `json:"mtp"` // Median-time-past of the containing block.
	Coinbase bool           `json:"coinbase"`
}

// Set is the interface for UTXO storage.
type Set interface {
	Get(outpoint types.Outpoint) (*UTXO, error)
	Put(utxo *UTXO) error
	Delete(outpoint types.Outpoint) error
	Has(outpoint types.Outpoint) (bool, error)
}
