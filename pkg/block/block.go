// Package block defines block types and validation.
package block

import "github.com/kth-go/consensuscore/pkg/tx"

// Block represents a block in the chain.
type Block struct {
	Header       *Header           `json:"header"`
	Transactions []*tx.Transaction `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs []*tx.Transaction) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// SerializedSize returns the block's consensus-relevant size: header bytes
// plus the signing bytes of every transaction.
func (b *Block) SerializedSize() uint64 {
	size := uint64(len(b.Header.SigningBytes()))
	for _, t := range b.Transactions {
		size += uint64(len(t.SigningBytes()))
	}
	return size
}
