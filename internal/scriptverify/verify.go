// Package scriptverify defines the script-validation collaborator consumed
// by the block and transaction validators, plus a default implementation
// covering the script types the bundled output model recognizes. A fuller
// external script interpreter can be substituted behind the same interface.
package scriptverify

import (
	"errors"
	"fmt"

	"github.com/kth-go/consensuscore/config"
	"github.com/kth-go/consensuscore/pkg/crypto"
	"github.com/kth-go/consensuscore/pkg/tx"
	"github.com/kth-go/consensuscore/pkg/types"
)

// Verification errors, mapped by the organizers into the exported taxonomy.
var (
	ErrInvalidScript        = errors.New("invalid script")
	ErrBadSignatureEncoding = errors.New("invalid signature encoding")
	ErrStackFalse           = errors.New("stack false")
	ErrInputIndex           = errors.New("input index out of range")
)

// Signature and key sizes enforced under strict encoding.
const (
	schnorrSignatureSize = 64
	compressedKeySize    = 33
)

// Verifier validates one input of a transaction against its resolved
// previous output under the given fork set. It returns the number of
// signature checks performed.
type Verifier interface {
	Verify(t *tx.Transaction, inputIndex int, prevout tx.Output, forks config.Fork) (uint64, error)
}

// Default is the bundled verifier: schnorr signature and pubkey-hash
// verification over secp256k1.
type Default struct{}

// NewDefault creates the bundled verifier.
func NewDefault() *Default { return &Default{} }

// Verify checks the input's signature and key against the prevout script.
func (d *Default) Verify(t *tx.Transaction, inputIndex int, prevout tx.Output, forks config.Fork) (uint64, error) {
	if inputIndex < 0 || inputIndex >= len(t.Inputs) {
		return 0, fmt.Errorf("%w: %d of %d", ErrInputIndex, inputIndex, len(t.Inputs))
	}
	in := t.Inputs[inputIndex]

	if forks&config.ForkStrictEncoding != 0 {
		if len(in.Signature) != schnorrSignatureSize {
			return 0, fmt.Errorf("%w: signature is %d bytes, want %d",
				ErrBadSignatureEncoding, len(in.Signature), schnorrSignatureSize)
		}
		if len(in.PubKey) != compressedKeySize {
			return 0, fmt.Errorf("%w: pubkey is %d bytes, want %d",
				ErrBadSignatureEncoding, len(in.PubKey), compressedKeySize)
		}
	}

	switch prevout.Script.Type {
	case types.ScriptTypeP2PKH:
		if err := matchPubKeyHash(in.PubKey, prevout.Script.Data); err != nil {
			return 0, err
		}
	case types.ScriptTypeP2SH:
		// The pubkey field carries the redeeming key; the script data
		// commits to its hash.
		if err := matchScriptHash(in.PubKey, prevout.Script.Data); err != nil {
			return 0, err
		}
	case types.ScriptTypeUnspendable:
		return 0, fmt.Errorf("%w: unspendable prevout", ErrStackFalse)
	default:
		return 0, fmt.Errorf("%w: unknown script type %d", ErrInvalidScript, prevout.Script.Type)
	}

	hash := t.Hash()
	if !crypto.VerifySignature(hash[:], in.Signature, in.PubKey) {
		return 1, fmt.Errorf("%w: signature does not verify", ErrStackFalse)
	}
	return 1, nil
}

// matchPubKeyHash checks that the key hashes to the address in the script.
func matchPubKeyHash(pubKey, scriptData []byte) error {
	if len(scriptData) != types.AddressSize {
		return fmt.Errorf("%w: script data length %d", ErrInvalidScript, len(scriptData))
	}
	if len(pubKey) == 0 {
		return fmt.Errorf("%w: missing pubkey", ErrStackFalse)
	}
	hash := crypto.Hash(pubKey)
	var expected, derived types.Address
	copy(expected[:], scriptData)
	copy(derived[:], hash[:types.AddressSize])
	if expected != derived {
		return fmt.Errorf("%w: pubkey hash mismatch", ErrStackFalse)
	}
	return nil
}

// matchScriptHash checks that the redeem data hashes to the script commitment.
func matchScriptHash(redeem, scriptData []byte) error {
	if len(scriptData) != types.HashSize {
		return fmt.Errorf("%w: script hash length %d", ErrInvalidScript, len(scriptData))
	}
	if len(redeem) == 0 {
		return fmt.Errorf("%w: missing redeem data", ErrStackFalse)
	}
	var committed types.Hash
	copy(committed[:], scriptData)
	if crypto.Hash(redeem) != committed {
		return fmt.Errorf("%w: script hash mismatch", ErrStackFalse)
	}
	return nil
}

// SigopCount returns the embedded signature-operation count attributed to
// a transaction: one per signed input.
func SigopCount(t *tx.Transaction) uint64 {
	var n uint64
	for _, in := range t.Inputs {
		if !in.PrevOut.IsZero() {
			n++
		}
	}
	return n
}
