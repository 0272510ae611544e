// Package wallets builds and signs the transactions moving funds out of the
// single use P2WPKH receiving addresses.
package wallets

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
)

var (
	ErrNoInputs        = errors.New("no inputs to sweep")
	ErrDust            = errors.New("inputs don't cover the fee")
	ErrInvalidOutpoint = errors.New("invalid outpoint")
	ErrInvalidKey      = errors.New("invalid key")
)

// FeeFunc returns the fee in litoshis for a transaction of vsize vbytes
type FeeFunc func(vsize uint64) (fee uint64)

type (
	Input struct {
		// Transaction holding the output
		TxHash string
		// Output index
		TxPos uint32
		// Value in litoshis
		Value uint64
	}
	SweepRequest struct {
		// Key controlling every input
		Key *btcec.PrivateKey
		// Outputs to spend. All of them must pay to the P2WPKH script of Key
		Inputs []Input
		// Output script receiving the funds
		Destination []byte
		// Fee calculation
		FeeFor FeeFunc
	}
	Sweep struct {
		// Id of the signed transaction
		TxId string
		// Signed transaction in hex
		Raw string
		// Sum of the inputs
		Total uint64
		// Value sent to the destination
		Amount uint64
		// Fee paid
		Fee uint64
		// Estimated virtual size used for the fee
		VSize uint64
		// Number of inputs spent
		Inputs int
	}
)
