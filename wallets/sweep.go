package wallets

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// Version of the sweep transactions
	TxVersion = 2
	// Witness of a P2WPKH input: item count, DER signature with sighash byte and
	// compressed public key, both length prefixed
	P2WPKHWitnessSize = 1 + 1 + 72 + 1 + 33
	// Segwit marker and flag
	WitnessHeaderSize = 2
)

// WitnessScript returns the P2WPKH output script of key
func WitnessScript(key *btcec.PublicKey) (script []byte, err error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(btcutil.Hash160(key.SerializeCompressed())).
		Script()
}

// ScriptCode returns the BIP143 script code of a P2WPKH input
func ScriptCode(key *btcec.PublicKey) (script []byte, err error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(key.SerializeCompressed())).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// NewSweepTx spends every input into a single output paying destination.
// The output value is left at zero.
func NewSweepTx(inputs []Input, destination []byte) (tx *wire.MsgTx, total uint64, err error) {
	if len(inputs) == 0 {
		return nil, 0, ErrNoInputs
	}

	tx = wire.NewMsgTx(TxVersion)
	for _, input := range inputs {
		hash, err := chainhash.NewHashFromStr(input.TxHash)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s:%d: %w", ErrInvalidOutpoint, input.TxHash, input.TxPos, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, input.TxPos), nil, nil))
		total += input.Value
	}
	tx.AddTxOut(wire.NewTxOut(0, destination))
	return tx, total, nil
}

// EstimateVSize of tx once every input carries a P2WPKH witness
func EstimateVSize(tx *wire.MsgTx) (vsize uint64) {
	weight := uint64(tx.SerializeSizeStripped())*4 + WitnessHeaderSize + uint64(len(tx.TxIn))*P2WPKHWitnessSize
	return (weight + 3) / 4
}

// VSize of a signed transaction
func VSize(tx *wire.MsgTx) (vsize uint64) {
	stripped := uint64(tx.SerializeSizeStripped())
	full := uint64(tx.SerializeSize())
	weight := stripped*3 + full
	return (weight + 3) / 4
}

// SignInputs sets a witness on every input of tx. values holds the value of the
// output spent by each input.
func SignInputs(tx *wire.MsgTx, key *btcec.PrivateKey, values []uint64) (err error) {
	if len(values) != len(tx.TxIn) {
		return fmt.Errorf("expecting %d input values, got %d", len(tx.TxIn), len(values))
	}

	public := key.PubKey()
	pkScript, err := WitnessScript(public)
	if err != nil {
		return fmt.Errorf("failed to build witness script: %w", err)
	}
	scriptCode, err := ScriptCode(public)
	if err != nil {
		return fmt.Errorf("failed to build script code: %w", err)
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for index, in := range tx.TxIn {
		prevOuts[in.PreviousOutPoint] = wire.NewTxOut(int64(values[index]), pkScript)
	}
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(prevOuts))

	compressed := public.SerializeCompressed()
	for index, in := range tx.TxIn {
		digest, err := txscript.CalcWitnessSigHash(scriptCode, sigHashes, txscript.SigHashAll, tx, index, int64(values[index]))
		if err != nil {
			return fmt.Errorf("failed to compute digest of input %d: %w", index, err)
		}

		signature := ecdsa.Sign(key, digest)
		in.Witness = wire.TxWitness{
			append(signature.Serialize(), byte(txscript.SigHashAll)),
			compressed,
		}
	}
	return nil
}

// Encode serializes tx with its witnesses in hex
func Encode(tx *wire.MsgTx) (raw string, err error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	err = tx.Serialize(&buf)
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// BuildSweep assembles and signs a transaction moving every input to the
// destination minus the fee. Returns ErrDust when the fee eats the whole amount.
func BuildSweep(req SweepRequest) (sweep Sweep, err error) {
	if req.Key == nil {
		return sweep, ErrInvalidKey
	}

	tx, total, err := NewSweepTx(req.Inputs, req.Destination)
	if err != nil {
		return sweep, err
	}

	vsize := EstimateVSize(tx)
	fee := req.FeeFor(vsize)
	if total <= fee {
		return sweep, fmt.Errorf("%w: total %d, fee %d", ErrDust, total, fee)
	}
	tx.TxOut[0].Value = int64(total - fee)

	values := make([]uint64, 0, len(req.Inputs))
	for _, input := range req.Inputs {
		values = append(values, input.Value)
	}
	err = SignInputs(tx, req.Key, values)
	if err != nil {
		return sweep, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := Encode(tx)
	if err != nil {
		return sweep, err
	}

	sweep = Sweep{
		TxId:   tx.TxHash().String(),
		Raw:    raw,
		Total:  total,
		Amount: total - fee,
		Fee:    fee,
		VSize:  vsize,
		Inputs: len(tx.TxIn),
	}
	return sweep, nil
}
