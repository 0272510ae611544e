package mock

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrMissingInput       = errors.New("input missing or spent")
	ErrScriptVerification = errors.New("script verification failed")
)

type Operation string

const (
	OperationTip         Operation = "tip"
	OperationHistory     Operation = "history"
	OperationBalance     Operation = "balance"
	OperationListUnspent Operation = "listunspent"
	OperationFee         Operation = "fee"
	OperationBroadcast   Operation = "broadcast"
)

type output struct {
	scriptHash string
	pkScript   []byte
	value      uint64
	height     int64
	spent      bool
}

type Config struct {
	// Initial tip height
	Height int64
	// Fee rate in litoshis per vbyte. Defaults to 1
	FeeRate uint64
	// Run the script engine over every input of broadcasted transactions
	VerifyScripts bool
}

// Mock is an in memory chain. Deposits land in the mempool and Mine confirms them.
type Mock struct {
	mu            sync.Mutex
	height        int64
	feeRate       uint64
	verifyScripts bool
	deposits      uint32
	outputs       map[wire.OutPoint]*output
	history       map[string][]blockchains.HistoryEntry
	broadcasts    []*wire.MsgTx
	failures      map[Operation]error
	calls         map[Operation]int
}

var _ blockchains.Chain = (*Mock)(nil)

func New(config Config) (m *Mock) {
	m = &Mock{
		height:        config.Height,
		feeRate:       config.FeeRate,
		verifyScripts: config.VerifyScripts,
		outputs:       map[wire.OutPoint]*output{},
		history:       map[string][]blockchains.HistoryEntry{},
		failures:      map[Operation]error{},
		calls:         map[Operation]int{},
	}
	if m.feeRate == 0 {
		m.feeRate = 1
	}
	return m
}

// Fail makes every following call of op return err. A nil err clears the failure
func (m *Mock) Fail(op Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked
func (m *Mock) Calls(op Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Broadcasts returns the transactions accepted so far
func (m *Mock) Broadcasts() (txs []*wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.broadcasts)
}

// SetFeeRate changes the litoshis per vbyte charged by FeeFor
func (m *Mock) SetFeeRate(rate uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeRate = rate
}

// Deposit sends value to pkScript in a new unconfirmed transaction
func (m *Mock) Deposit(pkScript []byte, value uint64) (outpoint wire.OutPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deposits++
	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, m.deposits), nil, nil))
	funding.AddTxOut(wire.NewTxOut(int64(value), pkScript))

	outpoint = wire.OutPoint{Hash: funding.TxHash(), Index: 0}
	scriptHash := keyvault.ScriptHashOf(pkScript)
	m.outputs[outpoint] = &output{
		scriptHash: scriptHash,
		pkScript:   slices.Clone(pkScript),
		value:      value,
	}
	m.history[scriptHash] = append(m.history[scriptHash], blockchains.HistoryEntry{TxHash: outpoint.Hash.String()})
	return outpoint
}

// Mine adds blocks to the chain. The first one confirms every mempool transaction
func (m *Mock) Mine(blocks int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if blocks <= 0 {
		return
	}

	next := m.height + 1
	for _, o := range m.outputs {
		if o.height <= 0 {
			o.height = next
		}
	}
	for _, entries := range m.history {
		for index := range entries {
			if entries[index].Height <= 0 {
				entries[index].Height = next
			}
		}
	}
	m.height += blocks
}

// Must be called with the lock held
func (m *Mock) call(op Operation) (err error) {
	m.calls[op]++
	return m.failures[op]
}

func (m *Mock) Tip(ctx context.Context) (height int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.call(OperationTip)
	if err != nil {
		return 0, err
	}
	return m.height, nil
}

func (m *Mock) History(ctx context.Context, scriptHash string) (history []blockchains.HistoryEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.call(OperationHistory)
	if err != nil {
		return nil, err
	}
	return slices.Clone(m.history[scriptHash]), nil
}

func (m *Mock) Balance(ctx context.Context, scriptHash string) (balance blockchains.Balance, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.call(OperationBalance)
	if err != nil {
		return balance, err
	}

	for _, o := range m.outputs {
		if o.scriptHash != scriptHash || o.spent {
			continue
		}
		if o.height > 0 {
			balance.Confirmed += int64(o.value)
		} else {
			balance.Unconfirmed += int64(o.value)
		}
	}
	return balance, nil
}

func (m *Mock) ListUnspent(ctx context.Context, scriptHash string) (unspent []blockchains.Unspent, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.call(OperationListUnspent)
	if err != nil {
		return nil, err
	}

	unspent = []blockchains.Unspent{}
	for outpoint, o := range m.outputs {
		if o.scriptHash != scriptHash || o.spent {
			continue
		}
		unspent = append(unspent, blockchains.Unspent{
			TxHash: outpoint.Hash.String(),
			TxPos:  outpoint.Index,
			Height: o.height,
			Value:  o.value,
		})
	}
	slices.SortFunc(unspent, func(a, b blockchains.Unspent) int {
		if c := strings.Compare(a.TxHash, b.TxHash); c != 0 {
			return c
		}
		return int(a.TxPos) - int(b.TxPos)
	})
	return unspent, nil
}

func (m *Mock) FeeFor(ctx context.Context, vsize uint64) (fee uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.call(OperationFee) != nil {
		return vsize
	}
	return vsize * m.feeRate
}

// Must be called with the lock held
func (m *Mock) verify(tx *wire.MsgTx) (err error) {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for _, in := range tx.TxIn {
		o, found := m.outputs[in.PreviousOutPoint]
		if !found || o.spent {
			return fmt.Errorf("%w: %s", ErrMissingInput, in.PreviousOutPoint)
		}
		prevOuts[in.PreviousOutPoint] = wire.NewTxOut(int64(o.value), o.pkScript)
	}

	if !m.verifyScripts {
		return nil
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for index, in := range tx.TxIn {
		prevOut := prevOuts[in.PreviousOutPoint]
		engine, err := txscript.NewEngine(prevOut.PkScript, tx, index, txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher)
		if err != nil {
			return fmt.Errorf("%w: input %d: %w", ErrScriptVerification, index, err)
		}
		err = engine.Execute()
		if err != nil {
			return fmt.Errorf("%w: input %d: %w", ErrScriptVerification, index, err)
		}
	}
	return nil
}

func (m *Mock) Broadcast(ctx context.Context, rawTx string) (txid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.call(OperationBroadcast)
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(rawTx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	var tx wire.MsgTx
	err = tx.Deserialize(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return "", fmt.Errorf("%w: no inputs or outputs", ErrInvalidTransaction)
	}

	err = m.verify(&tx)
	if err != nil {
		return "", err
	}

	hash := tx.TxHash()
	txid = hash.String()
	touched := map[string]struct{}{}
	for _, in := range tx.TxIn {
		o := m.outputs[in.PreviousOutPoint]
		o.spent = true
		touched[o.scriptHash] = struct{}{}
	}
	for index, out := range tx.TxOut {
		scriptHash := keyvault.ScriptHashOf(out.PkScript)
		m.outputs[wire.OutPoint{Hash: hash, Index: uint32(index)}] = &output{
			scriptHash: scriptHash,
			pkScript:   slices.Clone(out.PkScript),
			value:      uint64(out.Value),
		}
		touched[scriptHash] = struct{}{}
	}
	for scriptHash := range touched {
		m.history[scriptHash] = append(m.history[scriptHash], blockchains.HistoryEntry{TxHash: txid})
	}

	m.broadcasts = append(m.broadcasts, &tx)
	return txid, nil
}
