package mock_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/blockchains/mock"
	"github.com/RogueTeam/ltcsweep/blockchains/testsuite"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/random"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
)

func Test_Mock(t *testing.T) {
	testsuite.Test(t, mock.New(mock.Config{Height: 100}), &testsuite.RandomGenerator{})
}

func serialize(t *testing.T, tx *wire.MsgTx) string {
	var buf bytes.Buffer
	err := tx.Serialize(&buf)
	assert.Nil(t, err, "failed to serialize transaction")
	return hex.EncodeToString(buf.Bytes())
}

func Test_Deposits(t *testing.T) {
	assertions := assert.New(t)

	ctx, cancel := utils.NewContext()
	defer cancel()

	m := mock.New(mock.Config{Height: 100})

	script := append([]byte{0x00, 0x14}, random.Bytes(random.PseudoRand, 20)...)
	scriptHash := keyvault.ScriptHashOf(script)

	first := m.Deposit(script, 5_000)
	second := m.Deposit(script, 7_000)
	assertions.NotEqual(first, second, "deposits should have different outpoints")

	balance, err := m.Balance(ctx, scriptHash)
	assertions.Nil(err, "failed to get balance")
	assertions.Equal(blockchains.Balance{Confirmed: 0, Unconfirmed: 12_000}, balance)

	history, err := m.History(ctx, scriptHash)
	assertions.Nil(err, "failed to get history")
	assertions.Len(history, 2)
	assertions.Zero(blockchains.Confirmations(100, history))

	m.Mine(2)

	tip, err := m.Tip(ctx)
	assertions.Nil(err, "failed to get tip")
	assertions.Equal(int64(102), tip)

	balance, err = m.Balance(ctx, scriptHash)
	assertions.Nil(err, "failed to get balance")
	assertions.Equal(blockchains.Balance{Confirmed: 12_000, Unconfirmed: 0}, balance)

	history, err = m.History(ctx, scriptHash)
	assertions.Nil(err, "failed to get history")
	assertions.Equal(uint64(2), blockchains.Confirmations(tip, history))

	unspent, err := m.ListUnspent(ctx, scriptHash)
	assertions.Nil(err, "failed to list unspent")
	assertions.Len(unspent, 2)
	assertions.Equal(uint64(12_000), blockchains.Deposited(unspent))
	for _, output := range unspent {
		assertions.Equal(int64(101), output.Height)
	}
}

func Test_Broadcast(t *testing.T) {
	t.Run("Spends outputs", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		m := mock.New(mock.Config{Height: 100})

		source := append([]byte{0x00, 0x14}, random.Bytes(random.PseudoRand, 20)...)
		destination := append([]byte{0x00, 0x14}, random.Bytes(random.PseudoRand, 20)...)
		outpoint := m.Deposit(source, 10_000)
		m.Mine(1)

		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(9_000, destination))

		txid, err := m.Broadcast(ctx, serialize(t, tx))
		assertions.Nil(err, "failed to broadcast")
		assertions.Equal(tx.TxHash().String(), txid)
		assertions.Len(m.Broadcasts(), 1)

		balance, err := m.Balance(ctx, keyvault.ScriptHashOf(source))
		assertions.Nil(err, "failed to get source balance")
		assertions.Equal(blockchains.Balance{}, balance, "source should be empty")

		balance, err = m.Balance(ctx, keyvault.ScriptHashOf(destination))
		assertions.Nil(err, "failed to get destination balance")
		assertions.Equal(int64(9_000), balance.Unconfirmed)

		// Double spend
		_, err = m.Broadcast(ctx, serialize(t, tx))
		assertions.ErrorIs(err, mock.ErrMissingInput)
	})
	t.Run("Verify scripts", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		m := mock.New(mock.Config{Height: 100, VerifyScripts: true})

		source := append([]byte{0x00, 0x14}, random.Bytes(random.PseudoRand, 20)...)
		outpoint := m.Deposit(source, 10_000)

		tx := wire.NewMsgTx(2)
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(9_000, source))

		_, err := m.Broadcast(ctx, serialize(t, tx))
		assertions.ErrorIs(err, mock.ErrScriptVerification, "unsigned input should be rejected")
		assertions.Empty(m.Broadcasts())
	})
}

func Test_Failures(t *testing.T) {
	assertions := assert.New(t)

	ctx, cancel := utils.NewContext()
	defer cancel()

	m := mock.New(mock.Config{Height: 100, FeeRate: 3})
	failure := errors.New("connection reset")

	assertions.Equal(uint64(300), m.FeeFor(ctx, 100))
	m.Fail(mock.OperationFee, failure)
	assertions.Equal(uint64(100), m.FeeFor(ctx, 100), "fee falls back to 1 sat/vbyte")

	m.Fail(mock.OperationTip, failure)
	_, err := m.Tip(ctx)
	assertions.ErrorIs(err, failure)

	m.Fail(mock.OperationTip, nil)
	_, err = m.Tip(ctx)
	assertions.Nil(err, "failure should be cleared")

	assertions.Equal(2, m.Calls(mock.OperationTip))
	assertions.Equal(2, m.Calls(mock.OperationFee))
}
