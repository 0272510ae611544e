package testsuite

import (
	_ "embed"
	"strings"
	"testing"
	"time"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/decimal"
	"github.com/RogueTeam/ltcsweep/gateway"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/payments"
	ptestsuite "github.com/RogueTeam/ltcsweep/payments/testsuite"
	"github.com/RogueTeam/ltcsweep/sweeper"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/RogueTeam/ltcsweep/wallets"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

// Funder moves coins on the chain behind the controller
type Funder interface {
	// Fund sends amount to address
	Fund(t *testing.T, address string, amount uint64) (outpoint wire.OutPoint)
	// Confirm mines blocks on top of the funding transactions
	Confirm(t *testing.T, blocks int64)
	// Broadcasts returns the transactions sent to the chain
	Broadcasts() (txs []*wire.MsgTx)
}

type Setup struct {
	Store  payments.Store
	Chain  blockchains.Chain
	Vault  *keyvault.Vault
	Funder Funder
	// Address receiving the sweeps
	ColdAddress string
}

// Factory prepares a fresh environment using now as its time source
type Factory func(t *testing.T, now payments.Clock) (setup Setup)

//go:embed tests/succeed.yaml
var succeedTests []byte

const Confirmations = 2

// Test runs a payment through the whole lifecycle: creation, funding,
// confirmation and sweep
func Test(t *testing.T, factory Factory) {
	t.Run("Succeed", func(t *testing.T) {
		type Expect struct {
			Status payments.Status `yaml:"status"`
			Sweeps int             `yaml:"sweeps"`
		}
		type Test struct {
			Name          string          `yaml:"name"`
			Amount        decimal.Decimal `yaml:"amount"`
			ExpiresIn     time.Duration   `yaml:"expires-in"`
			Advance       time.Duration   `yaml:"advance"`
			Parts         uint64          `yaml:"parts"`
			FullFillParts uint64          `yaml:"fullfill-parts"`
			Confirmations int64           `yaml:"confirmations"`
			Expect        Expect          `yaml:"expect"`
		}

		var tests []Test
		err := yaml.Unmarshal(succeedTests, &tests)
		if !assert.Nil(t, err, "failed to load tests") {
			return
		}

		for _, test := range tests {
			t.Run(test.Name, func(t *testing.T) {
				t.Parallel()
				assertions := assert.New(t)

				ctx, cancel := utils.NewContext()
				defer cancel()

				clock := ptestsuite.NewFrozenClock()
				setup := factory(t, clock.Now)

				ctrl := gateway.New(gateway.Config{
					Store:         setup.Store,
					Chain:         setup.Chain,
					Vault:         setup.Vault,
					Timeout:       24 * time.Hour,
					Confirmations: Confirmations,
					Now:           clock.Now,
				})
				sweep, err := sweeper.New(sweeper.Config{
					Store:         setup.Store,
					Chain:         setup.Chain,
					Vault:         setup.Vault,
					ColdAddress:   setup.ColdAddress,
					Confirmations: Confirmations,
					Now:           clock.Now,
				})
				if !assertions.Nil(err, "failed to create sweeper") {
					return
				}

				amount, err := test.Amount.ToUint64()
				assertions.Nil(err, "invalid amount")

				payment, err := ctrl.Receive(ctx, &gateway.Receive{Amount: amount, ExpiresIn: test.ExpiresIn})
				if !assertions.Nil(err, "failed to create payment") {
					return
				}
				assertions.Equal(payments.StatusPending, payment.Status)
				assertions.Equal(amount, payment.Amount)
				assertions.True(strings.HasPrefix(payment.Address, setup.Vault.Network().HRP+"1q"), "invalid address %s", payment.Address)
				_, err = setup.Vault.ScriptHash(payment.Address)
				assertions.Nil(err, "address should decode")
				expiresIn := test.ExpiresIn
				if expiresIn == 0 {
					expiresIn = 24 * time.Hour
				}
				assertions.True(payment.CreatedAt.Add(expiresIn).Equal(payment.ExpiresAt), "invalid expiration")

				// Query first
				first, err := ctrl.Query(ctx, payment.Id)
				assertions.Nil(err, "failed to query first payment")
				assertions.Equal(payment.Id, first.Id)
				assertions.Equal(payments.StatusPending, first.Status)
				assertions.Equal(uint64(0), first.Confirmations)
				assertions.Equal(uint64(Confirmations), first.ConfirmationsNeeded)

				// Pay the address
				values := map[wire.OutPoint]uint64{}
				var paid uint64
				for range test.FullFillParts {
					part := amount / test.Parts
					values[setup.Funder.Fund(t, payment.Address, part)] = part
					paid += part
				}
				setup.Funder.Confirm(t, test.Confirmations)
				clock.Advance(test.Advance)

				// Live status never changes the payment besides expiring it
				live, err := ctrl.Query(ctx, payment.Id)
				assertions.Nil(err, "failed to query payment")
				assertions.Equal(uint64(test.Confirmations), live.Confirmations)
				assertions.Equal(int64(paid), live.Confirmed+live.Unconfirmed)
				if test.Advance > test.ExpiresIn && test.ExpiresIn > 0 {
					assertions.Equal(payments.StatusExpired, live.Status)
				} else {
					assertions.Equal(payments.StatusPending, live.Status)
				}

				// Full cycle, expired payments included
				report, err := sweep.Tick(ctx, sweeper.DefaultSecondaryEvery)
				assertions.Nil(err, "failed to process payments")
				assertions.Equal(0, report.Failed)
				assertions.Equal(test.Expect.Sweeps, report.Swept)

				latest, err := ctrl.Query(ctx, payment.Id)
				assertions.Nil(err, "failed to query payment")
				assertions.Equal(test.Expect.Status, latest.Status, "invalid payment status")

				broadcasts := setup.Funder.Broadcasts()
				assertions.Len(broadcasts, test.Expect.Sweeps)
				if test.Expect.Sweeps == 0 {
					return
				}

				coldScript, err := setup.Vault.PayToAddress(setup.ColdAddress)
				assertions.Nil(err, "failed to build cold script")
				tx := broadcasts[0]
				assertions.Len(tx.TxOut, 1)
				assertions.Equal(coldScript, tx.TxOut[0].PkScript)
				assertions.Equal(int64(paid-report.Sweeps[0].Fee), tx.TxOut[0].Value)
				VerifySweep(t, setup.Vault, payment.Address, tx, values)
			})
		}
	})
	t.Run("Invalid", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		clock := ptestsuite.NewFrozenClock()
		setup := factory(t, clock.Now)
		ctrl := gateway.New(gateway.Config{
			Store:     setup.Store,
			Chain:     setup.Chain,
			Vault:     setup.Vault,
			MinAmount: 1_000,
			MaxAmount: 1_000_000,
			Now:       clock.Now,
		})

		_, err := ctrl.Receive(ctx, &gateway.Receive{Amount: 999})
		assertions.ErrorIs(err, gateway.ErrInvalidAmount)
		_, err = ctrl.Receive(ctx, &gateway.Receive{Amount: 1_000_001})
		assertions.ErrorIs(err, gateway.ErrInvalidAmount)
		_, err = ctrl.Receive(ctx, &gateway.Receive{Amount: 1_000, ExpiresIn: -time.Second})
		assertions.ErrorIs(err, gateway.ErrInvalidExpiration)

		payment, err := ctrl.Receive(ctx, &gateway.Receive{Amount: 1_000})
		assertions.Nil(err, "failed to create payment")
		assertions.True(payment.ExpiresAt.IsZero(), "no default timeout means no expiration")

		clock.Advance(365 * 24 * time.Hour)
		status, err := ctrl.Query(ctx, payment.Id)
		assertions.Nil(err, "failed to query payment")
		assertions.Equal(payments.StatusPending, status.Status)
	})
	t.Run("Unique addresses", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		setup := factory(t, payments.DefaultClock)
		ctrl := gateway.New(gateway.Config{Store: setup.Store, Chain: setup.Chain, Vault: setup.Vault})

		seen := map[string]struct{}{}
		for range 50 {
			payment, err := ctrl.Receive(ctx, &gateway.Receive{Amount: 10_000})
			assertions.Nil(err, "failed to create payment")
			_, found := seen[payment.Address]
			assertions.False(found, "address reused")
			seen[payment.Address] = struct{}{}

			key, err := setup.Vault.OpenKey(payment.EncryptedKey)
			assertions.Nil(err, "failed to open key")
			address, err := setup.Vault.AddressOf(key.PubKey())
			assertions.Nil(err, "failed to derive address")
			assertions.Equal(payment.Address, address)
		}
	})
}

// VerifySweep checks every witness of tx signs the BIP143 digest of its input
// with the key of address. values holds the value of every spent output
func VerifySweep(t *testing.T, vault *keyvault.Vault, address string, tx *wire.MsgTx, values map[wire.OutPoint]uint64) {
	assertions := assert.New(t)

	pkScript, err := vault.PayToAddress(address)
	assertions.Nil(err, "failed to build payment script")

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	for _, in := range tx.TxIn {
		value, found := values[in.PreviousOutPoint]
		assertions.True(found, "unexpected input %s", in.PreviousOutPoint)
		prevOuts[in.PreviousOutPoint] = wire.NewTxOut(int64(value), pkScript)
	}
	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewMultiPrevOutFetcher(prevOuts))

	for index, in := range tx.TxIn {
		if !assertions.Len(in.Witness, 2, "input %d", index) {
			continue
		}
		signature, err := ecdsa.ParseDERSignature(in.Witness[0][:len(in.Witness[0])-1])
		assertions.Nil(err, "failed to parse signature")
		assertions.Equal(byte(txscript.SigHashAll), in.Witness[0][len(in.Witness[0])-1])

		public, err := btcec.ParsePubKey(in.Witness[1])
		assertions.Nil(err, "failed to parse public key")
		derived, err := vault.AddressOf(public)
		assertions.Nil(err, "failed to derive address")
		assertions.Equal(address, derived, "input %d signed by another key", index)

		scriptCode, err := wallets.ScriptCode(public)
		assertions.Nil(err, "failed to build script code")
		value := prevOuts[in.PreviousOutPoint].Value
		digest, err := txscript.CalcWitnessSigHash(scriptCode, sigHashes, txscript.SigHashAll, tx, index, value)
		assertions.Nil(err, "failed to compute digest")
		assertions.True(signature.Verify(digest, public), "invalid signature on input %d", index)
	}

	t.Log("verified sweep", tx.TxHash())
}
