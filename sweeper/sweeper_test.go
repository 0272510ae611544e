package sweeper_test

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RogueTeam/ltcsweep/blockchains/mock"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/RogueTeam/ltcsweep/payments/badgerstore"
	"github.com/RogueTeam/ltcsweep/payments/sqlitestore"
	"github.com/RogueTeam/ltcsweep/payments/testsuite"
	"github.com/RogueTeam/ltcsweep/random"
	"github.com/RogueTeam/ltcsweep/sweeper"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/RogueTeam/ltcsweep/wallets"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

//go:embed tests/gating.yaml
var gatingTests []byte

type recorder struct {
	mu       sync.Mutex
	err      error
	notified []payments.Payment
}

func (r *recorder) Notify(ctx context.Context, payment payments.Payment) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, payment)
	return r.err
}

func (r *recorder) Notified() (notified []payments.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(notified, r.notified...)
}

type storeFactory func(t *testing.T, now payments.Clock) payments.Store

var stores = map[string]storeFactory{
	"Badger": func(t *testing.T, now payments.Clock) payments.Store {
		options := badger.
			DefaultOptions("").
			WithInMemory(true).
			WithLogger(nil)
		db, err := badger.Open(options)
		if !assert.Nil(t, err, "failed to open database") {
			t.FailNow()
		}
		t.Cleanup(func() { db.Close() })
		return badgerstore.New(badgerstore.Config{DB: db, Now: now})
	},
	"SQLite": func(t *testing.T, now payments.Clock) payments.Store {
		ctx, cancel := utils.NewContext()
		defer cancel()

		db, err := sqlitestore.Open(ctx, ":memory:")
		if !assert.Nil(t, err, "failed to open database") {
			t.FailNow()
		}
		t.Cleanup(func() { db.Close() })
		return sqlitestore.New(sqlitestore.Config{DB: db, Now: now})
	},
}

type env struct {
	vault      *keyvault.Vault
	store      payments.Store
	chain      *mock.Mock
	clock      *testsuite.FrozenClock
	coldScript []byte
	notifier   *recorder
	sweeper    *sweeper.Sweeper
}

func newEnv(t *testing.T, factory storeFactory, config sweeper.Config) (e *env) {
	assertions := assert.New(t)

	vault, err := keyvault.New(keyvault.Config{
		Key:     random.Bytes(random.CryptoRand(), keyvault.KeySize),
		Network: keyvault.Litecoin,
	})
	if !assertions.Nil(err, "failed to create vault") {
		t.FailNow()
	}
	cold, err := vault.GenerateKey()
	assertions.Nil(err, "failed to generate cold key")
	coldScript, err := vault.PayToAddress(cold.Address)
	assertions.Nil(err, "failed to build cold script")

	e = &env{
		vault:      vault,
		chain:      mock.New(mock.Config{Height: 100, VerifyScripts: true}),
		clock:      testsuite.NewFrozenClock(),
		coldScript: coldScript,
		notifier:   &recorder{},
	}
	e.store = factory(t, e.clock.Now)

	config.Store = e.store
	config.Chain = e.chain
	config.Vault = vault
	config.ColdAddress = cold.Address
	config.Notifier = e.notifier
	config.Now = e.clock.Now
	e.sweeper, err = sweeper.New(config)
	if !assertions.Nil(err, "failed to create sweeper") {
		t.FailNow()
	}
	return e
}

// newPayment inserts a pending payment and returns it with its output script
func (e *env) newPayment(t *testing.T, amount uint64, expiresIn time.Duration) (payment payments.Payment, pkScript []byte) {
	key, err := e.vault.GenerateKey()
	assert.Nil(t, err, "failed to generate key")
	encrypted, err := e.vault.SealKey(key.Private)
	assert.Nil(t, err, "failed to seal key")

	payment = payments.Payment{
		Id:           uuid.New(),
		Address:      key.Address,
		EncryptedKey: encrypted,
		Amount:       amount,
	}
	if expiresIn != 0 {
		payment.ExpiresAt = e.clock.Now().Add(expiresIn)
	}
	return payment, e.insert(t, payment)
}

func (e *env) insert(t *testing.T, payment payments.Payment) (pkScript []byte) {
	ctx, cancel := utils.NewContext()
	defer cancel()

	err := e.store.Insert(ctx, payment)
	assert.Nil(t, err, "failed to insert payment")

	pkScript, err = e.vault.PayToAddress(payment.Address)
	assert.Nil(t, err, "failed to build payment script")
	return pkScript
}

func (e *env) status(t *testing.T, id uuid.UUID) (status payments.Status) {
	ctx, cancel := utils.NewContext()
	defer cancel()

	payment, err := e.store.Find(ctx, id)
	assert.Nil(t, err, "failed to find payment")
	return payment.Status
}

func Test_New(t *testing.T) {
	assertions := assert.New(t)

	vault, err := keyvault.New(keyvault.Config{
		Key:     random.Bytes(random.CryptoRand(), keyvault.KeySize),
		Network: keyvault.Litecoin,
	})
	assertions.Nil(err, "failed to create vault")
	store := stores["Badger"](t, payments.DefaultClock)
	chain := mock.New(mock.Config{})

	_, err = sweeper.New(sweeper.Config{Store: store, Chain: chain, Vault: vault, ColdAddress: "ltc1qinvalid"})
	assertions.ErrorIs(err, sweeper.ErrConfiguration)

	testnet, err := keyvault.New(keyvault.Config{
		Key:     random.Bytes(random.CryptoRand(), keyvault.KeySize),
		Network: keyvault.LitecoinTestnet,
	})
	assertions.Nil(err, "failed to create testnet vault")
	key, err := testnet.GenerateKey()
	assertions.Nil(err, "failed to generate testnet key")
	_, err = sweeper.New(sweeper.Config{Store: store, Chain: chain, Vault: vault, ColdAddress: key.Address})
	assertions.ErrorIs(err, sweeper.ErrConfiguration, "address of another network")

	_, err = sweeper.New(sweeper.Config{Chain: chain, Vault: vault})
	assertions.ErrorIs(err, sweeper.ErrConfiguration)

	cold, err := vault.GenerateKey()
	assertions.Nil(err, "failed to generate key")
	s, err := sweeper.New(sweeper.Config{Store: store, Chain: chain, Vault: vault, ColdAddress: cold.Address})
	assertions.Nil(err, "failed to create sweeper")

	assertions.True(s.Due(payments.StatusPending, 1))
	assertions.False(s.Due(payments.StatusCompleted, 1))
	assertions.False(s.Due(payments.StatusExpired, 359))
	assertions.True(s.Due(payments.StatusExpired, sweeper.DefaultSecondaryEvery))
	assertions.True(s.Due(payments.StatusCompleted, 2*sweeper.DefaultSecondaryEvery))
}

func Test_Tick(t *testing.T) {
	type Expect struct {
		Status   payments.Status `yaml:"status"`
		Swept    int             `yaml:"swept"`
		Skipped  int             `yaml:"skipped"`
		Expired  int             `yaml:"expired"`
		Notified int             `yaml:"notified"`
	}
	type Test struct {
		Name      string        `yaml:"name"`
		Amount    uint64        `yaml:"amount"`
		ExpiresIn time.Duration `yaml:"expires-in"`
		Deposits  []uint64      `yaml:"deposits"`
		Mine      int64         `yaml:"mine"`
		FeeRate   uint64        `yaml:"fee-rate"`
		Expect    Expect        `yaml:"expect"`
	}

	var tests []Test
	err := yaml.Unmarshal(gatingTests, &tests)
	if !assert.Nil(t, err, "failed to load tests") {
		return
	}

	for storeName, factory := range stores {
		t.Run(storeName, func(t *testing.T) {
			for _, test := range tests {
				t.Run(test.Name, func(t *testing.T) {
					t.Parallel()
					assertions := assert.New(t)

					ctx, cancel := utils.NewContext()
					defer cancel()

					e := newEnv(t, factory, sweeper.Config{})
					if test.FeeRate > 0 {
						e.chain.SetFeeRate(test.FeeRate)
					}

					payment, pkScript := e.newPayment(t, test.Amount, test.ExpiresIn)
					for _, value := range test.Deposits {
						e.chain.Deposit(pkScript, value)
					}
					e.chain.Mine(test.Mine)

					report, err := e.sweeper.Tick(ctx, 1)
					assertions.Nil(err, "failed to tick")
					assertions.Equal(1, report.Total)
					assertions.Equal(1, report.Evaluated)
					assertions.Equal(0, report.Failed)
					assertions.Equal(test.Expect.Swept, report.Swept)
					assertions.Equal(test.Expect.Skipped, report.Skipped)
					assertions.Equal(test.Expect.Expired, report.Expired)
					assertions.Equal(test.Expect.Status, e.status(t, payment.Id))
					assertions.Len(e.notifier.Notified(), test.Expect.Notified)

					broadcasts := e.chain.Broadcasts()
					assertions.Len(broadcasts, test.Expect.Swept)
					if test.Expect.Swept == 0 {
						return
					}

					total := utils.SumInt(test.Deposits)
					tx := broadcasts[0]
					sweep := report.Sweeps[0]
					assertions.Equal(payment.Id, sweep.Payment)
					assertions.Equal(tx.TxHash().String(), sweep.TxId)
					assertions.Len(tx.TxIn, len(test.Deposits))
					assertions.Len(tx.TxOut, 1)
					assertions.Equal(e.coldScript, tx.TxOut[0].PkScript)
					assertions.Equal(int64(total-sweep.Fee), tx.TxOut[0].Value)
					assertions.Equal(total-sweep.Fee, sweep.Amount)

					rate := test.FeeRate
					if rate == 0 {
						rate = 1
					}
					unsigned := tx.Copy()
					for _, in := range unsigned.TxIn {
						in.Witness = nil
					}
					assertions.Equal(wallets.EstimateVSize(unsigned)*rate, sweep.Fee)
				})
			}
		})
	}
}

func Test_SecondaryPolling(t *testing.T) {
	assertions := assert.New(t)

	ctx, cancel := utils.NewContext()
	defer cancel()

	e := newEnv(t, stores["Badger"], sweeper.Config{SecondaryEvery: 10})

	payment, pkScript := e.newPayment(t, 1_000_000, 0)
	e.chain.Deposit(pkScript, 1_000_000)
	e.chain.Mine(2)

	report, err := e.sweeper.Tick(ctx, 1)
	assertions.Nil(err, "failed to tick")
	assertions.Equal(1, report.Swept)
	assertions.Equal(payments.StatusCompleted, e.status(t, payment.Id))

	// Late deposit to an already swept address
	e.chain.Deposit(pkScript, 50_000)
	e.chain.Mine(2)

	historyCalls := e.chain.Calls(mock.OperationHistory)
	for cycle := uint64(2); cycle < 10; cycle++ {
		report, err = e.sweeper.Tick(ctx, cycle)
		assertions.Nil(err, "failed to tick")
		assertions.Equal(1, report.Total)
		assertions.Equal(0, report.Evaluated, "completed payments wait for the secondary cycle")
	}
	assertions.Equal(historyCalls, e.chain.Calls(mock.OperationHistory), "no chain queries for terminal payments")
	assertions.Len(e.chain.Broadcasts(), 1)

	report, err = e.sweeper.Tick(ctx, 10)
	assertions.Nil(err, "failed to tick")
	assertions.Equal(1, report.Evaluated)
	assertions.Equal(1, report.Swept)
	assertions.Len(e.chain.Broadcasts(), 2)
	assertions.Equal(uint64(50_000)-report.Sweeps[0].Fee, report.Sweeps[0].Amount)

	assertions.Equal(payments.StatusCompleted, e.status(t, payment.Id))
	assertions.Len(e.notifier.Notified(), 1, "late deposits don't notify twice")

	// Nothing left
	report, err = e.sweeper.Tick(ctx, 20)
	assertions.Nil(err, "failed to tick")
	assertions.Equal(1, report.Skipped)
	assertions.Len(e.chain.Broadcasts(), 2)
}

func Test_LateConfirmations(t *testing.T) {
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("Paid before expiring", func(t *testing.T) {
				assertions := assert.New(t)

				ctx, cancel := utils.NewContext()
				defer cancel()

				e := newEnv(t, factory, sweeper.Config{})

				payment, pkScript := e.newPayment(t, 1_000_000, time.Hour)
				e.chain.Deposit(pkScript, 1_000_000)

				// Confirmations land after the deadline
				e.clock.Advance(2 * time.Hour)
				e.chain.Mine(2)

				report, err := e.sweeper.Tick(ctx, 1)
				assertions.Nil(err, "failed to tick")
				assertions.Equal(1, report.Expired)
				assertions.Equal(1, report.Swept)
				assertions.Equal(payments.StatusCompleted, e.status(t, payment.Id))

				notified := e.notifier.Notified()
				if assertions.Len(notified, 1) {
					assertions.Equal(payment.Id, notified[0].Id)
					assertions.Equal(payments.StatusCompleted, notified[0].Status)
				}
			})
			t.Run("Remainder after expiring", func(t *testing.T) {
				assertions := assert.New(t)

				ctx, cancel := utils.NewContext()
				defer cancel()

				e := newEnv(t, factory, sweeper.Config{SecondaryEvery: 10})

				payment, pkScript := e.newPayment(t, 1_000_000, time.Minute)
				e.chain.Deposit(pkScript, 600_000)
				e.clock.Advance(time.Hour)
				e.chain.Mine(2)

				report, err := e.sweeper.Tick(ctx, 1)
				assertions.Nil(err, "failed to tick")
				assertions.Equal(1, report.Swept)
				assertions.Equal(payments.StatusExpired, e.status(t, payment.Id))
				assertions.Empty(e.notifier.Notified())

				// Each sweep is judged on its own total
				e.chain.Deposit(pkScript, 400_000)
				e.chain.Mine(2)

				report, err = e.sweeper.Tick(ctx, 10)
				assertions.Nil(err, "failed to tick")
				assertions.Equal(1, report.Swept)
				assertions.Equal(payments.StatusExpired, e.status(t, payment.Id))
				assertions.Empty(e.notifier.Notified())
			})
		})
	}
}

func Test_FailureIsolation(t *testing.T) {
	t.Run("Keys", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		e := newEnv(t, stores["Badger"], sweeper.Config{})

		good, goodScript := e.newPayment(t, 1_000_000, 0)
		e.chain.Deposit(goodScript, 1_000_000)

		// Key of another address
		owner, err := e.vault.GenerateKey()
		assertions.Nil(err, "failed to generate key")
		other, err := e.vault.GenerateKey()
		assertions.Nil(err, "failed to generate key")
		sealed, err := e.vault.SealKey(other.Private)
		assertions.Nil(err, "failed to seal key")
		mismatch := payments.Payment{Id: uuid.New(), Address: owner.Address, EncryptedKey: sealed, Amount: 1_000_000}
		e.chain.Deposit(e.insert(t, mismatch), 1_000_000)

		// Key that no longer authenticates
		victim, err := e.vault.GenerateKey()
		assertions.Nil(err, "failed to generate key")
		sealed, err = e.vault.SealKey(victim.Private)
		assertions.Nil(err, "failed to seal key")
		flipped := []byte(sealed)
		if flipped[len(flipped)-1] == '0' {
			flipped[len(flipped)-1] = '1'
		} else {
			flipped[len(flipped)-1] = '0'
		}
		tampered := payments.Payment{Id: uuid.New(), Address: victim.Address, EncryptedKey: string(flipped), Amount: 1_000_000}
		e.chain.Deposit(e.insert(t, tampered), 1_000_000)

		e.chain.Mine(3)

		report, err := e.sweeper.Tick(ctx, 1)
		assertions.Nil(err, "failed to tick")
		assertions.Equal(3, report.Evaluated)
		assertions.Equal(1, report.Swept)
		assertions.Equal(2, report.Failed)
		assertions.Len(e.chain.Broadcasts(), 1)
		assertions.Equal(good.Id, report.Sweeps[0].Payment)

		assertions.Equal(payments.StatusCompleted, e.status(t, good.Id))
		assertions.Equal(payments.StatusPending, e.status(t, mismatch.Id))
		assertions.Equal(payments.StatusPending, e.status(t, tampered.Id))
		assertions.Len(e.notifier.Notified(), 1)
	})
	t.Run("Broadcast", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		e := newEnv(t, stores["SQLite"], sweeper.Config{})

		first, firstScript := e.newPayment(t, 1_000_000, 0)
		e.chain.Deposit(firstScript, 1_000_000)
		second, secondScript := e.newPayment(t, 2_000_000, 0)
		e.chain.Deposit(secondScript, 2_000_000)
		e.chain.Mine(2)

		e.chain.Fail(mock.OperationBroadcast, errors.New("node rejected transaction"))
		report, err := e.sweeper.Tick(ctx, 1)
		assertions.Nil(err, "failed to tick")
		assertions.Equal(2, report.Failed)
		assertions.Equal(0, report.Swept)
		assertions.Equal(payments.StatusPending, e.status(t, first.Id))
		assertions.Equal(payments.StatusPending, e.status(t, second.Id))
		assertions.Empty(e.notifier.Notified())

		// Same sweep is retried on the next tick
		e.chain.Fail(mock.OperationBroadcast, nil)
		report, err = e.sweeper.Tick(ctx, 2)
		assertions.Nil(err, "failed to tick")
		assertions.Equal(2, report.Swept)
		assertions.Equal(payments.StatusCompleted, e.status(t, first.Id))
		assertions.Equal(payments.StatusCompleted, e.status(t, second.Id))
		assertions.Len(e.notifier.Notified(), 2)
	})
	t.Run("Chain", func(t *testing.T) {
		for _, op := range []mock.Operation{mock.OperationHistory, mock.OperationTip, mock.OperationBalance, mock.OperationListUnspent} {
			t.Run(string(op), func(t *testing.T) {
				assertions := assert.New(t)

				ctx, cancel := utils.NewContext()
				defer cancel()

				e := newEnv(t, stores["Badger"], sweeper.Config{})
				payment, pkScript := e.newPayment(t, 1_000_000, 0)
				e.chain.Deposit(pkScript, 1_000_000)
				e.chain.Mine(2)

				e.chain.Fail(op, errors.New("connection reset"))
				report, err := e.sweeper.Tick(ctx, 1)
				assertions.Nil(err, "failed to tick")
				assertions.Equal(1, report.Failed)
				assertions.Empty(e.chain.Broadcasts())
				assertions.Equal(payments.StatusPending, e.status(t, payment.Id))
			})
		}
	})
	t.Run("Notifier", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		e := newEnv(t, stores["Badger"], sweeper.Config{})
		e.notifier.err = errors.New("webhook down")

		payment, pkScript := e.newPayment(t, 1_000_000, 0)
		e.chain.Deposit(pkScript, 1_000_000)
		e.chain.Mine(2)

		report, err := e.sweeper.Tick(ctx, 1)
		assertions.Nil(err, "failed to tick")
		assertions.Equal(1, report.Swept)
		assertions.Equal(0, report.Failed)
		assertions.Equal(payments.StatusCompleted, e.status(t, payment.Id))
		assertions.Len(e.notifier.Notified(), 1)
	})
}

func Test_FeeFallback(t *testing.T) {
	assertions := assert.New(t)

	ctx, cancel := utils.NewContext()
	defer cancel()

	e := newEnv(t, stores["Badger"], sweeper.Config{})
	e.chain.SetFeeRate(50)
	e.chain.Fail(mock.OperationFee, errors.New("no estimate"))

	_, pkScript := e.newPayment(t, 1_000_000, 0)
	e.chain.Deposit(pkScript, 1_000_000)
	e.chain.Mine(2)

	report, err := e.sweeper.Tick(ctx, 1)
	assertions.Nil(err, "failed to tick")
	assertions.Equal(1, report.Swept)

	tx := e.chain.Broadcasts()[0]
	unsigned := tx.Copy()
	for _, in := range unsigned.TxIn {
		in.Witness = nil
	}
	assertions.Equal(wallets.EstimateVSize(unsigned), report.Sweeps[0].Fee, "minimum rate of 1")
}

func Test_Concurrency(t *testing.T) {
	assertions := assert.New(t)

	ctx, cancel := utils.NewContext()
	defer cancel()

	e := newEnv(t, stores["Badger"], sweeper.Config{Concurrency: 4})

	const count = 25
	for index := range count {
		_, pkScript := e.newPayment(t, 100_000, 0)
		if index%2 == 0 {
			e.chain.Deposit(pkScript, 100_000)
		}
	}
	e.chain.Mine(2)

	report, err := e.sweeper.Tick(ctx, 1)
	assertions.Nil(err, "failed to tick")
	assertions.Equal(count, report.Evaluated)
	assertions.Equal(13, report.Swept)
	assertions.Equal(12, report.Skipped)
	assertions.Len(e.chain.Broadcasts(), 13)
	assertions.Len(e.notifier.Notified(), 13)
}

func Test_Run(t *testing.T) {
	assertions := assert.New(t)

	e := newEnv(t, stores["Badger"], sweeper.Config{Interval: 10 * time.Millisecond})

	payment, pkScript := e.newPayment(t, 1_000_000, 0)
	e.chain.Deposit(pkScript, 1_000_000)
	e.chain.Mine(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sweeper.Run(ctx) }()

	assertions.Eventually(func() bool {
		return e.status(t, payment.Id) == payments.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assertions.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper didn't stop")
	}
	assertions.Len(e.chain.Broadcasts(), 1, "completed payments are not swept again")
}
