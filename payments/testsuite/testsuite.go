package testsuite

import (
	"sync"
	"testing"
	"time"

	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/RogueTeam/ltcsweep/random"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// Factory opens a fresh empty store using now as its time source
type Factory func(t *testing.T, now payments.Clock) (store payments.Store)

// FrozenClock only moves when told to
type FrozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFrozenClock() *FrozenClock {
	return &FrozenClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func NewPayment() payments.Payment {
	return payments.Payment{
		Id:           uuid.New(),
		Address:      "ltc1q" + random.String(random.PseudoRand, random.CharsetAlphaNumeric, 38),
		EncryptedKey: random.Hash(random.PseudoRand),
		Amount:       1_000_000,
	}
}

// Test runs the behaviour every payments.Store implementation must honour
func Test(t *testing.T, factory Factory) {
	t.Run("Insert", func(t *testing.T) {
		t.Run("Succeed", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			clock := NewFrozenClock()
			store := factory(t, clock.Now)

			payment := NewPayment()
			payment.ExpiresAt = clock.Now().Add(time.Hour)
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			found, err := store.Find(ctx, payment.Id)
			assertions.Nil(err, "failed to find payment")
			assertions.Equal(payment.Id, found.Id)
			assertions.Equal(payment.Address, found.Address)
			assertions.Equal(payment.EncryptedKey, found.EncryptedKey)
			assertions.Equal(payment.Amount, found.Amount)
			assertions.Equal(payments.StatusPending, found.Status)
			assertions.True(clock.Now().Equal(found.CreatedAt), "invalid creation time")
			assertions.True(found.CreatedAt.Equal(found.UpdatedAt), "update time should match creation")
			assertions.True(payment.ExpiresAt.Equal(found.ExpiresAt), "invalid expiration")
		})
		t.Run("No expiration", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			store := factory(t, payments.DefaultClock)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			found, err := store.Find(ctx, payment.Id)
			assertions.Nil(err, "failed to find payment")
			assertions.True(found.ExpiresAt.IsZero(), "expiration should be unset")
			assertions.False(found.Expired(time.Now().Add(100*365*24*time.Hour)), "should never expire")
		})
		t.Run("Duplicated id", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			store := factory(t, payments.DefaultClock)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			duplicated := NewPayment()
			duplicated.Id = payment.Id
			err = store.Insert(ctx, duplicated)
			assertions.ErrorIs(err, payments.ErrPaymentExists)
		})
		t.Run("Duplicated address", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			store := factory(t, payments.DefaultClock)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			duplicated := NewPayment()
			duplicated.Address = payment.Address
			err = store.Insert(ctx, duplicated)
			assertions.ErrorIs(err, payments.ErrAddressExists)

			_, err = store.Find(ctx, duplicated.Id)
			assertions.ErrorIs(err, payments.ErrPaymentNotFound, "rejected payment should not be stored")
		})
		t.Run("Invalid", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			store := factory(t, payments.DefaultClock)

			payment := NewPayment()
			payment.Amount = 0
			err := store.Insert(ctx, payment)
			assertions.ErrorIs(err, payments.ErrInvalidAmount)

			payment = NewPayment()
			payment.Id = uuid.Nil
			err = store.Insert(ctx, payment)
			assertions.ErrorIs(err, payments.ErrInvalidId)

			payment = NewPayment()
			payment.Address = ""
			err = store.Insert(ctx, payment)
			assertions.ErrorIs(err, payments.ErrInvalidAddress)

			all, err := store.All(ctx)
			assertions.Nil(err, "failed to list payments")
			assertions.Empty(all)
		})
	})
	t.Run("Find", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		store := factory(t, payments.DefaultClock)

		_, err := store.Find(ctx, uuid.New())
		assertions.ErrorIs(err, payments.ErrPaymentNotFound)
	})
	t.Run("All", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		clock := NewFrozenClock()
		store := factory(t, clock.Now)

		all, err := store.All(ctx)
		assertions.Nil(err, "failed to list empty store")
		assertions.Empty(all)

		expected := map[uuid.UUID]payments.Payment{}
		for range 10 {
			clock.Advance(time.Second)
			payment := NewPayment()
			err = store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")
			expected[payment.Id] = payment
		}

		// Terminal payments are still listed
		for id := range expected {
			_, err = store.MarkCompleted(ctx, id)
			assertions.Nil(err, "failed to complete payment")
			break
		}

		all, err = store.All(ctx)
		assertions.Nil(err, "failed to list payments")
		assertions.Len(all, len(expected))
		for _, payment := range all {
			reference, found := expected[payment.Id]
			assertions.True(found, "unknown payment listed")
			assertions.Equal(reference.Address, payment.Address)
		}
	})
	t.Run("MarkCompleted", func(t *testing.T) {
		t.Run("Pending", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			clock := NewFrozenClock()
			store := factory(t, clock.Now)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			clock.Advance(time.Minute)
			completed, err := store.MarkCompleted(ctx, payment.Id)
			assertions.Nil(err, "failed to complete payment")
			assertions.Equal(payments.StatusCompleted, completed.Status)
			assertions.True(clock.Now().Equal(completed.UpdatedAt), "update time not refreshed")

			found, err := store.Find(ctx, payment.Id)
			assertions.Nil(err, "failed to find payment")
			assertions.Equal(payments.StatusCompleted, found.Status)
			assertions.True(completed.UpdatedAt.Equal(found.UpdatedAt), "update time not persisted")
		})
		t.Run("Idempotent", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			clock := NewFrozenClock()
			store := factory(t, clock.Now)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			first, err := store.MarkCompleted(ctx, payment.Id)
			assertions.Nil(err, "failed to complete payment")

			// Frozen clock, UpdatedAt must still move forward
			second, err := store.MarkCompleted(ctx, payment.Id)
			assertions.Nil(err, "failed to complete payment twice")
			assertions.Equal(payments.StatusCompleted, second.Status)
			assertions.True(second.UpdatedAt.After(first.UpdatedAt), "update time should advance")
		})
		t.Run("Expired", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			clock := NewFrozenClock()
			store := factory(t, clock.Now)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			expired, err := store.MarkExpired(ctx, payment.Id)
			assertions.Nil(err, "failed to expire payment")
			assertions.Equal(payments.StatusExpired, expired.Status)

			clock.Advance(time.Minute)
			result, err := store.MarkCompleted(ctx, payment.Id)
			assertions.Nil(err, "failed to complete payment")
			assertions.Equal(payments.StatusCompleted, result.Status)
			assertions.True(clock.Now().Equal(result.UpdatedAt), "update time not refreshed")

			found, err := store.Find(ctx, payment.Id)
			assertions.Nil(err, "failed to find payment")
			assertions.Equal(payments.StatusCompleted, found.Status)

			// Completion is final, expiring again is a no-op
			again, err := store.MarkExpired(ctx, payment.Id)
			assertions.Nil(err, "failed to expire payment")
			assertions.Equal(payments.StatusCompleted, again.Status)
		})
		t.Run("Not found", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			store := factory(t, payments.DefaultClock)

			_, err := store.MarkCompleted(ctx, uuid.New())
			assertions.ErrorIs(err, payments.ErrPaymentNotFound)
		})
	})
	t.Run("MarkExpired", func(t *testing.T) {
		t.Run("Pending", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			clock := NewFrozenClock()
			store := factory(t, clock.Now)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			clock.Advance(time.Minute)
			expired, err := store.MarkExpired(ctx, payment.Id)
			assertions.Nil(err, "failed to expire payment")
			assertions.Equal(payments.StatusExpired, expired.Status)
			assertions.True(clock.Now().Equal(expired.UpdatedAt), "update time not refreshed")

			// Second call is a no-op
			clock.Advance(time.Minute)
			again, err := store.MarkExpired(ctx, payment.Id)
			assertions.Nil(err, "failed to expire payment twice")
			assertions.Equal(payments.StatusExpired, again.Status)
			assertions.True(expired.UpdatedAt.Equal(again.UpdatedAt), "terminal payment modified")
		})
		t.Run("Completed untouched", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			clock := NewFrozenClock()
			store := factory(t, clock.Now)

			payment := NewPayment()
			err := store.Insert(ctx, payment)
			assertions.Nil(err, "failed to insert payment")

			completed, err := store.MarkCompleted(ctx, payment.Id)
			assertions.Nil(err, "failed to complete payment")

			clock.Advance(time.Minute)
			result, err := store.MarkExpired(ctx, payment.Id)
			assertions.Nil(err, "failed to expire payment")
			assertions.Equal(payments.StatusCompleted, result.Status)
			assertions.True(completed.UpdatedAt.Equal(result.UpdatedAt), "terminal payment modified")

			found, err := store.Find(ctx, payment.Id)
			assertions.Nil(err, "failed to find payment")
			assertions.Equal(payments.StatusCompleted, found.Status)
		})
		t.Run("Not found", func(t *testing.T) {
			assertions := assert.New(t)

			ctx, cancel := utils.NewContext()
			defer cancel()

			store := factory(t, payments.DefaultClock)

			_, err := store.MarkExpired(ctx, uuid.New())
			assertions.ErrorIs(err, payments.ErrPaymentNotFound)
		})
	})
	t.Run("Concurrent transitions", func(t *testing.T) {
		assertions := assert.New(t)

		ctx, cancel := utils.NewContext()
		defer cancel()

		store := factory(t, payments.DefaultClock)

		payment := NewPayment()
		err := store.Insert(ctx, payment)
		assertions.Nil(err, "failed to insert payment")

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			completed []payments.Status
		)
		for index := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()

				var (
					result payments.Payment
					err    error
				)
				if index%2 == 0 {
					result, err = store.MarkCompleted(ctx, payment.Id)
				} else {
					result, err = store.MarkExpired(ctx, payment.Id)
				}
				if !assert.Nil(t, err, "failed to transition payment") {
					return
				}
				if index%2 == 0 {
					mu.Lock()
					completed = append(completed, result.Status)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		// Completions always win, whatever the interleaving with expirations
		found, err := store.Find(ctx, payment.Id)
		assertions.Nil(err, "failed to find payment")
		assertions.Equal(payments.StatusCompleted, found.Status)
		assertions.Len(completed, 10)
		for _, status := range completed {
			assertions.Equal(payments.StatusCompleted, status)
		}
	})
}
