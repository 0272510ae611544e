package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RogueTeam/ltcsweep/payments"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var paymentsPrefix = []byte("/payments/")

type Config struct {
	// Badger database to use
	DB *badger.DB
	// Time source for the timestamps. Defaults to payments.DefaultClock
	Now payments.Clock
}

// Store keeps the payments in badger.
// Each payment lives at /payments/<id> and /addresses/<address> points to its id.
type Store struct {
	mu  sync.Mutex
	db  *badger.DB
	now payments.Clock
}

var _ payments.Store = (*Store)(nil)

func New(config Config) (s *Store) {
	s = &Store{
		db:  config.DB,
		now: config.Now,
	}
	if s.now == nil {
		s.now = payments.DefaultClock
	}
	return s
}

func getPayment(txn *badger.Txn, id uuid.UUID) (payment payments.Payment, err error) {
	entry, err := txn.Get(payments.PaymentKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return payment, payments.ErrPaymentNotFound
		}
		return payment, fmt.Errorf("failed to query existing payment: %w", err)
	}

	err = entry.Value(func(val []byte) (err error) {
		err = payment.FromBytes(val)
		if err != nil {
			return fmt.Errorf("failed to unmarshal payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return payment, fmt.Errorf("failed to retrieve value: %w", err)
	}
	return payment, nil
}

func exists(txn *badger.Txn, key []byte) (found bool, err error) {
	_, err = txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) Insert(ctx context.Context, payment payments.Payment) (err error) {
	err = payments.Prepare(&payment, s.now)
	if err != nil {
		return fmt.Errorf("failed to validate payment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) (err error) {
		found, err := exists(txn, payments.PaymentKey(payment.Id))
		if err != nil {
			return fmt.Errorf("failed to check payment id: %w", err)
		}
		if found {
			return payments.ErrPaymentExists
		}

		found, err = exists(txn, payments.AddressKey(payment.Address))
		if err != nil {
			return fmt.Errorf("failed to check payment address: %w", err)
		}
		if found {
			return payments.ErrAddressExists
		}

		err = txn.Set(payments.AddressKey(payment.Address), payment.Id[:])
		if err != nil {
			return fmt.Errorf("failed to set address index: %w", err)
		}

		err = txn.Set(payments.PaymentKey(payment.Id), payment.Bytes())
		if err != nil {
			return fmt.Errorf("failed to set payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add entry to the database: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id uuid.UUID) (payment payments.Payment, err error) {
	err = s.db.View(func(txn *badger.Txn) (err error) {
		payment, err = getPayment(txn, id)
		return err
	})
	if err != nil {
		return payment, fmt.Errorf("failed to query entry from the database: %w", err)
	}
	return payment, nil
}

func (s *Store) All(ctx context.Context) (all []payments.Payment, err error) {
	err = s.db.View(func(txn *badger.Txn) (err error) {
		options := badger.DefaultIteratorOptions
		options.Prefix = paymentsPrefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(paymentsPrefix); it.Next() {
			err = ctx.Err()
			if err != nil {
				return err
			}

			var payment payments.Payment
			err = it.Item().Value(func(val []byte) (err error) {
				return payment.FromBytes(val)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal payment: %s: %w", it.Item().Key(), err)
			}
			all = append(all, payment)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return all, nil
}

// Read, apply and write the payment in a single transaction
func (s *Store) transition(id uuid.UUID, apply func(p *payments.Payment, now payments.Clock) bool) (payment payments.Payment, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) (err error) {
		payment, err = getPayment(txn, id)
		if err != nil {
			return err
		}

		if !apply(&payment, s.now) {
			return nil
		}

		err = txn.Set(payments.PaymentKey(payment.Id), payment.Bytes())
		if err != nil {
			return fmt.Errorf("failed to set new payment: %w", err)
		}
		return nil
	})
	return payment, err
}

func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) (payment payments.Payment, err error) {
	payment, err = s.transition(id, payments.Completion)
	if err != nil {
		return payment, fmt.Errorf("failed to mark payment as completed: %w", err)
	}
	return payment, nil
}

func (s *Store) MarkExpired(ctx context.Context, id uuid.UUID) (payment payments.Payment, err error) {
	payment, err = s.transition(id, payments.Expiration)
	if err != nil {
		return payment, fmt.Errorf("failed to mark payment as expired: %w", err)
	}
	return payment, nil
}
