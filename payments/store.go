// Package payments defines the payment records of the gateway and the store
// holding them. Records are never deleted and never return to pending.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentExists   = errors.New("payment already exists")
	ErrAddressExists   = errors.New("address already in use")
	ErrInvalidId       = errors.New("invalid payment id")
	ErrInvalidAddress  = errors.New("invalid payment address")
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
)

type Store interface {
	// Insert a new pending payment. Fails if the id or address is already used
	Insert(ctx context.Context, payment Payment) (err error)

	// Find a payment by its id. Returns ErrPaymentNotFound if missing
	Find(ctx context.Context, id uuid.UUID) (payment Payment, err error)

	// All the payments known by the store
	All(ctx context.Context) (payments []Payment, err error)

	// MarkCompleted sets the status to completed and refreshes UpdatedAt,
	// whatever the current status is. Calling it twice is harmless
	MarkCompleted(ctx context.Context, id uuid.UUID) (payment Payment, err error)

	// MarkExpired moves a payment to expired only if it is still pending
	MarkExpired(ctx context.Context, id uuid.UUID) (payment Payment, err error)
}

// Clock returns the current time
type Clock func() time.Time

func DefaultClock() time.Time {
	return time.Now().UTC()
}

// Prepare validates and fills the defaults of a payment about to be inserted
func Prepare(p *Payment, now Clock) (err error) {
	err = p.Validate()
	if err != nil {
		return err
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	return nil
}

// Completion applies MarkCompleted to p. Reports if p changed
func Completion(p *Payment, now Clock) (changed bool) {
	p.Status = StatusCompleted
	touch(p, now)
	return true
}

// Expiration applies MarkExpired to p. Reports if p changed
func Expiration(p *Payment, now Clock) (changed bool) {
	if p.Status != StatusPending {
		return false
	}
	p.Status = StatusExpired
	touch(p, now)
	return true
}

// UpdatedAt never goes backwards, even if the clock does
func touch(p *Payment, now Clock) {
	t := now()
	if !t.After(p.UpdatedAt) {
		t = p.UpdatedAt.Add(time.Nanosecond)
	}
	p.UpdatedAt = t
}
