package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/google/uuid"
)

type Receive struct {
	// Amount expected in litoshis
	Amount uint64
	// Time until the payment expires. Zero uses the controller default
	ExpiresIn time.Duration
}

func (c *Controller) validateReceive(r *Receive) (err error) {
	if r.Amount < c.minAmount {
		return fmt.Errorf("%w: amount should be greater or equal than: %d", ErrInvalidAmount, c.minAmount)
	}
	if c.maxAmount > 0 && r.Amount > c.maxAmount {
		return fmt.Errorf("%w: amount should be less or equal than: %d", ErrInvalidAmount, c.maxAmount)
	}
	if r.ExpiresIn < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidExpiration, r.ExpiresIn)
	}
	return nil
}

// Receive creates a pending payment with a fresh address expecting amount.
// The payment expires after ExpiresIn or the default timeout
func (c *Controller) Receive(ctx context.Context, req *Receive) (payment payments.Payment, err error) {
	err = c.validateReceive(req)
	if err != nil {
		return payment, fmt.Errorf("failed to validate request: %w", err)
	}

	key, err := c.vault.GenerateKey()
	if err != nil {
		return payment, fmt.Errorf("failed to generate payment key: %w", err)
	}
	encrypted, err := c.vault.SealKey(key.Private)
	if err != nil {
		return payment, fmt.Errorf("failed to seal payment key: %w", err)
	}

	now := c.now()
	payment = payments.Payment{
		Id:           uuid.New(),
		Address:      key.Address,
		EncryptedKey: encrypted,
		Amount:       req.Amount,
		Status:       payments.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	expiresIn := req.ExpiresIn
	if expiresIn == 0 {
		expiresIn = c.timeout
	}
	if expiresIn > 0 {
		payment.ExpiresAt = now.Add(expiresIn)
	}

	err = c.store.Insert(ctx, payment)
	if err != nil {
		return payment, fmt.Errorf("failed to add entry to the database: %w", err)
	}

	c.logger.Info("payment created", "payment", payment.Id, "address", payment.Address, "amount", payment.Amount)
	return payment, nil
}
