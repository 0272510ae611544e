package gateway

import (
	"context"
	"fmt"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/google/uuid"
)

type Status struct {
	payments.Payment
	// Confirmations of the latest transaction received
	Confirmations uint64
	// Confirmations required before sweeping
	ConfirmationsNeeded uint64
	// Balance of the payment address in litoshis
	Confirmed   int64
	Unconfirmed int64
}

// Query returns the payment with its live chain status. Pending payments past
// their deadline are expired first. Chain failures wrap ErrBadGateway
func (c *Controller) Query(ctx context.Context, id uuid.UUID) (status Status, err error) {
	payment, err := c.store.Find(ctx, id)
	if err != nil {
		return status, fmt.Errorf("failed to query payment: %w", err)
	}

	if payment.Expired(c.now()) {
		payment, err = c.store.MarkExpired(ctx, id)
		if err != nil {
			return status, fmt.Errorf("failed to update payment status: %w", err)
		}
		c.logger.Info("payment expired", "payment", id)
	}

	status = Status{
		Payment:             payment,
		ConfirmationsNeeded: c.confirmations,
	}

	scriptHash, err := c.vault.ScriptHash(payment.Address)
	if err != nil {
		return status, fmt.Errorf("failed to compute script hash: %w", err)
	}

	history, err := c.chain.History(ctx, scriptHash)
	if err != nil {
		return status, fmt.Errorf("%w: failed to get history: %w", ErrBadGateway, err)
	}
	tip, err := c.chain.Tip(ctx)
	if err != nil {
		return status, fmt.Errorf("%w: failed to get tip: %w", ErrBadGateway, err)
	}
	balance, err := c.chain.Balance(ctx, scriptHash)
	if err != nil {
		return status, fmt.Errorf("%w: failed to get balance: %w", ErrBadGateway, err)
	}

	status.Confirmations = blockchains.Confirmations(tip, history)
	status.Confirmed = balance.Confirmed
	status.Unconfirmed = balance.Unconfirmed
	return status, nil
}
