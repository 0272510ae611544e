package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/RogueTeam/ltcsweep/decimal"
	"github.com/RogueTeam/ltcsweep/gateway"
	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/google/uuid"
)

var ErrInvalidRequest = errors.New("invalid request")

type Receive struct {
	// Amount in LTC, as a string or a number
	Amount decimal.Decimal `json:"amount"`
	// Seconds until the payment expires. Zero uses the default timeout
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

func ReceiveToGateway(src *Receive) (out gateway.Receive, err error) {
	amount, err := src.Amount.ToUint64()
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if src.ExpiresIn < 0 {
		return out, fmt.Errorf("%w: expires_in can't be negative", ErrInvalidRequest)
	}

	out = gateway.Receive{
		Amount:    amount,
		ExpiresIn: time.Duration(src.ExpiresIn) * time.Second,
	}
	return out, nil
}

type (
	Payment struct {
		// Identifier of the payment
		Id uuid.UUID `json:"id"`
		// Address receiving the funds
		Address string `json:"address"`
		// Amount expected in LTC
		Amount decimal.Decimal `json:"amount"`
		// Status of the payment
		Status    payments.Status `json:"status"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
		// Missing when the payment never expires
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
	}
	Status struct {
		Payment
		Confirmations       uint64          `json:"confirmations"`
		ConfirmationsNeeded uint64          `json:"confirmations_needed"`
		Confirmed           decimal.Decimal `json:"confirmed"`
		Unconfirmed         decimal.Decimal `json:"unconfirmed"`
	}
)

// Convert from the stored payment to the public view hiding sensitive values
func PaymentFromGateway(src *payments.Payment) (payment Payment) {
	payment = Payment{
		Id:        src.Id,
		Address:   src.Address,
		Amount:    decimal.FromUint64(src.Amount),
		Status:    src.Status,
		CreatedAt: src.CreatedAt,
		UpdatedAt: src.UpdatedAt,
	}
	if !src.ExpiresAt.IsZero() {
		expiresAt := src.ExpiresAt
		payment.ExpiresAt = &expiresAt
	}
	return payment
}

func StatusFromGateway(src *gateway.Status) (status Status) {
	return Status{
		Payment:             PaymentFromGateway(&src.Payment),
		Confirmations:       src.Confirmations,
		ConfirmationsNeeded: src.ConfirmationsNeeded,
		Confirmed:           decimal.FromInt64(src.Confirmed),
		Unconfirmed:         decimal.FromInt64(src.Unconfirmed),
	}
}
