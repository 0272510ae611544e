package payments

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal reports if the payment left pending. Only a sweep covering the
// amount moves an expired payment to completed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

func PaymentKey(id uuid.UUID) (key []byte) {
	return []byte(fmt.Sprintf("/payments/%s", id))
}

func AddressKey(address string) (key []byte) {
	return []byte(fmt.Sprintf("/addresses/%s", address))
}

type Payment struct {
	// Identifier of the payment
	Id uuid.UUID
	// Single use address receiving the funds
	Address string
	// Private key of the address, sealed by the key vault
	EncryptedKey string
	// Amount expected in litoshis
	Amount uint64
	// Status of the payment
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	// Deadline of the payment. Zero means no expiration
	ExpiresAt time.Time
}

// Expired reports if the payment is still pending after its deadline
func (p *Payment) Expired(now time.Time) bool {
	return p.Status == StatusPending && !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}

func (p *Payment) Validate() (err error) {
	if p.Id == uuid.Nil {
		return ErrInvalidId
	}
	if p.Address == "" {
		return ErrInvalidAddress
	}
	if p.Amount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (p *Payment) Bytes() (bytes []byte) {
	bytes, _ = json.Marshal(p)
	return bytes
}

func (p *Payment) FromBytes(b []byte) (err error) {
	return json.Unmarshal(b, p)
}
