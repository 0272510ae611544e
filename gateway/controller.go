// Package gateway creates payments and reports their live status. Sweeping
// confirmed payments is done by the sweeper package.
package gateway

import (
	"errors"
	"log/slog"
	"time"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/payments"
)

var (
	ErrPaymentNotFound   = payments.ErrPaymentNotFound
	ErrBadGateway        = errors.New("chain backend unavailable")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidExpiration = errors.New("invalid expiration")
)

type Controller struct {
	store         payments.Store
	chain         blockchains.Chain
	vault         *keyvault.Vault
	timeout       time.Duration
	confirmations uint64
	minAmount     uint64
	maxAmount     uint64
	now           payments.Clock
	logger        *slog.Logger
}

type Config struct {
	// Payments storage
	Store payments.Store
	// Chain used to report the live status of payments
	Chain blockchains.Chain
	// Vault generating and sealing the payment keys
	Vault *keyvault.Vault
	// Default Timeout until payment is expired. Zero means payments never expire
	Timeout time.Duration
	// Confirmations required before a payment is swept
	Confirmations uint64
	// Smallest amount accepted in litoshis. Defaults to 1
	MinAmount uint64
	// Biggest amount accepted in litoshis. Zero means no limit
	MaxAmount uint64
	// Defaults to payments.DefaultClock
	Now payments.Clock
	// Defaults to slog.Default()
	Logger *slog.Logger
}

func New(config Config) (ctrl *Controller) {
	ctrl = &Controller{
		store:         config.Store,
		chain:         config.Chain,
		vault:         config.Vault,
		timeout:       config.Timeout,
		confirmations: config.Confirmations,
		minAmount:     config.MinAmount,
		maxAmount:     config.MaxAmount,
		now:           config.Now,
		logger:        config.Logger,
	}
	if ctrl.minAmount == 0 {
		ctrl.minAmount = 1
	}
	if ctrl.now == nil {
		ctrl.now = payments.DefaultClock
	}
	if ctrl.logger == nil {
		ctrl.logger = slog.Default()
	}
	ctrl.logger = ctrl.logger.With("component", "gateway")
	return ctrl
}
