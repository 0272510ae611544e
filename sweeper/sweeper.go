// Package sweeper moves the funds received by every payment address to the
// cold storage address once they are confirmed deep enough.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/keyvault"
	"github.com/RogueTeam/ltcsweep/payments"
)

var (
	ErrConfiguration = errors.New("invalid sweeper configuration")
	ErrKeyMismatch   = errors.New("key doesn't derive the payment address")
)

const (
	DefaultConfirmations  = 2
	DefaultInterval       = 10 * time.Second
	DefaultSecondaryEvery = 360
	DefaultConcurrency    = 100
)

// Notifier is told about every payment that just completed
type Notifier interface {
	Notify(ctx context.Context, payment payments.Payment) (err error)
}

type Config struct {
	// Payments to watch
	Store payments.Store
	// Chain view used for balances and broadcasts
	Chain blockchains.Chain
	// Vault holding the payment keys
	Vault *keyvault.Vault
	// Address receiving every sweep
	ColdAddress string
	// Confirmations required before sweeping. Defaults to DefaultConfirmations
	Confirmations uint64
	// Time between ticks. Defaults to DefaultInterval
	Interval time.Duration
	// Completed and expired payments are only checked every SecondaryEvery ticks
	SecondaryEvery uint64
	// Payments evaluated at the same time
	Concurrency int
	// Optional
	Notifier Notifier
	// Defaults to payments.DefaultClock
	Now payments.Clock
	// Defaults to slog.Default()
	Logger *slog.Logger
}

type Sweeper struct {
	store          payments.Store
	chain          blockchains.Chain
	vault          *keyvault.Vault
	coldScript     []byte
	confirmations  uint64
	interval       time.Duration
	secondaryEvery uint64
	concurrency    int
	notifier       Notifier
	now            payments.Clock
	logger         *slog.Logger
}

func New(config Config) (s *Sweeper, err error) {
	switch {
	case config.Store == nil:
		return nil, fmt.Errorf("%w: missing store", ErrConfiguration)
	case config.Chain == nil:
		return nil, fmt.Errorf("%w: missing chain", ErrConfiguration)
	case config.Vault == nil:
		return nil, fmt.Errorf("%w: missing vault", ErrConfiguration)
	}

	coldScript, err := config.Vault.PayToAddress(config.ColdAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cold address: %w", ErrConfiguration, err)
	}

	s = &Sweeper{
		store:          config.Store,
		chain:          config.Chain,
		vault:          config.Vault,
		coldScript:     coldScript,
		confirmations:  config.Confirmations,
		interval:       config.Interval,
		secondaryEvery: config.SecondaryEvery,
		concurrency:    config.Concurrency,
		notifier:       config.Notifier,
		now:            config.Now,
		logger:         config.Logger,
	}
	if s.confirmations == 0 {
		s.confirmations = DefaultConfirmations
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.secondaryEvery == 0 {
		s.secondaryEvery = DefaultSecondaryEvery
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.now == nil {
		s.now = payments.DefaultClock
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sweeper")
	return s, nil
}

// Run ticks until ctx is done
func (s *Sweeper) Run(ctx context.Context) (err error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval, "confirmations", s.confirmations)
	for cycle := uint64(1); ; cycle++ {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		report, err := s.Tick(ctx, cycle)
		if err != nil {
			s.logger.Error("tick failed", "cycle", cycle, "err", err)
			continue
		}
		if report.Swept > 0 || report.Failed > 0 || report.Expired > 0 {
			s.logger.Info("tick done", "cycle", cycle, "report", report)
		} else {
			s.logger.Debug("tick done", "cycle", cycle, "report", report)
		}
	}
}
