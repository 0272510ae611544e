package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/payments"
	"github.com/RogueTeam/ltcsweep/utils"
	"github.com/RogueTeam/ltcsweep/wallets"
	"github.com/google/uuid"
)

type (
	Sweep struct {
		Payment uuid.UUID
		TxId    string
		Amount  uint64
		Fee     uint64
	}
	Report struct {
		// Payments loaded from the store
		Total int
		// Payments checked against the chain this tick
		Evaluated int
		// Payments moved from pending to expired
		Expired int
		// Evaluated payments that were not ready for a sweep
		Skipped int
		// Sweeps broadcasted
		Swept int
		// Evaluated payments that failed
		Failed int
		// Details of every broadcasted sweep
		Sweeps []Sweep
	}
)

type result struct {
	due     bool
	expired bool
	sweep   *Sweep
	err     error
}

// Due reports if a payment with status is evaluated during cycle. Pending
// payments are evaluated every cycle, the rest every SecondaryEvery cycles
func (s *Sweeper) Due(status payments.Status, cycle uint64) bool {
	return !status.Terminal() || cycle%s.secondaryEvery == 0
}

// Tick evaluates every payment once. Failures of a single payment are logged
// and counted in the report, only failing to list the payments returns an error
func (s *Sweeper) Tick(ctx context.Context, cycle uint64) (report Report, err error) {
	all, err := s.store.All(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list payments: %w", err)
	}

	results := make([]result, len(all))
	jobs := utils.NewJobPool(s.concurrency)
	var wg sync.WaitGroup
	for index, payment := range all {
		if !s.Due(payment.Status, cycle) {
			continue
		}

		jobs.Get()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer jobs.Put()

			results[index] = s.process(ctx, payment)
		}()
	}
	wg.Wait()

	report.Total = len(all)
	for index, res := range results {
		if !res.due {
			continue
		}
		report.Evaluated++
		if res.expired {
			report.Expired++
		}
		switch {
		case res.err != nil:
			report.Failed++
			s.logger.Error("failed to process payment", "payment", all[index].Id, "err", res.err)
		case res.sweep != nil:
			report.Swept++
			report.Sweeps = append(report.Sweeps, *res.sweep)
		default:
			report.Skipped++
		}
	}
	return report, nil
}

func (s *Sweeper) process(ctx context.Context, p payments.Payment) (res result) {
	res.due = true
	logger := s.logger.With("payment", p.Id)

	if p.Expired(s.now()) {
		updated, err := s.store.MarkExpired(ctx, p.Id)
		if err != nil {
			res.err = fmt.Errorf("failed to expire payment: %w", err)
			return res
		}
		res.expired = updated.Status == payments.StatusExpired
		if res.expired {
			logger.Info("payment expired")
		}
		p = updated
	}

	sweep, err := s.sweep(ctx, p)
	switch {
	case errors.Is(err, errNotReady):
		logger.Debug("payment not ready", "reason", err)
		return res
	case err != nil:
		res.err = err
		return res
	}
	res.sweep = &sweep
	return res
}

var errNotReady = errors.New("not ready")

func notReady(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errNotReady, fmt.Sprintf(format, args...))
}

// sweep broadcasts the funds of p to the cold address when they are confirmed
// and cover the fee. Returns errNotReady otherwise
func (s *Sweeper) sweep(ctx context.Context, p payments.Payment) (sweep Sweep, err error) {
	logger := s.logger.With("payment", p.Id)

	scriptHash, err := s.vault.ScriptHash(p.Address)
	if err != nil {
		return sweep, fmt.Errorf("failed to compute script hash: %w", err)
	}

	history, err := s.chain.History(ctx, scriptHash)
	if err != nil {
		return sweep, fmt.Errorf("failed to get history: %w", err)
	}
	tip, err := s.chain.Tip(ctx)
	if err != nil {
		return sweep, fmt.Errorf("failed to get tip: %w", err)
	}
	confirmations := blockchains.Confirmations(tip, history)
	if confirmations < s.confirmations {
		return sweep, notReady("%d of %d confirmations", confirmations, s.confirmations)
	}

	balance, err := s.chain.Balance(ctx, scriptHash)
	if err != nil {
		return sweep, fmt.Errorf("failed to get balance: %w", err)
	}
	// Terminal payments only catch late deposits
	required := p.Amount
	if p.Status.Terminal() {
		required = 1
	}
	if balance.Confirmed < 0 || uint64(balance.Confirmed) < required {
		return sweep, notReady("confirmed balance %d below %d", balance.Confirmed, required)
	}

	unspent, err := s.chain.ListUnspent(ctx, scriptHash)
	if err != nil {
		return sweep, fmt.Errorf("failed to list unspent: %w", err)
	}
	inputs := make([]wallets.Input, 0, len(unspent))
	for _, output := range unspent {
		inputs = append(inputs, wallets.Input{TxHash: output.TxHash, TxPos: output.TxPos, Value: output.Value})
	}

	tx, total, err := wallets.NewSweepTx(inputs, s.coldScript)
	if errors.Is(err, wallets.ErrNoInputs) {
		return sweep, notReady("no unspent outputs")
	}
	if err != nil {
		return sweep, fmt.Errorf("failed to prepare sweep: %w", err)
	}
	fee := s.chain.FeeFor(ctx, wallets.EstimateVSize(tx))
	if total <= fee {
		return sweep, notReady("dust: total %d, fee %d", total, fee)
	}

	key, err := s.vault.OpenKey(p.EncryptedKey)
	if err != nil {
		return sweep, fmt.Errorf("failed to open payment key: %w", err)
	}
	address, err := s.vault.AddressOf(key.PubKey())
	if err != nil {
		return sweep, fmt.Errorf("failed to derive key address: %w", err)
	}
	if address != p.Address {
		return sweep, ErrKeyMismatch
	}

	signed, err := wallets.BuildSweep(wallets.SweepRequest{
		Key:         key,
		Inputs:      inputs,
		Destination: s.coldScript,
		FeeFor:      func(uint64) uint64 { return fee },
	})
	if err != nil {
		return sweep, fmt.Errorf("failed to build sweep: %w", err)
	}

	txid, err := s.chain.Broadcast(ctx, signed.Raw)
	if err != nil {
		return sweep, fmt.Errorf("failed to broadcast sweep: %w", err)
	}
	if txid != signed.TxId {
		logger.Warn("node returned a different txid", "txid", txid, "expected", signed.TxId)
	}
	logger.Info("sweep broadcasted", "txid", txid, "amount", signed.Amount, "fee", signed.Fee, "inputs", signed.Inputs)

	sweep = Sweep{Payment: p.Id, TxId: txid, Amount: signed.Amount, Fee: signed.Fee}

	// An expired payment only completes when the late funds cover its amount
	if p.Status == payments.StatusExpired && signed.Total < p.Amount {
		logger.Info("expired payment swept without completing", "total", signed.Total, "amount", p.Amount)
		return sweep, nil
	}

	updated, err := s.store.MarkCompleted(ctx, p.Id)
	if err != nil {
		return sweep, fmt.Errorf("failed to mark payment completed: %w", err)
	}

	if p.Status != payments.StatusCompleted && s.notifier != nil {
		err = s.notifier.Notify(ctx, updated)
		if err != nil {
			logger.Warn("failed to notify completion", "err", err)
		}
	}
	return sweep, nil
}
