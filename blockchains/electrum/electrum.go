package electrum

import (
	"context"
	"fmt"

	"github.com/RogueTeam/ltcsweep/blockchains"
	"github.com/RogueTeam/ltcsweep/internal/electrumrpc/rpc"
)

type Config struct {
	Client *rpc.Client
}

// Chain answers blockchains.Chain queries from an electrum server
type Chain struct {
	client *rpc.Client
}

var _ blockchains.Chain = (*Chain)(nil)

func New(config Config) (c *Chain) {
	return &Chain{client: config.Client}
}

func (c *Chain) Tip(ctx context.Context) (height int64, err error) {
	header, err := c.client.HeadersSubscribe(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to retrieve tip: %w", err)
	}
	return header.Height, nil
}

func (c *Chain) History(ctx context.Context, scriptHash string) (history []blockchains.HistoryEntry, err error) {
	entries, err := c.client.ScripthashGetHistory(ctx, scriptHash)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve history: %w", err)
	}

	history = make([]blockchains.HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		history = append(history, blockchains.HistoryEntry{
			TxHash: entry.TxHash,
			Height: entry.Height,
		})
	}
	return history, nil
}

func (c *Chain) Balance(ctx context.Context, scriptHash string) (balance blockchains.Balance, err error) {
	b, err := c.client.ScripthashGetBalance(ctx, scriptHash)
	if err != nil {
		return balance, fmt.Errorf("failed to retrieve balance: %w", err)
	}
	return blockchains.Balance{Confirmed: b.Confirmed, Unconfirmed: b.Unconfirmed}, nil
}

func (c *Chain) ListUnspent(ctx context.Context, scriptHash string) (unspent []blockchains.Unspent, err error) {
	outputs, err := c.client.ScripthashListUnspent(ctx, scriptHash)
	if err != nil {
		return nil, fmt.Errorf("failed to list unspent: %w", err)
	}

	unspent = make([]blockchains.Unspent, 0, len(outputs))
	for _, output := range outputs {
		unspent = append(unspent, blockchains.Unspent{
			TxHash: output.TxHash,
			TxPos:  output.TxPos,
			Height: output.Height,
			Value:  output.Value,
		})
	}
	return unspent, nil
}

func (c *Chain) FeeFor(ctx context.Context, vsize uint64) (fee uint64) {
	return c.client.FeeFor(ctx, vsize)
}

func (c *Chain) Broadcast(ctx context.Context, rawTx string) (txid string, err error) {
	txid, err = c.client.TransactionBroadcast(ctx, rawTx)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return txid, nil
}
