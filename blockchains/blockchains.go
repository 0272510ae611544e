// Package blockchains is the read and broadcast view of the chain used by the
// gateway. Addresses are identified by their Electrum script hash.
package blockchains

import (
	"context"
)

type (
	HistoryEntry struct {
		// Transaction touching the script
		TxHash string
		// Block height of the transaction. 0 or negative means unconfirmed
		Height int64
	}
	Balance struct {
		// Sum of the confirmed outputs
		Confirmed int64
		// Sum of the mempool activity, may be negative
		Unconfirmed int64
	}
	Unspent struct {
		// Transaction holding the output
		TxHash string
		// Output index
		TxPos uint32
		// Block height of the transaction. 0 means unconfirmed
		Height int64
		// Value in litoshis
		Value uint64
	}
)

type Chain interface {
	// Height of the best block
	Tip(ctx context.Context) (height int64, err error)

	// Transactions touching the script
	History(ctx context.Context, scriptHash string) (history []HistoryEntry, err error)

	// Balance of the script
	Balance(ctx context.Context, scriptHash string) (balance Balance, err error)

	// Unspent outputs of the script
	ListUnspent(ctx context.Context, scriptHash string) (unspent []Unspent, err error)

	// Fee in litoshis for a transaction of vsize vbytes. Never fails, the
	// minimum rate is used when no estimate is available
	FeeFor(ctx context.Context, vsize uint64) (fee uint64)

	// Broadcast a raw transaction in hex. Returns the txid
	Broadcast(ctx context.Context, rawTx string) (txid string, err error)
}

// Confirmations of the most recently confirmed transaction in history.
// Unconfirmed entries are ignored and heights above tip count as 0.
func Confirmations(tip int64, history []HistoryEntry) (confirmations uint64) {
	var (
		found bool
		best  int64
	)
	for _, entry := range history {
		if entry.Height <= 0 {
			continue
		}
		count := tip - entry.Height + 1
		if !found || count < best {
			best = count
			found = true
		}
	}
	if !found || best < 0 {
		return 0
	}
	return uint64(best)
}

// Deposited reports the total value of the unspent outputs
func Deposited(unspent []Unspent) (total uint64) {
	for _, output := range unspent {
		total += output.Value
	}
	return total
}
