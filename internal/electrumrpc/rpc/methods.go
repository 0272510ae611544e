package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	MethodServerVersion         = "server.version"
	MethodScripthashGetBalance  = "blockchain.scripthash.get_balance"
	MethodScripthashGetHistory  = "blockchain.scripthash.get_history"
	MethodScripthashListUnspent = "blockchain.scripthash.listunspent"
	MethodHeadersSubscribe      = "blockchain.headers.subscribe"
	MethodEstimateFee           = "blockchain.estimatefee"
	MethodTransactionBroadcast  = "blockchain.transaction.broadcast"
)

// Confirmation target used by FeeFor
const FeeTargetBlocks int64 = 6

type (
	Balance struct {
		Confirmed   int64
		Unconfirmed int64
	}
	HistoryEntry struct {
		TxHash string
		// 0 or negative means unconfirmed
		Height int64
	}
	Unspent struct {
		TxHash string
		TxPos  uint32
		Height int64
		Value  uint64
	}
	Header struct {
		Height int64
	}
)

func decode(raw json.RawMessage, v any) (err error) {
	err = json.Unmarshal(raw, v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing field %q", ErrProtocol, field)
}

// ServerVersion returns the server software and the negotiated protocol version
func (c *Client) ServerVersion(ctx context.Context) (software, protocol string, err error) {
	var versions []string
	_, err = c.invoke(ctx, MethodServerVersion, []Param{String(c.config.ClientName), String(c.config.ProtocolVersion)}, func(raw json.RawMessage) (err error) {
		versions = nil
		err = decode(raw, &versions)
		if err != nil {
			return err
		}
		if len(versions) < 2 {
			return fmt.Errorf("%w: expecting [software, protocol]", ErrProtocol)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return versions[0], versions[1], nil
}

func (c *Client) ScripthashGetBalance(ctx context.Context, scriptHash string) (balance Balance, err error) {
	_, err = c.invoke(ctx, MethodScripthashGetBalance, []Param{String(scriptHash)}, func(raw json.RawMessage) (err error) {
		var schema struct {
			Confirmed   *int64 `json:"confirmed"`
			Unconfirmed *int64 `json:"unconfirmed"`
		}
		err = decode(raw, &schema)
		if err != nil {
			return err
		}
		if schema.Confirmed == nil {
			return missing("confirmed")
		}
		balance = Balance{Confirmed: *schema.Confirmed}
		if schema.Unconfirmed != nil {
			balance.Unconfirmed = *schema.Unconfirmed
		}
		return nil
	})
	return balance, err
}

func (c *Client) ScripthashGetHistory(ctx context.Context, scriptHash string) (history []HistoryEntry, err error) {
	_, err = c.invoke(ctx, MethodScripthashGetHistory, []Param{String(scriptHash)}, func(raw json.RawMessage) (err error) {
		var schema []struct {
			TxHash *string `json:"tx_hash"`
			Height *int64  `json:"height"`
		}
		err = decode(raw, &schema)
		if err != nil {
			return err
		}

		history = make([]HistoryEntry, 0, len(schema))
		for _, entry := range schema {
			if entry.TxHash == nil {
				return missing("tx_hash")
			}
			if entry.Height == nil {
				return missing("height")
			}
			history = append(history, HistoryEntry{TxHash: *entry.TxHash, Height: *entry.Height})
		}
		return nil
	})
	return history, err
}

func (c *Client) ScripthashListUnspent(ctx context.Context, scriptHash string) (unspent []Unspent, err error) {
	_, err = c.invoke(ctx, MethodScripthashListUnspent, []Param{String(scriptHash)}, func(raw json.RawMessage) (err error) {
		var schema []struct {
			TxHash *string `json:"tx_hash"`
			TxPos  *uint32 `json:"tx_pos"`
			Height int64   `json:"height"`
			Value  *uint64 `json:"value"`
		}
		err = decode(raw, &schema)
		if err != nil {
			return err
		}

		unspent = make([]Unspent, 0, len(schema))
		for _, entry := range schema {
			switch {
			case entry.TxHash == nil:
				return missing("tx_hash")
			case entry.TxPos == nil:
				return missing("tx_pos")
			case entry.Value == nil:
				return missing("value")
			}
			unspent = append(unspent, Unspent{
				TxHash: *entry.TxHash,
				TxPos:  *entry.TxPos,
				Height: entry.Height,
				Value:  *entry.Value,
			})
		}
		return nil
	})
	return unspent, err
}

// HeadersSubscribe returns the current tip. Notifications of later headers are ignored
func (c *Client) HeadersSubscribe(ctx context.Context) (header Header, err error) {
	_, err = c.invoke(ctx, MethodHeadersSubscribe, nil, func(raw json.RawMessage) (err error) {
		var schema struct {
			Height      *int64 `json:"height"`
			BlockHeight *int64 `json:"block_height"`
		}
		err = decode(raw, &schema)
		if err != nil {
			return err
		}
		switch {
		case schema.Height != nil:
			header.Height = *schema.Height
		case schema.BlockHeight != nil:
			header.Height = *schema.BlockHeight
		default:
			return missing("height")
		}
		return nil
	})
	return header, err
}

// EstimateFee returns the fee in coins per kilobyte to confirm within blocks.
// Servers answer -1 when they have no estimate.
func (c *Client) EstimateFee(ctx context.Context, blocks int64) (fee decimal.Decimal, err error) {
	_, err = c.invoke(ctx, MethodEstimateFee, []Param{Int(blocks)}, func(raw json.RawMessage) (err error) {
		var number json.Number
		err = decode(raw, &number)
		if err != nil {
			return err
		}
		fee, err = decimal.NewFromString(number.String())
		if err != nil {
			return fmt.Errorf("%w: invalid fee estimate: %w", ErrProtocol, err)
		}
		return nil
	})
	return fee, err
}

// TransactionBroadcast sends a raw transaction in hex and returns its txid
func (c *Client) TransactionBroadcast(ctx context.Context, rawTx string) (txid string, err error) {
	_, err = c.invoke(ctx, MethodTransactionBroadcast, []Param{String(rawTx)}, func(raw json.RawMessage) (err error) {
		err = decode(raw, &txid)
		if err != nil {
			return err
		}
		if txid == "" {
			return missing("txid")
		}
		return nil
	})
	return txid, err
}

var (
	satsPerCoin = decimal.New(1, 8)
	kilobyte    = decimal.NewFromInt(1_000)
)

// FeeRate converts an estimate in coins per kilobyte into satoshis per vbyte,
// rounding up and never going below 1
func FeeRate(estimate decimal.Decimal) (rate uint64) {
	perVbyte := estimate.Mul(satsPerCoin).Div(kilobyte).Ceil()
	if !perVbyte.IsPositive() {
		return 1
	}
	return perVbyte.BigInt().Uint64()
}

// FeeFor returns the fee for a transaction of vsize vbytes. When the estimate
// can't be retrieved the minimum rate of 1 sat/vbyte is used.
func (c *Client) FeeFor(ctx context.Context, vsize uint64) (fee uint64) {
	rate := uint64(1)
	estimate, err := c.EstimateFee(ctx, FeeTargetBlocks)
	if err != nil {
		c.logger.Warn("fee estimation failed, using minimum rate", "err", err)
	} else {
		rate = FeeRate(estimate)
	}
	return vsize * rate
}
