// Package decimal converts between litoshis and human readable LTC amounts
package decimal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	shopspring "github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Decimal places of a litecoin
const Places = 8

// LitoshisPerCoin is 1 LTC in its base unit
const LitoshisPerCoin = 100_000_000

var (
	ErrNegative  = errors.New("amount can't be negative")
	ErrPrecision = errors.New("amount is more precise than 1 litoshi")
	ErrOverflow  = errors.New("amount overflows")
)

var litoshis = shopspring.New(1, Places)

type Decimal struct {
	Value shopspring.Decimal
}

func FromUint64(v uint64) (d Decimal) {
	d.FromUint64(v)
	return d
}

// FromInt64 converts signed litoshis, used for balances
func FromInt64(v int64) (d Decimal) {
	d.Value = shopspring.New(v, -Places)
	return d
}

func (d *Decimal) FromUint64(v uint64) {
	d.Value = shopspring.NewFromBigInt(new(big.Int).SetUint64(v), -Places)
}

// ToUint64 converts the amount into litoshis
func (d *Decimal) ToUint64() (v uint64, err error) {
	if d.Value.IsNegative() {
		return 0, ErrNegative
	}
	scaled := d.Value.Mul(litoshis)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s", ErrPrecision, d.Value)
	}
	asInt := scaled.BigInt()
	if !asInt.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.Value)
	}
	return asInt.Uint64(), nil
}

func (d *Decimal) FromString(s string) (err error) {
	d.Value, err = shopspring.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return nil
}

func (d Decimal) String() string {
	return d.Value.StringFixed(Places)
}

func (d Decimal) IsZero() bool {
	return d.Value.IsZero()
}

var (
	_ json.Unmarshaler = (*Decimal)(nil)
	_ json.Marshaler   = (*Decimal)(nil)
	_ yaml.Unmarshaler = (*Decimal)(nil)
	_ yaml.Marshaler   = (*Decimal)(nil)
)

// UnmarshalJSON accepts both "0.01" and 0.01
func (d *Decimal) UnmarshalJSON(b []byte) (err error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var asString string
		err = json.Unmarshal(b, &asString)
		if err != nil {
			return err
		}
		return d.FromString(asString)
	}

	var number json.Number
	err = json.Unmarshal(b, &number)
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}
	return d.FromString(number.String())
}

func (d Decimal) MarshalJSON() (b []byte, err error) {
	return []byte("\"" + d.String() + "\""), nil
}

func (d *Decimal) UnmarshalYAML(node *yaml.Node) (err error) {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid amount at line %d", node.Line)
	}
	return d.FromString(node.Value)
}

func (d Decimal) MarshalYAML() (v any, err error) {
	return d.String(), nil
}
