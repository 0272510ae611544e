package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/RogueTeam/ltcsweep/utils"
)

type Kind uint8

const (
	KindString Kind = iota
	KindInt
	KindBytes
)

// Param is a positional argument of a call
type Param struct {
	kind  Kind
	str   string
	num   int64
	bytes []byte
}

func String(s string) Param { return Param{kind: KindString, str: s} }

func Int(n int64) Param { return Param{kind: KindInt, num: n} }

func Bytes(b []byte) Param { return Param{kind: KindBytes, bytes: b} }

func (p Param) Kind() Kind { return p.kind }

// MarshalJSON encodes bytes as an array of integers, not base64
func (p Param) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case KindString:
		return json.Marshal(p.str)
	case KindInt:
		return json.Marshal(p.num)
	case KindBytes:
		return json.Marshal(utils.MapInt[byte, int](p.bytes))
	default:
		return nil, fmt.Errorf("unknown param kind: %d", p.kind)
	}
}
