// Package random holds the random sources used by tests and tooling.
// Key material never comes from here; see keyvault.
package random

import (
	crand "crypto/rand"
	"math/rand/v2"
)

var (
	PseudoRand = rand.New(rand.NewPCG(0xFF_FF_FF_FF, 0xAA_BB_CC_DD))
)

func CryptoRand() (r *rand.Rand) {
	var seed [32]byte
	crand.Reader.Read(seed[:])
	return rand.New(rand.NewChaCha8(seed))
}

// Bytes fills a new slice of length n
func Bytes(r *rand.Rand, n int) (b []byte) {
	b = make([]byte, n)
	for index := range b {
		b[index] = byte(r.UintN(256))
	}
	return b
}
