package random

import (
	"math/rand/v2"
)

const (
	CharsetAlphaNumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CharsetHex          = "0123456789abcdef"
)

func String(r *rand.Rand, options string, length int) (s string) {
	rOptions := []rune(options)

	var temp = make([]rune, length)
	for index := range temp {
		temp[index] = rOptions[r.IntN(len(rOptions))]
	}
	return string(temp)
}

// Hash returns a random 32 byte hash in hex, as used for transaction ids
func Hash(r *rand.Rand) (s string) {
	return String(r, CharsetHex, 64)
}
