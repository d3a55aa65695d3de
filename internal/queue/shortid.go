package queue

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// ShortIDAlphabet leaves out 0, 1, I and O so ids can be read aloud.
const ShortIDAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const ShortIDLength = 8

// NewShortID draws ShortIDLength characters from ShortIDAlphabet using r.
func NewShortID(r io.Reader) (string, error) {
	max := big.NewInt(int64(len(ShortIDAlphabet)))
	b := make([]byte, ShortIDLength)
	for i := range b {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", fmt.Errorf("draw short id: %w", err)
		}
		b[i] = ShortIDAlphabet[n.Int64()]
	}
	return string(b), nil
}

// ValidShortID reports whether id could have come from NewShortID.
func ValidShortID(id string) bool {
	if len(id) != ShortIDLength {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(ShortIDAlphabet, c) {
			return false
		}
	}
	return true
}

// coinFlip reports true with probability one half.
func coinFlip(r io.Reader) (bool, error) {
	n, err := rand.Int(r, big.NewInt(2))
	if err != nil {
		return false, fmt.Errorf("draw color: %w", err)
	}
	return n.Int64() == 0, nil
}
