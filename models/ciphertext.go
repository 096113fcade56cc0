package models

import (
	"bytes"
	"fmt"
	"math/big"
)

// BigInt is an arbitrary precision integer. It decodes from JSON numbers and
// from decimal strings, and always encodes as a JSON number.
type BigInt struct {
	v big.Int
}

// NewBigInt wraps x.
func NewBigInt(x int64) BigInt {
	var b BigInt
	b.v.SetInt64(x)
	return b
}

// ParseBigInt parses a base 10 integer.
func ParseBigInt(s string) (BigInt, error) {
	var b BigInt
	if _, ok := b.v.SetString(s, 10); !ok {
		return BigInt{}, fmt.Errorf("invalid big integer %q", s)
	}
	return b, nil
}

// Int returns a copy as *big.Int.
func (b BigInt) Int() *big.Int {
	return new(big.Int).Set(&b.v)
}

func (b BigInt) String() string {
	return b.v.String()
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(b.v.String()), nil
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("missing big integer")
	}
	if _, ok := b.v.SetString(string(data), 10); !ok {
		return fmt.Errorf("invalid big integer %q", string(data))
	}
	return nil
}

// Ciphertext is one encrypted ballot as returned by the ballot store.
type Ciphertext struct {
	A BigInt `json:"a"`
	B BigInt `json:"b"`
}

// CipherPair is the [a, b] form exchanged with mix authorities.
type CipherPair [2]BigInt

// Pair converts c to the mix authority wire form.
func (c Ciphertext) Pair() CipherPair {
	return CipherPair{c.A, c.B}
}

// Pairs converts a batch of ciphertexts.
func Pairs(cts []Ciphertext) []CipherPair {
	out := make([]CipherPair, len(cts))
	for i, c := range cts {
		out[i] = c.Pair()
	}
	return out
}
