// Package amount provides parsing, formatting and checked arithmetic for
// token amounts.
//
// Amounts are unsigned 256-bit integers in the token's smallest unit. They
// never wrap: every operation that would leave the representable range
// returns an error instead.
package amount

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow  = errors.New("amount: overflow")
	ErrUnderflow = errors.New("amount: underflow")
	ErrInvalid   = errors.New("amount: invalid")
)

// maxDigits is the decimal length of 2^256-1.
const maxDigits = 78

// Zero returns a new zero amount.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Max returns 2^256-1.
func Max() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// Parse converts a base-10 string of base units (e.g. "1500000") to an
// amount. Signs, fractions, whitespace and leading "0x" are rejected.
func Parse(s string) (*uint256.Int, error) {
	if s == "" || len(s) > maxDigits {
		return nil, ErrInvalid
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, ErrInvalid
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, ErrInvalid
	}
	return v, nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (*uint256.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.IsZero() {
		return nil, ErrInvalid
	}
	return v, nil
}

// Format renders an amount as a base-10 string. Nil formats as "0".
func Format(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// FormatUnits renders an amount with the given number of decimals
// (e.g. FormatUnits(1500000, 6) == "1.500000").
func FormatUnits(v *uint256.Int, decimals int) string {
	s := Format(v)
	if decimals <= 0 {
		return s
	}
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	return s[:point] + "." + s[point:]
}

// Add returns a+b, or ErrOverflow.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, or ErrUnderflow when b > a.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	diff, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return diff, nil
}

// Sum adds all values, failing on the first overflow.
func Sum(values ...*uint256.Int) (*uint256.Int, error) {
	total := Zero()
	for _, v := range values {
		if v == nil {
			continue
		}
		next, err := Add(total, v)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

// FromBig converts a non-negative big.Int that fits in 256 bits.
func FromBig(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return Zero(), nil
	}
	if b.Sign() < 0 {
		return nil, ErrUnderflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// Clone returns an independent copy; nil clones to zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return Zero()
	}
	return v.Clone()
}
