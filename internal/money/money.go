// Package money provides shared USDT parsing and formatting utilities.
//
// All reward balances on the platform are denominated in USDT with 6
// decimal places. Amounts are stored as big.Int in the smallest unit
// (1 USDT = 1,000,000 units) so that balance arithmetic never touches
// floating point.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Parse converts a decimal string (e.g. "125.50") to its smallest-unit
// big.Int representation (125500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "125.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether the string is a well-formed amount strictly
// greater than zero. Used everywhere an amount gates a balance movement.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// MulInt multiplies an amount string by an integer count (e.g. per-tap
// reward times taps). Returns ("", false) on malformed input or a
// negative count.
func MulInt(s string, n int64) (string, bool) {
	if n < 0 {
		return "", false
	}
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(new(big.Int).Mul(v, big.NewInt(n))), true
}

// Cmp compares two amount strings with fixed-point semantics.
// Returns -1, 0 or +1, and false if either side is malformed.
func Cmp(a, b string) (int, bool) {
	av, ok := Parse(a)
	if !ok {
		return 0, false
	}
	bv, ok := Parse(b)
	if !ok {
		return 0, false
	}
	return av.Cmp(bv), true
}
