// Package money provides fixed-point currency parsing, formatting and
// arithmetic.
//
// Amounts use 2 decimal places and are held as big.Int in the smallest
// unit (1.00 = 100 units). Persisted records carry the formatted string.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// unitsPerWhole is 10^Decimals.
var unitsPerWhole = big.NewInt(100)

// Parse converts a non-negative decimal string (e.g. "1.50") to its
// smallest-unit representation (150). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 2 fractional digits are rejected
func Parse(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		return nil, false
	}
	return ParseSigned(s)
}

// ParseSigned is Parse but accepts a leading minus sign, as used by
// ledger entry amounts.
func ParseSigned(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if s == "" || strings.HasPrefix(s, "+") {
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
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, false
	}
	if neg {
		result.Neg(result)
	}
	return result, true
}

// MustParse is Parse for constants and tests. It panics on invalid input.
func MustParse(s string) *big.Int {
	v, ok := ParseSigned(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "1.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize reformats a valid amount string into canonical form.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// Zero returns a fresh zero amount.
func Zero() *big.Int { return big.NewInt(0) }

// Hundred returns 100.00 in smallest units.
func Hundred() *big.Int { return big.NewInt(100 * 100) }

// Add returns a + b.
func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }

// Sub returns a - b.
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }

// SubFloor returns a - b, or zero when b exceeds a.
func SubFloor(a, b *big.Int) *big.Int {
	d := new(big.Int).Sub(a, b)
	if d.Sign() < 0 {
		return Zero()
	}
	return d
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// MulInt returns amount * n.
func MulInt(amount *big.Int, n int64) *big.Int {
	return new(big.Int).Mul(amount, big.NewInt(n))
}

// Percent returns pct percent of amount, rounded down to the smallest
// unit. pct is itself a money value, so "5.00" means five percent.
func Percent(amount, pct *big.Int) *big.Int {
	out := new(big.Int).Mul(amount, pct)
	return out.Quo(out, Hundred())
}

// WithinTolerance reports whether got deviates from want by at most pct
// percent of want. A zero want only matches a zero got.
func WithinTolerance(want, got, pct *big.Int) bool {
	diff := new(big.Int).Sub(want, got)
	diff.Abs(diff)
	// diff/want <= pct/100  <=>  diff*100*100 <= want*pct
	lhs := new(big.Int).Mul(diff, Hundred())
	rhs := new(big.Int).Mul(want, pct)
	return lhs.Cmp(rhs) <= 0
}

// Units converts whole units (e.g. 5 for "5.00") to smallest units.
func Units(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), unitsPerWhole)
}
