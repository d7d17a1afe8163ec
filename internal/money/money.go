// Package money provides integer minor-currency-unit amounts.
//
// All amounts on the platform are stored and computed as int64 minor
// units (paise). Floating point is never used for money.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a quantity of money in minor currency units.
type Amount = int64

// Parse converts a decimal string (e.g. "100.50") to minor units (10050).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - At most two fractional digits
func Parse(s string) (Amount, bool) {
	if s == "" {
		return 0, true
	}
	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > 2 {
		return 0, false
	}
	for len(frac) < 2 {
		frac += "0"
	}

	v, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Format converts minor units to a decimal string with two places
// (e.g. 10050 -> "100.50").
func Format(a Amount) string {
	neg := ""
	if a < 0 {
		neg = "-"
		a = -a
	}
	return fmt.Sprintf("%s%d.%02d", neg, a/100, a%100)
}

// BPS returns the basis-point share of an amount, floored.
// 10000 bps == 100%.
func BPS(a Amount, bps int64) Amount {
	return a * bps / 10000
}
