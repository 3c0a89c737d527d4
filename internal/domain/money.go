package domain

import "github.com/shopspring/decimal"

// CentsToDecimal converts minor units to a major-unit decimal (10050 -> 100.50).
func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FormatCents renders minor units with two fixed decimals.
func FormatCents(cents int64) string {
	return CentsToDecimal(cents).StringFixed(2)
}

// PlatformFee computes a percentage fee with integer math, rounding down.
func PlatformFee(amountCents int64, percent int) int64 {
	if percent <= 0 || amountCents <= 0 {
		return 0
	}
	if percent >= 100 {
		return amountCents
	}
	return amountCents * int64(percent) / 100
}
