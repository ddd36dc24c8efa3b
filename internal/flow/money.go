package flow

import (
	"strings"

	"github.com/shopspring/decimal"
)

// maxAmount bounds typed amounts, in major units.
var maxAmount = decimal.NewFromInt(10_000_000)

// parseAmount reads a typed money amount into minor units. It accepts an optional
// leading currency symbol, spaces and thousands separators, and a decimal comma when
// exactly two digits follow it ("12,50").
func parseAmount(text, symbol string) (int64, bool) {
	s := strings.TrimSpace(text)
	if symbol != "" && len(s) >= len(symbol) && strings.EqualFold(s[:len(symbol)], symbol) {
		s = s[len(symbol):]
	}
	s = strings.ReplaceAll(s, " ", "")
	if i := strings.LastIndex(s, ","); i >= 0 && !strings.Contains(s, ".") && len(s)-i-1 == 2 {
		s = s[:i] + "." + s[i+1:]
	}
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() || d.GreaterThan(maxAmount) {
		return 0, false
	}
	cents := d.Shift(2).Round(0)
	if !cents.IsPositive() {
		return 0, false
	}
	return cents.IntPart(), true
}

// formatMoney renders minor units with two decimals and the currency symbol.
func formatMoney(symbol string, cents int64) string {
	return symbol + decimal.New(cents, -2).StringFixed(2)
}
