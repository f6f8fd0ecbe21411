package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits every stored amount carries.
const Places = 2

// Limit is the smallest amount a NUMERIC(14,2) column cannot hold.
var Limit = decimal.New(1, 12)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrAmountTooLarge  = fmt.Errorf("%w: must be below %s", ErrInvalidAmount, Limit.String())
)

// Parse reads a non-negative amount below Limit with at most two fractional
// digits.
func Parse(input string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(Places)) {
		return decimal.Zero, ErrTooManyDecimals
	}
	if !WithinLimit(amount) {
		return decimal.Zero, ErrAmountTooLarge
	}
	return amount.Truncate(Places), nil
}

// WithinLimit reports whether value fits a stored amount column.
func WithinLimit(value decimal.Decimal) bool {
	return value.LessThan(Limit)
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(input string) (decimal.Decimal, error) {
	amount, err := Parse(input)
	if err != nil {
		return decimal.Zero, err
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return amount, nil
}

func Format(value decimal.Decimal) string {
	return value.StringFixed(Places)
}

// MustPositive panics unless amount is a positive value with at most two
// fractional digits. Ledger mutations call it: a bad amount there is a bug in
// the caller, not a business outcome.
func MustPositive(amount decimal.Decimal) {
	if !amount.IsPositive() {
		panic(fmt.Sprintf("money: non-positive amount %s", amount.String()))
	}
	if !amount.Equal(amount.Truncate(Places)) {
		panic(fmt.Sprintf("money: amount %s exceeds %d decimal places", amount.String(), Places))
	}
}
