package models

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units (cents). Balances never leave this type.
type Money int64

// ErrInvalidAmount is returned when an amount is zero or negative where a positive one is required.
var ErrInvalidAmount = errors.New("amount must be a positive number of minor units")

// NewMoney validates a positive minor-unit amount coming from a request.
func NewMoney(minor int64) (Money, error) {
	if minor <= 0 {
		return 0, ErrInvalidAmount
	}
	return Money(minor), nil
}

// Int64 returns the raw minor-unit value.
func (m Money) Int64() int64 {
	return int64(m)
}

// MulRateFloor multiplies by a decimal rate and truncates the result to whole minor units.
func (m Money) MulRateFloor(rate decimal.Decimal) Money {
	return Money(decimal.NewFromInt(int64(m)).Mul(rate).Floor().IntPart())
}

// Decimal returns the amount in major units, e.g. 1234 -> 12.34.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String formats the amount in major units with two decimals.
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}
