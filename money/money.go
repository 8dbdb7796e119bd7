package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrUnknownCurrency  = errors.New("unknown currency")
)

// minorUnits maps ISO 4217 codes to the number of decimal places of the minor unit.
var minorUnits = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"NGN": 2,
	"KES": 2,
	"INR": 2,
	"BRL": 2,
	"JPY": 0,
	"KRW": 0,
	"USDC": 2,
}

// MaxMinor is the largest amount accepted, in minor units. Sums of a handful
// of bounded amounts cannot overflow int64.
const MaxMinor int64 = 1_000_000_000_000_000

// Money is an amount expressed in the smallest unit of its currency (cents for USD).
type Money struct {
	Minor    int64  `json:"minor"`
	Currency string `json:"currency"`
}

func New(minor int64, currency string) Money {
	return Money{Minor: minor, Currency: strings.ToUpper(currency)}
}

func Zero(currency string) Money {
	return New(0, currency)
}

// Exponent returns the minor unit exponent for the currency.
func Exponent(currency string) (int32, error) {
	exp, ok := minorUnits[strings.ToUpper(currency)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return exp, nil
}

// Parse reads a decimal major-unit string such as "1000.00" into Money.
// More precision than the currency allows is rejected rather than rounded.
func Parse(amount, currency string) (Money, error) {
	exp, err := Exponent(currency)
	if err != nil {
		return Money{}, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(exp)
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, amount, exp)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(MaxMinor)) {
		return Money{}, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, amount)
	}
	return New(scaled.IntPart(), currency), nil
}

func MustParse(amount, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	exp, err := Exponent(m.Currency)
	if err != nil {
		exp = 2
	}
	return decimal.New(m.Minor, -exp)
}

func (m Money) String() string {
	exp, err := Exponent(m.Currency)
	if err != nil {
		exp = 2
	}
	return m.Decimal().StringFixed(exp)
}

func (m Money) IsZero() bool     { return m.Minor == 0 }
func (m Money) IsPositive() bool { return m.Minor > 0 }
func (m Money) IsNegative() bool { return m.Minor < 0 }

func (m Money) SameCurrency(o Money) bool {
	return m.Currency == o.Currency
}

func (m Money) Add(o Money) (Money, error) {
	if !m.SameCurrency(o) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	sum := m.Minor + o.Minor
	if (o.Minor > 0 && sum < m.Minor) || (o.Minor < 0 && sum > m.Minor) {
		return Money{}, fmt.Errorf("%w: %s + %s overflows", ErrInvalidAmount, m, o)
	}
	return New(sum, m.Currency), nil
}

func (m Money) Sub(o Money) (Money, error) {
	if !m.SameCurrency(o) {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	diff := m.Minor - o.Minor
	if (o.Minor > 0 && diff > m.Minor) || (o.Minor < 0 && diff < m.Minor) {
		return Money{}, fmt.Errorf("%w: %s - %s overflows", ErrInvalidAmount, m, o)
	}
	return New(diff, m.Currency), nil
}

// Cmp compares two amounts of the same currency.
func (m Money) Cmp(o Money) (int, error) {
	if !m.SameCurrency(o) {
		return 0, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, o.Currency)
	}
	switch {
	case m.Minor < o.Minor:
		return -1, nil
	case m.Minor > o.Minor:
		return 1, nil
	default:
		return 0, nil
	}
}

// MulRate multiplies by a fractional rate and rounds half-to-even to the minor unit.
func (m Money) MulRate(rate decimal.Decimal) Money {
	v := decimal.NewFromInt(m.Minor).Mul(rate).RoundBank(0)
	return New(v.IntPart(), m.Currency)
}
