// Package money implements exact monetary arithmetic on integer minor units.
package money

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/fault"
)

// Currency is an ISO 4217 currency code.
type Currency string

// exponents lists currencies whose minor unit is not 1/100.
var exponents = map[Currency]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"KWD": 3,
	"BHD": 3,
	"OMR": 3,
	"JOD": 3,
	"TND": 3,
}

// Exponent returns the number of decimal places of the currency's minor unit.
func (c Currency) Exponent() int32 {
	if e, ok := exponents[c]; ok {
		return e
	}
	return 2
}

func (c Currency) String() string { return string(c) }

// ParseCurrency normalizes and validates a three-letter currency code.
func ParseCurrency(s string) (Currency, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if len(code) != 3 {
		return "", fault.Invalid("currency", "must be a three-letter ISO 4217 code, got %q", s)
	}
	for i := range len(code) {
		if code[i] < 'A' || code[i] > 'Z' {
			return "", fault.Invalid("currency", "must be a three-letter ISO 4217 code, got %q", s)
		}
	}
	return Currency(code), nil
}

// ErrOverflow is returned when a result does not fit in int64 minor units.
var ErrOverflow = &fault.Error{
	Kind:    fault.KindValidation,
	Reason:  "amount_overflow",
	Message: "amount is out of range",
}

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// toMinor converts an integral decimal of minor units, rejecting values
// outside the int64 range.
func toMinor(d decimal.Decimal) (int64, error) {
	if d.GreaterThan(maxMinor) || d.LessThan(minMinor) {
		return 0, ErrOverflow
	}
	return d.IntPart(), nil
}

// Money is an immutable amount in minor units of a currency.
type Money struct {
	minor    int64
	currency Currency
}

// New returns Money from minor units.
func New(minor int64, currency Currency) Money {
	return Money{minor: minor, currency: currency}
}

// Zero returns a zero amount in the currency.
func Zero(currency Currency) Money {
	return Money{currency: currency}
}

// FromDecimal converts a major-unit amount, rounding half-to-even at the
// currency's minor unit.
func FromDecimal(amount decimal.Decimal, currency Currency) (Money, error) {
	minor, err := toMinor(amount.Shift(currency.Exponent()).RoundBank(0))
	if err != nil {
		return Money{}, err
	}
	return Money{minor: minor, currency: currency}, nil
}

// FromDecimalExact converts a major-unit amount and rejects values with more
// precision than the currency's minor unit.
func FromDecimalExact(amount decimal.Decimal, currency Currency) (Money, error) {
	shifted := amount.Shift(currency.Exponent())
	if !shifted.Equal(shifted.Truncate(0)) {
		return Money{}, fault.Invalid("amount", "%s has more than %d decimal places for %s",
			amount, currency.Exponent(), currency)
	}
	minor, err := toMinor(shifted)
	if err != nil {
		return Money{}, err
	}
	return Money{minor: minor, currency: currency}, nil
}

// Minor returns the amount in minor units.
func (m Money) Minor() int64 { return m.minor }

// Currency returns the currency code.
func (m Money) Currency() Currency { return m.currency }

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.minor, -m.currency.Exponent())
}

func (m Money) String() string {
	return m.Decimal().StringFixed(m.currency.Exponent()) + " " + string(m.currency)
}

func (m Money) IsZero() bool     { return m.minor == 0 }
func (m Money) IsNegative() bool { return m.minor < 0 }
func (m Money) IsPositive() bool { return m.minor > 0 }

// Add returns m + o.
func (m Money) Add(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	sum := m.minor + o.minor
	if (o.minor > 0 && sum < m.minor) || (o.minor < 0 && sum > m.minor) {
		return Money{}, ErrOverflow
	}
	return Money{minor: sum, currency: m.currency}, nil
}

// Sub returns m - o.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.sameCurrency(o); err != nil {
		return Money{}, err
	}
	diff := m.minor - o.minor
	if (o.minor > 0 && diff > m.minor) || (o.minor < 0 && diff < m.minor) {
		return Money{}, ErrOverflow
	}
	return Money{minor: diff, currency: m.currency}, nil
}

// Cmp compares m and o: -1 if m < o, 0 if equal, +1 if m > o.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.sameCurrency(o); err != nil {
		return 0, err
	}
	switch {
	case m.minor < o.minor:
		return -1, nil
	case m.minor > o.minor:
		return 1, nil
	default:
		return 0, nil
	}
}

// Equal reports whether both amount and currency match.
func (m Money) Equal(o Money) bool {
	return m.currency == o.currency && m.minor == o.minor
}

// Times multiplies by an integer quantity.
func (m Money) Times(qty int64) (Money, error) {
	minor, ok := mul(m.minor, qty)
	if !ok {
		return Money{}, ErrOverflow
	}
	return Money{minor: minor, currency: m.currency}, nil
}

// mul multiplies on magnitudes so that every overflow, including
// MinInt64 * -1, is detected.
func mul(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	neg := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(magnitude(a), magnitude(b))
	switch {
	case hi != 0:
		return 0, false
	case neg && lo > 1<<63:
		return 0, false
	case !neg && lo > math.MaxInt64:
		return 0, false
	case neg:
		return int64(-lo), true
	default:
		return int64(lo), true
	}
}

func magnitude(v int64) uint64 {
	u := uint64(v)
	if v < 0 {
		u = -u
	}
	return u
}

// Scale multiplies by a decimal factor, rounding half-to-even at the minor unit.
func (m Money) Scale(factor decimal.Decimal) (Money, error) {
	minor, err := toMinor(decimal.NewFromInt(m.minor).Mul(factor).RoundBank(0))
	if err != nil {
		return Money{}, err
	}
	return Money{minor: minor, currency: m.currency}, nil
}

// Clamp bounds m to [lo, hi].
func (m Money) Clamp(lo, hi Money) (Money, error) {
	if err := m.sameCurrency(lo); err != nil {
		return Money{}, err
	}
	if err := m.sameCurrency(hi); err != nil {
		return Money{}, err
	}
	switch {
	case m.minor < lo.minor:
		return lo, nil
	case m.minor > hi.minor:
		return hi, nil
	default:
		return m, nil
	}
}

// Sum adds amounts; an empty list yields zero in the given currency.
func Sum(currency Currency, amounts ...Money) (Money, error) {
	total := Zero(currency)
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Money{}, err
		}
	}
	return total, nil
}

func (m Money) sameCurrency(o Money) error {
	if m.currency != o.currency {
		return &fault.Error{
			Kind:    fault.KindCurrencyMismatch,
			Message: fmt.Sprintf("currency mismatch: %s and %s", m.currency, o.currency),
		}
	}
	return nil
}
