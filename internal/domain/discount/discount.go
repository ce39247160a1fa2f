package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage reduces the price by a percentage in [0, 100].
	TypePercentage Type = "percentage"
	// TypeFixed reduces the price by a fixed amount, capped at the price.
	TypeFixed Type = "fixed"
)

// Outcome records how a discount specification was treated, for audit.
type Outcome string

const (
	// OutcomeNone means no specification was given.
	OutcomeNone Outcome = "none"
	// OutcomeOutOfWindow means the specification was outside its validity window.
	OutcomeOutOfWindow Outcome = "out_of_window"
	// OutcomeApplied means the specification was applied, possibly for zero.
	OutcomeApplied Outcome = "applied"
)

var (
	// ErrUnknownCode is returned when a discount code is not in the catalog.
	ErrUnknownCode = errors.New("unknown discount code")
	// ErrUsageLimitReached is returned when a code has exhausted its allowed uses.
	ErrUsageLimitReached = errors.New("discount usage limit reached")
)

// Spec is a discount specification attached to an order.
type Spec struct {
	Code        string
	Type        Type
	Percent     decimal.Decimal
	Amount      money.Money
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Description string
}

// Validate checks the specification's own invariants.
func (s *Spec) Validate() error {
	switch s.Type {
	case TypePercentage:
		if s.Percent.IsNegative() || s.Percent.GreaterThan(hundred) {
			return fault.Invalid("discount.percent", "must be within [0, 100], got %s", s.Percent)
		}
	case TypeFixed:
		if s.Amount.IsNegative() {
			return fault.Invalid("discount.amount", "must not be negative")
		}
	default:
		return fault.Invalid("discount.type", "unsupported discount type %q", s.Type)
	}
	if s.ValidFrom != nil && s.ValidUntil != nil && s.ValidUntil.Before(*s.ValidFrom) {
		return fault.Invalid("discount.validUntil", "must not precede validFrom")
	}
	return nil
}

// ActiveAt reports whether now falls inside the validity window.
func (s *Spec) ActiveAt(now time.Time) bool {
	if s.ValidFrom != nil && now.Before(*s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && now.After(*s.ValidUntil) {
		return false
	}
	return true
}

// Rule is a catalog entry behind a discount code. Value is a percentage for
// TypePercentage and a major-unit amount for TypeFixed.
type Rule struct {
	Code        string
	Type        Type
	Value       decimal.Decimal
	Currency    money.Currency
	Description string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     int
	Uses        int
}

// Spec converts the rule to a specification priced in currency.
func (r *Rule) Spec(currency money.Currency) (*Spec, error) {
	s := &Spec{
		Code:        r.Code,
		Type:        r.Type,
		ValidFrom:   r.ValidFrom,
		ValidUntil:  r.ValidUntil,
		Description: r.Description,
	}
	switch r.Type {
	case TypePercentage:
		s.Percent = r.Value
	case TypeFixed:
		if r.Currency != "" && r.Currency != currency {
			return nil, &fault.Error{
				Kind:    fault.KindCurrencyMismatch,
				Message: "discount code " + r.Code + " is priced in " + string(r.Currency),
			}
		}
		amount, err := money.FromDecimal(r.Value, currency)
		if err != nil {
			return nil, err
		}
		s.Amount = amount
	}
	return s, s.Validate()
}

// Repository provides lookup and redemption of discount rules.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
	IncrementUses(ctx context.Context, code string) error
}
