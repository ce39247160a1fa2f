// Package vat applies value-added tax rates resolved from VAT profiles.
package vat

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
)

// ErrUnknownProfile is returned when a VAT profile id does not resolve.
var ErrUnknownProfile = &fault.Error{Kind: fault.KindReferenceNotFound, Reason: "unknown_vat_profile"}

// ErrProfileNotFound is returned by resolvers for a missing profile id.
var ErrProfileNotFound = errors.New("vat profile not found")

// ProfileResolver looks up the rate of a VAT profile, e.g. 0.20 for 20%.
type ProfileResolver interface {
	Resolve(ctx context.Context, vatID int64) (decimal.Decimal, error)
}

// Priced is a base price together with its VAT-inclusive counterpart.
type Priced struct {
	Rate       decimal.Decimal
	WithoutVat money.Money
	WithVat    money.Money
}

// Vat returns the tax portion.
func (p Priced) Vat() money.Money {
	v, _ := p.WithVat.Sub(p.WithoutVat)
	return v
}

// Calculator applies VAT profiles to prices.
type Calculator struct {
	profiles ProfileResolver
}

// NewCalculator creates a Calculator backed by the given resolver.
func NewCalculator(profiles ProfileResolver) *Calculator {
	return &Calculator{profiles: profiles}
}

// Rate resolves the rate of a profile.
func (c *Calculator) Rate(ctx context.Context, vatID int64) (decimal.Decimal, error) {
	rate, err := c.profiles.Resolve(ctx, vatID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return decimal.Zero, &fault.Error{
				Kind:    fault.KindReferenceNotFound,
				Reason:  ErrUnknownProfile.Reason,
				Message: "unknown vat profile",
				Fields:  []fault.FieldError{{Field: "vatId", Message: "not found"}},
			}
		}
		return decimal.Zero, errors.Wrapf(err, "resolve vat profile %d", vatID)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, errors.Errorf("vat profile %d has rate %s outside [0, 1]", vatID, rate)
	}
	return rate, nil
}

// Apply computes base * (1 + rate) for the profile, rounded half-to-even at
// the currency's minor unit.
func (c *Calculator) Apply(ctx context.Context, vatID int64, base money.Money) (Priced, error) {
	rate, err := c.Rate(ctx, vatID)
	if err != nil {
		return Priced{}, err
	}
	return ApplyRate(rate, base)
}

// ApplyRate prices base with an already resolved rate.
func ApplyRate(rate decimal.Decimal, base money.Money) (Priced, error) {
	withVat, err := base.Scale(decimal.NewFromInt(1).Add(rate))
	if err != nil {
		return Priced{}, err
	}
	return Priced{Rate: rate, WithoutVat: base, WithVat: withVat}, nil
}
