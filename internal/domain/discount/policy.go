// Package discount computes order discounts from percentage and fixed
// specifications and resolves catalog discount codes.
package discount

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/money"
)

var hundred = decimal.NewFromInt(100)

// Result is the outcome of applying discounts to a price.
type Result struct {
	Original money.Money
	Price    money.Money
	Amount   money.Money
	Outcome  Outcome
	Codes    []string
}

// Policy applies discount specifications relative to a clock.
type Policy struct {
	now func() time.Time
}

// NewPolicy returns a Policy using the wall clock.
func NewPolicy() *Policy {
	return &Policy{now: time.Now}
}

// NewPolicyAt returns a Policy evaluating windows against a custom clock.
func NewPolicyAt(now func() time.Time) *Policy {
	return &Policy{now: now}
}

// Apply applies a single specification. A nil spec is the identity.
func (p *Policy) Apply(price money.Money, spec *Spec) (Result, error) {
	if spec == nil {
		return p.ApplyAll(price)
	}
	return p.ApplyAll(price, spec)
}

// ApplyAll applies percentage specifications first and fixed ones after,
// each against the running price. Specifications outside their window are
// skipped. The result never drops below zero nor exceeds the original price.
func (p *Policy) ApplyAll(price money.Money, specs ...*Spec) (Result, error) {
	res := Result{
		Original: price,
		Price:    price,
		Amount:   money.Zero(price.Currency()),
		Outcome:  OutcomeNone,
	}

	active := make([]*Spec, 0, len(specs))
	for _, s := range specs {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			return Result{}, err
		}
		if !s.ActiveAt(p.now()) {
			res.Outcome = OutcomeOutOfWindow
			continue
		}
		active = append(active, s)
	}
	if len(active) == 0 {
		return res, nil
	}

	slices.SortStableFunc(active, func(a, b *Spec) int {
		return precedence(a.Type) - precedence(b.Type)
	})

	zero := money.Zero(price.Currency())
	running := price
	for _, s := range active {
		var (
			next money.Money
			err  error
		)
		switch s.Type {
		case TypePercentage:
			var cut money.Money
			if cut, err = running.Scale(s.Percent.Div(hundred)); err == nil {
				next, err = running.Sub(cut)
			}
		case TypeFixed:
			next, err = running.Sub(s.Amount)
		}
		if err != nil {
			return Result{}, err
		}
		if running, err = next.Clamp(zero, price); err != nil {
			return Result{}, err
		}
		if s.Code != "" {
			res.Codes = append(res.Codes, s.Code)
		}
	}

	amount, err := price.Sub(running)
	if err != nil {
		return Result{}, err
	}
	res.Price = running
	res.Amount = amount
	res.Outcome = OutcomeApplied
	return res, nil
}

func precedence(t Type) int {
	if t == TypePercentage {
		return 0
	}
	return 1
}
