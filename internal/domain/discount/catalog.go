package discount

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
)

// Catalog resolves discount codes to specifications.
type Catalog struct {
	repo Repository
}

// NewCatalog creates a Catalog backed by the given Repository.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{repo: repo}
}

// Lookup resolves code to a specification priced in currency. Window checks
// are left to the Policy so that an expired code is recorded as out of window
// rather than rejected.
func (c *Catalog) Lookup(ctx context.Context, code string, currency money.Currency) (*Spec, error) {
	code = strings.TrimSpace(code)
	rule, err := c.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrUnknownCode) {
			return nil, &fault.Error{
				Kind:    fault.KindValidation,
				Message: "unknown discount code",
				Reason:  "unknown_discount_code",
				Fields:  []fault.FieldError{{Field: "discountCode", Message: "unknown code " + code}},
			}
		}
		return nil, errors.Wrap(err, "lookup discount code")
	}
	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return nil, &fault.Error{
			Kind:    fault.KindValidation,
			Message: ErrUsageLimitReached.Error(),
			Reason:  "discount_exhausted",
			Fields:  []fault.FieldError{{Field: "discountCode", Message: "usage limit reached"}},
		}
	}
	return rule.Spec(currency)
}

// Redeem records one use of code.
func (c *Catalog) Redeem(ctx context.Context, code string) error {
	if err := c.repo.IncrementUses(ctx, strings.TrimSpace(code)); err != nil {
		return errors.Wrap(err, "increment discount uses")
	}
	return nil
}
