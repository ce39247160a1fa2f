package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
)

func timePtr(t time.Time) *time.Time { return &t }

func percent(s string) *Spec {
	return &Spec{Type: TypePercentage, Percent: decimal.RequireFromString(s)}
}

func fixed(minor int64) *Spec {
	return &Spec{Type: TypeFixed, Amount: money.New(minor, "USD")}
}

func TestPolicy_Apply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPolicyAt(func() time.Time { return now })
	price := money.New(4000, "USD")

	tests := []struct {
		name    string
		spec    *Spec
		price   int64
		amount  int64
		outcome Outcome
	}{
		{name: "no spec", spec: nil, price: 4000, amount: 0, outcome: OutcomeNone},
		{name: "ten percent", spec: percent("10"), price: 3600, amount: 400, outcome: OutcomeApplied},
		{name: "zero percent", spec: percent("0"), price: 4000, amount: 0, outcome: OutcomeApplied},
		{name: "full percent", spec: percent("100"), price: 0, amount: 4000, outcome: OutcomeApplied},
		{name: "fixed", spec: fixed(500), price: 3500, amount: 500, outcome: OutcomeApplied},
		{name: "fixed capped at price", spec: fixed(9000), price: 0, amount: 4000, outcome: OutcomeApplied},
		{
			name:    "not yet valid",
			spec:    &Spec{Type: TypePercentage, Percent: decimal.NewFromInt(50), ValidFrom: timePtr(now.Add(time.Hour))},
			price:   4000,
			amount:  0,
			outcome: OutcomeOutOfWindow,
		},
		{
			name:    "expired",
			spec:    &Spec{Type: TypeFixed, Amount: money.New(100, "USD"), ValidUntil: timePtr(now.Add(-time.Hour))},
			price:   4000,
			amount:  0,
			outcome: OutcomeOutOfWindow,
		},
		{
			name: "inside window",
			spec: &Spec{
				Type:       TypePercentage,
				Percent:    decimal.NewFromInt(25),
				ValidFrom:  timePtr(now.Add(-time.Hour)),
				ValidUntil: timePtr(now.Add(time.Hour)),
			},
			price:   3000,
			amount:  1000,
			outcome: OutcomeApplied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Apply(price, tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.price, got.Price.Minor())
			assert.Equal(t, tt.amount, got.Amount.Minor())
			assert.Equal(t, tt.outcome, got.Outcome)
			assert.Equal(t, price, got.Original)
		})
	}
}

func TestPolicy_ApplyAll_PercentageBeforeFixed(t *testing.T) {
	p := NewPolicy()
	price := money.New(10000, "USD")

	// Order of arguments does not matter: 100.00 -10% = 90.00, then -5.00 = 85.00.
	got, err := p.ApplyAll(price, fixed(500), percent("10"))
	require.NoError(t, err)
	assert.Equal(t, int64(8500), got.Price.Minor())
	assert.Equal(t, int64(1500), got.Amount.Minor())
	assert.Equal(t, OutcomeApplied, got.Outcome)
}

func TestPolicy_ApplyAll_NeverNegative(t *testing.T) {
	p := NewPolicy()

	got, err := p.ApplyAll(money.New(1000, "USD"), percent("50"), fixed(800), fixed(800))
	require.NoError(t, err)
	assert.True(t, got.Price.IsZero())
	assert.Equal(t, int64(1000), got.Amount.Minor())
}

func TestPolicy_InvalidSpec(t *testing.T) {
	p := NewPolicy()
	price := money.New(1000, "USD")

	tests := []struct {
		name string
		spec *Spec
	}{
		{name: "percent above hundred", spec: percent("100.01")},
		{name: "negative percent", spec: percent("-1")},
		{name: "negative fixed", spec: fixed(-1)},
		{name: "unknown type", spec: &Spec{Type: "free_lowest"}},
		{
			name: "inverted window",
			spec: &Spec{
				Type:       TypePercentage,
				ValidFrom:  timePtr(time.Now()),
				ValidUntil: timePtr(time.Now().Add(-time.Hour)),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Apply(price, tt.spec)
			require.ErrorIs(t, err, fault.ErrValidation)
		})
	}
}

func TestPolicy_FixedCurrencyMismatch(t *testing.T) {
	p := NewPolicy()
	spec := &Spec{Type: TypeFixed, Amount: money.New(100, "EUR")}

	_, err := p.Apply(money.New(1000, "USD"), spec)
	require.ErrorIs(t, err, fault.ErrCurrencyMismatch)
}

type mockDiscountRepo struct {
	rule          *Rule
	err           error
	incrementErr  error
	incrementCode string
}

func (m *mockDiscountRepo) FindByCode(_ context.Context, _ string) (*Rule, error) {
	return m.rule, m.err
}

func (m *mockDiscountRepo) IncrementUses(_ context.Context, code string) error {
	m.incrementCode = code
	return m.incrementErr
}

func TestCatalog_Lookup(t *testing.T) {
	ctx := context.Background()

	t.Run("percentage", func(t *testing.T) {
		c := NewCatalog(&mockDiscountRepo{rule: &Rule{
			Code: "SPRING10", Type: TypePercentage, Value: decimal.NewFromInt(10),
		}})
		spec, err := c.Lookup(ctx, " SPRING10 ", "USD")
		require.NoError(t, err)
		assert.Equal(t, "SPRING10", spec.Code)
		assert.True(t, spec.Percent.Equal(decimal.NewFromInt(10)))
	})

	t.Run("fixed converted to order currency", func(t *testing.T) {
		c := NewCatalog(&mockDiscountRepo{rule: &Rule{
			Code: "FIVE", Type: TypeFixed, Value: decimal.RequireFromString("5.00"), Currency: "USD",
		}})
		spec, err := c.Lookup(ctx, "FIVE", "USD")
		require.NoError(t, err)
		assert.Equal(t, money.New(500, "USD"), spec.Amount)
	})

	t.Run("fixed in other currency", func(t *testing.T) {
		c := NewCatalog(&mockDiscountRepo{rule: &Rule{
			Code: "FIVE", Type: TypeFixed, Value: decimal.NewFromInt(5), Currency: "EUR",
		}})
		_, err := c.Lookup(ctx, "FIVE", "USD")
		require.ErrorIs(t, err, fault.ErrCurrencyMismatch)
	})

	t.Run("unknown code", func(t *testing.T) {
		c := NewCatalog(&mockDiscountRepo{err: ErrUnknownCode})
		_, err := c.Lookup(ctx, "NOPE", "USD")
		require.ErrorIs(t, err, fault.ErrValidation)
		f, ok := fault.As(err)
		require.True(t, ok)
		require.Len(t, f.Fields, 1)
		assert.Equal(t, "discountCode", f.Fields[0].Field)
	})

	t.Run("usage limit", func(t *testing.T) {
		c := NewCatalog(&mockDiscountRepo{rule: &Rule{
			Code: "ONCE", Type: TypePercentage, Value: decimal.NewFromInt(5), MaxUses: 1, Uses: 1,
		}})
		_, err := c.Lookup(ctx, "ONCE", "USD")
		require.ErrorIs(t, err, &fault.Error{Kind: fault.KindValidation, Reason: "discount_exhausted"})
	})

	t.Run("repository failure", func(t *testing.T) {
		c := NewCatalog(&mockDiscountRepo{err: errors.New("db down")})
		_, err := c.Lookup(ctx, "X", "USD")
		require.Error(t, err)
		_, isFault := fault.KindOf(err)
		assert.False(t, isFault)
	})
}

func TestCatalog_Redeem(t *testing.T) {
	repo := &mockDiscountRepo{}
	c := NewCatalog(repo)

	require.NoError(t, c.Redeem(context.Background(), " SPRING10"))
	assert.Equal(t, "SPRING10", repo.incrementCode)

	repo.incrementErr = errors.New("boom")
	require.Error(t, c.Redeem(context.Background(), "SPRING10"))
}
