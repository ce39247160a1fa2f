package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/money"
)

const (
	getDiscountByCodeSQL = `SELECT code, type, value, currency, description,
		valid_from, valid_until, max_uses, uses
		FROM discount_rules WHERE UPPER(code) = UPPER($1) AND active = TRUE`

	incrementDiscountUsesSQL = `UPDATE discount_rules SET uses = uses + 1
		WHERE UPPER(code) = UPPER($1) AND active = TRUE AND (max_uses = 0 OR uses < max_uses)`

	upsertDiscountSQL = `INSERT INTO discount_rules
		(code, type, value, currency, description, valid_from, valid_until, max_uses, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (code) DO UPDATE SET
			type = EXCLUDED.type, value = EXCLUDED.value, currency = EXCLUDED.currency,
			description = EXCLUDED.description, valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until, max_uses = EXCLUDED.max_uses, active = TRUE`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
// Codes match case-insensitively.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindByCode looks up an active rule. Returns discount.ErrUnknownCode when
// no matching active rule exists.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Rule, error) {
	rows, err := r.pool.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find discount %q", code)
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanDiscountRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrUnknownCode
		}
		return nil, errors.Wrapf(err, "find discount %q", code)
	}
	return &rule, nil
}

// IncrementUses records a redemption. The usage limit is enforced in the
// same statement so that concurrent redemptions cannot overshoot it.
func (r *DiscountRepository) IncrementUses(ctx context.Context, code string) error {
	tag, err := r.pool.Exec(ctx, incrementDiscountUsesSQL, code)
	if err != nil {
		return errors.Wrapf(err, "increment uses of discount %q", code)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.FindByCode(ctx, code); err != nil {
		return err
	}
	return discount.ErrUsageLimitReached
}

// Upsert inserts or replaces a rule, keeping its usage counter.
func (r *DiscountRepository) Upsert(ctx context.Context, rule discount.Rule) error {
	_, err := r.pool.Exec(ctx, upsertDiscountSQL,
		rule.Code, string(rule.Type), rule.Value, nullCurrency(rule.Currency), rule.Description,
		rule.ValidFrom, rule.ValidUntil, rule.MaxUses,
	)
	if err != nil {
		return errors.Wrapf(err, "upsert discount %q", rule.Code)
	}
	return nil
}

// UpsertBatch upserts rules in a single round trip.
func (r *DiscountRepository) UpsertBatch(ctx context.Context, rules []discount.Rule) error {
	b := &pgx.Batch{}
	for _, rule := range rules {
		b.Queue(upsertDiscountSQL,
			rule.Code, string(rule.Type), rule.Value, nullCurrency(rule.Currency), rule.Description,
			rule.ValidFrom, rule.ValidUntil, rule.MaxUses,
		)
	}
	if err := r.pool.SendBatch(ctx, b).Close(); err != nil {
		return errors.Wrapf(err, "upsert %d discounts", len(rules))
	}
	return nil
}

func nullCurrency(c money.Currency) *string {
	if c == "" {
		return nil
	}
	s := string(c)
	return &s
}

func scanDiscountRule(row pgx.CollectableRow) (discount.Rule, error) {
	var (
		rule       discount.Rule
		typ        string
		value      decimal.Decimal
		cur        *string
		validFrom  *time.Time
		validUntil *time.Time
		maxUses    int32
		uses       int32
	)
	err := row.Scan(
		&rule.Code, &typ, &value, &cur, &rule.Description,
		&validFrom, &validUntil, &maxUses, &uses,
	)
	rule.Type = discount.Type(typ)
	rule.Value = value
	if cur != nil {
		rule.Currency = money.Currency(*cur)
	}
	rule.ValidFrom = validFrom
	rule.ValidUntil = validUntil
	rule.MaxUses = int(maxUses)
	rule.Uses = int(uses)
	return rule, err
}
