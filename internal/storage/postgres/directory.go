package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/vat"
)

const (
	getBusinessSQL    = `SELECT id, name, currency FROM businesses WHERE id = $1`
	businessExistsSQL = `SELECT EXISTS (SELECT 1 FROM businesses WHERE id = $1)`
	getWorkerSQL      = `SELECT id, business_id, name FROM workers WHERE id = $1`
	getVatRateSQL     = `SELECT rate FROM vat_profiles WHERE id = $1`

	// Completed = 2, PartiallyRefunded = 5.
	hasCapturedPaymentSQL = `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id = $1 AND status IN (2, 5))`

	upsertBusinessSQL = `INSERT INTO businesses (id, name, currency) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, currency = EXCLUDED.currency`
	upsertWorkerSQL = `INSERT INTO workers (id, business_id, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET business_id = EXCLUDED.business_id, name = EXCLUDED.name`
	upsertVatProfileSQL = `INSERT INTO vat_profiles (id, name, rate) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, rate = EXCLUDED.rate`
)

var (
	_ order.Directory     = (*Directory)(nil)
	_ order.PaymentLookup = (*Directory)(nil)
	_ vat.ProfileResolver = (*Directory)(nil)
)

// Directory reads businesses, workers and VAT profiles.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory returns a Directory that uses the given pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

func (d *Directory) Business(ctx context.Context, id int64) (*order.Business, error) {
	var (
		b   order.Business
		cur string
	)
	err := d.pool.QueryRow(ctx, getBusinessSQL, id).Scan(&b.ID, &b.Name, &cur)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFound("business", id)
		}
		return nil, errors.Wrapf(err, "get business %d", id)
	}
	b.Currency = money.Currency(cur)
	return &b, nil
}

func (d *Directory) BusinessExists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	if err := d.pool.QueryRow(ctx, businessExistsSQL, id).Scan(&ok); err != nil {
		return false, errors.Wrapf(err, "check business %d", id)
	}
	return ok, nil
}

func (d *Directory) Worker(ctx context.Context, id int64) (*order.Worker, error) {
	var w order.Worker
	err := d.pool.QueryRow(ctx, getWorkerSQL, id).Scan(&w.ID, &w.BusinessID, &w.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFound("worker", id)
		}
		return nil, errors.Wrapf(err, "get worker %d", id)
	}
	return &w, nil
}

// Resolve returns the rate of a VAT profile.
func (d *Directory) Resolve(ctx context.Context, vatID int64) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := d.pool.QueryRow(ctx, getVatRateSQL, vatID).Scan(&rate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, vat.ErrProfileNotFound
		}
		return decimal.Zero, errors.Wrapf(err, "get vat profile %d", vatID)
	}
	return rate, nil
}

func (d *Directory) HasCapturedPayment(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var ok bool
	if err := d.pool.QueryRow(ctx, hasCapturedPaymentSQL, orderID).Scan(&ok); err != nil {
		return false, errors.Wrapf(err, "check captured payments of order %s", orderID)
	}
	return ok, nil
}

// PutBusiness inserts or updates a business.
func (d *Directory) PutBusiness(ctx context.Context, b order.Business) error {
	if _, err := d.pool.Exec(ctx, upsertBusinessSQL, b.ID, b.Name, string(b.Currency)); err != nil {
		return errors.Wrapf(err, "upsert business %d", b.ID)
	}
	return nil
}

// PutWorker inserts or updates a worker.
func (d *Directory) PutWorker(ctx context.Context, w order.Worker) error {
	if _, err := d.pool.Exec(ctx, upsertWorkerSQL, w.ID, w.BusinessID, w.Name); err != nil {
		return errors.Wrapf(mapWriteError(err, "worker", w.ID), "upsert worker %d", w.ID)
	}
	return nil
}

// PutVatProfile inserts or updates a VAT profile.
func (d *Directory) PutVatProfile(ctx context.Context, id int64, name string, rate decimal.Decimal) error {
	if _, err := d.pool.Exec(ctx, upsertVatProfileSQL, id, name, rate); err != nil {
		return errors.Wrapf(err, "upsert vat profile %d", id)
	}
	return nil
}
