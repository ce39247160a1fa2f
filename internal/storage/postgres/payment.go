package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/payment"
)

const (
	paymentColumns = `id, order_id, amount, refunded, currency, method, processor_token, customer_email,
		status, attempt, idempotency_key, client_key, reference, failure_reason, version,
		created_at, updated_at, completed_at`

	insertPaymentSQL = `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16, $17)`

	getPaymentSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	listPaymentsByOrderSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE order_id = $1 ORDER BY attempt`

	updatePaymentSQL = `UPDATE payments SET
		refunded = $3, status = $4, reference = $5, failure_reason = $6,
		updated_at = $7, completed_at = $8, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`

	paymentExistsSQL = `SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1)`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	_, err := r.pool.Exec(ctx, insertPaymentSQL,
		p.ID, p.OrderID, p.Amount.Minor(), p.Refunded.Minor(), string(p.Amount.Currency()),
		string(p.Method), p.ProcessorToken, p.CustomerEmail, int(p.Status), p.Attempt,
		p.IdempotencyKey, p.ClientKey, p.Reference, p.FailureReason,
		p.CreatedAt, p.UpdatedAt, p.CompletedAt,
	)
	if err != nil {
		return errors.Wrapf(mapWriteError(err, "payment", p.ID), "insert payment %s", p.ID)
	}
	p.Version = 1
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	rows, err := r.pool.Query(ctx, getPaymentSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query payment %s", id)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFound("payment", id)
		}
		return nil, errors.Wrapf(err, "scan payment %s", id)
	}
	return &p, nil
}

// Save writes the mutable fields of p under an optimistic version check.
func (r *PaymentRepository) Save(ctx context.Context, p *payment.Payment) (int64, error) {
	var version int64
	err := r.pool.QueryRow(ctx, updatePaymentSQL,
		p.ID, p.Version, p.Refunded.Minor(), int(p.Status), p.Reference, p.FailureReason,
		p.UpdatedAt, p.CompletedAt,
	).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		var exists bool
		if err := r.pool.QueryRow(ctx, paymentExistsSQL, p.ID).Scan(&exists); err != nil {
			return 0, errors.Wrapf(err, "check payment %s", p.ID)
		}
		if !exists {
			return 0, fault.NotFound("payment", p.ID)
		}
		return 0, fault.VersionConflict("payment", p.ID)
	case err != nil:
		return 0, errors.Wrapf(mapWriteError(err, "payment", p.ID), "update payment %s", p.ID)
	}
	return version, nil
}

// ListByOrder returns the payments of an order in attempt order.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]payment.Payment, error) {
	rows, err := r.pool.Query(ctx, listPaymentsByOrderSQL, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "query payments of order %s", orderID)
	}
	out, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, errors.Wrapf(err, "scan payments of order %s", orderID)
	}
	return out, nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p                payment.Payment
		amount, refunded int64
		cur, method      string
		status           int16
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &amount, &refunded, &cur, &method, &p.ProcessorToken, &p.CustomerEmail,
		&status, &p.Attempt, &p.IdempotencyKey, &p.ClientKey, &p.Reference, &p.FailureReason,
		&p.Version, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return payment.Payment{}, err
	}
	c := money.Currency(cur)
	p.Amount = money.New(amount, c)
	p.Refunded = money.New(refunded, c)
	p.Method = payment.Method(method)
	p.Status = payment.Status(status)
	return p, nil
}
