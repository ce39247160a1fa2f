package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/billing-core/internal/domain/payment"
	"github.com/xenking/billing-core/internal/domain/receipt"
)

const (
	// Paid, PartiallyRefunded, Refunded.
	settledStatuses = `(2, 3, 4)`

	countSettledSQL = `SELECT count(*) FROM orders
		WHERE business_id = $1 AND status IN ` + settledStatuses

	// LIMIT NULL returns every row.
	listSettledSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE business_id = $1 AND status IN ` + settledStatuses + `
		ORDER BY COALESCE(paid_at, updated_at) DESC, id DESC
		LIMIT $2 OFFSET $3`

	listPaymentsOfOrdersSQL = `SELECT ` + paymentColumns + ` FROM payments
		WHERE order_id = ANY($1) ORDER BY order_id, attempt`
)

var _ receipt.Source = (*ReceiptSource)(nil)

// ReceiptSource implements receipt.Source backed by PostgreSQL.
type ReceiptSource struct {
	pool *pgxpool.Pool
}

// NewReceiptSource returns a ReceiptSource that uses the given pool.
func NewReceiptSource(pool *pgxpool.Pool) *ReceiptSource {
	return &ReceiptSource{pool: pool}
}

func (s *ReceiptSource) BusinessExists(ctx context.Context, id int64) (bool, error) {
	return (&Directory{pool: s.pool}).BusinessExists(ctx, id)
}

// ListSettled returns one page of settled orders with their payments. The
// count and the page are read in one repeatable-read transaction so that
// they agree.
func (s *ReceiptSource) ListSettled(ctx context.Context, businessID int64, limit, offset int) ([]receipt.Settled, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	if err := tx.QueryRow(ctx, countSettledSQL, businessID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count settled orders")
	}

	offset = max(offset, 0)
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := tx.Query(ctx, listSettledSQL, businessID, lim, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query settled orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, 0, errors.Wrap(err, "scan settled orders")
	}
	if len(orders) == 0 {
		return []receipt.Settled{}, total, nil
	}

	ids := make([]uuid.UUID, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	rows, err = tx.Query(ctx, listPaymentsOfOrdersSQL, ids)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query payments")
	}
	payments, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, 0, errors.Wrap(err, "scan payments")
	}

	byOrder := make(map[uuid.UUID][]payment.Payment, len(orders))
	for _, p := range payments {
		byOrder[p.OrderID] = append(byOrder[p.OrderID], p)
	}

	out := make([]receipt.Settled, len(orders))
	for i, o := range orders {
		out[i] = receipt.Settled{Order: *o, Payments: byOrder[o.ID]}
	}
	return out, total, nil
}
