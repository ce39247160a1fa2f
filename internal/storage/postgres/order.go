package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
)

const (
	orderColumns = `id, code, vat_id, vat_rate, business_id, worker_id, currency, items, discounts,
		discount_outcome, subtotal, discount, computed_total, total_override, status, attempt_seq,
		version, created_at, updated_at, paid_at`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1, $17, $18, $19)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	updateOrderSQL = `UPDATE orders SET
		items = $3, discounts = $4, discount_outcome = $5, subtotal = $6, discount = $7,
		computed_total = $8, total_override = $9, status = $10, attempt_seq = $11,
		updated_at = $12, paid_at = $13, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Line
// items and discount specifications are kept in JSONB columns.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Line items and discount specifications are stored as JSON arrays. Amounts
// are minor units of the order currency.

func encodeItems(items []order.LineItem) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, li := range items {
		e.ObjStart()
		e.FieldStart("itemId")
		e.Str(li.ItemID)
		e.FieldStart("quantity")
		e.Int64(li.Quantity)
		e.FieldStart("unitPriceWithoutVat")
		e.Int64(li.UnitPriceWithoutVat.Minor())
		e.FieldStart("unitPriceWithVat")
		e.Int64(li.UnitPriceWithVat.Minor())
		if len(li.Addons) > 0 {
			e.FieldStart("addons")
			e.ArrStart()
			for _, a := range li.Addons {
				e.ObjStart()
				e.FieldStart("id")
				e.Str(a.ID)
				e.FieldStart("price")
				e.Int64(a.Price.Minor())
				e.ObjEnd()
			}
			e.ArrEnd()
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeItems(data []byte, cur money.Currency) ([]order.LineItem, error) {
	items := []order.LineItem{}
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var li order.LineItem
		err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
			var err error
			switch string(k) {
			case "itemId":
				li.ItemID, err = d.Str()
			case "quantity":
				li.Quantity, err = d.Int64()
			case "unitPriceWithoutVat":
				li.UnitPriceWithoutVat, err = decodeMinor(d, cur)
			case "unitPriceWithVat":
				li.UnitPriceWithVat, err = decodeMinor(d, cur)
			case "addons":
				err = d.Arr(func(d *jx.Decoder) error {
					var a order.Addon
					if err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
						var err error
						switch string(k) {
						case "id":
							a.ID, err = d.Str()
						case "price":
							a.Price, err = decodeMinor(d, cur)
						default:
							err = d.Skip()
						}
						return err
					}); err != nil {
						return err
					}
					li.Addons = append(li.Addons, a)
					return nil
				})
			default:
				err = d.Skip()
			}
			if err != nil {
				return errors.Wrapf(err, "field %q", k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		items = append(items, li)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func encodeDiscounts(specs []discount.Spec) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, s := range specs {
		e.ObjStart()
		if s.Code != "" {
			e.FieldStart("code")
			e.Str(s.Code)
		}
		e.FieldStart("type")
		e.Str(string(s.Type))
		e.FieldStart("percent")
		e.Str(s.Percent.String())
		e.FieldStart("amount")
		e.Int64(s.Amount.Minor())
		if s.ValidFrom != nil {
			e.FieldStart("validFrom")
			e.Str(s.ValidFrom.Format(time.RFC3339Nano))
		}
		if s.ValidUntil != nil {
			e.FieldStart("validUntil")
			e.Str(s.ValidUntil.Format(time.RFC3339Nano))
		}
		if s.Description != "" {
			e.FieldStart("description")
			e.Str(s.Description)
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeDiscounts(data []byte, cur money.Currency) ([]discount.Spec, error) {
	specs := []discount.Spec{}
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		spec := discount.Spec{Amount: money.Zero(cur)}
		err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
			var err error
			switch string(k) {
			case "code":
				spec.Code, err = d.Str()
			case "type":
				var v string
				v, err = d.Str()
				spec.Type = discount.Type(v)
			case "percent":
				spec.Percent, err = decodeDecimal(d)
			case "amount":
				spec.Amount, err = decodeMinor(d, cur)
			case "validFrom":
				spec.ValidFrom, err = decodeTime(d)
			case "validUntil":
				spec.ValidUntil, err = decodeTime(d)
			case "description":
				spec.Description, err = d.Str()
			default:
				err = d.Skip()
			}
			if err != nil {
				return errors.Wrapf(err, "field %q", k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		specs = append(specs, spec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

func decodeMinor(d *jx.Decoder, cur money.Currency) (money.Money, error) {
	v, err := d.Int64()
	if err != nil {
		return money.Money{}, err
	}
	return money.New(v, cur), nil
}

// decodeDecimal accepts both quoted and bare numbers.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		raw = s
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		raw = n.String()
	}
	return decimal.NewFromString(raw)
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func overrideMinor(o *order.Order) *int64 {
	if o.TotalOverride == nil {
		return nil
	}
	v := o.TotalOverride.Minor()
	return &v
}

// Create persists a new order with version 1.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	items := encodeItems(o.Items)
	discounts := encodeDiscounts(o.Discounts)

	_, err := r.pool.Exec(ctx, insertOrderSQL,
		o.ID, o.Code, o.VatID, o.VatRate, o.BusinessID, o.WorkerID, string(o.Currency),
		items, discounts, string(o.DiscountOutcome),
		o.Subtotal.Minor(), o.Discount.Minor(), o.ComputedTotal.Minor(), overrideMinor(o),
		int(o.Status), o.AttemptSeq, o.CreatedAt, o.UpdatedAt, o.PaidAt,
	)
	if err != nil {
		return errors.Wrapf(mapWriteError(err, "order", o.ID), "insert order %s", o.ID)
	}
	o.Version = 1
	return nil
}

// Get loads an order by id.
func (r *OrderRepository) Get(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query order %s", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fault.NotFound("order", id)
		}
		return nil, errors.Wrapf(err, "scan order %s", id)
	}
	return o, nil
}

// Save writes the mutable fields of o if the stored version still equals
// o.Version and returns the new version.
func (r *OrderRepository) Save(ctx context.Context, o *order.Order) (int64, error) {
	items := encodeItems(o.Items)
	discounts := encodeDiscounts(o.Discounts)

	var version int64
	err := r.pool.QueryRow(ctx, updateOrderSQL,
		o.ID, o.Version, items, discounts, string(o.DiscountOutcome),
		o.Subtotal.Minor(), o.Discount.Minor(), o.ComputedTotal.Minor(), overrideMinor(o),
		int(o.Status), o.AttemptSeq, o.UpdatedAt, o.PaidAt,
	).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, r.missOrConflict(ctx, o.ID)
	case err != nil:
		return 0, errors.Wrapf(mapWriteError(err, "order", o.ID), "update order %s", o.ID)
	}
	return version, nil
}

func (r *OrderRepository) missOrConflict(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, orderExistsSQL, id).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check order %s", id)
	}
	if !exists {
		return fault.NotFound("order", id)
	}
	return fault.VersionConflict("order", id)
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o                        order.Order
		currency, outcome        string
		items, discounts         []byte
		subtotal, disc, computed int64
		override                 *int64
		status                   int16
	)
	err := row.Scan(
		&o.ID, &o.Code, &o.VatID, &o.VatRate, &o.BusinessID, &o.WorkerID, &currency,
		&items, &discounts, &outcome, &subtotal, &disc, &computed, &override,
		&status, &o.AttemptSeq, &o.Version, &o.CreatedAt, &o.UpdatedAt, &o.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	cur := money.Currency(currency)
	o.Currency = cur
	o.DiscountOutcome = discount.Outcome(outcome)
	o.Subtotal = money.New(subtotal, cur)
	o.Discount = money.New(disc, cur)
	o.ComputedTotal = money.New(computed, cur)
	if override != nil {
		m := money.New(*override, cur)
		o.TotalOverride = &m
	}
	st, ok := order.StatusFromID(int(status))
	if !ok {
		return nil, errors.Errorf("unknown order status %d", status)
	}
	o.Status = st

	if o.Items, err = decodeItems(items, cur); err != nil {
		return nil, errors.Wrap(err, "decode order items")
	}
	if o.Discounts, err = decodeDiscounts(discounts, cur); err != nil {
		return nil, errors.Wrap(err, "decode order discounts")
	}
	return &o, nil
}
