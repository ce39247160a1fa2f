package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/vat"
)

// MaxQuantity bounds the quantity of a single line item.
const MaxQuantity = 1_000_000

// AddonRequest is an addon of a requested line item.
type AddonRequest struct {
	ID    string
	Price decimal.Decimal
}

// LineItemRequest is a requested line item. PriceWithVat is optional; when
// present it must match the VAT-inclusive base price.
type LineItemRequest struct {
	ItemID          string
	PriceWithoutVat decimal.Decimal
	PriceWithVat    *decimal.Decimal
	Quantity        int64
	Addons          []AddonRequest
}

// DiscountRequest is an inline discount. Value is a percentage for
// discount.TypePercentage and a major-unit amount for discount.TypeFixed.
type DiscountRequest struct {
	Type       discount.Type
	Value      decimal.Decimal
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// CreateRequest holds the input for creating an order.
type CreateRequest struct {
	Code         string
	VatID        int64
	StatusID     int
	Total        *decimal.Decimal
	BusinessID   int64
	WorkerID     *int64
	Items        []LineItemRequest
	Discount     *DiscountRequest
	DiscountCode string
}

// Service encapsulates order creation and lifecycle logic.
type Service struct {
	orders     Repository
	directory  Directory
	vat        *vat.Calculator
	catalog    *discount.Catalog
	payments   PaymentLookup
	locker     Locker
	allowEmpty bool
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAllowEmptyOrders permits orders without line items.
func WithAllowEmptyOrders(allow bool) Option {
	return func(s *Service) { s.allowEmpty = allow }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	orders Repository,
	directory Directory,
	calc *vat.Calculator,
	catalog *discount.Catalog,
	payments PaymentLookup,
	locker Locker,
	opts ...Option,
) *Service {
	s := &Service{
		orders:    orders,
		directory: directory,
		vat:       calc,
		catalog:   catalog,
		payments:  payments,
		locker:    locker,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create validates the request, prices the line items, applies discounts and
// persists a new Pending order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	biz, err := s.directory.Business(ctx, req.BusinessID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fault.ReferenceNotFound("businessId", req.BusinessID)
		}
		return nil, errors.Wrap(err, "lookup business")
	}
	if req.WorkerID != nil {
		w, err := s.directory.Worker(ctx, *req.WorkerID)
		switch {
		case errors.Is(err, fault.ErrNotFound):
			return nil, fault.ReferenceNotFound("workerId", *req.WorkerID)
		case err != nil:
			return nil, errors.Wrap(err, "lookup worker")
		case w.BusinessID != biz.ID:
			return nil, fault.ReferenceNotFound("workerId", *req.WorkerID)
		}
	}

	rate, err := s.vat.Rate(ctx, req.VatID)
	if err != nil {
		return nil, err
	}

	items, err := priceItems(req.Items, rate, biz.Currency)
	if err != nil {
		return nil, err
	}

	specs, err := s.discounts(ctx, req, biz.Currency)
	if err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:         uuid.New(),
		Code:       strings.TrimSpace(req.Code),
		VatID:      req.VatID,
		VatRate:    rate,
		BusinessID: biz.ID,
		WorkerID:   req.WorkerID,
		Currency:   biz.Currency,
		Items:      items,
		Discounts:  specs,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.RecomputeTotal(); err != nil {
		if errors.Is(err, money.ErrOverflow) {
			return nil, fault.Invalid("orderDetails", "order total is out of range")
		}
		return nil, err
	}
	if req.Total != nil {
		override, err := money.FromDecimalExact(*req.Total, biz.Currency)
		if err != nil {
			return nil, fault.Invalid("total", "%s", amountProblem(err, biz.Currency))
		}
		o.TotalOverride = &override
	}

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	lg := zctx.From(ctx).With(zap.Stringer("order_id", o.ID))
	if req.DiscountCode != "" && o.DiscountOutcome == discount.OutcomeApplied {
		if err := s.catalog.Redeem(ctx, req.DiscountCode); err != nil {
			lg.Warn("Discount redemption not recorded", zap.String("code", req.DiscountCode), zap.Error(err))
		}
	}
	lg.Info("Order created",
		zap.Int64("business_id", o.BusinessID),
		zap.Stringer("total", o.Total()),
		zap.String("discount_outcome", string(o.DiscountOutcome)),
	)
	return o, nil
}

// Get loads an order by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// Transition moves an order to the target status under the per-order lock.
// Only InProgress and Cancelled may be requested; the payment service owns
// the remaining states. Cancelling requires that no payment of the order was
// captured.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to Status) (*Order, error) {
	if !to.Valid() {
		return nil, fault.Invalid("status", "unknown order status %d", int(to))
	}

	release, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	defer release()

	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	from := o.Status
	if !to.Manual() {
		return nil, &fault.Error{
			Kind:    fault.KindIllegalTransition,
			Message: fmt.Sprintf("order status %s is set by payments and refunds", to),
		}
	}
	if !from.CanTransitionTo(to) {
		return nil, fault.IllegalTransition("order", from, to)
	}

	if to == StatusCancelled {
		captured, err := s.payments.HasCapturedPayment(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "check payments")
		}
		if captured {
			return nil, &fault.Error{
				Kind:    fault.KindCannotCancelPaidOrder,
				Message: fmt.Sprintf("order %s has a captured payment", id),
			}
		}
	}

	if err := o.Transition(to, s.now()); err != nil {
		return nil, err
	}
	if o.Version, err = s.orders.Save(ctx, o); err != nil {
		return nil, errors.Wrap(err, "save order")
	}

	zctx.From(ctx).Info("Order transitioned",
		zap.Stringer("order_id", id),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	return o, nil
}

func (s *Service) validate(req CreateRequest) error {
	var fields fault.Fields

	status, ok := StatusFromID(req.StatusID)
	if !ok {
		return fault.ReferenceNotFound("statusId", req.StatusID)
	}
	if status != StatusPending {
		fields.Add("statusId", "must be %s at creation, got %s", StatusPending, status)
	}
	if len(req.Items) == 0 && !s.allowEmpty {
		fields.Add("orderDetails", "at least one line item is required")
	}
	for i, it := range req.Items {
		prefix := fmt.Sprintf("orderDetails[%d]", i)
		if strings.TrimSpace(it.ItemID) == "" {
			fields.Add(prefix+".itemId", "is required")
		}
		switch {
		case it.Quantity < 0:
			fields.Add(prefix+".quantity", "must not be negative")
		case it.Quantity > MaxQuantity:
			fields.Add(prefix+".quantity", "must not exceed %d", MaxQuantity)
		}
		if it.PriceWithoutVat.IsNegative() {
			fields.Add(prefix+".priceWithoutVat", "must not be negative")
		}
		if it.PriceWithVat != nil && it.PriceWithVat.LessThan(it.PriceWithoutVat) {
			fields.Add(prefix+".priceWithVat", "must not be lower than priceWithoutVat")
		}
		for j, a := range it.Addons {
			if strings.TrimSpace(a.ID) == "" {
				fields.Add(fmt.Sprintf("%s.addons[%d].id", prefix, j), "is required")
			}
		}
	}
	if req.Total != nil && req.Total.IsNegative() {
		fields.Add("total", "must not be negative")
	}
	return fields.Err()
}

func priceItems(reqs []LineItemRequest, rate decimal.Decimal, cur money.Currency) ([]LineItem, error) {
	var fields fault.Fields
	items := make([]LineItem, 0, len(reqs))
	for i, r := range reqs {
		prefix := fmt.Sprintf("orderDetails[%d]", i)

		base, err := money.FromDecimalExact(r.PriceWithoutVat, cur)
		if err != nil {
			fields.Add(prefix+".priceWithoutVat", "%s", amountProblem(err, cur))
			continue
		}
		if r.PriceWithVat != nil {
			want, err := vat.ApplyRate(rate, base)
			if err != nil {
				fields.Add(prefix+".priceWithoutVat", "%s", amountProblem(err, cur))
				continue
			}
			got, err := money.FromDecimalExact(*r.PriceWithVat, cur)
			if err != nil || !got.Equal(want.WithVat) {
				fields.Add(prefix+".priceWithVat", "expected %s for the VAT profile", want.WithVat)
				continue
			}
		}

		unit := base
		addons := make([]Addon, 0, len(r.Addons))
		for j, a := range r.Addons {
			field := fmt.Sprintf("%s.addons[%d].price", prefix, j)
			adj, err := money.FromDecimalExact(a.Price, cur)
			if err == nil {
				unit, err = unit.Add(adj)
			}
			if err != nil {
				fields.Add(field, "%s", amountProblem(err, cur))
				break
			}
			addons = append(addons, Addon{ID: strings.TrimSpace(a.ID), Price: adj})
		}
		if len(addons) != len(r.Addons) {
			continue
		}
		if unit.IsNegative() {
			fields.Add(prefix+".addons", "adjusted price must not be negative")
			continue
		}

		qty := r.Quantity
		if qty == 0 {
			qty = 1
		}
		priced, err := vat.ApplyRate(rate, unit)
		if err != nil {
			fields.Add(prefix+".priceWithoutVat", "%s", amountProblem(err, cur))
			continue
		}
		li := LineItem{
			ItemID:              strings.TrimSpace(r.ItemID),
			Quantity:            qty,
			UnitPriceWithoutVat: priced.WithoutVat,
			UnitPriceWithVat:    priced.WithVat,
			Addons:              addons,
		}
		if _, err := li.Total(); err != nil {
			fields.Add(prefix+".quantity", "line total is out of range")
			continue
		}
		items = append(items, li)
	}
	if err := fields.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// amountProblem describes why a decimal amount was rejected.
func amountProblem(err error, cur money.Currency) string {
	if errors.Is(err, money.ErrOverflow) {
		return "is out of range"
	}
	return "too many decimal places for " + string(cur)
}

// discounts collects the inline discount and the catalog code. Both may be
// given; the policy orders them by type.
func (s *Service) discounts(ctx context.Context, req CreateRequest, cur money.Currency) ([]discount.Spec, error) {
	var specs []discount.Spec
	if d := req.Discount; d != nil {
		spec := discount.Spec{
			Type:       d.Type,
			ValidFrom:  d.ValidFrom,
			ValidUntil: d.ValidUntil,
		}
		switch d.Type {
		case discount.TypePercentage:
			spec.Percent = d.Value
		case discount.TypeFixed:
			amount, err := money.FromDecimalExact(d.Value, cur)
			if err != nil {
				return nil, fault.Invalid("discount.amount", "%s", amountProblem(err, cur))
			}
			spec.Amount = amount
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if req.DiscountCode != "" {
		if s.catalog == nil {
			return nil, fault.Invalid("discountCode", "discount codes are not available")
		}
		spec, err := s.catalog.Lookup(ctx, req.DiscountCode, cur)
		if err != nil {
			return nil, err
		}
		specs = append(specs, *spec)
	}
	return specs, nil
}
