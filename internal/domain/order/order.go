package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
)

// Addon is a price adjustment attached to a line item. Price may be negative.
type Addon struct {
	ID    string
	Price money.Money
}

// LineItem is a single priced entry of an order. Unit prices include the
// addon adjustments.
type LineItem struct {
	ItemID              string
	Quantity            int64
	UnitPriceWithoutVat money.Money
	UnitPriceWithVat    money.Money
	Addons              []Addon
}

// Total returns the VAT-inclusive price of the line.
func (li LineItem) Total() (money.Money, error) {
	return li.UnitPriceWithVat.Times(li.Quantity)
}

// Order is a priced customer order.
type Order struct {
	ID         uuid.UUID
	Code       string
	VatID      int64
	VatRate    decimal.Decimal
	BusinessID int64
	WorkerID   *int64
	Currency   money.Currency
	Items      []LineItem

	// Discounts are evaluated against CreatedAt so that recomputation is
	// independent of the wall clock.
	Discounts       []discount.Spec
	DiscountOutcome discount.Outcome

	Subtotal      money.Money
	Discount      money.Money
	ComputedTotal money.Money
	TotalOverride *money.Money

	Status     Status
	AttemptSeq int64
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	PaidAt     *time.Time
}

// Total is the amount due: the override when one was given at creation,
// otherwise the computed total.
func (o *Order) Total() money.Money {
	if o.TotalOverride != nil {
		return *o.TotalOverride
	}
	return o.ComputedTotal
}

// RecomputeTotal derives Subtotal, Discount and ComputedTotal from the line
// items and discount specifications. Calling it repeatedly yields the same
// values.
func (o *Order) RecomputeTotal() error {
	lines := make([]money.Money, len(o.Items))
	for i, li := range o.Items {
		total, err := li.Total()
		if err != nil {
			return err
		}
		lines[i] = total
	}
	subtotal, err := money.Sum(o.Currency, lines...)
	if err != nil {
		return err
	}

	specs := make([]*discount.Spec, len(o.Discounts))
	for i := range o.Discounts {
		specs[i] = &o.Discounts[i]
	}
	createdAt := o.CreatedAt
	res, err := discount.NewPolicyAt(func() time.Time { return createdAt }).ApplyAll(subtotal, specs...)
	if err != nil {
		return err
	}

	o.Subtotal = subtotal
	o.Discount = res.Amount
	o.ComputedTotal = res.Price
	o.DiscountOutcome = res.Outcome
	return nil
}

// Transition moves the order to status to, if the table allows it.
func (o *Order) Transition(to Status, now time.Time) error {
	if !o.Status.CanTransitionTo(to) {
		return fault.IllegalTransition("order", o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	if to == StatusPaid {
		o.PaidAt = &now
	}
	return nil
}

// NextAttempt allocates the next payment attempt token.
func (o *Order) NextAttempt() int64 {
	o.AttemptSeq++
	return o.AttemptSeq
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]LineItem, len(o.Items))
	for i, li := range o.Items {
		li.Addons = append([]Addon(nil), li.Addons...)
		c.Items[i] = li
	}
	c.Discounts = append([]discount.Spec(nil), o.Discounts...)
	if o.WorkerID != nil {
		w := *o.WorkerID
		c.WorkerID = &w
	}
	if o.TotalOverride != nil {
		t := *o.TotalOverride
		c.TotalOverride = &t
	}
	if o.PaidAt != nil {
		p := *o.PaidAt
		c.PaidAt = &p
	}
	return &c
}

// Repository defines persistence operations for orders. Get returns a
// fault.ErrNotFound error for unknown ids. Save writes the order only if its
// stored version still equals o.Version and returns the new version;
// otherwise it fails with fault.ErrVersionConflict.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id uuid.UUID) (*Order, error)
	Save(ctx context.Context, o *Order) (int64, error)
}

// Business is the owner of orders. Orders are priced in its currency.
type Business struct {
	ID       int64
	Name     string
	Currency money.Currency
}

// Worker is an employee of a business that may be assigned to orders.
type Worker struct {
	ID         int64
	BusinessID int64
	Name       string
}

// Directory resolves businesses and workers. Missing entries are reported
// with fault.ErrNotFound.
type Directory interface {
	Business(ctx context.Context, id int64) (*Business, error)
	Worker(ctx context.Context, id int64) (*Worker, error)
}

// PaymentLookup reports whether an order has a captured payment.
type PaymentLookup interface {
	HasCapturedPayment(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// Locker serializes mutations of a single order across callers. The
// returned release function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, orderID uuid.UUID) (release func(), err error)
}
