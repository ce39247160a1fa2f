package payment

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
)

// Payment is a single attempt to pay an order.
type Payment struct {
	ID             uuid.UUID
	OrderID        uuid.UUID
	Amount         money.Money
	Refunded       money.Money
	Method         Method
	ProcessorToken string
	CustomerEmail  string
	Status         Status
	Attempt        int64
	IdempotencyKey string
	ClientKey      string
	Reference      string
	FailureReason  string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// AttemptKey is the processor idempotency key of an order's payment attempt.
func AttemptKey(orderID uuid.UUID, attempt int64) string {
	return orderID.String() + ":" + strconv.FormatInt(attempt, 10)
}

// Transition moves the payment to status to, if the table allows it.
func (p *Payment) Transition(to Status, now time.Time) error {
	if !p.Status.CanTransitionTo(to) {
		return fault.IllegalTransition("payment", p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = now
	if to == StatusCompleted {
		p.CompletedAt = &now
	}
	return nil
}

// Refundable returns the captured amount not yet refunded. It is zero for
// payments that never captured funds.
func (p *Payment) Refundable() money.Money {
	if !p.Status.Captured() {
		return money.Zero(p.Amount.Currency())
	}
	r, _ := p.Amount.Sub(p.Refunded)
	return r
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	c := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Repository defines persistence operations for payments. Get returns a
// fault.ErrNotFound error for unknown ids; Save fails with
// fault.ErrVersionConflict when the stored version differs from p.Version.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	Save(ctx context.Context, p *Payment) (int64, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error)
}

// IdempotencyStore remembers client idempotency keys. Claim binds key to
// paymentID if the key is new; otherwise it reports the payment that owns it.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, paymentID uuid.UUID) (owner uuid.UUID, claimed bool, err error)
	Release(ctx context.Context, key string) error
}
