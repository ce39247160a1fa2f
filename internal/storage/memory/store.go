// Package memory implements every repository and lookup of the billing core
// in process memory. It backs tests and single-instance deployments.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
	"github.com/xenking/billing-core/internal/domain/receipt"
	"github.com/xenking/billing-core/internal/domain/vat"
)

// Store holds all entities. Entities are copied on the way in and out.
type Store struct {
	mu         sync.RWMutex
	businesses map[int64]order.Business
	workers    map[int64]order.Worker
	vat        map[int64]decimal.Decimal
	discounts  map[string]*discount.Rule
	orders     map[uuid.UUID]*order.Order
	payments   map[uuid.UUID]*payment.Payment
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		businesses: make(map[int64]order.Business),
		workers:    make(map[int64]order.Worker),
		vat:        make(map[int64]decimal.Decimal),
		discounts:  make(map[string]*discount.Rule),
		orders:     make(map[uuid.UUID]*order.Order),
		payments:   make(map[uuid.UUID]*payment.Payment),
	}
}

var (
	_ order.Directory     = (*Store)(nil)
	_ order.PaymentLookup = (*Store)(nil)
	_ vat.ProfileResolver = (*Store)(nil)
	_ discount.Repository = (*Store)(nil)
	_ receipt.Source      = (*Store)(nil)
	_ order.Repository    = (*OrderRepository)(nil)
	_ payment.Repository  = (*PaymentRepository)(nil)
)

// PutBusiness adds or replaces a business.
func (s *Store) PutBusiness(b order.Business) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses[b.ID] = b
}

// PutWorker adds or replaces a worker.
func (s *Store) PutWorker(w order.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
}

// PutVatProfile adds or replaces a VAT profile rate.
func (s *Store) PutVatProfile(id int64, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vat[id] = rate
}

// PutDiscountRule adds or replaces a discount rule.
func (s *Store) PutDiscountRule(r discount.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discounts[r.Code] = &r
}

func (s *Store) Business(_ context.Context, id int64) (*order.Business, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.businesses[id]
	if !ok {
		return nil, fault.NotFound("business", id)
	}
	return &b, nil
}

func (s *Store) Worker(_ context.Context, id int64) (*order.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fault.NotFound("worker", id)
	}
	return &w, nil
}

// Resolve returns the rate of a VAT profile.
func (s *Store) Resolve(_ context.Context, vatID int64) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.vat[vatID]
	if !ok {
		return decimal.Zero, vat.ErrProfileNotFound
	}
	return r, nil
}

func (s *Store) FindByCode(_ context.Context, code string) (*discount.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.discounts[code]
	if !ok {
		return nil, discount.ErrUnknownCode
	}
	c := *r
	return &c, nil
}

func (s *Store) IncrementUses(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.discounts[code]
	if !ok {
		return discount.ErrUnknownCode
	}
	if r.MaxUses > 0 && r.Uses >= r.MaxUses {
		return discount.ErrUsageLimitReached
	}
	r.Uses++
	return nil
}

func (s *Store) HasCapturedPayment(_ context.Context, orderID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.OrderID == orderID && p.Status.Captured() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) BusinessExists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.businesses[id]
	return ok, nil
}

// ListSettled returns settled orders of a business ordered by completion
// time, newest first.
func (s *Store) ListSettled(_ context.Context, businessID int64, limit, offset int) ([]receipt.Settled, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []*order.Order
	for _, o := range s.orders {
		if o.BusinessID == businessID && o.Status.Settled() {
			orders = append(orders, o)
		}
	}
	slices.SortFunc(orders, func(a, b *order.Order) int {
		if c := completedAt(b).Compare(completedAt(a)); c != 0 {
			return c
		}
		return slices.Compare(b.ID[:], a.ID[:])
	})

	total := int64(len(orders))
	offset = max(offset, 0)
	if offset >= len(orders) {
		return []receipt.Settled{}, total, nil
	}
	orders = orders[offset:]
	if limit > 0 && limit < len(orders) {
		orders = orders[:limit]
	}

	out := make([]receipt.Settled, len(orders))
	for i, o := range orders {
		out[i] = receipt.Settled{Order: *o.Clone(), Payments: s.paymentsOf(o.ID)}
	}
	return out, total, nil
}

func completedAt(o *order.Order) time.Time {
	if o.PaidAt != nil {
		return *o.PaidAt
	}
	return o.UpdatedAt
}

// paymentsOf must be called with s.mu held.
func (s *Store) paymentsOf(orderID uuid.UUID) []payment.Payment {
	var out []payment.Payment
	for _, p := range s.payments {
		if p.OrderID == orderID {
			out = append(out, *p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b payment.Payment) int {
		return int(a.Attempt - b.Attempt)
	})
	return out
}

// Orders returns the order repository view of the store.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Payments returns the payment repository view of the store.
func (s *Store) Payments() *PaymentRepository { return &PaymentRepository{s: s} }

// OrderRepository implements order.Repository on a Store.
type OrderRepository struct{ s *Store }

func (r *OrderRepository) Create(_ context.Context, o *order.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[o.ID]; ok {
		return fault.VersionConflict("order", o.ID)
	}
	o.Version = 1
	r.s.orders[o.ID] = o.Clone()
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id uuid.UUID) (*order.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	o, ok := r.s.orders[id]
	if !ok {
		return nil, fault.NotFound("order", id)
	}
	return o.Clone(), nil
}

func (r *OrderRepository) Save(_ context.Context, o *order.Order) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.orders[o.ID]
	if !ok {
		return 0, fault.NotFound("order", o.ID)
	}
	if cur.Version != o.Version {
		return 0, fault.VersionConflict("order", o.ID)
	}
	c := o.Clone()
	c.Version++
	r.s.orders[o.ID] = c
	return c.Version, nil
}

// PaymentRepository implements payment.Repository on a Store.
type PaymentRepository struct{ s *Store }

func (r *PaymentRepository) Create(_ context.Context, p *payment.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.payments[p.ID]; ok {
		return fault.VersionConflict("payment", p.ID)
	}
	for _, other := range r.s.payments {
		if other.IdempotencyKey == p.IdempotencyKey {
			return fault.VersionConflict("payment", p.IdempotencyKey)
		}
	}
	p.Version = 1
	r.s.payments[p.ID] = p.Clone()
	return nil
}

func (r *PaymentRepository) Get(_ context.Context, id uuid.UUID) (*payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, fault.NotFound("payment", id)
	}
	return p.Clone(), nil
}

func (r *PaymentRepository) Save(_ context.Context, p *payment.Payment) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.payments[p.ID]
	if !ok {
		return 0, fault.NotFound("payment", p.ID)
	}
	if cur.Version != p.Version {
		return 0, fault.VersionConflict("payment", p.ID)
	}
	c := p.Clone()
	c.Version++
	r.s.payments[p.ID] = c
	return c.Version, nil
}

func (r *PaymentRepository) ListByOrder(_ context.Context, orderID uuid.UUID) ([]payment.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.paymentsOf(orderID), nil
}
