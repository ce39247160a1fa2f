package receipt

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
)

type mockSource struct {
	businesses map[int64][]Settled
	err        error
	lastLimit  int
	lastOffset int
}

func (m *mockSource) BusinessExists(_ context.Context, id int64) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.businesses[id]
	return ok, nil
}

func (m *mockSource) ListSettled(_ context.Context, id int64, limit, offset int) ([]Settled, int64, error) {
	m.lastLimit, m.lastOffset = limit, offset
	all := m.businesses[id]
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

var base = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func settled(n int) []Settled {
	out := make([]Settled, n)
	for i := range n {
		paidAt := base.Add(-time.Duration(i) * time.Hour)
		o := order.Order{
			ID:         uuid.New(),
			BusinessID: 5,
			Currency:   "USD",
			Items: []order.LineItem{
				{ItemID: "a", Quantity: 1, UnitPriceWithoutVat: money.New(1000, "USD"), UnitPriceWithVat: money.New(1200, "USD")},
				{ItemID: "b", Quantity: 2, UnitPriceWithoutVat: money.New(500, "USD"), UnitPriceWithVat: money.New(600, "USD")},
			},
			Subtotal:      money.New(2400, "USD"),
			Discount:      money.Zero("USD"),
			ComputedTotal: money.New(2400, "USD"),
			Status:        order.StatusPaid,
			PaidAt:        &paidAt,
		}
		out[i] = Settled{
			Order: o,
			Payments: []payment.Payment{
				{ID: uuid.New(), OrderID: o.ID, Amount: money.New(2400, "USD"), Refunded: money.Zero("USD"), Status: payment.StatusFailed},
				{
					ID: uuid.New(), OrderID: o.ID, Amount: money.New(2400, "USD"), Refunded: money.New(400, "USD"),
					Status: payment.StatusPartiallyRefunded, Method: payment.MethodCard, CompletedAt: &paidAt,
				},
			},
		}
	}
	return out
}

func TestProject(t *testing.T) {
	s := settled(1)[0]
	r := Project(s)

	assert.Equal(t, s.Order.ID, r.OrderID)
	require.Len(t, r.Lines, 2)
	assert.Equal(t, int64(1200), r.Lines[1].Total.Minor())
	assert.Equal(t, int64(400), r.Vat.Minor())
	assert.Equal(t, int64(2400), r.Total.Minor())
	require.Len(t, r.Payments, 1, "failed attempts are not part of the receipt")
	assert.Equal(t, int64(2400), r.Paid.Minor())
	assert.Equal(t, int64(400), r.Refunded.Minor())
	assert.Equal(t, *s.Order.PaidAt, r.CompletedAt)
}

func TestProjector_List(t *testing.T) {
	src := &mockSource{businesses: map[int64][]Settled{
		5: settled(45),
		6: nil,
	}}
	p := NewProjector(src, 0)
	ctx := context.Background()

	tests := []struct {
		name       string
		page       int
		perPage    int
		items      int
		number     int
		totalPages int
		hasNext    bool
		offset     int
	}{
		{name: "first page", page: 1, perPage: 20, items: 20, number: 1, totalPages: 3, hasNext: true},
		{name: "last page", page: 3, perPage: 20, items: 5, number: 3, totalPages: 3, offset: 40},
		{name: "past the end", page: 4, perPage: 20, items: 0, number: 4, totalPages: 3, offset: 60},
		{name: "page clamped", page: -3, perPage: 10, items: 10, number: 1, totalPages: 5, hasNext: true},
		{name: "all", page: 1, perPage: 0, items: 45, number: 1, totalPages: 1},
		{name: "all ignores page", page: 3, perPage: 0, items: 45, number: 1, totalPages: 1},
		{name: "negative per page uses default", page: 1, perPage: -1, items: 20, number: 1, totalPages: 3, hasNext: true},
		{name: "offset beyond int range", page: math.MaxInt/2 + 2, perPage: 2, items: 0, number: math.MaxInt/2 + 2, totalPages: 23, offset: math.MaxInt},
		{name: "huge page", page: math.MaxInt, perPage: 20, items: 0, number: math.MaxInt, totalPages: 3, offset: math.MaxInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := p.List(ctx, 5, tt.page, tt.perPage)
			require.NoError(t, err)
			assert.Len(t, list.Items, tt.items)
			assert.Equal(t, tt.number, list.Page.Number)
			assert.Equal(t, int64(45), list.Page.Total)
			assert.Equal(t, tt.totalPages, list.Page.TotalPages)
			assert.Equal(t, tt.hasNext, list.Page.HasNext)
			assert.Equal(t, tt.offset, src.lastOffset)
			assert.Equal(t, tt.number > 1, list.Page.HasPrev)
		})
	}
}

func TestProjector_ListAllOrderedByCompletion(t *testing.T) {
	src := &mockSource{businesses: map[int64][]Settled{5: settled(3)}}
	list, err := NewProjector(src, 20).List(context.Background(), 5, 1, 0)
	require.NoError(t, err)
	require.Len(t, list.Items, 3)
	for i := 1; i < len(list.Items); i++ {
		assert.True(t, list.Items[i-1].CompletedAt.After(list.Items[i].CompletedAt))
	}
}

func TestProjector_EmptyBusiness(t *testing.T) {
	src := &mockSource{businesses: map[int64][]Settled{6: nil}}

	list, err := NewProjector(src, 20).List(context.Background(), 6, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
	assert.Equal(t, 0, list.Page.TotalPages)
	assert.False(t, list.Page.HasNext)
}

func TestProjector_UnknownBusiness(t *testing.T) {
	src := &mockSource{businesses: map[int64][]Settled{}}

	_, err := NewProjector(src, 20).List(context.Background(), 99, 1, 20)
	require.ErrorIs(t, err, fault.ErrNotFound)
}

func TestProjector_SourceError(t *testing.T) {
	src := &mockSource{err: errors.New("timeout")}

	_, err := NewProjector(src, 20).List(context.Background(), 5, 1, 20)
	require.Error(t, err)
	assert.NotErrorIs(t, err, fault.ErrNotFound)
}
