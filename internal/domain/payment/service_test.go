package payment

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
)

// --- Mock implementations ---

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*order.Order
}

func (m *mockOrderRepo) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *mockOrderRepo) Get(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fault.NotFound("order", id)
	}
	return o.Clone(), nil
}

func (m *mockOrderRepo) Save(ctx context.Context, o *order.Order) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok {
		return 0, fault.NotFound("order", o.ID)
	}
	if cur.Version != o.Version {
		return 0, fault.VersionConflict("order", o.ID)
	}
	c := o.Clone()
	c.Version++
	m.orders[o.ID] = c
	return c.Version, nil
}

type mockPaymentRepo struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*Payment
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Version = 1
	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *mockPaymentRepo) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, fault.NotFound("payment", id)
	}
	return p.Clone(), nil
}

func (m *mockPaymentRepo) Save(ctx context.Context, p *Payment) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok {
		return 0, fault.NotFound("payment", p.ID)
	}
	if cur.Version != p.Version {
		return 0, fault.VersionConflict("payment", p.ID)
	}
	c := p.Clone()
	c.Version++
	m.payments[p.ID] = c
	return c.Version, nil
}

func (m *mockPaymentRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

type keyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (l *keyedLocker) Lock(_ context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

type mockKeys struct {
	mu   sync.Mutex
	keys map[string]uuid.UUID
}

func (m *mockKeys) Claim(_ context.Context, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.keys[key]; ok {
		return owner, false, nil
	}
	m.keys[key] = id
	return id, true, nil
}

func (m *mockKeys) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type mockProcessor struct {
	calls   atomic.Int32
	capture func(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}

func (m *mockProcessor) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	m.calls.Add(1)
	if m.capture != nil {
		return m.capture(ctx, req)
	}
	return CaptureResult{Outcome: OutcomeSuccess, Reference: "ref-" + req.IdempotencyKey}, nil
}

// cashOnly serves cash payments only, like a deployment without a gateway.
type cashOnly struct {
	*mockProcessor
}

func (cashOnly) Supports(m Method) bool { return m == MethodCash }

// --- Helpers ---

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	orders    *mockOrderRepo
	payments  *mockPaymentRepo
	processor *mockProcessor
	keys      *mockKeys
	orderID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:    &mockOrderRepo{orders: make(map[uuid.UUID]*order.Order)},
		payments:  &mockPaymentRepo{payments: make(map[uuid.UUID]*Payment)},
		processor: &mockProcessor{},
		keys:      &mockKeys{keys: make(map[string]uuid.UUID)},
		orderID:   uuid.New(),
	}
	require.NoError(t, f.orders.Create(context.Background(), &order.Order{
		ID:            f.orderID,
		BusinessID:    5,
		Currency:      "USD",
		Subtotal:      money.New(3600, "USD"),
		Discount:      money.Zero("USD"),
		ComputedTotal: money.New(3600, "USD"),
		Status:        order.StatusPending,
		Version:       1,
		CreatedAt:     testNow,
	}))

	svc, err := NewService(f.payments, f.orders, &keyedLocker{}, f.processor, f.keys,
		WithClock(func() time.Time { return testNow }),
		WithDefaultTimeout(time.Second),
	)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) request(amount string) ProcessRequest {
	return ProcessRequest{
		OrderID:  f.orderID,
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Method:   "Card",
	}
}

func (f *fixture) loadOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), f.orderID)
	require.NoError(t, err)
	return o
}

// --- Tests ---

func TestProcess_Success(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Process(context.Background(), f.request("36.00"))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, money.New(3600, "USD"), p.Amount)
	assert.Equal(t, int64(1), p.Attempt)
	assert.Equal(t, AttemptKey(f.orderID, 1), p.IdempotencyKey)
	assert.Equal(t, "ref-"+p.IdempotencyKey, p.Reference)
	require.NotNil(t, p.CompletedAt)

	o := f.loadOrder(t)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Equal(t, int64(1), o.AttemptSeq)
	require.NotNil(t, o.PaidAt)
}

func TestProcess_FromInProgress(t *testing.T) {
	f := newFixture(t)
	o := f.loadOrder(t)
	require.NoError(t, o.Transition(order.StatusInProgress, testNow))
	_, err := f.orders.Save(context.Background(), o)
	require.NoError(t, err)

	_, err = f.svc.Process(context.Background(), f.request("36.00"))
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, f.loadOrder(t).Status)
}

func TestProcess_PartialAmountSettlesOrder(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Process(context.Background(), f.request("20.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), p.Amount.Minor())
	assert.Equal(t, order.StatusPaid, f.loadOrder(t).Status)
}

func TestProcess_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *ProcessRequest)
		want   error
	}{
		{name: "zero amount", modify: func(r *ProcessRequest) { r.Amount = decimal.Zero }, want: fault.ErrValidation},
		{name: "negative amount", modify: func(r *ProcessRequest) { r.Amount = decimal.NewFromInt(-1) }, want: fault.ErrValidation},
		{name: "above outstanding", modify: func(r *ProcessRequest) { r.Amount = decimal.RequireFromString("36.01") }, want: fault.ErrValidation},
		{name: "too precise", modify: func(r *ProcessRequest) { r.Amount = decimal.RequireFromString("1.001") }, want: fault.ErrValidation},
		{name: "bad currency", modify: func(r *ProcessRequest) { r.Currency = "dollars" }, want: fault.ErrValidation},
		{name: "bad method", modify: func(r *ProcessRequest) { r.Method = "Cheque" }, want: fault.ErrValidation},
		{name: "bad email", modify: func(r *ProcessRequest) { r.CustomerEmail = "not-an-email" }, want: fault.ErrValidation},
		{name: "currency mismatch", modify: func(r *ProcessRequest) { r.Currency = "EUR" }, want: fault.ErrCurrencyMismatch},
		{name: "unknown order", modify: func(r *ProcessRequest) { r.OrderID = uuid.New() }, want: fault.ErrReferenceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request("36.00")
			tt.modify(&req)

			_, err := f.svc.Process(context.Background(), req)
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.processor.calls.Load())
			assert.Equal(t, order.StatusPending, f.loadOrder(t).Status)
		})
	}
}

func TestProcess_UnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	svc, err := NewService(f.payments, f.orders, &keyedLocker{}, cashOnly{f.processor}, f.keys,
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	ctx := context.Background()

	for _, m := range []Method{MethodCard, MethodDigitalWallet} {
		req := f.request("36.00")
		req.Method = string(m)
		req.IdempotencyKey = "client-" + string(m)

		_, err := svc.Process(ctx, req)
		require.ErrorIs(t, err, fault.ErrValidation, m)
		fe, ok := fault.As(err)
		require.True(t, ok)
		require.Len(t, fe.Fields, 1)
		assert.Equal(t, "paymentMethod", fe.Fields[0].Field)
	}
	assert.Zero(t, f.processor.calls.Load())
	assert.Empty(t, f.payments.payments, "no attempt is recorded")
	assert.Empty(t, f.keys.keys)
	o := f.loadOrder(t)
	assert.Zero(t, o.AttemptSeq)
	assert.Equal(t, order.StatusPending, o.Status)

	req := f.request("36.00")
	req.Method = "cash"
	p, err := svc.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Attempt)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestProcess_Declined(t *testing.T) {
	f := newFixture(t)
	f.processor.capture = func(context.Context, CaptureRequest) (CaptureResult, error) {
		return CaptureResult{Outcome: OutcomeDeclined, Reason: "insufficient_funds"}, nil
	}

	_, err := f.svc.Process(context.Background(), f.request("36.00"))
	require.ErrorIs(t, err, fault.ErrPaymentDeclined)
	require.ErrorIs(t, err, &fault.Error{Kind: fault.KindPaymentDeclined, Reason: "insufficient_funds"})

	assert.Equal(t, order.StatusPending, f.loadOrder(t).Status)
	ps, err := f.svc.ListByOrder(context.Background(), f.orderID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, StatusFailed, ps[0].Status)
	assert.Equal(t, "insufficient_funds", ps[0].FailureReason)

	// A retry gets a fresh attempt token.
	f.processor.capture = nil
	p, err := f.svc.Process(context.Background(), f.request("36.00"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Attempt)
	assert.Equal(t, AttemptKey(f.orderID, 2), p.IdempotencyKey)
	assert.Equal(t, order.StatusPaid, f.loadOrder(t).Status)
}

func TestProcess_Timeout(t *testing.T) {
	f := newFixture(t)
	f.processor.capture = func(ctx context.Context, _ CaptureRequest) (CaptureResult, error) {
		<-ctx.Done()
		return CaptureResult{}, ctx.Err()
	}

	req := f.request("36.00")
	req.Timeout = 20 * time.Millisecond
	_, err := f.svc.Process(context.Background(), req)
	require.ErrorIs(t, err, fault.ErrProcessorTimeout)

	ps, err := f.svc.ListByOrder(context.Background(), f.orderID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, StatusFailed, ps[0].Status)
	assert.Equal(t, "ProcessorTimeout", ps[0].FailureReason)
	assert.Equal(t, order.StatusPending, f.loadOrder(t).Status)
}

func TestProcess_ProcessorError(t *testing.T) {
	f := newFixture(t)
	f.processor.capture = func(context.Context, CaptureRequest) (CaptureResult, error) {
		return CaptureResult{}, errors.New("connection reset")
	}

	_, err := f.svc.Process(context.Background(), f.request("36.00"))
	require.Error(t, err)
	_, isFault := fault.KindOf(err)
	assert.False(t, isFault)

	ps, err := f.svc.ListByOrder(context.Background(), f.orderID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, StatusFailed, ps[0].Status)
}

func TestProcess_CompletesDespiteCallerCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.processor.capture = func(_ context.Context, req CaptureRequest) (CaptureResult, error) {
		cancel()
		return CaptureResult{Outcome: OutcomeSuccess, Reference: "ack"}, nil
	}

	p, err := f.svc.Process(ctx, f.request("36.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)

	stored, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, order.StatusPaid, f.loadOrder(t).Status)
}

func TestProcess_Concurrent(t *testing.T) {
	f := newFixture(t)

	const callers = 8
	var (
		g         errgroup.Group
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for range callers {
		g.Go(func() error {
			_, err := f.svc.Process(context.Background(), f.request("36.00"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, fault.ErrIllegalTransition):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())
	assert.Equal(t, int32(1), f.processor.calls.Load())

	ps, err := f.svc.ListByOrder(context.Background(), f.orderID)
	require.NoError(t, err)
	completed := 0
	for _, p := range ps {
		if p.Status == StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, order.StatusPaid, f.loadOrder(t).Status)
}

func TestProcess_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	req := f.request("36.00")
	req.IdempotencyKey = "client-key-1"

	first, err := f.svc.Process(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), f.processor.calls.Load())
}

func TestProcess_IdempotentReplayOfDecline(t *testing.T) {
	f := newFixture(t)
	f.processor.capture = func(context.Context, CaptureRequest) (CaptureResult, error) {
		return CaptureResult{Outcome: OutcomeDeclined, Reason: "card_expired"}, nil
	}
	req := f.request("36.00")
	req.IdempotencyKey = "client-key-2"

	_, err := f.svc.Process(context.Background(), req)
	require.ErrorIs(t, err, fault.ErrPaymentDeclined)
	_, err = f.svc.Process(context.Background(), req)
	require.ErrorIs(t, err, &fault.Error{Kind: fault.KindPaymentDeclined, Reason: "card_expired"})
	assert.Equal(t, int32(1), f.processor.calls.Load())
}

func TestProcess_ValidationReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	req := f.request("99.00")
	req.IdempotencyKey = "client-key-3"

	_, err := f.svc.Process(context.Background(), req)
	require.ErrorIs(t, err, fault.ErrValidation)
	assert.Empty(t, f.keys.keys)

	req.Amount = decimal.RequireFromString("36.00")
	p, err := f.svc.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
}

func TestRefund_Full(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Process(ctx, f.request("36.00"))
	require.NoError(t, err)

	refunded, err := f.svc.Refund(ctx, p.ID, decimal.RequireFromString("36.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, refunded.Status)
	assert.True(t, refunded.Refundable().IsZero())
	assert.Equal(t, order.StatusRefunded, f.loadOrder(t).Status)

	_, err = f.svc.Refund(ctx, p.ID, decimal.RequireFromString("1.00"))
	require.ErrorIs(t, err, fault.ErrIllegalTransition)
}

func TestRefund_Partial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Process(ctx, f.request("36.00"))
	require.NoError(t, err)

	p, err = f.svc.Refund(ctx, p.ID, decimal.RequireFromString("10.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(2600), p.Refundable().Minor())
	assert.Equal(t, order.StatusPartiallyRefunded, f.loadOrder(t).Status)

	p, err = f.svc.Refund(ctx, p.ID, decimal.RequireFromString("6.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(2000), p.Refundable().Minor())

	_, err = f.svc.Refund(ctx, p.ID, decimal.RequireFromString("20.01"))
	require.ErrorIs(t, err, fault.ErrValidation)

	p, err = f.svc.Refund(ctx, p.ID, decimal.RequireFromString("20.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, int64(3600), p.Refunded.Minor())
	assert.Equal(t, order.StatusRefunded, f.loadOrder(t).Status)
}

func TestRefund_Invalid(t *testing.T) {
	ctx := context.Background()

	t.Run("non positive amount", func(t *testing.T) {
		f := newFixture(t)
		p, err := f.svc.Process(ctx, f.request("36.00"))
		require.NoError(t, err)
		_, err = f.svc.Refund(ctx, p.ID, decimal.Zero)
		require.ErrorIs(t, err, fault.ErrValidation)
	})

	t.Run("failed payment", func(t *testing.T) {
		f := newFixture(t)
		f.processor.capture = func(context.Context, CaptureRequest) (CaptureResult, error) {
			return CaptureResult{Outcome: OutcomeDeclined, Reason: "do_not_honor"}, nil
		}
		_, err := f.svc.Process(ctx, f.request("36.00"))
		require.Error(t, err)
		ps, err := f.svc.ListByOrder(ctx, f.orderID)
		require.NoError(t, err)
		require.Len(t, ps, 1)

		_, err = f.svc.Refund(ctx, ps[0].ID, decimal.NewFromInt(1))
		require.ErrorIs(t, err, fault.ErrIllegalTransition)
	})

	t.Run("unknown payment", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Refund(ctx, uuid.New(), decimal.NewFromInt(1))
		require.ErrorIs(t, err, fault.ErrNotFound)
	})
}

func TestPayment_TransitionTable(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:          true,
		{StatusPending, StatusFailed}:              true,
		{StatusProcessing, StatusCompleted}:        true,
		{StatusProcessing, StatusFailed}:           true,
		{StatusCompleted, StatusRefunded}:          true,
		{StatusCompleted, StatusPartiallyRefunded}: true,
		{StatusPartiallyRefunded, StatusRefunded}:  true,
	}
	for _, from := range Statuses() {
		for _, to := range Statuses() {
			p := &Payment{Status: from}
			err := p.Transition(to, testNow)
			if allowed[[2]Status{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				continue
			}
			assert.ErrorIs(t, err, fault.ErrIllegalTransition, "%s -> %s", from, to)
		}
	}
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusRefunded.Terminal())
}
