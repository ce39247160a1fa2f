package payment

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
)

const instrumentationName = "github.com/xenking/billing-core/internal/domain/payment"

// DefaultTimeout bounds a processor call when the caller supplies none.
const DefaultTimeout = 10 * time.Second

// ProcessRequest holds the input for paying an order.
type ProcessRequest struct {
	OrderID        uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	Method         string
	ProcessorToken string
	CustomerEmail  string
	// Timeout bounds the processor call; zero selects the service default.
	Timeout time.Duration
	// IdempotencyKey is the client's key; a replay returns the first payment.
	IdempotencyKey string
}

// Service drives payments through their lifecycle.
type Service struct {
	payments  Repository
	orders    order.Repository
	locker    order.Locker
	processor Processor
	keys      IdempotencyStore
	timeout   time.Duration
	now       func() time.Time

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	tracer         trace.Tracer
	captures       metric.Int64Counter
	duration       metric.Float64Histogram
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultTimeout sets the processor timeout used when requests carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// NewService creates a payment Service.
func NewService(
	payments Repository,
	orders order.Repository,
	locker order.Locker,
	processor Processor,
	keys IdempotencyStore,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		payments:       payments,
		orders:         orders,
		locker:         locker,
		processor:      processor,
		keys:           keys,
		timeout:        DefaultTimeout,
		now:            time.Now,
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(s)
	}

	s.tracer = s.tracerProvider.Tracer(instrumentationName)
	meter := s.meterProvider.Meter(instrumentationName)

	var err error
	if s.captures, err = meter.Int64Counter("billing.payment.captures",
		metric.WithDescription("Processor capture attempts by outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "captures counter")
	}
	if s.duration, err = meter.Float64Histogram("billing.payment.capture.duration",
		metric.WithDescription("Processor capture latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, errors.Wrap(err, "capture duration histogram")
	}
	return s, nil
}

// Process validates the request against the order and captures the payment.
// On success the payment is Completed and the order Paid. A declined or timed
// out capture leaves a Failed payment and does not touch the order.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (_ *Payment, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.Process",
		trace.WithAttributes(attribute.String("order.id", req.OrderID.String())),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	cur, method, err := validateProcess(req)
	if err != nil {
		return nil, err
	}
	if mc, ok := s.processor.(MethodChecker); ok && !mc.Supports(method) {
		return nil, fault.Invalid("paymentMethod", "%s payments are not available", method)
	}

	release, err := s.locker.Lock(ctx, req.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	defer release()

	paymentID := uuid.New()
	if req.IdempotencyKey != "" {
		key := req.OrderID.String() + ":" + req.IdempotencyKey
		owner, claimed, err := s.keys.Claim(ctx, key, paymentID)
		if err != nil {
			return nil, errors.Wrap(err, "claim idempotency key")
		}
		if !claimed {
			return s.replay(ctx, owner)
		}
		defer func() {
			if rerr == nil || errors.Is(rerr, fault.ErrPaymentDeclined) || errors.Is(rerr, fault.ErrProcessorTimeout) {
				return
			}
			if err := s.keys.Release(context.WithoutCancel(ctx), key); err != nil {
				zctx.From(ctx).Warn("Idempotency key not released", zap.String("key", key), zap.Error(err))
			}
		}()
	}

	o, err := s.orders.Get(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return nil, fault.ReferenceNotFound("orderId", req.OrderID)
		}
		return nil, errors.Wrap(err, "get order")
	}
	amount, err := s.checkPayable(ctx, o, cur, req.Amount)
	if err != nil {
		return nil, err
	}

	attempt := o.NextAttempt()
	if o.Version, err = s.orders.Save(ctx, o); err != nil {
		return nil, errors.Wrap(err, "allocate attempt")
	}

	now := s.now()
	p := &Payment{
		ID:             paymentID,
		OrderID:        o.ID,
		Amount:         amount,
		Refunded:       money.Zero(cur),
		Method:         method,
		ProcessorToken: strings.TrimSpace(req.ProcessorToken),
		CustomerEmail:  strings.TrimSpace(req.CustomerEmail),
		Status:         StatusPending,
		Attempt:        attempt,
		IdempotencyKey: AttemptKey(o.ID, attempt),
		ClientKey:      req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create payment")
	}
	if err := s.advance(ctx, p, StatusProcessing); err != nil {
		return nil, err
	}

	lg := zctx.From(ctx).With(
		zap.Stringer("order_id", o.ID),
		zap.Stringer("payment_id", p.ID),
		zap.String("idempotency_key", p.IdempotencyKey),
	)
	span.SetAttributes(attribute.String("payment.id", p.ID.String()))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	res, captureErr := s.capture(ctx, p, timeout)

	// Once the processor has answered, the outcome is persisted regardless of
	// the caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	if captureErr != nil {
		p.FailureReason = "ProcessorError"
		if err := s.advance(ctx, p, StatusFailed); err != nil {
			lg.Error("Failed payment not recorded", zap.Error(err))
		}
		return nil, errors.Wrap(captureErr, "capture")
	}

	switch res.Outcome {
	case OutcomeSuccess:
		p.Reference = res.Reference
		if err := s.advance(ctx, p, StatusCompleted); err != nil {
			return nil, err
		}
		if err := s.markPaid(ctx, o); err != nil {
			lg.Error("Order not marked paid after capture", zap.Error(err))
			return nil, err
		}
		lg.Info("Payment captured", zap.Stringer("amount", p.Amount), zap.String("reference", p.Reference))
		return p, nil
	case OutcomeDeclined:
		p.FailureReason = res.Reason
		if err := s.advance(ctx, p, StatusFailed); err != nil {
			return nil, err
		}
		lg.Info("Payment declined", zap.String("reason", res.Reason))
		return nil, fault.Declined(res.Reason)
	default:
		p.FailureReason = fault.Timeout().Reason
		if err := s.advance(ctx, p, StatusFailed); err != nil {
			return nil, err
		}
		lg.Warn("Payment processor timed out", zap.Duration("timeout", timeout))
		return nil, fault.Timeout()
	}
}

// Refund returns amount of a captured payment. Refunding the whole residual
// moves the payment and its order to Refunded, less moves them to
// PartiallyRefunded.
func (s *Service) Refund(ctx context.Context, paymentID uuid.UUID, amount decimal.Decimal) (_ *Payment, rerr error) {
	ctx, span := s.tracer.Start(ctx, "payment.Refund",
		trace.WithAttributes(attribute.String("payment.id", paymentID.String())),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	p, err := s.payments.Get(ctx, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "get payment")
	}

	release, err := s.locker.Lock(ctx, p.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}
	defer release()

	// Reload under the lock.
	if p, err = s.payments.Get(ctx, paymentID); err != nil {
		return nil, errors.Wrap(err, "get payment")
	}
	if !p.Status.CanTransitionTo(StatusRefunded) {
		return nil, fault.IllegalTransition("payment", p.Status, StatusRefunded)
	}

	amt, err := money.FromDecimalExact(amount, p.Amount.Currency())
	if err != nil {
		return nil, err
	}
	residual := p.Refundable()
	switch {
	case !amt.IsPositive():
		return nil, fault.Invalid("amount", "must be greater than zero")
	case amt.Minor() > residual.Minor():
		return nil, fault.Invalid("amount", "exceeds refundable balance %s", residual)
	}

	o, err := s.orders.Get(ctx, p.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}

	now := s.now()
	if p.Refunded, err = p.Refunded.Add(amt); err != nil {
		return nil, err
	}
	target := order.StatusPartiallyRefunded
	switch {
	case amt.Equal(residual):
		target = order.StatusRefunded
		err = p.Transition(StatusRefunded, now)
	case p.Status == StatusCompleted:
		err = p.Transition(StatusPartiallyRefunded, now)
	default:
		p.UpdatedAt = now
	}
	if err != nil {
		return nil, err
	}
	if o.Status != target {
		if err := o.Transition(target, now); err != nil {
			return nil, err
		}
	}

	if p.Version, err = s.payments.Save(ctx, p); err != nil {
		return nil, errors.Wrap(err, "save payment")
	}
	if o.Version, err = s.orders.Save(ctx, o); err != nil {
		return nil, errors.Wrap(err, "save order")
	}

	zctx.From(ctx).Info("Payment refunded",
		zap.Stringer("payment_id", p.ID),
		zap.Stringer("order_id", o.ID),
		zap.Stringer("amount", amt),
		zap.Stringer("refundable", p.Refundable()),
		zap.Stringer("status", p.Status),
	)
	return p, nil
}

// Get loads a payment by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get payment")
	}
	return p, nil
}

// ListByOrder returns the payments of an order, oldest first.
func (s *Service) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]Payment, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	ps, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "list payments")
	}
	return ps, nil
}

func validateProcess(req ProcessRequest) (money.Currency, Method, error) {
	var fields fault.Fields
	if req.OrderID == uuid.Nil {
		fields.Add("orderId", "is required")
	}
	if !req.Amount.IsPositive() {
		fields.Add("amount", "must be greater than zero")
	}
	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		fields.Add("currency", "must be a three-letter ISO 4217 code")
	}
	method, err := ParseMethod(req.Method)
	if err != nil {
		fields.Add("paymentMethod", "must be one of Card, Cash, DigitalWallet")
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			fields.Add("customerEmail", "is not a valid address")
		}
	}
	if req.Timeout < 0 {
		fields.Add("timeoutMs", "must not be negative")
	}
	return cur, method, fields.Err()
}

func (s *Service) checkPayable(ctx context.Context, o *order.Order, cur money.Currency, raw decimal.Decimal) (money.Money, error) {
	if o.Currency != cur {
		return money.Money{}, &fault.Error{
			Kind:    fault.KindCurrencyMismatch,
			Message: "order " + o.ID.String() + " is priced in " + o.Currency.String() + ", not " + cur.String(),
		}
	}
	if o.Status != order.StatusPending && o.Status != order.StatusInProgress {
		return money.Money{}, fault.IllegalTransition("order", o.Status, order.StatusPaid)
	}

	existing, err := s.payments.ListByOrder(ctx, o.ID)
	if err != nil {
		return money.Money{}, errors.Wrap(err, "list payments")
	}
	for _, p := range existing {
		if p.Status.Captured() {
			return money.Money{}, &fault.Error{
				Kind:    fault.KindIllegalTransition,
				Message: "order " + o.ID.String() + " already has a captured payment",
			}
		}
	}

	amount, err := money.FromDecimalExact(raw, cur)
	if err != nil {
		return money.Money{}, err
	}
	outstanding := o.Total()
	if amount.Minor() > outstanding.Minor() {
		return money.Money{}, fault.Invalid("amount", "exceeds outstanding balance %s", outstanding)
	}
	return amount, nil
}

func (s *Service) capture(ctx context.Context, p *Payment, timeout time.Duration) (CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := s.processor.Capture(ctx, CaptureRequest{
		IdempotencyKey: p.IdempotencyKey,
		Amount:         p.Amount,
		Method:         p.Method,
		Token:          p.ProcessorToken,
		CustomerEmail:  p.CustomerEmail,
	})
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res, err = CaptureResult{Outcome: OutcomeTimeout}, nil
	}

	outcome := "error"
	if err == nil {
		outcome = res.Outcome.String()
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("method", string(p.Method)),
	)
	s.captures.Add(ctx, 1, attrs)
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	return res, err
}

func (s *Service) advance(ctx context.Context, p *Payment, to Status) error {
	if err := p.Transition(to, s.now()); err != nil {
		return err
	}
	v, err := s.payments.Save(ctx, p)
	if err != nil {
		return errors.Wrapf(err, "save payment as %s", to)
	}
	p.Version = v
	return nil
}

func (s *Service) markPaid(ctx context.Context, o *order.Order) error {
	now := s.now()
	if o.Status == order.StatusPending {
		if err := o.Transition(order.StatusInProgress, now); err != nil {
			return err
		}
	}
	if err := o.Transition(order.StatusPaid, now); err != nil {
		return err
	}
	v, err := s.orders.Save(ctx, o)
	if err != nil {
		return errors.Wrap(err, "save order as paid")
	}
	o.Version = v
	return nil
}

// replay answers a repeated client request with the outcome of the first.
func (s *Service) replay(ctx context.Context, owner uuid.UUID) (*Payment, error) {
	p, err := s.payments.Get(ctx, owner)
	if err != nil {
		return nil, errors.Wrap(err, "get replayed payment")
	}
	zctx.From(ctx).Info("Idempotent replay", zap.Stringer("payment_id", p.ID))
	if p.Status == StatusFailed {
		if p.FailureReason == fault.Timeout().Reason {
			return nil, fault.Timeout()
		}
		return nil, fault.Declined(p.FailureReason)
	}
	return p, nil
}
