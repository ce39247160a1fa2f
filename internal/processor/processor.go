// Package processor provides payment.Processor adapters: local cash capture,
// an HTTP card gateway and a router dispatching by payment method.
package processor

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/billing-core/internal/domain/payment"
)

var (
	_ payment.Processor = Cash{}
	_ payment.Processor = (*Gateway)(nil)
	_ payment.Processor = Router{}

	_ payment.MethodChecker = Router{}
)

// Cash captures cash payments locally. Money changes hands at the counter, so
// capture always succeeds.
type Cash struct{}

func (Cash) Capture(_ context.Context, req payment.CaptureRequest) (payment.CaptureResult, error) {
	return payment.CaptureResult{
		Outcome:   payment.OutcomeSuccess,
		Reference: "cash:" + req.IdempotencyKey,
	}, nil
}

// Router dispatches a capture to the processor registered for its method.
type Router map[payment.Method]payment.Processor

func (r Router) Capture(ctx context.Context, req payment.CaptureRequest) (payment.CaptureResult, error) {
	p, ok := r[req.Method]
	if !ok {
		return payment.CaptureResult{}, errors.Wrapf(payment.ErrUnsupportedMethod, "method %s", req.Method)
	}
	return p.Capture(ctx, req)
}

// Supports reports whether a processor is registered for m.
func (r Router) Supports(m payment.Method) bool {
	_, ok := r[m]
	return ok
}
