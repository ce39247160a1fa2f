package payment

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/billing-core/internal/domain/money"
)

// Outcome is the result class of a capture.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeDeclined
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeDeclined:
		return "declined"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CaptureRequest is sent to a payment processor.
type CaptureRequest struct {
	IdempotencyKey string
	Amount         money.Money
	Method         Method
	Token          string
	CustomerEmail  string
}

// CaptureResult is a processor's answer. Reference is set on success, Reason
// on decline.
type CaptureResult struct {
	Outcome   Outcome
	Reference string
	Reason    string
}

// ErrUnsupportedMethod is returned by processors that cannot capture a method.
var ErrUnsupportedMethod = errors.New("unsupported payment method")

// MethodChecker is implemented by processors that serve only some payment
// methods. Service rejects other methods before recording an attempt.
type MethodChecker interface {
	Supports(m Method) bool
}

// Processor captures funds. Implementations must honor ctx cancellation and
// treat IdempotencyKey as the identity of the capture.
type Processor interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
}
