package processor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/billing-core/internal/domain/payment"
)

const maxResponseSize = 64 << 10

// GatewayConfig configures the HTTP gateway client.
type GatewayConfig struct {
	// BaseURL of the gateway, e.g. https://pay.example.com.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout bounds a single request in addition to the caller's deadline.
	Timeout        time.Duration
	TracerProvider trace.TracerProvider
}

// Gateway captures card and wallet payments through a JSON HTTP gateway.
//
// The gateway answers 200 with {"reference": ...} on success and 402 with
// {"code": ...} on decline. The attempt idempotency key is forwarded in the
// Idempotency-Key header so that the gateway can deduplicate retries.
type Gateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGateway creates a Gateway. The transport is instrumented with otelhttp.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway base URL is required")
	}
	var opts []otelhttp.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	return &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
		},
	}, nil
}

func encodeCapture(req payment.CaptureRequest) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("idempotencyKey")
	e.Str(req.IdempotencyKey)
	e.FieldStart("amount")
	e.Int64(req.Amount.Minor())
	e.FieldStart("currency")
	e.Str(string(req.Amount.Currency()))
	e.FieldStart("method")
	e.Str(string(req.Method))
	if req.Token != "" {
		e.FieldStart("paymentMethodId")
		e.Str(req.Token)
	}
	if req.CustomerEmail != "" {
		e.FieldStart("customerEmail")
		e.Str(req.CustomerEmail)
	}
	e.ObjEnd()
	return append([]byte(nil), e.Bytes()...)
}

// decodeField returns the string value of key in a flat JSON object.
func decodeField(data []byte, key string) (string, error) {
	var v string
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) != key || d.Next() != jx.String {
			return d.Skip()
		}
		s, err := d.Str()
		v = s
		return err
	})
	return v, err
}

func (g *Gateway) Capture(ctx context.Context, req payment.CaptureRequest) (payment.CaptureResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/captures", bytes.NewReader(encodeCapture(req)))
	if err != nil {
		return payment.CaptureResult{}, errors.Wrap(err, "create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return payment.CaptureResult{Outcome: payment.OutcomeTimeout}, nil
		}
		return payment.CaptureResult{}, errors.Wrap(err, "send capture")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return payment.CaptureResult{Outcome: payment.OutcomeTimeout}, nil
		}
		return payment.CaptureResult{}, errors.Wrap(err, "read response")
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		ref, err := decodeField(body, "reference")
		if err != nil {
			return payment.CaptureResult{}, errors.Wrap(err, "decode capture response")
		}
		return payment.CaptureResult{Outcome: payment.OutcomeSuccess, Reference: ref}, nil
	case http.StatusPaymentRequired:
		code, err := decodeField(body, "code")
		if err != nil || code == "" {
			code = "declined"
		}
		return payment.CaptureResult{Outcome: payment.OutcomeDeclined, Reason: code}, nil
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return payment.CaptureResult{Outcome: payment.OutcomeTimeout}, nil
	default:
		return payment.CaptureResult{}, errors.Errorf("unexpected gateway status %d", resp.StatusCode)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
