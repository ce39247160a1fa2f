package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/payment"
)

// IdempotencyKeyHeader carries the client's idempotency key on POST /api/payments.
const IdempotencyKeyHeader = "Idempotency-Key"

type processPaymentRequest struct {
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	OrderID               uuid.UUID       `json:"orderId"`
	PaymentMethod         string          `json:"paymentMethod"`
	StripePaymentMethodID string          `json:"stripePaymentMethodId,omitempty"`
	CustomerEmail         string          `json:"customerEmail,omitempty"`
	TimeoutMs             int64           `json:"timeoutMs,omitempty"`
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ProcessPayment handles POST /api/payments.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req processPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Process(r.Context(), payment.ProcessRequest{
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         req.PaymentMethod,
		ProcessorToken: req.StripePaymentMethodID,
		CustomerEmail:  req.CustomerEmail,
		Timeout:        time.Duration(req.TimeoutMs) * time.Millisecond,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodePayment(e, p) })
}

// GetPayment handles GET /api/payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePayment(e, p) })
}

// RefundPayment handles POST /api/payments/{id}/refunds.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.payments.Refund(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePayment(e, p) })
}

func encodePayment(e *jx.Encoder, p *payment.Payment) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(p.ID.String())
	e.FieldStart("orderId")
	e.Str(p.OrderID.String())
	e.FieldStart("amount")
	encodeMoney(e, p.Amount)
	e.FieldStart("refunded")
	encodeMoney(e, p.Refunded)
	e.FieldStart("currency")
	e.Str(string(p.Amount.Currency()))
	e.FieldStart("paymentMethod")
	e.Str(string(p.Method))
	e.FieldStart("status")
	e.Str(p.Status.String())
	e.FieldStart("attempt")
	e.Int64(p.Attempt)
	e.FieldStart("idempotencyKey")
	e.Str(p.IdempotencyKey)
	if p.Reference != "" {
		e.FieldStart("reference")
		e.Str(p.Reference)
	}
	if p.FailureReason != "" {
		e.FieldStart("failureReason")
		e.Str(p.FailureReason)
	}
	if p.CustomerEmail != "" {
		e.FieldStart("customerEmail")
		e.Str(p.CustomerEmail)
	}
	e.FieldStart("createdAt")
	encodeTime(e, p.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, p.UpdatedAt)
	if p.CompletedAt != nil {
		e.FieldStart("completedAt")
		encodeTime(e, *p.CompletedAt)
	}
	e.ObjEnd()
}
