// Package handler exposes the billing services over HTTP.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
	"github.com/xenking/billing-core/internal/domain/receipt"
)

// Handler serves the /api routes.
type Handler struct {
	orders   *order.Service
	payments *payment.Service
	receipts *receipt.Projector
}

// NewHandler constructs a Handler with the required domain services.
func NewHandler(orders *order.Service, payments *payment.Service, receipts *receipt.Projector) *Handler {
	return &Handler{
		orders:   orders,
		payments: payments,
		receipts: receipts,
	}
}

// Routes returns the API router, to be mounted under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.CreateOrder)
		r.Get("/{id}", h.GetOrder)
		r.Post("/{id}/transitions", h.TransitionOrder)
		r.Get("/{id}/payments", h.ListOrderPayments)
	})
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.ProcessPayment)
		r.Get("/{id}", h.GetPayment)
		r.Post("/{id}/refunds", h.RefundPayment)
	})
	r.Get("/businesses/{id}/receipts", h.ListReceipts)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, &APIError{Status: http.StatusNotFound, Code: "not_found", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, &APIError{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Message: "method not allowed"})
	})
	return r
}
