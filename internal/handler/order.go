package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/fault"
	"github.com/xenking/billing-core/internal/domain/order"
)

type addonRequest struct {
	ID    string          `json:"id"`
	Price decimal.Decimal `json:"price"`
}

type orderDetailRequest struct {
	ItemID          string           `json:"itemId"`
	PriceWithoutVat decimal.Decimal  `json:"priceWithoutVat"`
	PriceWithVat    *decimal.Decimal `json:"priceWithVat,omitempty"`
	Quantity        int64            `json:"quantity"`
	Addons          []addonRequest   `json:"addons"`
}

type discountRequest struct {
	Type       string          `json:"type"`
	Value      decimal.Decimal `json:"value"`
	ValidFrom  *time.Time      `json:"validFrom,omitempty"`
	ValidUntil *time.Time      `json:"validUntil,omitempty"`
}

type createOrderRequest struct {
	Code         string               `json:"code"`
	VatID        int64                `json:"vatId"`
	StatusID     int                  `json:"statusId"`
	Total        *decimal.Decimal     `json:"total,omitempty"`
	BusinessID   int64                `json:"businessId"`
	WorkerID     *int64               `json:"workerId,omitempty"`
	OrderDetails []orderDetailRequest `json:"orderDetails"`
	Discount     *discountRequest     `json:"discount,omitempty"`
	DiscountCode string               `json:"discountCode,omitempty"`
}

func (req createOrderRequest) toDomain() order.CreateRequest {
	out := order.CreateRequest{
		Code:         req.Code,
		VatID:        req.VatID,
		StatusID:     req.StatusID,
		Total:        req.Total,
		BusinessID:   req.BusinessID,
		WorkerID:     req.WorkerID,
		DiscountCode: req.DiscountCode,
		Items:        make([]order.LineItemRequest, len(req.OrderDetails)),
	}
	for i, d := range req.OrderDetails {
		item := order.LineItemRequest{
			ItemID:          d.ItemID,
			PriceWithoutVat: d.PriceWithoutVat,
			PriceWithVat:    d.PriceWithVat,
			Quantity:        d.Quantity,
		}
		for _, a := range d.Addons {
			item.Addons = append(item.Addons, order.AddonRequest{ID: a.ID, Price: a.Price})
		}
		out.Items[i] = item
	}
	if req.Discount != nil {
		out.Discount = &order.DiscountRequest{
			Type:       discount.Type(req.Discount.Type),
			Value:      req.Discount.Value,
			ValidFrom:  req.Discount.ValidFrom,
			ValidUntil: req.Discount.ValidUntil,
		}
	}
	return out
}

// transitionRequest names the target status either by name or by StatusId.
type transitionRequest struct {
	Status   string `json:"status,omitempty"`
	StatusID *int   `json:"statusId,omitempty"`
}

func (req transitionRequest) target() (order.Status, error) {
	switch {
	case req.Status != "":
		return order.ParseStatus(req.Status)
	case req.StatusID != nil:
		s, ok := order.StatusFromID(*req.StatusID)
		if !ok {
			return 0, fault.Invalid("statusId", "unknown order status %d", *req.StatusID)
		}
		return s, nil
	default:
		return 0, fault.Invalid("status", "required")
	}
}

// CreateOrder handles POST /api/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Create(r.Context(), req.toDomain())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// TransitionOrder handles POST /api/orders/{id}/transitions.
func (h *Handler) TransitionOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	to, err := req.target()
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Transition(r.Context(), id, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// ListOrderPayments handles GET /api/orders/{id}/payments.
func (h *Handler) ListOrderPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.orders.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.payments.ListByOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range list {
			encodePayment(e, &list[i])
		}
		e.ArrEnd()
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID.String())
	if o.Code != "" {
		e.FieldStart("code")
		e.Str(o.Code)
	}
	e.FieldStart("vatId")
	e.Int64(o.VatID)
	e.FieldStart("vatRate")
	e.Raw([]byte(o.VatRate.String()))
	e.FieldStart("businessId")
	e.Int64(o.BusinessID)
	if o.WorkerID != nil {
		e.FieldStart("workerId")
		e.Int64(*o.WorkerID)
	}
	e.FieldStart("currency")
	e.Str(string(o.Currency))
	e.FieldStart("status")
	e.Str(o.Status.String())
	e.FieldStart("statusId")
	e.Int(int(o.Status))

	e.FieldStart("orderDetails")
	e.ArrStart()
	for _, li := range o.Items {
		e.ObjStart()
		e.FieldStart("itemId")
		e.Str(li.ItemID)
		e.FieldStart("quantity")
		e.Int64(li.Quantity)
		e.FieldStart("priceWithoutVat")
		encodeMoney(e, li.UnitPriceWithoutVat)
		e.FieldStart("priceWithVat")
		encodeMoney(e, li.UnitPriceWithVat)
		// Line totals were range-checked when the order was priced.
		total, _ := li.Total()
		e.FieldStart("total")
		encodeMoney(e, total)
		if len(li.Addons) > 0 {
			e.FieldStart("addons")
			e.ArrStart()
			for _, a := range li.Addons {
				e.ObjStart()
				e.FieldStart("id")
				e.Str(a.ID)
				e.FieldStart("price")
				encodeMoney(e, a.Price)
				e.ObjEnd()
			}
			e.ArrEnd()
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	if len(o.Discounts) > 0 {
		e.FieldStart("discounts")
		e.ArrStart()
		for _, d := range o.Discounts {
			e.ObjStart()
			if d.Code != "" {
				e.FieldStart("code")
				e.Str(d.Code)
			}
			e.FieldStart("type")
			e.Str(string(d.Type))
			if d.Type == discount.TypePercentage {
				e.FieldStart("percent")
				e.Raw([]byte(d.Percent.String()))
			} else {
				e.FieldStart("amount")
				encodeMoney(e, d.Amount)
			}
			if d.ValidFrom != nil {
				e.FieldStart("validFrom")
				encodeTime(e, *d.ValidFrom)
			}
			if d.ValidUntil != nil {
				e.FieldStart("validUntil")
				encodeTime(e, *d.ValidUntil)
			}
			e.ObjEnd()
		}
		e.ArrEnd()
	}
	e.FieldStart("discountOutcome")
	e.Str(string(o.DiscountOutcome))

	e.FieldStart("subtotal")
	encodeMoney(e, o.Subtotal)
	e.FieldStart("discount")
	encodeMoney(e, o.Discount)
	e.FieldStart("computedTotal")
	encodeMoney(e, o.ComputedTotal)
	e.FieldStart("total")
	encodeMoney(e, o.Total())

	e.FieldStart("version")
	e.Int64(o.Version)
	e.FieldStart("createdAt")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, o.UpdatedAt)
	if o.PaidAt != nil {
		e.FieldStart("paidAt")
		encodeTime(e, *o.PaidAt)
	}
	e.ObjEnd()
}
