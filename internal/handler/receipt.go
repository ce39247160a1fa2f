package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/billing-core/internal/domain/receipt"
)

// ListReceipts handles GET /api/businesses/{id}/receipts. perPage=0 returns
// every receipt; an omitted perPage selects the projector default.
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	businessID, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	perPage, err := queryInt(r, "perPage", -1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.receipts.List(r.Context(), businessID, page, perPage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReceiptList(e, list) })
}

func encodeReceiptList(e *jx.Encoder, list *receipt.List) {
	e.ObjStart()
	e.FieldStart("items")
	e.ArrStart()
	for i := range list.Items {
		encodeReceipt(e, &list.Items[i])
	}
	e.ArrEnd()

	p := list.Page
	e.FieldStart("page")
	e.ObjStart()
	e.FieldStart("number")
	e.Int(p.Number)
	e.FieldStart("perPage")
	e.Int(p.PerPage)
	e.FieldStart("total")
	e.Int64(p.Total)
	e.FieldStart("totalPages")
	e.Int(p.TotalPages)
	e.FieldStart("hasNext")
	e.Bool(p.HasNext)
	e.FieldStart("hasPrev")
	e.Bool(p.HasPrev)
	e.ObjEnd()
	e.ObjEnd()
}

func encodeReceipt(e *jx.Encoder, rc *receipt.Receipt) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(rc.OrderID.String())
	if rc.OrderCode != "" {
		e.FieldStart("orderCode")
		e.Str(rc.OrderCode)
	}
	e.FieldStart("businessId")
	e.Int64(rc.BusinessID)
	if rc.WorkerID != nil {
		e.FieldStart("workerId")
		e.Int64(*rc.WorkerID)
	}
	e.FieldStart("status")
	e.Str(rc.Status.String())
	e.FieldStart("currency")
	e.Str(string(rc.Currency))

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range rc.Lines {
		e.ObjStart()
		e.FieldStart("itemId")
		e.Str(l.ItemID)
		e.FieldStart("quantity")
		e.Int64(l.Quantity)
		e.FieldStart("priceWithoutVat")
		encodeMoney(e, l.UnitPriceWithoutVat)
		e.FieldStart("priceWithVat")
		encodeMoney(e, l.UnitPriceWithVat)
		e.FieldStart("total")
		encodeMoney(e, l.Total)
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("subtotal")
	encodeMoney(e, rc.Subtotal)
	e.FieldStart("vat")
	encodeMoney(e, rc.Vat)
	e.FieldStart("discount")
	encodeMoney(e, rc.Discount)
	e.FieldStart("discountOutcome")
	e.Str(string(rc.DiscountOutcome))
	e.FieldStart("total")
	encodeMoney(e, rc.Total)
	e.FieldStart("paid")
	encodeMoney(e, rc.Paid)
	e.FieldStart("refunded")
	encodeMoney(e, rc.Refunded)

	e.FieldStart("payments")
	e.ArrStart()
	for _, p := range rc.Payments {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(p.ID.String())
		e.FieldStart("paymentMethod")
		e.Str(string(p.Method))
		e.FieldStart("status")
		e.Str(p.Status.String())
		e.FieldStart("amount")
		encodeMoney(e, p.Amount)
		e.FieldStart("refunded")
		encodeMoney(e, p.Refunded)
		if p.Reference != "" {
			e.FieldStart("reference")
			e.Str(p.Reference)
		}
		if p.CompletedAt != nil {
			e.FieldStart("completedAt")
			encodeTime(e, *p.CompletedAt)
		}
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("completedAt")
	encodeTime(e, rc.CompletedAt)
	e.ObjEnd()
}
