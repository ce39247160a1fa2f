// Package receipt projects settled orders and their payments into read-only
// receipts.
package receipt

import (
	"time"

	"github.com/google/uuid"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/domain/payment"
)

// Line is a receipt line for one order line item.
type Line struct {
	ItemID              string
	Quantity            int64
	UnitPriceWithoutVat money.Money
	UnitPriceWithVat    money.Money
	Total               money.Money
	Addons              []order.Addon
}

// PaymentLine summarizes one captured payment.
type PaymentLine struct {
	ID          uuid.UUID
	Method      payment.Method
	Status      payment.Status
	Amount      money.Money
	Refunded    money.Money
	Reference   string
	CompletedAt *time.Time
}

// Receipt is an immutable snapshot of a settled order.
type Receipt struct {
	OrderID         uuid.UUID
	OrderCode       string
	BusinessID      int64
	WorkerID        *int64
	Status          order.Status
	Currency        money.Currency
	Lines           []Line
	Subtotal        money.Money
	Vat             money.Money
	Discount        money.Money
	DiscountOutcome discount.Outcome
	Total           money.Money
	Paid            money.Money
	Refunded        money.Money
	Payments        []PaymentLine
	CompletedAt     time.Time
}

// Settled is a settled order together with all of its payments.
type Settled struct {
	Order    order.Order
	Payments []payment.Payment
}

// Project builds the receipt of a settled order. Failed and abandoned payment
// attempts are left out.
func Project(s Settled) Receipt {
	o := s.Order
	cur := o.Currency
	r := Receipt{
		OrderID:         o.ID,
		OrderCode:       o.Code,
		BusinessID:      o.BusinessID,
		WorkerID:        o.WorkerID,
		Status:          o.Status,
		Currency:        cur,
		Lines:           make([]Line, 0, len(o.Items)),
		Subtotal:        o.Subtotal,
		Discount:        o.Discount,
		DiscountOutcome: o.DiscountOutcome,
		Total:           o.Total(),
		Vat:             money.Zero(cur),
		Paid:            money.Zero(cur),
		Refunded:        money.Zero(cur),
		CompletedAt:     o.UpdatedAt,
	}

	for _, li := range o.Items {
		total, _ := li.Total()
		r.Lines = append(r.Lines, Line{
			ItemID:              li.ItemID,
			Quantity:            li.Quantity,
			UnitPriceWithoutVat: li.UnitPriceWithoutVat,
			UnitPriceWithVat:    li.UnitPriceWithVat,
			Total:               total,
			Addons:              li.Addons,
		})
		unitVat, _ := li.UnitPriceWithVat.Sub(li.UnitPriceWithoutVat)
		lineVat, _ := unitVat.Times(li.Quantity)
		r.Vat, _ = r.Vat.Add(lineVat)
	}

	var latest *time.Time
	for _, p := range s.Payments {
		if p.CompletedAt == nil {
			continue
		}
		r.Payments = append(r.Payments, PaymentLine{
			ID:          p.ID,
			Method:      p.Method,
			Status:      p.Status,
			Amount:      p.Amount,
			Refunded:    p.Refunded,
			Reference:   p.Reference,
			CompletedAt: p.CompletedAt,
		})
		r.Paid, _ = r.Paid.Add(p.Amount)
		r.Refunded, _ = r.Refunded.Add(p.Refunded)
		if latest == nil || p.CompletedAt.After(*latest) {
			latest = p.CompletedAt
		}
	}

	switch {
	case o.PaidAt != nil:
		r.CompletedAt = *o.PaidAt
	case latest != nil:
		r.CompletedAt = *latest
	}
	return r
}
