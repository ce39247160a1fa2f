package payment

import (
	"strings"

	"github.com/xenking/billing-core/internal/domain/fault"
)

// Status is the lifecycle state of a payment.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusRefunded
	StatusPartiallyRefunded
)

var statusNames = [...]string{
	StatusPending:           "Pending",
	StatusProcessing:        "Processing",
	StatusCompleted:         "Completed",
	StatusFailed:            "Failed",
	StatusRefunded:          "Refunded",
	StatusPartiallyRefunded: "PartiallyRefunded",
}

var transitions = map[Status][]Status{
	StatusPending:           {StatusProcessing, StatusFailed},
	StatusProcessing:        {StatusCompleted, StatusFailed},
	StatusCompleted:         {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunded},
}

// Statuses lists every status in declaration order.
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusProcessing,
		StatusCompleted,
		StatusFailed,
		StatusRefunded,
		StatusPartiallyRefunded,
	}
}

func (s Status) String() string {
	if s < StatusPending || s > StatusPartiallyRefunded {
		return "Unknown"
	}
	return statusNames[s]
}

// CanTransitionTo reports whether the table allows s -> to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Captured reports whether funds are held for the payment.
func (s Status) Captured() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded
}

// Method is the instrument a payment is made with.
type Method string

const (
	MethodCard          Method = "Card"
	MethodCash          Method = "Cash"
	MethodDigitalWallet Method = "DigitalWallet"
)

// Methods lists the supported payment methods.
func Methods() []Method {
	return []Method{MethodCard, MethodCash, MethodDigitalWallet}
}

// ParseMethod resolves a payment method by name, case-insensitively.
func ParseMethod(name string) (Method, error) {
	for _, m := range Methods() {
		if strings.EqualFold(string(m), strings.TrimSpace(name)) {
			return m, nil
		}
	}
	return "", fault.Invalid("paymentMethod", "unsupported payment method %q", name)
}
