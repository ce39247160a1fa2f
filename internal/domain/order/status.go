package order

import (
	"strings"

	"github.com/xenking/billing-core/internal/domain/fault"
)

// Status is the lifecycle state of an order.
type Status int

// Order statuses. The numeric values are the StatusId of the API.
const (
	StatusPending Status = iota
	StatusInProgress
	StatusPaid
	StatusPartiallyRefunded
	StatusRefunded
	StatusCancelled
)

var statusNames = [...]string{
	StatusPending:           "Pending",
	StatusInProgress:        "InProgress",
	StatusPaid:              "Paid",
	StatusPartiallyRefunded: "PartiallyRefunded",
	StatusRefunded:          "Refunded",
	StatusCancelled:         "Cancelled",
}

var transitions = map[Status][]Status{
	StatusPending:           {StatusInProgress, StatusCancelled},
	StatusInProgress:        {StatusPaid, StatusCancelled},
	StatusPaid:              {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunded},
}

// Statuses lists every status in declaration order.
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusInProgress,
		StatusPaid,
		StatusPartiallyRefunded,
		StatusRefunded,
		StatusCancelled,
	}
}

func (s Status) String() string {
	if !s.Valid() {
		return "Unknown"
	}
	return statusNames[s]
}

// Valid reports whether s is a declared status.
func (s Status) Valid() bool {
	return s >= StatusPending && s <= StatusCancelled
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

// Manual reports whether an operator may request s directly. Paid and the
// refund states follow captures and refunds of payments.
func (s Status) Manual() bool {
	return s == StatusInProgress || s == StatusCancelled
}

// Settled reports whether the order has been paid at some point.
func (s Status) Settled() bool {
	switch s {
	case StatusPaid, StatusPartiallyRefunded, StatusRefunded:
		return true
	default:
		return false
	}
}

// StatusFromID maps an API StatusId onto a Status.
func StatusFromID(id int) (Status, bool) {
	s := Status(id)
	return s, s.Valid()
}

// ParseStatus resolves a status by name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	for _, s := range Statuses() {
		if strings.EqualFold(s.String(), strings.TrimSpace(name)) {
			return s, nil
		}
	}
	return 0, fault.Invalid("status", "unknown order status %q", name)
}
