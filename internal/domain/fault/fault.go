// Package fault defines the closed set of error kinds produced by the billing
// core. Transport concerns (HTTP statuses) are mapped by the handler package.
package fault

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Kind classifies a fault.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindReferenceNotFound     Kind = "reference_not_found"
	KindIllegalTransition     Kind = "illegal_transition"
	KindCannotCancelPaidOrder Kind = "cannot_cancel_paid_order"
	KindCurrencyMismatch      Kind = "currency_mismatch"
	KindPaymentDeclined       Kind = "payment_declined"
	KindProcessorTimeout      Kind = "processor_timeout"
	KindVersionConflict       Kind = "version_conflict"
	KindNotFound              Kind = "not_found"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation            = &Error{Kind: KindValidation}
	ErrReferenceNotFound     = &Error{Kind: KindReferenceNotFound}
	ErrIllegalTransition     = &Error{Kind: KindIllegalTransition}
	ErrCannotCancelPaidOrder = &Error{Kind: KindCannotCancelPaidOrder}
	ErrCurrencyMismatch      = &Error{Kind: KindCurrencyMismatch}
	ErrPaymentDeclined       = &Error{Kind: KindPaymentDeclined}
	ErrProcessorTimeout      = &Error{Kind: KindProcessorTimeout}
	ErrVersionConflict       = &Error{Kind: KindVersionConflict}
	ErrNotFound              = &Error{Kind: KindNotFound}
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string
	Message string
}

// Error is a typed fault. Reason narrows the kind (processor decline code,
// "unknown_vat_profile") and participates in errors.Is when set on the target.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Fields  []FieldError
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if len(e.Fields) == 0 {
		return msg
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return msg + " (" + strings.Join(parts, "; ") + ")"
}

// Is reports whether target is a fault of the same kind. A target with a
// non-empty Reason additionally requires the reasons to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// KindOf returns the kind of the first fault in err's chain.
func KindOf(err error) (Kind, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return "", false
}

// As extracts the first fault in err's chain.
func As(err error) (*Error, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Validation builds a validation fault from field errors.
func Validation(fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: "validation failed", Fields: fields}
}

// Invalid is a shorthand for a single-field validation fault.
func Invalid(field, format string, args ...any) *Error {
	return Validation(FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ReferenceNotFound reports a dangling foreign id in an input field.
func ReferenceNotFound(field string, id any) *Error {
	return &Error{
		Kind:    KindReferenceNotFound,
		Message: fmt.Sprintf("%s %v does not exist", field, id),
		Fields:  []FieldError{{Field: field, Message: "not found"}},
	}
}

// NotFound reports a missing entity on read.
func NotFound(entity string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", entity, id)}
}

// IllegalTransition reports a state-machine violation.
func IllegalTransition(entity string, from, to fmt.Stringer) *Error {
	return &Error{
		Kind:    KindIllegalTransition,
		Message: fmt.Sprintf("%s cannot transition from %s to %s", entity, from, to),
	}
}

// VersionConflict reports a concurrent write detected by an optimistic check.
func VersionConflict(entity string, id any) *Error {
	return &Error{
		Kind:    KindVersionConflict,
		Message: fmt.Sprintf("%s %v was modified concurrently", entity, id),
	}
}

// Declined reports a processor decline with its reason code.
func Declined(reason string) *Error {
	return &Error{
		Kind:    KindPaymentDeclined,
		Message: "payment declined: " + reason,
		Reason:  reason,
	}
}

// Timeout reports a processor call that did not finish in time.
func Timeout() *Error {
	return &Error{
		Kind:    KindProcessorTimeout,
		Message: "payment processor timed out",
		Reason:  "ProcessorTimeout",
	}
}

// Fields accumulates field errors for multi-field validation.
type Fields []FieldError

// Add records an invalid field.
func (f *Fields) Add(field, format string, args ...any) {
	*f = append(*f, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Err returns a validation fault, or nil when nothing was recorded.
func (f Fields) Err() error {
	if len(f) == 0 {
		return nil
	}
	return Validation(f...)
}
