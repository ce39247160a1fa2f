package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/fault"
)

var kindStatus = map[fault.Kind]int{
	fault.KindValidation:            http.StatusUnprocessableEntity,
	fault.KindReferenceNotFound:     http.StatusUnprocessableEntity,
	fault.KindIllegalTransition:     http.StatusConflict,
	fault.KindCannotCancelPaidOrder: http.StatusConflict,
	fault.KindCurrencyMismatch:      http.StatusUnprocessableEntity,
	fault.KindPaymentDeclined:       http.StatusPaymentRequired,
	fault.KindProcessorTimeout:      http.StatusGatewayTimeout,
	fault.KindVersionConflict:       http.StatusConflict,
	fault.KindNotFound:              http.StatusNotFound,
}

// APIError is the error body of every failed request.
type APIError struct {
	Status  int
	Code    string
	Message string
	Reason  string
	Fields  []fault.FieldError
}

func (e *APIError) Error() string { return e.Message }

// StatusCode returns Status clamped to the valid HTTP range.
func (e *APIError) StatusCode() int {
	if e.Status < 100 || e.Status > 599 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// toAPIError maps a service error onto its HTTP representation. Errors
// that carry no fault are internal.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	f, ok := fault.As(err)
	if !ok {
		return &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "internal",
			Message: "internal server error",
		}
	}
	status, ok := kindStatus[f.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	msg := f.Message
	if msg == "" {
		msg = string(f.Kind)
	}
	return &APIError{
		Status:  status,
		Code:    string(f.Kind),
		Message: msg,
		Reason:  f.Reason,
		Fields:  f.Fields,
	}
}

func (e *APIError) encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("code")
	enc.Str(e.Code)
	enc.FieldStart("message")
	enc.Str(e.Message)
	if e.Reason != "" {
		enc.FieldStart("reason")
		enc.Str(e.Reason)
	}
	if len(e.Fields) > 0 {
		enc.FieldStart("errors")
		enc.ArrStart()
		for _, f := range e.Fields {
			enc.ObjStart()
			enc.FieldStart("field")
			enc.Str(f.Field)
			enc.FieldStart("message")
			enc.Str(f.Message)
			enc.ObjEnd()
		}
		enc.ArrEnd()
	}
	enc.ObjEnd()
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	status := apiErr.StatusCode()
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, apiErr.encode)
}
