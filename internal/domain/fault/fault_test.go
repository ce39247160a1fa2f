package fault

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := errors.Wrap(NotFound("order", "o-1"), "load order")

	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, kind)
}

func TestError_IsWithReason(t *testing.T) {
	unknownVat := &Error{Kind: KindReferenceNotFound, Reason: "unknown_vat_profile"}
	err := &Error{Kind: KindReferenceNotFound, Reason: "unknown_vat_profile", Message: "vat 9"}

	assert.ErrorIs(t, err, unknownVat)
	assert.ErrorIs(t, err, ErrReferenceNotFound)
	assert.NotErrorIs(t, ReferenceNotFound("businessId", 5), unknownVat)
}

func TestFields(t *testing.T) {
	var f Fields
	require.NoError(t, f.Err())

	f.Add("vatId", "required")
	f.Add("orderDetails[0].quantity", "must not be negative, got %d", -1)

	err := f.Err()
	require.ErrorIs(t, err, ErrValidation)

	fe, ok := As(err)
	require.True(t, ok)
	require.Len(t, fe.Fields, 2)
	assert.Equal(t, "vatId", fe.Fields[0].Field)
	assert.Contains(t, err.Error(), "orderDetails[0].quantity: must not be negative, got -1")
}

func TestDeclined(t *testing.T) {
	err := Declined("insufficient_funds")

	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.Equal(t, "insufficient_funds", err.Reason)
	assert.Equal(t, "payment declined: insufficient_funds", err.Error())
}
