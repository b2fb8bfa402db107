package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Message: "invalid booking", Fields: map[string]string{"checkout": "after checkin", "email": "required"}}
	assert.Equal(t, "validation error: invalid booking (checkout: after checkin, email: required)", err.Error())
	assert.True(t, IsValidation(fmt.Errorf("ingest: %w", err)))
	assert.False(t, IsConflict(err))
}

func TestProviderError_Unwraps(t *testing.T) {
	cause := errors.New("timeout")
	err := &ProviderError{Provider: "tuya", Op: "create", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsProvider(err))
	assert.Equal(t, "tuya create: timeout", err.Error())
}

func TestTokenError_Reasons(t *testing.T) {
	cancelled := &TokenError{Reason: ReasonBookingCancelled}
	assert.ErrorIs(t, cancelled, ErrBookingCancelled)
	assert.Equal(t, ReasonBookingCancelled, TokenReason(cancelled))

	invalid := &TokenError{Reason: ReasonInvalidToken, Err: errors.New("bad signature")}
	assert.ErrorIs(t, invalid, ErrInvalidToken)
	assert.Equal(t, "", TokenReason(errors.New("other")))
}
