// Package apperr defines the error taxonomy shared by ingestion, the lifecycle
// manager, provider adapters and the guest portal.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidToken     = errors.New("invalid_token")
	ErrBookingCancelled = errors.New("booking_cancelled")
)

// ValidationError reports input rejected before any state change.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation error: " + e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("validation error: %s (%s)", e.Message, strings.Join(parts, ", "))
}

// NewValidation builds a ValidationError, optionally for a single field.
func NewValidation(message string, field ...string) *ValidationError {
	e := &ValidationError{Message: message}
	if len(field) > 0 {
		e.Fields = map[string]string{field[0]: message}
	}
	return e
}

// ConflictError reports a double booking or a state collision.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Message
}

// NewConflict builds a ConflictError.
func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a device API failure.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Token rejection reasons.
const (
	ReasonInvalidToken     = "invalid_token"
	ReasonBookingCancelled = "booking_cancelled"
)

// TokenError is returned by guest token verification. It fails closed.
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *TokenError) Unwrap() error {
	if e.Reason == ReasonBookingCancelled {
		return ErrBookingCancelled
	}
	return ErrInvalidToken
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsProvider(err error) bool {
	var p *ProviderError
	return errors.As(err, &p)
}

// TokenReason returns the rejection reason, or "" when err is not a TokenError.
func TokenReason(err error) string {
	var t *TokenError
	if errors.As(err, &t) {
		return t.Reason
	}
	return ""
}

func IsToken(err error) bool {
	return TokenReason(err) != ""
}
