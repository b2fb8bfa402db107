// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
)

// ErrorResponse represents a standardized API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	WriteErrorWithDetails(w, status, errCode, message, nil)
}

// WriteErrorWithDetails writes a JSON error response with additional details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, errCode, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
		Details: details,
	})
}

// WriteAppError maps a domain error to its HTTP status and writes it.
// Unclassified errors are logged and reported as 500 without their text.
func WriteAppError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	var (
		validation *apperr.ValidationError
		conflict   *apperr.ConflictError
		token      *apperr.TokenError
		provider   *apperr.ProviderError
	)
	switch {
	case errors.As(err, &validation):
		WriteErrorWithDetails(w, http.StatusBadRequest, ErrValidation, validation.Message, fieldDetails(validation.Fields))
	case errors.As(err, &conflict):
		WriteError(w, http.StatusConflict, ErrConflict, conflict.Message)
	case errors.As(err, &token):
		if token.Reason == apperr.ReasonBookingCancelled {
			WriteError(w, http.StatusForbidden, ErrBookingCancelled, "This booking has been cancelled")
			return
		}
		WriteError(w, http.StatusUnauthorized, ErrInvalidToken, "Invalid or expired link")
	case errors.As(err, &provider):
		logger.WithError(err).Warn("Provider error")
		WriteError(w, http.StatusBadGateway, ErrProvider, provider.Error())
	case errors.Is(err, apperr.ErrNotFound):
		WriteError(w, http.StatusNotFound, ErrNotFound, err.Error())
	default:
		logger.WithError(err).Error("Request failed")
		WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
	}
}

func fieldDetails(fields map[string]string) any {
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// ErrorRecovery returns middleware that recovers from panics and returns a 500 error.
func ErrorRecovery(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(logrus.Fields{
						"panic": err,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					}).Error("Panic recovered")
					WriteError(w, http.StatusInternalServerError, ErrInternalError, "An unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Common error codes
const (
	ErrNotFound         = "not_found"
	ErrBadRequest       = "bad_request"
	ErrConflict         = "conflict"
	ErrInternalError    = "internal_error"
	ErrValidation       = "validation_error"
	ErrUnauthorized     = "unauthorized"
	ErrInvalidToken     = "invalid_token"
	ErrBookingCancelled = "booking_cancelled"
	ErrProvider         = "provider_error"
)
