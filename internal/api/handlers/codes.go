package handlers

import (
	"context"
	"net/http"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/sweeper"
)

var codeStatuses = map[string]bool{
	models.CodePending: true,
	models.CodeActive:  true,
	models.CodeRevoked: true,
	models.CodeExpired: true,
	models.CodeFailed:  true,
}

// ListCodes returns codes in one status, active by default.
func ListCodes(codes *storage.AccessCodeRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if status == "" {
			status = models.CodeActive
		}
		if !codeStatuses[status] {
			writeFailure(w, r, apperr.NewValidation("unknown code status", "status"))
			return
		}

		list, err := codes.ListByStatus(r.Context(), status, queryLimit(r, 200, 1000))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

// RevokeCode revokes a single code on admin request.
func RevokeCode(manager *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := manager.RevokeCode(r.Context(), pathID(r), models.ActorAdmin)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, code)
	}
}

// RetryCode retries a failed code on admin request. A retry that fails
// again still answers 200 with the failed row.
func RetryCode(manager *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code, err := manager.RetryCode(r.Context(), pathID(r))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, code)
	}
}

// SweepRunner runs one reconciliation pass.
type SweepRunner interface {
	Sweep(ctx context.Context) (*sweeper.Report, error)
}

// RunSweep triggers a sweep and returns what it did.
func RunSweep(s SweepRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Sweep(r.Context())
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
