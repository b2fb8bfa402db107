package handlers

import (
	"net/http"

	"github.com/guest-lock-manager/access-engine/internal/storage"
)

// ListActivity returns the audit log, newest first.
func ListActivity(repo *storage.ActivityRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		entries, err := repo.List(r.Context(), storage.ActivityFilter{
			BookingID: q.Get("booking_id"),
			EventType: q.Get("event_type"),
			Limit:     queryLimit(r, 100, 500),
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(entries))
	}
}
