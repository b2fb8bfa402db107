package handlers

import (
	"net/http"

	"github.com/guest-lock-manager/access-engine/internal/storage"
)

// ListLocks returns all configured locks with their last known health.
func ListLocks(locks *storage.LockRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := locks.List(r.Context())
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

// GetLock returns a single lock.
func GetLock(locks *storage.LockRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lock, err := locks.GetByID(r.Context(), pathID(r))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		if lock == nil {
			writeNotFound(w, "Lock not found")
			return
		}
		writeJSON(w, http.StatusOK, lock)
	}
}
