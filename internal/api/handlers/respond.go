// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/guest-lock-manager/access-engine/internal/api/middleware"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. It writes the 400 itself and reports
// whether the handler should continue.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid request body")
		return false
	}
	return true
}

func pathID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

// queryLimit parses ?limit= within [1, max], falling back to def.
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// emptyIfNil keeps JSON list responses as [] rather than null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	middleware.WriteAppError(w, middleware.Logger(r.Context()), err)
}

func writeNotFound(w http.ResponseWriter, message string) {
	middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, message)
}
