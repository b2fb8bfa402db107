package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/websocket"
)

// Pinger checks that an upstream is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	HAConnected bool   `json:"ha_connected"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check. ha may be nil
// when no Home Assistant instance is configured.
func HealthCheck(db *storage.DB, ha Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dbConnected := db.PingContext(ctx) == nil
		haConnected := ha != nil && ha.Ping(ctx) == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{
			Status:      status,
			HAConnected: haConnected,
			DBConnected: dbConnected,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	Bookings         map[string]int `json:"bookings"`
	Codes            map[string]int `json:"codes"`
	LocksCount       int            `json:"locks_count"`
	LocksOnline      int            `json:"locks_online"`
	WebsocketClients int            `json:"websocket_clients"`
}

// Status returns a handler that provides booking and code counts.
func Status(
	bookings *storage.BookingRepository,
	codes *storage.AccessCodeRepository,
	locks *storage.LockRepository,
	hub *websocket.Hub,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		bookingCounts, err := bookings.CountByStatus(ctx)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		codeCounts, err := codes.CountByStatus(ctx)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		active, err := locks.ListActive(ctx)
		if err != nil {
			writeFailure(w, r, err)
			return
		}

		resp := StatusResponse{
			Bookings:   bookingCounts,
			Codes:      codeCounts,
			LocksCount: len(active),
		}
		for _, l := range active {
			if l.Online {
				resp.LocksOnline++
			}
		}
		if hub != nil {
			resp.WebsocketClients = hub.ClientCount()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
