// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	apihandlers "github.com/guest-lock-manager/access-engine/internal/api/handlers"
	"github.com/guest-lock-manager/access-engine/internal/api/middleware"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/guesttoken"
	"github.com/guest-lock-manager/access-engine/internal/ingestion"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/notify"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/websocket"
)

// Services are the components the API routes to.
type Services struct {
	DB            *storage.DB
	Hub           *websocket.Hub
	Bookings      *storage.BookingRepository
	Codes         *storage.AccessCodeRepository
	Locks         *storage.LockRepository
	Activity      *storage.ActivityRepository
	Notifications *storage.NotificationRepository
	Recorder      *activity.Recorder
	Manager       *lifecycle.Manager
	Ingestion     *ingestion.Service
	Notifier      *notify.Service
	Tokens        *guesttoken.Service
	Sweeper       apihandlers.SweepRunner
	// Optional.
	Intercom      apihandlers.Intercom
	HomeAssistant apihandlers.Pinger
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services, cfg config.Config, logger logrus.FieldLogger) http.Handler {
	r := mux.NewRouter()

	log := logger.WithField("component", "http")
	r.Use(middleware.Logging(log))
	r.Use(middleware.ErrorRecovery(log))

	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", apihandlers.HealthCheck(s.DB, s.HomeAssistant)).Methods("GET")
	api.HandleFunc("/status", apihandlers.Status(s.Bookings, s.Codes, s.Locks, s.Hub)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", apihandlers.WebSocketUpgrade(s.Hub, cfg.Server.CORSOrigins, logger)).Methods("GET")

	// Ingestion
	api.HandleFunc("/webhooks/{source}", apihandlers.IngestWebhook(s.Ingestion, cfg)).Methods("POST")

	// Booking endpoints
	api.HandleFunc("/bookings", apihandlers.ListBookings(s.Bookings)).Methods("GET")
	api.HandleFunc("/bookings", apihandlers.CreateBooking(s.Ingestion, cfg)).Methods("POST")
	api.HandleFunc("/bookings/{id}", apihandlers.GetBooking(s.Bookings, s.Codes, s.Notifications)).Methods("GET")
	api.HandleFunc("/bookings/{id}/cancel", apihandlers.CancelBooking(s.Ingestion)).Methods("POST")
	api.HandleFunc("/bookings/{id}/resend", apihandlers.ResendWelcome(s.Notifier)).Methods("POST")
	api.HandleFunc("/bookings/{id}/credentials", apihandlers.GetCredentials(s.Manager)).Methods("GET")
	api.HandleFunc("/bookings/{id}/converge", apihandlers.ConvergeBooking(s.Manager)).Methods("POST")
	api.HandleFunc("/bookings/{id}/portal-token", apihandlers.IssuePortalToken(s.Bookings, s.Tokens, cfg)).Methods("POST")

	// Code endpoints
	api.HandleFunc("/codes", apihandlers.ListCodes(s.Codes)).Methods("GET")
	api.HandleFunc("/codes/{id}/revoke", apihandlers.RevokeCode(s.Manager)).Methods("POST")
	api.HandleFunc("/codes/{id}/retry", apihandlers.RetryCode(s.Manager)).Methods("POST")

	// Audit, locks and settings
	api.HandleFunc("/activity", apihandlers.ListActivity(s.Activity)).Methods("GET")
	api.HandleFunc("/locks", apihandlers.ListLocks(s.Locks)).Methods("GET")
	api.HandleFunc("/locks/{id}", apihandlers.GetLock(s.Locks)).Methods("GET")
	api.HandleFunc("/settings", apihandlers.GetSettings(cfg)).Methods("GET")
	api.HandleFunc("/sweeper/run", apihandlers.RunSweep(s.Sweeper)).Methods("POST")

	// Guest portal
	api.HandleFunc("/guest/{token}", apihandlers.GuestPortal(s.Tokens, s.Manager, s.Bookings, s.Recorder, cfg, s.Intercom)).Methods("GET")
	api.HandleFunc("/guest/{token}/open", apihandlers.GuestOpenDoor(s.Tokens, s.Manager, s.Recorder, s.Intercom)).Methods("POST")

	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Unknown endpoint")
	})

	// Serve static frontend files
	if dir := cfg.Server.StaticDir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			r.PathPrefix("/").Handler(http.FileServer(http.Dir(dir)))
		}
	}

	return cors(cfg.Server.CORSOrigins)(r)
}

func cors(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Webhook-Secret"}),
	)
}
