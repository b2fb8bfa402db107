package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/guest-lock-manager/access-engine/internal/api/middleware"
	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/guesttoken"
	"github.com/guest-lock-manager/access-engine/internal/ingestion"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/notify"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// IngestWebhook accepts a booking event from an upstream channel. When
// secret is set the request must carry it in X-Webhook-Secret.
func IngestWebhook(svc *ingestion.Service, cfg config.Config) http.HandlerFunc {
	secret := []byte(cfg.Server.WebhookSecret)

	return func(w http.ResponseWriter, r *http.Request) {
		if len(secret) > 0 && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Webhook-Secret")), secret) != 1 {
			middleware.WriteError(w, http.StatusUnauthorized, middleware.ErrUnauthorized, "Invalid webhook secret")
			return
		}

		source := mux.Vars(r)["source"]
		if source == models.SourceManual {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Source is reserved for manual bookings")
			return
		}
		ingest(w, r, svc, cfg, source)
	}
}

// CreateBooking ingests a manually entered booking.
func CreateBooking(svc *ingestion.Service, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ingest(w, r, svc, cfg, models.SourceManual)
	}
}

func ingest(w http.ResponseWriter, r *http.Request, svc *ingestion.Service, cfg config.Config, source string) {
	var p ingestion.Payload
	if !decode(w, r, &p) {
		return
	}

	e, err := ingestion.EventFromPayload(cfg, source, p)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	result, err := svc.Ingest(r.Context(), e)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// ListBookings returns bookings, optionally filtered by status and property.
func ListBookings(bookings *storage.BookingRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := bookings.List(r.Context(), storage.BookingFilter{
			Status:     q.Get("status"),
			PropertyID: q.Get("property_id"),
			Limit:      queryLimit(r, 100, 1000),
		})
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(list))
	}
}

// BookingDetail is a booking with its code ledger and message history.
type BookingDetail struct {
	*models.Booking
	Codes         []models.AccessCode   `json:"codes"`
	Notifications []models.Notification `json:"notifications"`
}

// GetBooking returns a booking with its codes and notifications.
func GetBooking(
	bookings *storage.BookingRepository,
	codes *storage.AccessCodeRepository,
	notifications *storage.NotificationRepository,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		b, err := bookings.GetByID(ctx, pathID(r))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		if b == nil {
			writeNotFound(w, "Booking not found")
			return
		}

		ledger, err := codes.ListByBooking(ctx, b.ID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		sent, err := notifications.ListByBooking(ctx, b.ID)
		if err != nil {
			writeFailure(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, BookingDetail{
			Booking:       b,
			Codes:         emptyIfNil(ledger),
			Notifications: emptyIfNil(sent),
		})
	}
}

// CancelBooking cancels a booking on admin request.
func CancelBooking(svc *ingestion.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.Cancel(r.Context(), pathID(r), models.ActorAdmin)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// ResendWelcome sends the welcome message again.
func ResendWelcome(notifier *notify.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := notifier.Resend(r.Context(), pathID(r)); err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": models.NotificationSent})
	}
}

// GetCredentials returns the current code of each lock for a booking.
func GetCredentials(manager *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lang := r.URL.Query().Get("lang")
		if lang != models.LangIT {
			lang = models.LangEN
		}
		views, err := manager.Credentials(r.Context(), pathID(r), lang)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, emptyIfNil(views))
	}
}

// ConvergeBooking re-runs convergence for a booking.
func ConvergeBooking(manager *lifecycle.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, err := manager.Converge(r.Context(), pathID(r))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

// IssuePortalToken signs a fresh guest portal link.
func IssuePortalToken(bookings *storage.BookingRepository, tokens *guesttoken.Service, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := bookings.GetByID(r.Context(), pathID(r))
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		if b == nil {
			writeNotFound(w, "Booking not found")
			return
		}
		if b.IsCancelled() {
			writeFailure(w, r, apperr.NewConflict("Booking is cancelled"))
			return
		}

		prop, _ := cfg.Property(b.PropertyID)
		_, late := prop.Buffers()
		issued, err := tokens.Issue(b, late)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, issued)
	}
}
