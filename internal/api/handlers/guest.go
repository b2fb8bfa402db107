package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/guesttoken"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// Intercom opens the building door on demand.
type Intercom interface {
	OpenNow(ctx context.Context) error
}

// GuestStay is the part of a booking a guest may see.
type GuestStay struct {
	GuestName     string    `json:"guest_name"`
	GuestLanguage string    `json:"guest_language"`
	CheckinAt     time.Time `json:"checkin_at"`
	CheckoutAt    time.Time `json:"checkout_at"`
	NumGuests     int       `json:"num_guests"`
	Status        string    `json:"status"`
}

// GuestProperty describes where the guest is staying.
type GuestProperty struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

// GuestCode is one credential as shown on the portal.
type GuestCode struct {
	LockName   string    `json:"lock_name"`
	Provider   string    `json:"provider"`
	Code       string    `json:"code,omitempty"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Status     string    `json:"status"`
}

// GuestPortalResponse is the guest portal payload.
type GuestPortalResponse struct {
	Booking     GuestStay     `json:"booking"`
	Property    GuestProperty `json:"property"`
	AccessCodes []GuestCode   `json:"access_codes"`
	CanOpenDoor bool          `json:"can_open_door"`
}

// GuestPortal verifies a portal token and returns the stay and its codes.
// Every successful view is counted and logged.
func GuestPortal(
	tokens *guesttoken.Service,
	manager *lifecycle.Manager,
	bookings *storage.BookingRepository,
	recorder *activity.Recorder,
	cfg config.Config,
	intercom Intercom,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		_, b, err := tokens.Verify(ctx, mux.Vars(r)["token"])
		if err != nil {
			writeFailure(w, r, err)
			return
		}

		views, err := manager.Credentials(ctx, b.ID, b.GuestLanguage)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		if err := bookings.RecordPortalView(ctx, b.ID); err != nil {
			writeFailure(w, r, err)
			return
		}
		recorder.Record(ctx, activity.Entry{
			EventType: models.EventPortalOpened,
			BookingID: b.ID,
			Actor:     models.ActorGuest,
			Detail:    fmt.Sprintf("Guest portal opened by %s", b.GuestName),
		})

		prop, _ := cfg.Property(b.PropertyID)
		resp := GuestPortalResponse{
			Booking: GuestStay{
				GuestName:     b.GuestName,
				GuestLanguage: b.GuestLanguage,
				CheckinAt:     b.CheckinAt,
				CheckoutAt:    b.CheckoutAt,
				NumGuests:     b.NumGuests,
				Status:        b.Status,
			},
			Property: GuestProperty{
				ID:       prop.ID,
				Name:     prop.Name,
				Timezone: prop.Location().String(),
			},
			AccessCodes: []GuestCode{},
			CanOpenDoor: intercom != nil && manager.InWindow(b),
		}
		for _, v := range views {
			if v.Status != models.CodeActive && v.Status != models.CodePending {
				continue
			}
			c := GuestCode{
				LockName:   v.LockName,
				Provider:   v.Provider,
				ValidFrom:  v.ValidFrom,
				ValidUntil: v.ValidUntil,
				Status:     v.Status,
			}
			if v.Status == models.CodeActive {
				c.Code = v.Code
			}
			resp.AccessCodes = append(resp.AccessCodes, c)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// GuestOpenDoor triggers the intercom for a guest during their stay.
func GuestOpenDoor(
	tokens *guesttoken.Service,
	manager *lifecycle.Manager,
	recorder *activity.Recorder,
	intercom Intercom,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		_, b, err := tokens.Verify(ctx, mux.Vars(r)["token"])
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		if intercom == nil {
			writeFailure(w, r, apperr.NewConflict("No intercom is configured"))
			return
		}
		if !b.CredentialEligible() || !manager.InWindow(b) {
			writeFailure(w, r, apperr.NewConflict("The door can only be opened during your stay"))
			return
		}

		if err := intercom.OpenNow(ctx); err != nil {
			recorder.Record(ctx, activity.Entry{
				EventType: models.EventError,
				BookingID: b.ID,
				Actor:     models.ActorGuest,
				Detail:    fmt.Sprintf("Intercom did not open: %v", err),
			})
			writeFailure(w, r, &apperr.ProviderError{Provider: string(models.ProviderRing), Op: "open", Err: err})
			return
		}

		recorder.Record(ctx, activity.Entry{
			EventType: models.EventDoorOpen,
			BookingID: b.ID,
			Actor:     models.ActorGuest,
			Detail:    fmt.Sprintf("Intercom opened by %s", b.GuestName),
		})
		writeJSON(w, http.StatusOK, map[string]string{"status": "opened"})
	}
}
