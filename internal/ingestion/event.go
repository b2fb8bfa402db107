// Package ingestion turns upstream reservation events into canonical
// bookings and hands them to the lifecycle manager.
package ingestion

import (
	"strings"
	"time"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// Event is a reservation as reported by an upstream channel or entered by
// an administrator.
type Event struct {
	Source           string    `json:"source" validate:"required,max=64,source"`
	ExternalID       string    `json:"external_id" validate:"max=128"`
	ConfirmationCode string    `json:"confirmation_code" validate:"max=64"`
	GuestName        string    `json:"guest_name" validate:"required,max=200"`
	GuestEmail       string    `json:"guest_email" validate:"required_without=GuestPhone,omitempty,email,max=254"`
	GuestPhone       string    `json:"guest_phone" validate:"omitempty,phone"`
	GuestLanguage    string    `json:"guest_language" validate:"oneof=it en"`
	PropertyID       string    `json:"property_id" validate:"required"`
	CheckinAt        time.Time `json:"checkin_at" validate:"required"`
	CheckoutAt       time.Time `json:"checkout_at" validate:"required,gtfield=CheckinAt"`
	NumGuests        int       `json:"num_guests" validate:"min=1,max=10"`
	Status           string    `json:"status"`
	Notes            string    `json:"notes" validate:"max=2000"`
}

// Payload is the wire form accepted by the webhook and manual booking
// endpoints. Dates may be RFC 3339 timestamps or plain dates.
type Payload struct {
	ExternalID       string `json:"external_id"`
	ConfirmationCode string `json:"confirmation_code"`
	GuestName        string `json:"guest_name"`
	GuestEmail       string `json:"guest_email"`
	GuestPhone       string `json:"guest_phone"`
	GuestLanguage    string `json:"guest_language"`
	PropertyID       string `json:"property_id"`
	Checkin          string `json:"checkin"`
	Checkout         string `json:"checkout"`
	NumGuests        int    `json:"num_guests"`
	Status           string `json:"status"`
	Notes            string `json:"notes"`
}

// StatusMap maps upstream reservation statuses onto booking statuses.
// Anything not listed is treated as confirmed.
var StatusMap = map[string]string{
	"confirmed":   models.BookingConfirmed,
	"reserved":    models.BookingConfirmed,
	"tentative":   models.BookingConfirmed,
	"booked":      models.BookingConfirmed,
	"accepted":    models.BookingConfirmed,
	"checked_in":  models.BookingCheckedIn,
	"checked_out": models.BookingCheckedOut,
	"cancelled":   models.BookingCancelled,
	"canceled":    models.BookingCancelled,
	"declined":    models.BookingCancelled,
}

// MapStatus resolves an upstream status through StatusMap.
func MapStatus(upstream string) string {
	key := strings.ToLower(strings.TrimSpace(upstream))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if status, ok := StatusMap[key]; ok {
		return status
	}
	return models.BookingConfirmed
}

// Normalize trims every field, lowercases the source, maps the status and
// fills defaults. It does not validate.
func Normalize(e Event, defaultProperty string) Event {
	e.Source = strings.ToLower(strings.TrimSpace(e.Source))
	e.ExternalID = strings.TrimSpace(e.ExternalID)
	e.ConfirmationCode = strings.TrimSpace(e.ConfirmationCode)
	e.GuestName = strings.TrimSpace(e.GuestName)
	e.GuestEmail = strings.ToLower(strings.TrimSpace(e.GuestEmail))
	e.GuestPhone = normalizePhone(e.GuestPhone)
	e.GuestLanguage = strings.ToLower(strings.TrimSpace(e.GuestLanguage))
	e.PropertyID = strings.TrimSpace(e.PropertyID)
	e.Notes = strings.TrimSpace(e.Notes)

	if i := strings.IndexAny(e.GuestLanguage, "-_"); i > 0 {
		e.GuestLanguage = e.GuestLanguage[:i]
	}
	if e.GuestLanguage == "" {
		e.GuestLanguage = models.LangEN
	}
	if e.PropertyID == "" {
		e.PropertyID = defaultProperty
	}
	if e.NumGuests == 0 {
		e.NumGuests = 1
	}
	e.Status = MapStatus(e.Status)
	if !e.CheckinAt.IsZero() {
		e.CheckinAt = e.CheckinAt.UTC()
	}
	if !e.CheckoutAt.IsZero() {
		e.CheckoutAt = e.CheckoutAt.UTC()
	}
	return e
}

func normalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// EventFromPayload builds an Event for source. Plain dates take the
// property's local check-in and check-out times.
func EventFromPayload(cfg config.Config, source string, p Payload) (Event, error) {
	propertyID := strings.TrimSpace(p.PropertyID)
	if propertyID == "" {
		propertyID = cfg.DefaultPropertyID
	}
	prop, ok := cfg.Property(propertyID)
	if !ok {
		return Event{}, apperr.NewValidation("unknown property", "property_id")
	}
	checkinTime, checkoutTime := prop.StayTimes()

	checkin, err := ParseStayTime(p.Checkin, prop.Location(), checkinTime)
	if err != nil {
		return Event{}, apperr.NewValidation("invalid check-in date", "checkin")
	}
	checkout, err := ParseStayTime(p.Checkout, prop.Location(), checkoutTime)
	if err != nil {
		return Event{}, apperr.NewValidation("invalid check-out date", "checkout")
	}

	return Event{
		Source:           source,
		ExternalID:       p.ExternalID,
		ConfirmationCode: p.ConfirmationCode,
		GuestName:        p.GuestName,
		GuestEmail:       p.GuestEmail,
		GuestPhone:       p.GuestPhone,
		GuestLanguage:    p.GuestLanguage,
		PropertyID:       propertyID,
		CheckinAt:        checkin,
		CheckoutAt:       checkout,
		NumGuests:        p.NumGuests,
		Status:           p.Status,
		Notes:            p.Notes,
	}, nil
}

// ParseStayTime accepts an RFC 3339 timestamp, or a date to which the local
// clock time ("15:04") is applied in loc. The result is UTC.
func ParseStayTime(value string, loc *time.Location, clock string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", value+" "+clock, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
