package models

import (
	"time"
)

// Booking is the canonical reservation that credentials are derived from.
type Booking struct {
	ID               string     `json:"id"`
	Source           string     `json:"source"`
	ExternalID       *string    `json:"external_id,omitempty"`
	ConfirmationCode *string    `json:"confirmation_code,omitempty"`
	GuestName        string     `json:"guest_name"`
	GuestEmail       *string    `json:"guest_email,omitempty"`
	GuestPhone       *string    `json:"guest_phone,omitempty"`
	GuestLanguage    string     `json:"guest_language"`
	PropertyID       string     `json:"property_id"`
	CheckinAt        time.Time  `json:"checkin_at"`
	CheckoutAt       time.Time  `json:"checkout_at"`
	NumGuests        int        `json:"num_guests"`
	Status           string     `json:"status"`
	Notes            *string    `json:"notes,omitempty"`
	PortalViews      int        `json:"portal_views"`
	PortalOpenedAt   *time.Time `json:"portal_opened_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Booking status constants
const (
	BookingConfirmed  = "confirmed"
	BookingCheckedIn  = "checked_in"
	BookingCheckedOut = "checked_out"
	BookingCancelled  = "cancelled"
)

// Booking sources
const (
	SourceManual = "manual"
)

// Guest languages
const (
	LangIT = "it"
	LangEN = "en"
)

var bookingRank = map[string]int{
	BookingConfirmed:  1,
	BookingCheckedIn:  2,
	BookingCheckedOut: 3,
}

// CanTransitionBooking reports whether a booking may move from one status to
// another. Statuses only move forward; cancellation is reachable from any
// non-terminal status and is itself terminal.
func CanTransitionBooking(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case BookingCancelled, BookingCheckedOut:
		return false
	}
	if to == BookingCancelled {
		return true
	}
	return bookingRank[to] > bookingRank[from]
}

// CredentialEligible reports whether the status should hold live codes.
func (b *Booking) CredentialEligible() bool {
	return b.Status == BookingConfirmed || b.Status == BookingCheckedIn
}

// IsCancelled returns true once the booking has been cancelled.
func (b *Booking) IsCancelled() bool {
	return b.Status == BookingCancelled
}

// HasContact returns true when the guest can be reached by phone or email.
func (b *Booking) HasContact() bool {
	return (b.GuestEmail != nil && *b.GuestEmail != "") || (b.GuestPhone != nil && *b.GuestPhone != "")
}
