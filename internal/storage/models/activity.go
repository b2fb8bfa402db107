package models

import (
	"encoding/json"
	"time"
)

// ActivityLogEntry is an immutable audit fact.
type ActivityLogEntry struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	BookingID *string         `json:"booking_id,omitempty"`
	LockID    *string         `json:"lock_id,omitempty"`
	CodeID    *string         `json:"code_id,omitempty"`
	Actor     string          `json:"actor"`
	Detail    string          `json:"detail"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Activity event types
const (
	EventBookingCreated    = "booking_created"
	EventBookingUpdated    = "booking_updated"
	EventBookingCancelled  = "booking_cancelled"
	EventBookingCheckedOut = "booking_checked_out"
	EventCodeCreated       = "code_created"
	EventCodeRevoked       = "code_revoked"
	EventCodeExpired       = "code_expired"
	EventCodeFailed        = "code_failed"
	EventDoorOpen          = "door_open"
	EventPortalOpened      = "portal_opened"
	EventNotificationSent  = "notification_sent"
	EventError             = "error"
)

// Actors
const (
	ActorSystem  = "system"
	ActorGuest   = "guest"
	ActorAdmin   = "admin"
	ActorWebhook = "webhook"
)
