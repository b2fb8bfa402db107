package models

import (
	"time"
)

// Notification records one outbound guest message attempt.
type Notification struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ChannelEmail       = "email"
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)
