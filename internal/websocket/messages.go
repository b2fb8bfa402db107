package websocket

import (
	"encoding/json"
	"time"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypeActivityAppended     MessageType = "activity.appended"
	TypeCodeStatusChanged    MessageType = "code.status_changed"
	TypeBookingStatusChanged MessageType = "booking.status_changed"
	TypeLockStatusChanged    MessageType = "lock.status_changed"

	// Client -> Server
	TypePing MessageType = "ping"

	// Server -> Client responses
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// ActivityPayload is the payload for activity.appended events.
type ActivityPayload = models.ActivityLogEntry

// CodeStatusPayload is the payload for code.status_changed events.
type CodeStatusPayload struct {
	CodeID         string  `json:"code_id"`
	BookingID      string  `json:"booking_id"`
	LockID         string  `json:"lock_id"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	Error          *string `json:"error,omitempty"`
}

// BookingStatusPayload is the payload for booking.status_changed events.
type BookingStatusPayload struct {
	BookingID      string `json:"booking_id"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status"`
}

// LockStatusPayload is the payload for lock.status_changed events.
type LockStatusPayload struct {
	LockID       string    `json:"lock_id"`
	DeviceID     string    `json:"device_id"`
	Online       bool      `json:"online"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	OriginalType string `json:"original_type,omitempty"`
}
