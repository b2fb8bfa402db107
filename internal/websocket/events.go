package websocket

import (
	"time"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// EventBroadcaster handles broadcasting WebSocket events. A nil broadcaster
// is valid and drops everything.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	if hub == nil {
		return nil
	}
	return &EventBroadcaster{hub: hub}
}

// BroadcastActivity sends an appended activity entry.
func (b *EventBroadcaster) BroadcastActivity(entry models.ActivityLogEntry) {
	b.broadcast(NewMessage(TypeActivityAppended, entry))
}

// BroadcastCodeStatusChanged sends a code status changed event.
func (b *EventBroadcaster) BroadcastCodeStatusChanged(code models.AccessCode, previousStatus string) {
	b.broadcast(NewMessage(TypeCodeStatusChanged, CodeStatusPayload{
		CodeID:         code.ID,
		BookingID:      code.BookingID,
		LockID:         code.LockID,
		PreviousStatus: previousStatus,
		NewStatus:      code.Status,
		Error:          code.LastError,
	}))
}

// BroadcastBookingStatusChanged sends a booking status changed event.
func (b *EventBroadcaster) BroadcastBookingStatusChanged(bookingID, previousStatus, newStatus string) {
	b.broadcast(NewMessage(TypeBookingStatusChanged, BookingStatusPayload{
		BookingID:      bookingID,
		PreviousStatus: previousStatus,
		NewStatus:      newStatus,
	}))
}

// BroadcastLockStatusChanged sends a lock status changed event.
func (b *EventBroadcaster) BroadcastLockStatusChanged(lockID, deviceID string, online bool, batteryLevel *int) {
	b.broadcast(NewMessage(TypeLockStatusChanged, LockStatusPayload{
		LockID:       lockID,
		DeviceID:     deviceID,
		Online:       online,
		BatteryLevel: batteryLevel,
		LastSeenAt:   time.Now().UTC(),
	}))
}

// broadcast sends a message to all connected clients.
func (b *EventBroadcaster) broadcast(msg Message) {
	if b == nil {
		return
	}
	data, err := msg.JSON()
	if err != nil {
		b.hub.logger.WithError(err).Error("Error encoding WebSocket message")
		return
	}

	b.hub.Broadcast(data)
}
