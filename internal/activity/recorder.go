// Package activity appends audit entries to the log and streams them to
// dashboard clients.
package activity

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/websocket"
)

// Entry describes one activity fact before it is persisted.
type Entry struct {
	EventType string
	BookingID string
	LockID    string
	CodeID    string
	Actor     string
	Detail    string
	Metadata  map[string]any
}

// Recorder writes activity entries. A failed append is logged and swallowed:
// the audit trail never blocks a state change that already happened.
type Recorder struct {
	repo        *storage.ActivityRepository
	broadcaster *websocket.EventBroadcaster
	logger      logrus.FieldLogger
}

// NewRecorder creates a recorder. hub may be nil.
func NewRecorder(repo *storage.ActivityRepository, hub *websocket.Hub, logger logrus.FieldLogger) *Recorder {
	return &Recorder{
		repo:        repo,
		broadcaster: websocket.NewEventBroadcaster(hub),
		logger:      logger.WithField("component", "activity"),
	}
}

// Record appends e and broadcasts it.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	entry := models.ActivityLogEntry{
		EventType: e.EventType,
		BookingID: optional(e.BookingID),
		LockID:    optional(e.LockID),
		CodeID:    optional(e.CodeID),
		Actor:     e.Actor,
		Detail:    e.Detail,
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			r.logger.WithError(err).WithField("event", e.EventType).Warn("Dropping unencodable activity metadata")
		} else {
			entry.Metadata = raw
		}
	}

	if err := r.repo.Append(context.WithoutCancel(ctx), &entry); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"event":      e.EventType,
			"booking_id": e.BookingID,
		}).Error("Failed to append activity")
		return
	}

	r.broadcaster.BroadcastActivity(entry)
}

// Broadcaster exposes the websocket broadcaster for status events that are
// not activity entries.
func (r *Recorder) Broadcaster() *websocket.EventBroadcaster {
	return r.broadcaster
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
