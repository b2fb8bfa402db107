package storage

import (
	"context"
	"fmt"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// NotificationRepository records outbound guest messages.
type NotificationRepository struct {
	BaseRepository
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a notification record.
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	n.ID = GenerateID()
	n.CreatedAt = r.Now()

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO notifications (id, booking_id, channel, recipient, subject, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.BookingID, n.Channel, n.Recipient, n.Subject, n.Status, nullableString(n.Error), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// ListByBooking returns notifications for a booking, newest first.
func (r *NotificationRepository) ListByBooking(ctx context.Context, bookingID string) ([]models.Notification, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT id, booking_id, channel, recipient, subject, status, error, created_at
		FROM notifications WHERE booking_id = ?
		ORDER BY created_at DESC
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.BookingID, &n.Channel, &n.Recipient, &n.Subject,
			&n.Status, &n.Error, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
