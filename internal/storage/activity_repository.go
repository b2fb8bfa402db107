package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// ActivityRepository appends and reads the audit log. There is no update or
// delete path; triggers in the schema reject both.
type ActivityRepository struct {
	BaseRepository
}

// NewActivityRepository creates a new activity repository.
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Append inserts an entry and fills in its ID and timestamp.
func (r *ActivityRepository) Append(ctx context.Context, e *models.ActivityLogEntry) error {
	e.CreatedAt = r.Now()
	if e.Actor == "" {
		e.Actor = models.ActorSystem
	}

	var metadata any
	if len(e.Metadata) > 0 {
		metadata = string(e.Metadata)
	}

	result, err := r.DB().ExecContext(ctx, `
		INSERT INTO activity_log (event_type, booking_id, lock_id, code_id, actor, detail, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EventType, nullableString(e.BookingID), nullableString(e.LockID), nullableString(e.CodeID),
		e.Actor, e.Detail, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending activity: %w", err)
	}

	e.ID, _ = result.LastInsertId()
	return nil
}

// ActivityFilter narrows List results.
type ActivityFilter struct {
	BookingID string
	EventType string
	Limit     int
}

// List returns entries newest first.
func (r *ActivityRepository) List(ctx context.Context, f ActivityFilter) ([]models.ActivityLogEntry, error) {
	query := `
		SELECT id, event_type, booking_id, lock_id, code_id, actor, detail, metadata, created_at
		FROM activity_log WHERE 1=1`
	var args []any

	if f.BookingID != "" {
		query += " AND booking_id = ?"
		args = append(args, f.BookingID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity: %w", err)
	}
	defer rows.Close()

	var entries []models.ActivityLogEntry
	for rows.Next() {
		var e models.ActivityLogEntry
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &e.BookingID, &e.LockID, &e.CodeID,
			&e.Actor, &e.Detail, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning activity: %w", err)
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
