package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

const bookingColumns = `
	id, source, external_id, confirmation_code, guest_name, guest_email, guest_phone,
	guest_language, property_id, checkin_at, checkout_at, num_guests, status, notes,
	portal_views, portal_opened_at, cancelled_at, created_at, updated_at`

// BookingRepository provides data access for bookings.
type BookingRepository struct {
	BaseRepository
}

// NewBookingRepository creates a new booking repository.
func NewBookingRepository(db *DB) *BookingRepository {
	return &BookingRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Create inserts a new booking. A second booking with the same
// (source, external_id) returns ErrDuplicate.
func (r *BookingRepository) Create(ctx context.Context, b *models.Booking) error {
	if b.ID == "" {
		b.ID = GenerateID()
	}
	b.CreatedAt = r.Now()
	b.UpdatedAt = b.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.Source, nullableString(b.ExternalID), nullableString(b.ConfirmationCode),
		b.GuestName, nullableString(b.GuestEmail), nullableString(b.GuestPhone),
		b.GuestLanguage, b.PropertyID, utc(b.CheckinAt), utc(b.CheckoutAt), b.NumGuests,
		b.Status, nullableString(b.Notes), b.PortalViews, b.PortalOpenedAt, b.CancelledAt,
		b.CreatedAt, b.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting booking %s/%s: %w", b.Source, deref(b.ExternalID), ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting booking: %w", err)
	}

	return nil
}

// GetByID retrieves a booking by its ID.
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying booking: %w", err)
	}
	return b, nil
}

// GetByExternal retrieves a booking by its upstream idempotency key.
func (r *BookingRepository) GetByExternal(ctx context.Context, source, externalID string) (*models.Booking, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE source = ? AND external_id = ?
	`, source, externalID)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying booking by external id: %w", err)
	}
	return b, nil
}

// BookingFilter narrows List results.
type BookingFilter struct {
	Status     string
	PropertyID string
	Limit      int
}

// List retrieves bookings ordered by check-in, newest first.
func (r *BookingRepository) List(ctx context.Context, f BookingFilter) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.PropertyID != "" {
		query += " AND property_id = ?"
		args = append(args, f.PropertyID)
	}
	query += " ORDER BY checkin_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bookings: %w", err)
	}
	defer rows.Close()

	return scanBookings(rows)
}

// FindOverlapping returns confirmed or checked-in bookings at the property
// whose stay overlaps [checkin, checkout).
func (r *BookingRepository) FindOverlapping(ctx context.Context, propertyID string, checkin, checkout time.Time, excludeID string) ([]models.Booking, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE property_id = ?
		  AND id != ?
		  AND status IN ('confirmed', 'checked_in')
		  AND checkin_at < ?
		  AND checkout_at > ?
		ORDER BY checkin_at
	`, propertyID, excludeID, utc(checkout), utc(checkin))
	if err != nil {
		return nil, fmt.Errorf("querying overlapping bookings: %w", err)
	}
	defer rows.Close()

	return scanBookings(rows)
}

// ListCheckoutBefore returns bookings still in a pre-checkout status whose
// checkout is before the cutoff.
func (r *BookingRepository) ListCheckoutBefore(ctx context.Context, cutoff time.Time) ([]models.Booking, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status IN ('confirmed', 'checked_in') AND checkout_at <= ?
		ORDER BY checkout_at
	`, utc(cutoff))
	if err != nil {
		return nil, fmt.Errorf("querying bookings past checkout: %w", err)
	}
	defer rows.Close()

	return scanBookings(rows)
}

// Update writes guest details, dates and status of an existing booking
// that is still in status from. Cancelled bookings are never rewritten.
func (r *BookingRepository) Update(ctx context.Context, b *models.Booking, from string) error {
	b.UpdatedAt = r.Now()

	result, err := r.DB().ExecContext(ctx, `
		UPDATE bookings SET
			confirmation_code = ?, guest_name = ?, guest_email = ?, guest_phone = ?,
			guest_language = ?, property_id = ?, checkin_at = ?, checkout_at = ?,
			num_guests = ?, status = ?, notes = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND status != 'cancelled'
	`,
		nullableString(b.ConfirmationCode), b.GuestName, nullableString(b.GuestEmail),
		nullableString(b.GuestPhone), b.GuestLanguage, b.PropertyID, utc(b.CheckinAt),
		utc(b.CheckoutAt), b.NumGuests, b.Status, nullableString(b.Notes), b.CancelledAt,
		b.UpdatedAt, b.ID, from,
	)
	if err != nil {
		return fmt.Errorf("updating booking: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("booking %s not updatable: %w", b.ID, ErrInvalidTransition)
	}

	return nil
}

// UpdateStatus moves a booking to status if it is currently in one of from.
func (r *BookingRepository) UpdateStatus(ctx context.Context, id, status string, from ...string) error {
	now := r.Now()
	query := `UPDATE bookings SET status = ?, updated_at = ?`
	args := []any{status, now}
	if status == models.BookingCancelled {
		query += `, cancelled_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if len(from) > 0 {
		query += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, s := range from {
			args = append(args, s)
		}
	}

	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating booking status: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("booking %s to %s: %w", id, status, ErrInvalidTransition)
	}

	return nil
}

// RecordPortalView increments the portal view counter and stamps the first
// opening.
func (r *BookingRepository) RecordPortalView(ctx context.Context, id string) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE bookings SET
			portal_views = portal_views + 1,
			portal_opened_at = COALESCE(portal_opened_at, ?)
		WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("recording portal view: %w", err)
	}
	return nil
}

// CountByStatus returns booking counts keyed by status.
func (r *BookingRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT status, COUNT(*) FROM bookings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting bookings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning booking count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(
		&b.ID, &b.Source, &b.ExternalID, &b.ConfirmationCode, &b.GuestName, &b.GuestEmail,
		&b.GuestPhone, &b.GuestLanguage, &b.PropertyID, &b.CheckinAt, &b.CheckoutAt,
		&b.NumGuests, &b.Status, &b.Notes, &b.PortalViews, &b.PortalOpenedAt,
		&b.CancelledAt, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBookings(rows *sql.Rows) ([]models.Booking, error) {
	var bookings []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
