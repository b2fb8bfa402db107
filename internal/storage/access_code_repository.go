package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

const accessCodeColumns = `
	id, booking_id, lock_id, code, valid_from, valid_until, status, provider_ref,
	operation, attempts, revoke_attempts, last_error, escalated_at, activated_at,
	revoked_at, created_at, updated_at`

// AccessCodeRepository is the credential ledger: the durable record of which
// code is live on which device.
type AccessCodeRepository struct {
	BaseRepository
}

// NewAccessCodeRepository creates a new access code repository.
func NewAccessCodeRepository(db *DB) *AccessCodeRepository {
	return &AccessCodeRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// InsertPending records the first phase of a two-phase create. The partial
// unique index on (booking_id, lock_id) rejects a second live row with
// ErrDuplicate.
func (r *AccessCodeRepository) InsertPending(ctx context.Context, c *models.AccessCode) error {
	c.ID = GenerateID()
	c.Status = models.CodePending
	c.Operation = models.OpCreate
	c.CreatedAt = r.Now()
	c.UpdatedAt = c.CreatedAt

	_, err := r.DB().ExecContext(ctx, `
		INSERT INTO access_codes (
			id, booking_id, lock_id, code, valid_from, valid_until, status, operation,
			attempts, revoke_attempts, created_at, updated_at
		) VALUES (?, ?, ?, '', ?, ?, ?, ?, 0, 0, ?, ?)
	`,
		c.ID, c.BookingID, c.LockID, utc(c.ValidFrom), utc(c.ValidUntil),
		c.Status, c.Operation, c.CreatedAt, c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("live code exists for booking %s lock %s: %w", c.BookingID, c.LockID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting access code: %w", err)
	}

	return nil
}

// GetByID retrieves an access code by its ID.
func (r *AccessCodeRepository) GetByID(ctx context.Context, id string) (*models.AccessCode, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+accessCodeColumns+` FROM access_codes WHERE id = ?`, id)
	c, err := scanAccessCode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying access code: %w", err)
	}
	return c, nil
}

// ListByBooking retrieves every code ever issued for a booking.
func (r *AccessCodeRepository) ListByBooking(ctx context.Context, bookingID string) ([]models.AccessCode, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accessCodeColumns+` FROM access_codes
		WHERE booking_id = ?
		ORDER BY created_at, id
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("querying booking codes: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// ListByStatus retrieves codes in a status, most recently updated first.
func (r *AccessCodeRepository) ListByStatus(ctx context.Context, status string, limit int) ([]models.AccessCode, error) {
	query := `SELECT ` + accessCodeColumns + ` FROM access_codes`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying codes by status: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// ListExpired retrieves active codes whose window ended at or before now.
func (r *AccessCodeRepository) ListExpired(ctx context.Context, now time.Time) ([]models.AccessCode, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accessCodeColumns+` FROM access_codes
		WHERE status = 'active' AND valid_until <= ?
		ORDER BY valid_until
	`, utc(now))
	if err != nil {
		return nil, fmt.Errorf("querying expired codes: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// ListDueForActivation retrieves pending codes that were never attempted and
// whose window is open at now.
func (r *AccessCodeRepository) ListDueForActivation(ctx context.Context, now time.Time) ([]models.AccessCode, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accessCodeColumns+` FROM access_codes
		WHERE status = 'pending' AND attempts = 0 AND valid_from <= ? AND valid_until > ?
		ORDER BY valid_from
	`, utc(now), utc(now))
	if err != nil {
		return nil, fmt.Errorf("querying codes due for activation: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// ListFailedSince retrieves failed codes created at or after since.
func (r *AccessCodeRepository) ListFailedSince(ctx context.Context, since time.Time) ([]models.AccessCode, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accessCodeColumns+` FROM access_codes
		WHERE status = 'failed' AND created_at >= ?
		ORDER BY created_at
	`, utc(since))
	if err != nil {
		return nil, fmt.Errorf("querying failed codes: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// ListStaleFailed retrieves failed codes older than before that nobody has
// been alerted about yet. Failed revocations are always included: a code
// left on a device is retried until it comes off.
func (r *AccessCodeRepository) ListStaleFailed(ctx context.Context, before time.Time) ([]models.AccessCode, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accessCodeColumns+` FROM access_codes
		WHERE status = 'failed' AND created_at < ? AND (escalated_at IS NULL OR operation = 'revoke')
		ORDER BY created_at
	`, utc(before))
	if err != nil {
		return nil, fmt.Errorf("querying stale failed codes: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// ListLiveOnLock retrieves pending and active codes on a lock across all
// bookings. Providers use it to avoid PIN and slot collisions.
func (r *AccessCodeRepository) ListLiveOnLock(ctx context.Context, lockID string) ([]models.AccessCode, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+accessCodeColumns+` FROM access_codes
		WHERE lock_id = ? AND status IN ('pending', 'active')
	`, lockID)
	if err != nil {
		return nil, fmt.Errorf("querying live codes on lock: %w", err)
	}
	defer rows.Close()

	return scanAccessCodes(rows)
}

// RecordAttempt increments the creation attempt counter.
func (r *AccessCodeRepository) RecordAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.DB().QueryRowContext(ctx, `
		UPDATE access_codes SET attempts = attempts + 1, updated_at = ?
		WHERE id = ?
		RETURNING attempts
	`, r.Now(), id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("recording attempt: %w", err)
	}
	return attempts, nil
}

// Activate completes a create: pending or failed becomes active.
func (r *AccessCodeRepository) Activate(ctx context.Context, id, code, providerRef string) error {
	now := r.Now()
	return r.transition(ctx, id, models.CodeActive, []string{models.CodePending, models.CodeFailed},
		`code = ?, provider_ref = ?, operation = 'create', last_error = NULL, activated_at = ?`,
		code, providerRef, now)
}

// MarkFailed records a failed create or revoke. active -> failed is only
// accepted for a revoke.
func (r *AccessCodeRepository) MarkFailed(ctx context.Context, id, op, errMsg string) error {
	from := []string{models.CodePending, models.CodeFailed}
	if op == models.OpRevoke {
		from = append(from, models.CodeActive)
	}
	return r.transition(ctx, id, models.CodeFailed, from,
		`operation = ?, last_error = ?`, op, errMsg)
}

// MarkRevoked ends a code by revocation.
func (r *AccessCodeRepository) MarkRevoked(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.CodeRevoked,
		[]string{models.CodePending, models.CodeActive, models.CodeFailed},
		`revoked_at = ?`, r.Now())
}

// MarkExpired ends an active code whose window has passed.
func (r *AccessCodeRepository) MarkExpired(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.CodeExpired, []string{models.CodeActive},
		`revoked_at = ?`, r.Now())
}

// RecordRevokeFailure increments the revoke counter and stores the error
// without changing status.
func (r *AccessCodeRepository) RecordRevokeFailure(ctx context.Context, id, errMsg string) (int, error) {
	var attempts int
	err := r.DB().QueryRowContext(ctx, `
		UPDATE access_codes SET revoke_attempts = revoke_attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
		RETURNING revoke_attempts
	`, errMsg, r.Now(), id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("recording revoke failure: %w", err)
	}
	return attempts, nil
}

// MarkEscalated stamps a code as reported to operators.
func (r *AccessCodeRepository) MarkEscalated(ctx context.Context, id string) error {
	_, err := r.DB().ExecContext(ctx, `
		UPDATE access_codes SET escalated_at = ?, updated_at = ? WHERE id = ? AND escalated_at IS NULL
	`, r.Now(), r.Now(), id)
	if err != nil {
		return fmt.Errorf("marking code escalated: %w", err)
	}
	return nil
}

// CredentialViews returns the credential set of a booking joined with lock
// names, most recent code per lock first.
func (r *AccessCodeRepository) CredentialViews(ctx context.Context, bookingID, lang string) ([]models.CredentialView, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT ac.id, ac.lock_id, l.name_it, l.name_en, l.provider, ac.code,
		       ac.valid_from, ac.valid_until, ac.status, ac.last_error
		FROM access_codes ac
		JOIN locks l ON l.id = ac.lock_id
		WHERE ac.booking_id = ?
		ORDER BY l.display_order, ac.created_at DESC
	`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	var views []models.CredentialView
	for rows.Next() {
		var v models.CredentialView
		var lock models.Lock
		if err := rows.Scan(&v.CodeID, &v.LockID, &lock.NameIT, &lock.NameEN, &v.Provider,
			&v.Code, &v.ValidFrom, &v.ValidUntil, &v.Status, &v.LastError); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		lock.ID = v.LockID
		v.LockName = lock.DisplayName(lang)
		views = append(views, v)
	}
	return views, rows.Err()
}

// CountByStatus returns code counts keyed by status.
func (r *AccessCodeRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB().QueryContext(ctx, `SELECT status, COUNT(*) FROM access_codes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting codes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning code count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// transition is a compare-and-set status update. The row must currently be
// in one of from; otherwise ErrInvalidTransition is returned.
func (r *AccessCodeRepository) transition(ctx context.Context, id, to string, from []string, sets string, args ...any) error {
	query := `UPDATE access_codes SET status = ?, updated_at = ?`
	params := []any{to, r.Now()}
	if sets != "" {
		query += `, ` + sets
		params = append(params, args...)
	}
	query += ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	params = append(params, id)
	for _, s := range from {
		params = append(params, s)
	}

	result, err := r.DB().ExecContext(ctx, query, params...)
	if isUniqueViolation(err) {
		return fmt.Errorf("code %s to %s: %w", id, to, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("updating code %s to %s: %w", id, to, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("code %s to %s: %w", id, to, ErrInvalidTransition)
	}
	return nil
}

func scanAccessCode(row rowScanner) (*models.AccessCode, error) {
	var c models.AccessCode
	err := row.Scan(
		&c.ID, &c.BookingID, &c.LockID, &c.Code, &c.ValidFrom, &c.ValidUntil, &c.Status,
		&c.ProviderRef, &c.Operation, &c.Attempts, &c.RevokeAttempts, &c.LastError,
		&c.EscalatedAt, &c.ActivatedAt, &c.RevokedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanAccessCodes(rows *sql.Rows) ([]models.AccessCode, error) {
	var codes []models.AccessCode
	for rows.Next() {
		c, err := scanAccessCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning access code: %w", err)
		}
		codes = append(codes, *c)
	}
	return codes, rows.Err()
}
