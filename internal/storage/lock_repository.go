package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

const lockColumns = `
	id, provider, device_id, property_id, name_it, name_en, display_order, active,
	online, battery_level, last_seen_at, created_at, updated_at`

// LockRepository provides data access for configured locks.
type LockRepository struct {
	BaseRepository
}

// NewLockRepository creates a new lock repository.
func NewLockRepository(db *DB) *LockRepository {
	return &LockRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// Sync upserts the configured locks and deactivates any lock no longer
// present in the configuration. Device health columns are left untouched.
func (r *LockRepository) Sync(ctx context.Context, locks []models.Lock) error {
	now := r.Now()
	return r.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE locks SET active = 0, updated_at = ?`, now); err != nil {
			return fmt.Errorf("deactivating locks: %w", err)
		}
		for _, l := range locks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO locks (id, provider, device_id, property_id, name_it, name_en,
				                   display_order, active, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					provider = excluded.provider,
					device_id = excluded.device_id,
					property_id = excluded.property_id,
					name_it = excluded.name_it,
					name_en = excluded.name_en,
					display_order = excluded.display_order,
					active = excluded.active,
					updated_at = excluded.updated_at
			`, l.ID, l.Provider, l.DeviceID, l.PropertyID, l.NameIT, l.NameEN,
				l.DisplayOrder, l.Active, now, now)
			if err != nil {
				return fmt.Errorf("upserting lock %s: %w", l.ID, err)
			}
		}
		return nil
	})
}

// GetByID retrieves a lock by its ID.
func (r *LockRepository) GetByID(ctx context.Context, id string) (*models.Lock, error) {
	row := r.DB().QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE id = ?`, id)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying lock: %w", err)
	}
	return l, nil
}

// List retrieves all locks in display order.
func (r *LockRepository) List(ctx context.Context) ([]models.Lock, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+lockColumns+` FROM locks ORDER BY property_id, display_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying locks: %w", err)
	}
	defer rows.Close()

	return scanLocks(rows)
}

// ListActive retrieves every active lock.
func (r *LockRepository) ListActive(ctx context.Context) ([]models.Lock, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+lockColumns+` FROM locks WHERE active = 1 ORDER BY property_id, display_order, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active locks: %w", err)
	}
	defer rows.Close()

	return scanLocks(rows)
}

// ListActiveByProperty retrieves the active locks installed at a property.
func (r *LockRepository) ListActiveByProperty(ctx context.Context, propertyID string) ([]models.Lock, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+lockColumns+` FROM locks
		WHERE property_id = ? AND active = 1
		ORDER BY display_order, id
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("querying property locks: %w", err)
	}
	defer rows.Close()

	return scanLocks(rows)
}

// UpdateStatus records device health reported by the provider.
func (r *LockRepository) UpdateStatus(ctx context.Context, id string, online bool, batteryLevel *int) error {
	now := r.Now()
	_, err := r.DB().ExecContext(ctx, `
		UPDATE locks SET
			online = ?,
			battery_level = COALESCE(?, battery_level),
			last_seen_at = CASE WHEN ? THEN ? ELSE last_seen_at END,
			updated_at = ?
		WHERE id = ?
	`, online, batteryLevel, online, now, now, id)

	if err != nil {
		return fmt.Errorf("updating lock status: %w", err)
	}

	return nil
}

func scanLock(row rowScanner) (*models.Lock, error) {
	var l models.Lock
	err := row.Scan(
		&l.ID, &l.Provider, &l.DeviceID, &l.PropertyID, &l.NameIT, &l.NameEN,
		&l.DisplayOrder, &l.Active, &l.Online, &l.BatteryLevel, &l.LastSeenAt,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLocks(rows *sql.Rows) ([]models.Lock, error) {
	var locks []models.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}
