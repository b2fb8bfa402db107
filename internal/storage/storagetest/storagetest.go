// Package storagetest opens migrated throwaway databases for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/logging"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// New returns a migrated database in a temporary directory. It is closed
// when the test ends.
func New(t testing.TB) *storage.DB {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.RunMigrations(db, logging.Discard()))
	return db
}

// SeedLocks writes locks through the configuration sync path.
func SeedLocks(t testing.TB, db *storage.DB, locks ...models.Lock) {
	t.Helper()
	require.NoError(t, storage.NewLockRepository(db).Sync(context.Background(), locks))
}
