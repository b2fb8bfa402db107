package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/storage/storagetest"
)

func TestBookingRepository_ExternalKeyIsUnique(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewBookingRepository(db)
	ctx := context.Background()

	ext := "HX-100"
	phone := "+393331234567"
	newBooking := func() *models.Booking {
		return &models.Booking{
			Source: "hospitable", ExternalID: &ext, GuestName: "Bea", GuestPhone: &phone,
			GuestLanguage: models.LangIT, PropertyID: "villa", CheckinAt: checkin,
			CheckoutAt: checkout, NumGuests: 1, Status: models.BookingConfirmed,
		}
	}

	first := newBooking()
	require.NoError(t, repo.Create(ctx, first))
	assert.ErrorIs(t, repo.Create(ctx, newBooking()), storage.ErrDuplicate)

	got, err := repo.GetByExternal(ctx, "hospitable", "HX-100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.CheckinAt.Equal(checkin))
	assert.Equal(t, "+393331234567", *got.GuestPhone)

	missing, err := repo.GetByExternal(ctx, "smoobu", "HX-100")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBookingRepository_StatusCompareAndSet(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewBookingRepository(db)
	ctx := context.Background()
	b := seedBooking(t, db)

	require.NoError(t, repo.UpdateStatus(ctx, b.ID, models.BookingCancelled, models.BookingConfirmed, models.BookingCheckedIn))
	err := repo.UpdateStatus(ctx, b.ID, models.BookingCheckedIn, models.BookingConfirmed)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	// A cancelled booking is never rewritten.
	got.Status = models.BookingConfirmed
	assert.ErrorIs(t, repo.Update(ctx, got, models.BookingCancelled), storage.ErrInvalidTransition)
}

func TestBookingRepository_FindOverlapping(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewBookingRepository(db)
	ctx := context.Background()
	b := seedBooking(t, db)

	overlaps, err := repo.FindOverlapping(ctx, "villa", checkout.Add(-24*time.Hour), checkout.Add(48*time.Hour), "")
	require.NoError(t, err)
	require.Len(t, overlaps, 1)
	assert.Equal(t, b.ID, overlaps[0].ID)

	// Back-to-back stays do not overlap.
	overlaps, err = repo.FindOverlapping(ctx, "villa", checkout, checkout.Add(48*time.Hour), "")
	require.NoError(t, err)
	assert.Empty(t, overlaps)

	overlaps, err = repo.FindOverlapping(ctx, "other", checkin, checkout, "")
	require.NoError(t, err)
	assert.Empty(t, overlaps)
}

func TestBookingRepository_PortalViews(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewBookingRepository(db)
	ctx := context.Background()
	b := seedBooking(t, db)

	require.NoError(t, repo.RecordPortalView(ctx, b.ID))
	require.NoError(t, repo.RecordPortalView(ctx, b.ID))

	got, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PortalViews)
	assert.NotNil(t, got.PortalOpenedAt)
}

func TestActivityRepository_AppendOnly(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewActivityRepository(db)
	ctx := context.Background()

	id := "b-1"
	e := &models.ActivityLogEntry{EventType: models.EventCodeCreated, BookingID: &id, Detail: "created", Metadata: []byte(`{"lock":"front"}`)}
	require.NoError(t, repo.Append(ctx, e))
	assert.NotZero(t, e.ID)

	entries, err := repo.List(ctx, storage.ActivityFilter{BookingID: id})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActorSystem, entries[0].Actor)
	assert.JSONEq(t, `{"lock":"front"}`, string(entries[0].Metadata))

	_, err = db.ExecContext(ctx, `UPDATE activity_log SET detail = 'x'`)
	assert.Error(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM activity_log`)
	assert.Error(t, err)
}

func TestLockRepository_SyncDeactivatesRemoved(t *testing.T) {
	db := storagetest.New(t)
	repo := storage.NewLockRepository(db)
	ctx := context.Background()

	storagetest.SeedLocks(t, db,
		models.Lock{ID: "a", Provider: models.ProviderTuya, DeviceID: "1", PropertyID: "villa", Active: true},
		models.Lock{ID: "b", Provider: models.ProviderTuya, DeviceID: "2", PropertyID: "villa", Active: true},
	)
	battery := 80
	require.NoError(t, repo.UpdateStatus(ctx, "a", true, &battery))

	storagetest.SeedLocks(t, db,
		models.Lock{ID: "a", Provider: models.ProviderTuya, DeviceID: "1", PropertyID: "villa", NameEN: "Door", Active: true},
	)

	active, err := repo.ListActiveByProperty(ctx, "villa")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Door", active[0].NameEN)
	assert.True(t, active[0].Online, "health survives a config sync")
	require.NotNil(t, active[0].BatteryLevel)
	assert.Equal(t, 80, *active[0].BatteryLevel)

	b, err := repo.GetByID(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Active)
}
