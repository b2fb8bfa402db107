package ingestion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/logging"
	"github.com/guest-lock-manager/access-engine/internal/provider"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/storage/storagetest"
)

// recordingConverger stands in for the lifecycle manager.
type recordingConverger struct {
	mu          sync.Mutex
	converged   []string
	interrupted []string
}

func (r *recordingConverger) Converge(_ context.Context, bookingID string) (*lifecycle.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converged = append(r.converged, bookingID)
	return &lifecycle.Outcome{BookingID: bookingID}, nil
}

func (r *recordingConverger) Interrupt(bookingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = append(r.interrupted, bookingID)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) SendWelcome(_ context.Context, bookingID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, bookingID)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DefaultPropertyID = "villa"
	cfg.Properties = []config.Property{{ID: "villa", Timezone: "Europe/Rome"}}
	cfg.Lifecycle.RetryBackoff = nil
	return cfg
}

type fixture struct {
	svc       *Service
	bookings  *storage.BookingRepository
	activity  *storage.ActivityRepository
	converger *recordingConverger
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.New(t)
	f := &fixture{
		bookings:  storage.NewBookingRepository(db),
		activity:  storage.NewActivityRepository(db),
		converger: &recordingConverger{},
		notifier:  &recordingNotifier{},
	}
	recorder := activity.NewRecorder(f.activity, nil, logging.Discard())
	f.svc = NewService(f.bookings, f.converger, f.notifier, recorder, testConfig(), logging.Discard())
	return f
}

func webhookEvent() Event {
	return Event{
		Source:        "Hospitable ",
		ExternalID:    "HX-100",
		GuestName:     " Ada Lovelace ",
		GuestEmail:    "Ada@Example.com",
		GuestLanguage: "it",
		CheckinAt:     time.Date(2025, 12, 15, 15, 0, 0, 0, time.UTC),
		CheckoutAt:    time.Date(2025, 12, 18, 11, 0, 0, 0, time.UTC),
		NumGuests:     2,
		Status:        "accepted",
	}
}

func TestIngest_CreatesBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)
	assert.True(t, result.Created)

	b := result.Booking
	assert.Equal(t, "hospitable", b.Source)
	assert.Equal(t, "Ada Lovelace", b.GuestName)
	assert.Equal(t, "ada@example.com", *b.GuestEmail)
	assert.Equal(t, "villa", b.PropertyID)
	assert.Equal(t, models.BookingConfirmed, b.Status)

	assert.Equal(t, []string{b.ID}, f.converger.converged)
	assert.Equal(t, []string{b.ID}, f.notifier.sent)

	created, err := f.activity.List(ctx, storage.ActivityFilter{BookingID: b.ID, EventType: models.EventBookingCreated})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, models.ActorWebhook, created[0].Actor)
}

func TestIngest_ReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		result, err := f.svc.Ingest(ctx, webhookEvent())
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.False(t, result.Changed)
		assert.Equal(t, first.Booking.ID, result.Booking.ID)
	}

	all, err := f.bookings.List(ctx, storage.BookingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.notifier.sent, 1)

	updated, err := f.activity.List(ctx, storage.ActivityFilter{EventType: models.EventBookingUpdated})
	require.NoError(t, err)
	assert.Empty(t, updated)
}

func TestIngest_ConcurrentReplaysCreateOneBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Ingest(ctx, webhookEvent())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := f.bookings.List(ctx, storage.BookingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngest_DateChangeUpdatesBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)

	e := webhookEvent()
	e.CheckoutAt = e.CheckoutAt.Add(24 * time.Hour)
	result, err := f.svc.Ingest(ctx, e)
	require.NoError(t, err)
	assert.True(t, result.Changed)

	got, err := f.bookings.GetByID(ctx, first.Booking.ID)
	require.NoError(t, err)
	assert.True(t, got.CheckoutAt.Equal(e.CheckoutAt))
	assert.Len(t, f.converger.converged, 2)
}

func TestIngest_StatusOnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := webhookEvent()
	e.Status = "checked_in"
	first, err := f.svc.Ingest(ctx, e)
	require.NoError(t, err)
	require.Equal(t, models.BookingCheckedIn, first.Booking.Status)

	_, err = f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)

	got, err := f.bookings.GetByID(ctx, first.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCheckedIn, got.Status)
}

func TestIngest_CancelledBookingIsNotRevived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)

	e := webhookEvent()
	e.Status = "canceled"
	result, err := f.svc.Ingest(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, result.Booking.Status)
	assert.Equal(t, []string{first.Booking.ID}, f.converger.interrupted)

	result, err = f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)
	assert.True(t, result.Ignored)

	got, err := f.bookings.GetByID(ctx, first.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	cancelled, err := f.activity.List(ctx, storage.ActivityFilter{BookingID: got.ID, EventType: models.EventBookingCancelled})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		edit  func(*Event)
		field string
	}{
		{"checkout before checkin", func(e *Event) { e.CheckoutAt = e.CheckinAt }, "checkout_at"},
		{"no contact", func(e *Event) { e.GuestEmail = "" }, "guest_email"},
		{"bad email", func(e *Event) { e.GuestEmail = "not-an-email" }, "guest_email"},
		{"bad phone", func(e *Event) { e.GuestPhone = "+0123" }, "guest_phone"},
		{"too many guests", func(e *Event) { e.NumGuests = 11 }, "num_guests"},
		{"unknown language", func(e *Event) { e.GuestLanguage = "de" }, "guest_language"},
		{"missing name", func(e *Event) { e.GuestName = "  " }, "guest_name"},
		{"unknown property", func(e *Event) { e.PropertyID = "castle" }, "property_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := webhookEvent()
			tt.edit(&e)
			_, err := f.svc.Ingest(context.Background(), e)
			require.Error(t, err)

			var verr *apperr.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	assert.Empty(t, f.converger.converged)
}

func TestIngest_PhoneOnlyContact(t *testing.T) {
	f := newFixture(t)

	e := webhookEvent()
	e.GuestEmail = ""
	e.GuestPhone = "+39 333 123-4567"
	result, err := f.svc.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, "+393331234567", *result.Booking.GuestPhone)
}

func TestIngest_ManualOverlapIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	manual := webhookEvent()
	manual.Source = models.SourceManual
	manual.ExternalID = ""
	_, err := f.svc.Ingest(ctx, manual)
	require.NoError(t, err)

	overlapping := manual
	overlapping.CheckinAt = manual.CheckinAt.Add(24 * time.Hour)
	overlapping.CheckoutAt = manual.CheckoutAt.Add(24 * time.Hour)
	_, err = f.svc.Ingest(ctx, overlapping)
	assert.True(t, apperr.IsConflict(err))

	// Back to back stays do not overlap.
	next := manual
	next.CheckinAt = manual.CheckoutAt
	next.CheckoutAt = manual.CheckoutAt.Add(48 * time.Hour)
	_, err = f.svc.Ingest(ctx, next)
	assert.NoError(t, err)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)
	id := result.Booking.ID

	b, err := f.svc.Cancel(ctx, id, models.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, b.Status)
	assert.Equal(t, []string{id}, f.converger.interrupted)
	assert.Len(t, f.converger.converged, 2)

	// Idempotent.
	b, err = f.svc.Cancel(ctx, id, models.ActorAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.BookingCancelled, b.Status)
	assert.Len(t, f.converger.interrupted, 1)

	_, err = f.svc.Cancel(ctx, "missing", models.ActorAdmin)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancel_CheckedOutIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Ingest(ctx, webhookEvent())
	require.NoError(t, err)
	require.NoError(t, f.bookings.UpdateStatus(ctx, result.Booking.ID, models.BookingCheckedOut))

	_, err = f.svc.Cancel(ctx, result.Booking.ID, models.ActorAdmin)
	assert.True(t, apperr.IsConflict(err))
}

// countingProvider counts device calls for end-to-end replay checks.
type countingProvider struct {
	mu      sync.Mutex
	creates int
}

func (p *countingProvider) Name() string { return "tuya" }

func (p *countingProvider) CreateCode(_ context.Context, lock models.Lock, _ provider.Window) (provider.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creates++
	return provider.Credential{Code: "4821", Ref: fmt.Sprintf("pwd-%s-%d", lock.ID, p.creates)}, nil
}

func (p *countingProvider) RevokeCode(context.Context, models.Lock, string) error { return nil }

func (p *countingProvider) QueryDevice(context.Context, models.Lock) (provider.DeviceStatus, error) {
	return provider.DeviceStatus{Online: true}, nil
}

func TestIngest_ReplayMakesOneDeviceCall(t *testing.T) {
	db := storagetest.New(t)
	storagetest.SeedLocks(t, db, models.Lock{ID: "front", Provider: models.ProviderTuya, DeviceID: "dev1", PropertyID: "villa", Active: true})

	cfg := testConfig()
	tuya := &countingProvider{}
	reg := provider.NewRegistry()
	reg.Register(models.ProviderTuya, tuya)

	bookings := storage.NewBookingRepository(db)
	codes := storage.NewAccessCodeRepository(db)
	recorder := activity.NewRecorder(storage.NewActivityRepository(db), nil, logging.Discard())
	mgr := lifecycle.NewManager(bookings, codes, storage.NewLockRepository(db), reg, recorder, cfg, logging.Discard(),
		lifecycle.WithClock(func() time.Time { return time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC) }))
	svc := NewService(bookings, mgr, nil, recorder, cfg, logging.Discard())

	var id string
	for i := 0; i < 4; i++ {
		result, err := svc.Ingest(context.Background(), webhookEvent())
		require.NoError(t, err)
		id = result.Booking.ID
	}

	assert.Equal(t, 1, tuya.creates)
	all, err := codes.ListByBooking(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.CodeActive, all[0].Status)
	assert.Equal(t, time.Date(2025, 12, 15, 13, 0, 0, 0, time.UTC), all[0].ValidFrom.UTC())
	assert.Equal(t, time.Date(2025, 12, 18, 12, 0, 0, 0, time.UTC), all[0].ValidUntil.UTC())
}
