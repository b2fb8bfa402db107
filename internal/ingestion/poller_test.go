package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/logging"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

func TestMapStatus(t *testing.T) {
	tests := map[string]string{
		"reserved":   models.BookingConfirmed,
		"Tentative":  models.BookingConfirmed,
		"booked":     models.BookingConfirmed,
		"accepted":   models.BookingConfirmed,
		"canceled":   models.BookingCancelled,
		"Cancelled":  models.BookingCancelled,
		"declined":   models.BookingCancelled,
		"checked-in": models.BookingCheckedIn,
		"":           models.BookingConfirmed,
		"mystery":    models.BookingConfirmed,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapStatus(in), in)
	}
}

func TestParseStayTime(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	require.NoError(t, err)

	got, err := ParseStayTime("2025-12-15", rome, "15:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 15, 14, 0, 0, 0, time.UTC), got)

	got, err = ParseStayTime("2025-07-01", rome, "11:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC), got)

	got, err = ParseStayTime("2025-12-15T15:00:00+01:00", rome, "11:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 12, 15, 14, 0, 0, 0, time.UTC), got)

	_, err = ParseStayTime("15/12/2025", rome, "15:00")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	e := Normalize(Event{Source: " Airbnb", GuestLanguage: "it-IT", GuestPhone: "+39 (333) 123.4567"}, "villa")
	assert.Equal(t, "airbnb", e.Source)
	assert.Equal(t, "it", e.GuestLanguage)
	assert.Equal(t, "+393331234567", e.GuestPhone)
	assert.Equal(t, "villa", e.PropertyID)
	assert.Equal(t, 1, e.NumGuests)
	assert.Equal(t, models.BookingConfirmed, e.Status)
}

const lodgifyPage = `{
  "count": 2,
  "items": [
    {"id": 901, "arrival": "2025-12-15", "departure": "2025-12-18", "status": "Booked", "people": 2,
     "guest": {"name": "Ada", "email": "ada@example.com", "language": "it-IT"}},
    {"id": 902, "arrival": "2025-12-20", "departure": "2025-12-19", "status": "Booked",
     "guest": {"name": "Bad Dates", "email": "bad@example.com"}}
  ]
}`

func TestPoller_IngestsReservations(t *testing.T) {
	var gotKey, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-ApiKey")
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/v2/reservations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(lodgifyPage))
	}))
	defer srv.Close()

	f := newFixture(t)
	cfg := testConfig()
	cfg.Lodgify.APIKey = "key"
	cfg.Lodgify.PropertyID = "555"
	cfg.Lodgify.Horizon = 30 * 24 * time.Hour

	poller := NewPoller(f.svc, NewLodgifyClient(srv.URL, "key", nil), cfg, logging.Discard())
	poller.now = func() time.Time { return time.Date(2025, 12, 1, 8, 0, 0, 0, time.UTC) }

	report, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "end=2025-12-31&property_id=555&start=2025-12-01", gotQuery)
	assert.Equal(t, &PollReport{Fetched: 2, Created: 1, Failed: 1}, report)

	b, err := f.bookings.GetByExternal(context.Background(), SourceLodgify, "901")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, models.LangIT, b.GuestLanguage)
	assert.Equal(t, time.Date(2025, 12, 15, 14, 0, 0, 0, time.UTC), b.CheckinAt.UTC())
	assert.Equal(t, time.Date(2025, 12, 18, 10, 0, 0, 0, time.UTC), b.CheckoutAt.UTC())

	// A second poll is a no-op.
	report, err = poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)

	all, err := f.bookings.List(context.Background(), storage.BookingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLodgifyClient_BareListAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-ApiKey") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`[{"booking_id": 77, "arrival": "2025-12-15", "departure": "2025-12-16"}]`))
	}))
	defer srv.Close()

	from := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	list, err := NewLodgifyClient(srv.URL, "key", nil).Reservations(context.Background(), "1", from, from.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "77", list[0].Key())

	_, err = NewLodgifyClient(srv.URL, "wrong", nil).Reservations(context.Background(), "1", from, from.AddDate(0, 1, 0))
	assert.ErrorContains(t, err, "401")
}
