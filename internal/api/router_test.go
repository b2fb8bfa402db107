package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/activity"
	"github.com/guest-lock-manager/access-engine/internal/api/middleware"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/guesttoken"
	"github.com/guest-lock-manager/access-engine/internal/ingestion"
	"github.com/guest-lock-manager/access-engine/internal/lifecycle"
	"github.com/guest-lock-manager/access-engine/internal/logging"
	"github.com/guest-lock-manager/access-engine/internal/notify"
	"github.com/guest-lock-manager/access-engine/internal/provider"
	"github.com/guest-lock-manager/access-engine/internal/storage"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
	"github.com/guest-lock-manager/access-engine/internal/storage/storagetest"
	"github.com/guest-lock-manager/access-engine/internal/sweeper"
)

type keypad struct {
	mu      sync.Mutex
	created int
}

func (k *keypad) Name() string { return "tuya" }

func (k *keypad) CreateCode(_ context.Context, lock models.Lock, _ provider.Window) (provider.Credential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.created++
	return provider.Credential{Code: "4821", Ref: fmt.Sprintf("pwd-%s-%d", lock.ID, k.created)}, nil
}

func (k *keypad) RevokeCode(context.Context, models.Lock, string) error { return nil }

func (k *keypad) QueryDevice(context.Context, models.Lock) (provider.DeviceStatus, error) {
	return provider.DeviceStatus{Online: true}, nil
}

type intercom struct {
	opened int
	err    error
}

func (i *intercom) OpenNow(context.Context) error {
	if i.err != nil {
		return i.err
	}
	i.opened++
	return nil
}

type testServer struct {
	handler  http.Handler
	bookings *storage.BookingRepository
	codes    *storage.AccessCodeRepository
	activity *storage.ActivityRepository
	tokens   *guesttoken.Service
	keypad   *keypad
	intercom *intercom
	cfg      config.Config
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := storagetest.New(t)
	storagetest.SeedLocks(t, db, models.Lock{
		ID: "front", Provider: models.ProviderTuya, DeviceID: "dev-1", PropertyID: "villa",
		NameEN: "Front door", NameIT: "Portone", Active: true,
	})

	cfg := config.Default()
	cfg.DefaultPropertyID = "villa"
	cfg.Properties = []config.Property{{ID: "villa", Name: "Villa Rosa", Timezone: "Europe/Rome"}}
	cfg.Lifecycle.RetryBackoff = nil
	cfg.Server.WebhookSecret = "hook-secret"
	cfg.GuestToken.PortalBaseURL = "https://stay.example.com/guest"
	cfg.Server.StaticDir = ""

	logger := logging.Discard()
	s := &testServer{
		bookings: storage.NewBookingRepository(db),
		codes:    storage.NewAccessCodeRepository(db),
		activity: storage.NewActivityRepository(db),
		keypad:   &keypad{},
		intercom: &intercom{},
		cfg:      cfg,
	}
	locks := storage.NewLockRepository(db)
	notifications := storage.NewNotificationRepository(db)

	reg := provider.NewRegistry()
	reg.Register(models.ProviderTuya, s.keypad)
	recorder := activity.NewRecorder(s.activity, nil, logger)
	manager := lifecycle.NewManager(s.bookings, s.codes, locks, reg, recorder, cfg, logger)

	tokens, err := guesttoken.New("0123456789abcdef0123456789abcdef", cfg.GuestToken.PortalBaseURL, s.bookings)
	require.NoError(t, err)
	s.tokens = tokens

	notifier := notify.NewService(s.bookings, manager, tokens, notifications, nil, recorder, cfg, logger)
	ingest := ingestion.NewService(s.bookings, manager, notifier, recorder, cfg, logger)

	s.handler = NewRouter(Services{
		DB:            db,
		Bookings:      s.bookings,
		Codes:         s.codes,
		Locks:         locks,
		Activity:      s.activity,
		Notifications: notifications,
		Recorder:      recorder,
		Manager:       manager,
		Ingestion:     ingest,
		Notifier:      notifier,
		Tokens:        tokens,
		Sweeper:       sweeper.New(manager, s.codes, s.bookings, locks, reg, recorder, cfg, logger),
		Intercom:      s.intercom,
	}, cfg, logger)
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// currentStay is a payload for a stay that is in progress.
func currentStay(externalID string) ingestion.Payload {
	now := time.Now().UTC()
	return ingestion.Payload{
		ExternalID:    externalID,
		GuestName:     "Ada Lovelace",
		GuestEmail:    "ada@example.com",
		GuestLanguage: "it",
		Checkin:       now.Add(-time.Hour).Format(time.RFC3339),
		Checkout:      now.Add(48 * time.Hour).Format(time.RFC3339),
		NumGuests:     2,
		Status:        "confirmed",
	}
}

func TestWebhook_SecretAndReplay(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/webhooks/airbnb", currentStay("HM-1"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, "POST", "/api/webhooks/airbnb", currentStay("HM-1"), "X-Webhook-Secret", "hook-secret")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[ingestion.Result](t, rec)
	assert.True(t, first.Created)
	require.NotNil(t, first.Outcome)
	require.Len(t, first.Outcome.Results, 1)
	assert.Equal(t, lifecycle.ActionCreated, first.Outcome.Results[0].Action)

	rec = s.do(t, "POST", "/api/webhooks/airbnb", currentStay("HM-1"), "X-Webhook-Secret", "hook-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.Booking.ID, decodeBody[ingestion.Result](t, rec).Booking.ID)
	assert.Equal(t, 1, s.keypad.created)

	rec = s.do(t, "POST", "/api/webhooks/manual", currentStay("HM-2"), "X-Webhook-Secret", "hook-secret")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBooking_Validation(t *testing.T) {
	s := newTestServer(t)

	p := currentStay("")
	p.GuestEmail = "not-an-email"
	rec := s.do(t, "POST", "/api/bookings", p)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	resp := decodeBody[middleware.ErrorResponse](t, rec)
	assert.Equal(t, middleware.ErrValidation, resp.Error)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok, "details: %#v", resp.Details)
	assert.Contains(t, details, "guest_email")

	rec = s.do(t, "POST", "/api/bookings", ingestion.Payload{Checkin: "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/api/bookings", bytes.NewBufferString("{"))
	raw := httptest.NewRecorder()
	s.handler.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGuestPortalFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/bookings", currentStay(""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[ingestion.Result](t, rec).Booking.ID

	rec = s.do(t, "GET", "/api/bookings/"+id+"/credentials?lang=it", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	creds := decodeBody[[]models.CredentialView](t, rec)
	require.Len(t, creds, 1)
	assert.Equal(t, "Portone", creds[0].LockName)

	rec = s.do(t, "POST", "/api/bookings/"+id+"/portal-token", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decodeBody[guesttoken.Issued](t, rec)
	assert.Equal(t, "https://stay.example.com/guest/"+issued.Token, issued.URL)

	rec = s.do(t, "GET", "/api/guest/"+issued.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	portal := decodeBody[struct {
		Booking struct {
			GuestName string `json:"guest_name"`
		} `json:"booking"`
		AccessCodes []struct {
			LockName string `json:"lock_name"`
			Code     string `json:"code"`
		} `json:"access_codes"`
		CanOpenDoor bool `json:"can_open_door"`
	}](t, rec)
	assert.Equal(t, "Ada Lovelace", portal.Booking.GuestName)
	require.Len(t, portal.AccessCodes, 1)
	assert.Equal(t, "4821", portal.AccessCodes[0].Code)
	assert.True(t, portal.CanOpenDoor)

	b, err := s.bookings.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, b.PortalViews)

	rec = s.do(t, "POST", "/api/guest/"+issued.Token+"/open", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.intercom.opened)

	s.intercom.err = errors.New("relay offline")
	rec = s.do(t, "POST", "/api/guest/"+issued.Token+"/open", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	for _, event := range []string{models.EventPortalOpened, models.EventDoorOpen} {
		entries, err := s.activity.List(context.Background(), storage.ActivityFilter{BookingID: id, EventType: event})
		require.NoError(t, err)
		require.Len(t, entries, 1, event)
		assert.Equal(t, models.ActorGuest, entries[0].Actor)
	}

	rec = s.do(t, "POST", "/api/bookings/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.BookingCancelled, decodeBody[models.Booking](t, rec).Status)

	rec = s.do(t, "GET", "/api/guest/"+issued.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, middleware.ErrBookingCancelled, decodeBody[middleware.ErrorResponse](t, rec).Error)

	rec = s.do(t, "GET", "/api/guest/not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, "POST", "/api/bookings/"+id+"/portal-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGuestOpenDoor_OutsideStay(t *testing.T) {
	s := newTestServer(t)

	p := currentStay("")
	p.Checkin = time.Now().UTC().Add(10 * 24 * time.Hour).Format(time.RFC3339)
	p.Checkout = time.Now().UTC().Add(12 * 24 * time.Hour).Format(time.RFC3339)
	rec := s.do(t, "POST", "/api/bookings", p)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[ingestion.Result](t, rec).Booking.ID

	rec = s.do(t, "POST", "/api/bookings/"+id+"/portal-token", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	token := decodeBody[guesttoken.Issued](t, rec).Token

	rec = s.do(t, "POST", "/api/guest/"+token+"/open", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Zero(t, s.intercom.opened)
}

func TestCodeEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "POST", "/api/bookings", currentStay(""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, "GET", "/api/codes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := decodeBody[[]models.AccessCode](t, rec)
	require.Len(t, active, 1)

	rec = s.do(t, "GET", "/api/codes?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, "POST", "/api/codes/"+active[0].ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, "POST", "/api/codes/"+active[0].ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.CodeRevoked, decodeBody[models.AccessCode](t, rec).Status)

	rec = s.do(t, "POST", "/api/codes/"+active[0].ID+"/revoke", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, "POST", "/api/codes/missing/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Re-converging restores a code on the lock.
	rec = s.do(t, "POST", "/api/bookings/"+active[0].BookingID+"/converge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, s.keypad.created)

	rec = s.do(t, "GET", "/api/bookings/"+active[0].BookingID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[struct {
		ID    string              `json:"id"`
		Codes []models.AccessCode `json:"codes"`
	}](t, rec)
	assert.Equal(t, active[0].BookingID, detail.ID)
	assert.Len(t, detail.Codes, 2)
}

func TestAdminReadEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, false, health["ha_connected"])

	rec = s.do(t, "GET", "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hook-secret")
	settings := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "villa", settings["default_property_id"])

	for _, path := range []string{"/api/status", "/api/locks", "/api/bookings", "/api/activity?limit=5"} {
		rec = s.do(t, "GET", path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec = s.do(t, "GET", "/api/bookings/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "GET", "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "POST", "/api/sweeper/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sweeper.Report{}, decodeBody[sweeper.Report](t, rec))

	rec = s.do(t, "POST", "/api/bookings/missing/resend", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/bookings", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
