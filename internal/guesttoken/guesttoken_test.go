package guesttoken

import (
	"context"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

const secret = "0123456789abcdef0123456789abcdef"

type bookingMap map[string]*models.Booking

func (m bookingMap) GetByID(_ context.Context, id string) (*models.Booking, error) {
	return m[id], nil
}

func newService(t *testing.T, bookings bookingMap, now time.Time) *Service {
	t.Helper()
	s, err := New(secret, "https://stay.example.com/guest/", bookings)
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func booking(status string) *models.Booking {
	return &models.Booking{
		ID:         "b-1",
		Status:     status,
		CheckinAt:  time.Date(2025, 12, 15, 15, 0, 0, 0, time.UTC),
		CheckoutAt: time.Date(2025, 12, 18, 11, 0, 0, 0, time.UTC),
	}
}

func TestIssueAndVerify(t *testing.T) {
	b := booking(models.BookingConfirmed)
	s := newService(t, bookingMap{b.ID: b}, time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC))

	issued, err := s.Issue(b, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://stay.example.com/guest/"+issued.Token, issued.URL)
	assert.Equal(t, time.Date(2025, 12, 18, 12, 0, 0, 0, time.UTC), issued.ExpiresAt)

	claims, got, err := s.Verify(context.Background(), issued.Token)
	require.NoError(t, err)
	assert.Equal(t, b.ID, claims.BookingID)
	assert.Equal(t, TokenType, claims.Type)
	assert.Equal(t, "2025-12-18T11:00:00Z", claims.CheckoutDate)
	assert.Same(t, b, got)
}

func TestVerify_CancelledBooking(t *testing.T) {
	b := booking(models.BookingConfirmed)
	bookings := bookingMap{b.ID: b}
	s := newService(t, bookings, time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC))

	issued, err := s.Issue(b, time.Hour)
	require.NoError(t, err)

	bookings[b.ID] = booking(models.BookingCancelled)
	_, _, err = s.Verify(context.Background(), issued.Token)
	require.Error(t, err)
	assert.Equal(t, apperr.ReasonBookingCancelled, apperr.TokenReason(err))
	assert.ErrorIs(t, err, apperr.ErrBookingCancelled)
}

func TestVerify_Rejections(t *testing.T) {
	b := booking(models.BookingConfirmed)
	issuedAt := time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC)
	s := newService(t, bookingMap{b.ID: b}, issuedAt)
	issued, err := s.Issue(b, time.Hour)
	require.NoError(t, err)

	otherKey, err := New("another-secret-that-is-long-enough", "", bookingMap{b.ID: b})
	require.NoError(t, err)
	forged, err := otherKey.Issue(b, time.Hour)
	require.NoError(t, err)

	wrongType, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		BookingID:        b.ID,
		Type:             "admin",
		RegisteredClaims: jwtlib.RegisteredClaims{ExpiresAt: jwtlib.NewNumericDate(issuedAt.Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	noExpiry, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, Claims{
		BookingID: b.ID,
		Type:      TokenType,
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	ghost := booking(models.BookingConfirmed)
	ghost.ID = "missing"
	unknown, err := s.Issue(ghost, time.Hour)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":         "not-a-token",
		"bad signature":   forged.Token,
		"wrong type":      wrongType,
		"no expiry":       noExpiry,
		"unknown booking": unknown.Token,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.Verify(context.Background(), token)
			require.Error(t, err)
			assert.Equal(t, apperr.ReasonInvalidToken, apperr.TokenReason(err))
			assert.ErrorIs(t, err, apperr.ErrInvalidToken)
		})
	}

	t.Run("expired", func(t *testing.T) {
		late := newService(t, bookingMap{b.ID: b}, time.Date(2025, 12, 18, 12, 1, 0, 0, time.UTC))
		_, _, err := late.Verify(context.Background(), issued.Token)
		assert.Equal(t, apperr.ReasonInvalidToken, apperr.TokenReason(err))
	})
}

func TestNew_RejectsShortSecret(t *testing.T) {
	_, err := New("short", "", bookingMap{})
	assert.Error(t, err)
}
