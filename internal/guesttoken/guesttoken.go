// Package guesttoken issues and verifies the signed links that give guests
// access to their credentials.
package guesttoken

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// TokenType marks guest portal tokens.
const TokenType = "guest_portal"

// Claims are the guest portal token claims.
type Claims struct {
	BookingID    string `json:"booking_id"`
	Type         string `json:"type"`
	CheckoutDate string `json:"checkout_date"`
	jwtlib.RegisteredClaims
}

// BookingLookup loads the booking a token refers to.
type BookingLookup interface {
	GetByID(ctx context.Context, id string) (*models.Booking, error)
}

// Issued is a freshly signed portal link.
type Issued struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service signs and verifies guest tokens with HS256.
type Service struct {
	secret   []byte
	baseURL  string
	bookings BookingLookup
	now      func() time.Time
}

// New creates a token service.
func New(secret, portalBaseURL string, bookings BookingLookup) (*Service, error) {
	if len(secret) < 16 {
		return nil, errors.New("guest token secret must be at least 16 bytes")
	}
	return &Service{
		secret:   []byte(secret),
		baseURL:  strings.TrimSuffix(portalBaseURL, "/"),
		bookings: bookings,
		now:      time.Now,
	}, nil
}

// Issue signs a token valid until checkout plus lateBuffer.
func (s *Service) Issue(b *models.Booking, lateBuffer time.Duration) (*Issued, error) {
	now := s.now()
	expires := b.CheckoutAt.Add(lateBuffer).UTC()

	claims := Claims{
		BookingID:    b.ID,
		Type:         TokenType,
		CheckoutDate: b.CheckoutAt.UTC().Format(time.RFC3339),
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   b.ID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expires),
		},
	}

	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing guest token: %w", err)
	}
	return &Issued{Token: token, URL: s.baseURL + "/" + token, ExpiresAt: expires}, nil
}

// Verify checks a token and loads its booking. Every failure is a
// TokenError; a valid token for a cancelled booking is rejected with
// booking_cancelled.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, *models.Booking, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (any, error) {
		return s.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, nil, invalid(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Type != TokenType || claims.BookingID == "" {
		return nil, nil, invalid(errors.New("not a guest portal token"))
	}

	b, err := s.bookings.GetByID(ctx, claims.BookingID)
	if err != nil {
		return nil, nil, err
	}
	if b == nil {
		return nil, nil, invalid(errors.New("unknown booking"))
	}
	if b.IsCancelled() {
		return claims, b, &apperr.TokenError{Reason: apperr.ReasonBookingCancelled}
	}
	return claims, b, nil
}

func invalid(err error) error {
	return &apperr.TokenError{Reason: apperr.ReasonInvalidToken, Err: err}
}
