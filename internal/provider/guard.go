package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/guest-lock-manager/access-engine/internal/apperr"
	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// Guard bounds every call to an adapter with a timeout and a circuit
// breaker, and wraps failures as apperr.ProviderError.
type Guard struct {
	inner   Provider
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewGuard wraps inner using the provider timeouts from cfg.
func NewGuard(inner Provider, cfg config.Providers, logger logrus.FieldLogger) *Guard {
	trips := cfg.BreakerTrips
	if trips == 0 {
		trips = 5
	}
	log := logger.WithField("provider", inner.Name())

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCodeNotFound) || errors.Is(err, context.Canceled)
		},
	})

	return &Guard{inner: inner, timeout: cfg.Timeout, breaker: breaker}
}

// Name implements Provider.
func (g *Guard) Name() string {
	return g.inner.Name()
}

// Unwrap returns the guarded adapter.
func (g *Guard) Unwrap() Provider {
	return g.inner
}

// CreateCode implements Provider.
func (g *Guard) CreateCode(ctx context.Context, lock models.Lock, w Window) (Credential, error) {
	var cred Credential
	err := g.run(ctx, "create_code", func(ctx context.Context) error {
		var err error
		cred, err = g.inner.CreateCode(ctx, lock, w)
		return err
	})
	return cred, err
}

// RevokeCode implements Provider. A code already gone from the device is
// reported as success.
func (g *Guard) RevokeCode(ctx context.Context, lock models.Lock, ref string) error {
	err := g.run(ctx, "revoke_code", func(ctx context.Context) error {
		return g.inner.RevokeCode(ctx, lock, ref)
	})
	if errors.Is(err, ErrCodeNotFound) {
		return nil
	}
	return err
}

// QueryDevice implements Provider.
func (g *Guard) QueryDevice(ctx context.Context, lock models.Lock) (DeviceStatus, error) {
	var status DeviceStatus
	err := g.run(ctx, "query_device", func(ctx context.Context) error {
		var err error
		status, err = g.inner.QueryDevice(ctx, lock)
		return err
	})
	return status, err
}

func (g *Guard) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		if g.timeout <= 0 {
			return nil, fn(ctx)
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	if err == nil {
		return nil
	}
	return &apperr.ProviderError{Provider: g.inner.Name(), Op: op, Err: err}
}
