// Package provider talks to the device backends that hold door codes: Tuya
// Cloud, the Ring intercom, and locks bridged through Home Assistant.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// ErrCodeNotFound is returned by RevokeCode when the device no longer holds
// the code. The lifecycle treats it as a successful revoke.
var ErrCodeNotFound = errors.New("code not found on device")

// Window is the validity interval pushed to a device.
type Window struct {
	From  time.Time
	Until time.Time
}

// Credential is what a provider returns after creating a code.
type Credential struct {
	Code string
	Ref  string
}

// DeviceStatus reports lock health.
type DeviceStatus struct {
	Online  bool
	Battery *int
}

// Provider creates, revokes and inspects codes on one device backend.
// Implementations never retry internally.
type Provider interface {
	Name() string
	CreateCode(ctx context.Context, lock models.Lock, w Window) (Credential, error)
	RevokeCode(ctx context.Context, lock models.Lock, ref string) error
	QueryDevice(ctx context.Context, lock models.Lock) (DeviceStatus, error)
}

// WindowlessDevice is implemented by adapters whose devices keep a code valid
// until it is cleared. The lifecycle holds their codes back until the window
// opens and clears them when it ends.
type WindowlessDevice interface {
	Windowless() bool
}

// Windowless reports whether p, or the adapter it wraps, ignores Window.
func Windowless(p Provider) bool {
	for p != nil {
		if w, ok := p.(WindowlessDevice); ok {
			return w.Windowless()
		}
		u, ok := p.(interface{ Unwrap() Provider })
		if !ok {
			return false
		}
		p = u.Unwrap()
	}
	return false
}

// CodeIndex lists the codes currently live on a lock, across bookings.
type CodeIndex interface {
	ListLiveOnLock(ctx context.Context, lockID string) ([]models.AccessCode, error)
}

// Registry maps a lock's provider kind to its adapter.
type Registry struct {
	mu        sync.RWMutex
	providers map[models.LockProvider]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[models.LockProvider]Provider)}
}

// Register adds or replaces the adapter for a provider kind.
func (r *Registry) Register(kind models.LockProvider, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
}

// Get returns the adapter for a provider kind.
func (r *Registry) Get(kind models.LockProvider) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", kind)
	}
	return p, nil
}

// For returns the adapter that controls lock.
func (r *Registry) For(lock models.Lock) (Provider, error) {
	return r.Get(lock.Provider)
}

// takenCodes collects the PINs already live on a lock.
func takenCodes(ctx context.Context, index CodeIndex, lockID string) (map[string]bool, []models.AccessCode, error) {
	taken := make(map[string]bool)
	if index == nil {
		return taken, nil, nil
	}
	live, err := index.ListLiveOnLock(ctx, lockID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing live codes: %w", err)
	}
	for _, c := range live {
		if c.Code != "" {
			taken[c.Code] = true
		}
	}
	return taken, live, nil
}
