// Package models contains the domain models for the application.
package models

import (
	"time"
)

// LockProvider identifies the backend that controls a lock.
type LockProvider string

const (
	ProviderTuya          LockProvider = "tuya"
	ProviderRing          LockProvider = "ring"
	ProviderHomeAssistant LockProvider = "home_assistant"
)

// Lock is a controllable access point at a property. Locks are configured
// out of band; the engine only records their device health.
type Lock struct {
	ID           string       `json:"id"`
	Provider     LockProvider `json:"provider"`
	DeviceID     string       `json:"device_id"`
	PropertyID   string       `json:"property_id"`
	NameIT       string       `json:"name_it"`
	NameEN       string       `json:"name_en"`
	DisplayOrder int          `json:"display_order"`
	Active       bool         `json:"active"`
	Online       bool         `json:"online"`
	BatteryLevel *int         `json:"battery_level,omitempty"`
	LastSeenAt   *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DisplayName returns the lock name for a guest language, falling back to
// the other locale and finally the id.
func (l *Lock) DisplayName(lang string) string {
	first, second := l.NameEN, l.NameIT
	if lang == LangIT {
		first, second = l.NameIT, l.NameEN
	}
	switch {
	case first != "":
		return first
	case second != "":
		return second
	default:
		return l.ID
	}
}
