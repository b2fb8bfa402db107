package models

import (
	"time"
)

// AccessCode is a credential for one (booking, lock) pair.
type AccessCode struct {
	ID             string     `json:"id"`
	BookingID      string     `json:"booking_id"`
	LockID         string     `json:"lock_id"`
	Code           string     `json:"code"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     time.Time  `json:"valid_until"`
	Status         string     `json:"status"`
	ProviderRef    *string    `json:"provider_ref,omitempty"`
	Operation      string     `json:"operation"`
	Attempts       int        `json:"attempts"`
	RevokeAttempts int        `json:"revoke_attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Access code status constants
const (
	CodePending = "pending"
	CodeActive  = "active"
	CodeRevoked = "revoked"
	CodeExpired = "expired"
	CodeFailed  = "failed"
)

// Operation a code is waiting on. A failed row keeps the operation that
// failed so the sweeper knows whether to retry creation or revocation.
const (
	OpCreate = "create"
	OpRevoke = "revoke"
)

var codeTransitions = map[string][]string{
	CodePending: {CodeActive, CodeFailed, CodeRevoked},
	CodeActive:  {CodeRevoked, CodeExpired, CodeFailed},
	CodeFailed:  {CodeActive, CodeRevoked, CodeFailed},
}

// CanTransitionCode reports whether the ledger accepts a status change.
// active -> failed is only legal for a failed revocation; callers enforce
// that by passing the operation.
func CanTransitionCode(from, to, op string) bool {
	if from == CodeActive && to == CodeFailed && op != OpRevoke {
		return false
	}
	for _, next := range codeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsLive returns true while the code occupies the (booking, lock) slot.
func (c *AccessCode) IsLive() bool {
	return c.Status == CodePending || c.Status == CodeActive
}

// HasRef returns true when a provider-side object exists for the code.
func (c *AccessCode) HasRef() bool {
	return c.ProviderRef != nil && *c.ProviderRef != ""
}

// SameWindow compares validity windows at second precision.
func (c *AccessCode) SameWindow(from, until time.Time) bool {
	return c.ValidFrom.Truncate(time.Second).Equal(from.Truncate(time.Second)) &&
		c.ValidUntil.Truncate(time.Second).Equal(until.Truncate(time.Second))
}

// CredentialView is the per-lock credential shown on the guest portal and
// the admin booking detail.
type CredentialView struct {
	CodeID     string    `json:"code_id"`
	LockID     string    `json:"lock_id"`
	LockName   string    `json:"lock_name"`
	Provider   string    `json:"provider"`
	Code       string    `json:"code"`
	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`
	Status     string    `json:"status"`
	LastError  *string   `json:"last_error,omitempty"`
}
