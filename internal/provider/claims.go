package provider

import (
	"sync"
	"time"
)

const claimTTL = 2 * time.Minute

// claims remembers PINs and slots handed out recently on each lock. The
// ledger only sees a value once the code is activated, so two bookings
// materializing on the same lock at once would otherwise draw the same one.
type claims struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]map[string]time.Time
}

func newClaims() *claims {
	return &claims{now: time.Now, entries: make(map[string]map[string]time.Time)}
}

// claim reserves value on lockID. It returns false if the value is held.
func (c *claims) claim(lockID, value string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	held := c.entries[lockID]
	if held == nil {
		held = make(map[string]time.Time)
		c.entries[lockID] = held
	}
	for v, exp := range held {
		if now.After(exp) {
			delete(held, v)
		}
	}
	if _, ok := held[value]; ok {
		return false
	}
	held[value] = now.Add(claimTTL)
	return true
}

func (c *claims) release(lockID, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[lockID], value)
}
