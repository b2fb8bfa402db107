// Package lifecycle keeps the credentials on each lock in line with the
// booking they belong to.
package lifecycle

import (
	"time"

	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/provider"
)

// Window is the interval a code is valid for.
type Window = provider.Window

// Buffers widen a stay on both sides.
type Buffers struct {
	Early time.Duration
	Late  time.Duration
}

// BuffersFor returns the buffers configured for a property.
func BuffersFor(p config.Property) Buffers {
	early, late := p.Buffers()
	return Buffers{Early: early, Late: late}
}

// ComputeWindow returns [checkin-early, checkout+late] in UTC.
func ComputeWindow(checkin, checkout time.Time, b Buffers) Window {
	return Window{
		From:  checkin.Add(-b.Early).UTC(),
		Until: checkout.Add(b.Late).UTC(),
	}
}
