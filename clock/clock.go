// Package clock provides strictly increasing microsecond timestamps for use
// as partition record times.
package clock

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("nescore/clock")

// Clock yields strictly increasing microsecond timestamps relative to an
// epoch fixed at construction time. Now is guarded by a mutex, so a single
// Clock may be shared by every partition of a storage.
type Clock struct {
	mu    sync.Mutex
	src   clock.Clock
	epoch time.Time
	// base and wallBase let a process restart pick up near-wall-clock
	// values: base is the hi-resolution reading taken at construction, and
	// wallBase is the wall-clock time observed at that same moment.
	base     time.Time
	wallBase int64 // microseconds since epoch, observed at construction
	last     int64
}

// New returns a Clock using the real system clock and the given epoch.
func New(epoch time.Time) *Clock {
	return NewWithSource(clock.New(), epoch)
}

// NewWithSource returns a Clock driven by src, which can be a
// github.com/benbjohnson/clock.Mock in tests to get deterministic,
// controllable timestamps without sleeping on wall time.
func NewWithSource(src clock.Clock, epoch time.Time) *Clock {
	now := src.Now()
	return &Clock{
		src:      src,
		epoch:    epoch,
		base:     now,
		wallBase: microsSince(epoch, now),
	}
}

func microsSince(epoch, t time.Time) int64 {
	d := t.Sub(epoch)
	return d.Microseconds()
}

// Epoch returns the epoch this Clock's values are relative to.
func (c *Clock) Epoch() time.Time {
	return c.epoch
}

// Now returns a microsecond timestamp since the Clock's epoch. The contract
// is max(lastReturned+1, epochRelativeMicros(now)): Now never goes backward
// and never repeats a value, even when the underlying source returns the
// same reading twice in a row (common on coarse-grained OS clocks).
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.src.Now().Sub(c.base).Microseconds()
	reading := c.wallBase + elapsed

	next := c.last + 1
	if reading > next {
		next = reading
	}
	if next <= c.last {
		// Should be unreachable given the above, but never let Now go
		// backward or stand still.
		next = c.last + 1
	}
	c.last = next
	return next
}

// Time converts a Clock-relative microsecond value back to a wall-clock
// time.Time, for logging and diagnostics.
func (c *Clock) Time(micros int64) time.Time {
	return c.epoch.Add(time.Duration(micros) * time.Microsecond)
}
