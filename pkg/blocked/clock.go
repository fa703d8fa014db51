// Monotonic and manual clocks for measuring poll durations.
package blocked

import (
	"sync/atomic"
	"time"
)

// Clock reports monotonic time as an offset from a fixed origin.
type Clock interface {
	Now() time.Duration
}

type monotonicClock struct {
	origin time.Time
}

// MonotonicClock returns a Clock backed by the runtime's monotonic clock.
func MonotonicClock() Clock {
	return monotonicClock{origin: time.Now()}
}

func (c monotonicClock) Now() time.Duration {
	return time.Since(c.origin)
}

// ManualClock is a Clock that only moves when told to. Safe for concurrent use.
type ManualClock struct {
	now atomic.Int64
}

// Now returns the current offset.
func (c *ManualClock) Now() time.Duration {
	return time.Duration(c.now.Load())
}

// Set moves the clock to d. Moving backwards is allowed.
func (c *ManualClock) Set(d time.Duration) {
	c.now.Store(int64(d))
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}
