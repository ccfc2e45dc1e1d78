package clock

import (
	"sync"
	"time"
)

// ManualClock is a clock that only moves when told to.
//
// Safe for concurrent use.
type ManualClock struct {
	mu      sync.RWMutex
	current time.Time
}

// NewManualClock creates a ManualClock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

// NewManualClockAt creates a ManualClock at the given Unix second.
func NewManualClockAt(unixSeconds int64) *ManualClock {
	return NewManualClock(time.Unix(unixSeconds, 0))
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the clock by d. A negative d moves it backwards, which is
// how tests simulate skew between limiter instances.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}
