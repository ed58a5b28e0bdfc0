package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a Clock. Millisecond precision so it
// survives a round trip through the store unchanged.
var Epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced wall clock for tests.
//
// Unlike time.Now, Clock only moves when the test says so, which makes lease
// expiry, backoff windows and loop-detector windows reproducible.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Workers read it from their own goroutines.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock at start. A zero start means Epoch.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now returns the current time. Its signature matches the func() time.Time
// options of the engine packages.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed; tests of
// monotonic components should not do it.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset returns the clock to Epoch.
func (c *Clock) Reset() {
	c.Set(Epoch)
}
