package engine

import "sync/atomic"

// Clock numbers the frames of one execution.
//
// Frame sequence numbers are the logical time of an execution: transitions
// are stamped with the frame that produced them and replay folds the log up
// to a frame. They start at 0 and increase by one per committed frame. A tick
// that aborts before its frame commit does not consume a number, so the
// frames table has no gaps.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Only the tick loop advances it; observers may read Current.
type Clock struct {
	last atomic.Int64
}

// NewClock creates a clock for an execution with no frames.
func NewClock() *Clock {
	return NewClockAt(-1)
}

// NewClockAt creates a clock whose last committed frame is last.
// Used by Resume to continue after the newest persisted frame.
func NewClockAt(last int64) *Clock {
	c := &Clock{}
	c.last.Store(last)
	return c
}

// Peek returns the number the next frame will get without consuming it.
func (c *Clock) Peek() int64 {
	return c.last.Load() + 1
}

// Next consumes and returns the next frame number.
func (c *Clock) Next() int64 {
	return c.last.Add(1)
}

// Current returns the last committed frame number, or -1 before the first.
func (c *Clock) Current() int64 {
	return c.last.Load()
}
