package engine

import (
	"fmt"
	"sync"
	"time"
)

// StopConditions halt an execution gracefully when any of them is met.
//
// Unlike the frame storm guard, which catches feedback loops, stop
// conditions are operator budgets: a wall-clock limit, a frame limit and an
// explicit stop request. Zero limits are unlimited.
type StopConditions struct {
	MaxWallClock time.Duration
	MaxFrames    int64

	mu        sync.Mutex
	requested string
}

// Request asks the execution to stop at the next tick. The first reason
// wins.
func (s *StopConditions) Request(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = "stop requested"
	}
	if s.requested == "" {
		s.requested = reason
	}
}

// Requested reports whether a stop was requested.
func (s *StopConditions) Requested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested != ""
}

// Check returns a non-empty reason when a condition is met. A requested
// stop takes priority over the limits.
func (s *StopConditions) Check(startedAt, now time.Time, frames int64) string {
	s.mu.Lock()
	requested := s.requested
	s.mu.Unlock()

	if requested != "" {
		return requested
	}
	if s.MaxWallClock > 0 {
		if elapsed := now.Sub(startedAt); elapsed >= s.MaxWallClock {
			return fmt.Sprintf("wall clock limit reached (%s >= %s)", elapsed, s.MaxWallClock)
		}
	}
	if s.MaxFrames > 0 && frames >= s.MaxFrames {
		return fmt.Sprintf("frame limit reached (%d >= %d)", frames, s.MaxFrames)
	}
	return ""
}
