package engine

import (
	"fmt"
	"sync"
	"time"
)

// Frame storm defaults.
const (
	DefaultMaxFramesPerSecond = 10
	DefaultMaxFramesPerMinute = 200
	DefaultMaxFramesPerRun    = 1000
	DefaultFrameLoopWindow    = 5
	frameSignatureHistory     = 20
)

// StormLimits configures a FrameStormGuard. Zero fields take the defaults;
// a negative field disables that check.
type StormLimits struct {
	MaxPerSecond int
	MaxPerMinute int
	MaxPerRun    int
	// LoopWindow is how many earlier occurrences of the same frame
	// signature, among the last 20 frames, trip the guard.
	LoopWindow int
}

func (l StormLimits) withDefaults() StormLimits {
	if l.MaxPerSecond == 0 {
		l.MaxPerSecond = DefaultMaxFramesPerSecond
	}
	if l.MaxPerMinute == 0 {
		l.MaxPerMinute = DefaultMaxFramesPerMinute
	}
	if l.MaxPerRun == 0 {
		l.MaxPerRun = DefaultMaxFramesPerRun
	}
	if l.LoopWindow == 0 {
		l.LoopWindow = DefaultFrameLoopWindow
	}
	return l
}

// FrameStormGuard detects runaway frame production: too many frames per
// second, per minute or per run, or the same (tree hash, state hash) pair
// coming back again and again.
//
// A productive frame follows a tick that mounted or unmounted nodes, or
// started or finished an attempt. Productive frames count toward the
// per-minute and per-run limits only; the per-second and signature checks
// see idle churn alone, so a fast chain of short tasks or a node working
// through its retries never trips them.
//
// The per-run count covers one process run of the execution; Resume starts
// a fresh guard.
type FrameStormGuard struct {
	mu         sync.Mutex
	limits     StormLimits
	count      int
	timestamps []time.Time
	idle       []time.Time
	signatures []string
}

// NewFrameStormGuard creates a guard.
func NewFrameStormGuard(limits StormLimits) *FrameStormGuard {
	return &FrameStormGuard{limits: limits.withDefaults()}
}

// StormViolation describes which limit tripped.
type StormViolation struct {
	Limit string
	Count int
	Max   int
}

func (v *StormViolation) Error() string {
	return fmt.Sprintf("%s exceeded (%d > %d)", v.Limit, v.Count, v.Max)
}

// Check records a frame and returns a violation if it trips a limit.
func (g *FrameStormGuard) Check(treeHash, stateHash string, now time.Time, productive bool) *StormViolation {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.count++
	g.timestamps = append(within(g.timestamps, now, time.Minute), now)
	g.idle = within(g.idle, now, time.Second)

	if g.limits.MaxPerRun > 0 && g.count > g.limits.MaxPerRun {
		return &StormViolation{Limit: "frames per run", Count: g.count, Max: g.limits.MaxPerRun}
	}
	if g.limits.MaxPerMinute > 0 && len(g.timestamps) > g.limits.MaxPerMinute {
		return &StormViolation{Limit: "frames per minute", Count: len(g.timestamps), Max: g.limits.MaxPerMinute}
	}
	if productive {
		return nil
	}

	g.idle = append(g.idle, now)
	if g.limits.MaxPerSecond > 0 && len(g.idle) > g.limits.MaxPerSecond {
		return &StormViolation{Limit: "frames per second", Count: len(g.idle), Max: g.limits.MaxPerSecond}
	}

	sig := treeHash + ":" + stateHash
	seen := 0
	for _, s := range g.signatures {
		if s == sig {
			seen++
		}
	}
	g.signatures = append(g.signatures, sig)
	if len(g.signatures) > frameSignatureHistory {
		g.signatures = g.signatures[len(g.signatures)-frameSignatureHistory:]
	}
	if g.limits.LoopWindow > 0 && seen >= g.limits.LoopWindow {
		return &StormViolation{Limit: "repeated frame signature", Count: seen + 1, Max: g.limits.LoopWindow}
	}
	return nil
}

// Count returns the frames checked so far.
func (g *FrameStormGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Reset clears all history.
func (g *FrameStormGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count = 0
	g.timestamps = nil
	g.idle = nil
	g.signatures = nil
}

// within drops the times older than window before now, in place.
func within(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
