package effects

import (
	"fmt"
	"sync"
	"time"
)

// Loop detector defaults.
const (
	DefaultLoopThreshold = 3
	DefaultLoopWindow    = 5 * time.Second
	DefaultLoopHistory   = 10
)

// LoopError is raised when one (effect id, deps signature) pair ran more
// than the threshold allows inside the window.
type LoopError struct {
	EffectID  string
	Signature string
	Count     int
	Threshold int
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("effect %s ran %d times with the same deps (threshold %d)", e.EffectID, e.Count, e.Threshold)
}

type loopEntry struct {
	key string
	at  time.Time
}

// LoopDetector keeps a bounded history of recent effect runs.
//
// A run is a loop when the same pair already occurs threshold times among
// the last history runs that happened within window.
type LoopDetector struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	size      int
	history   []loopEntry
}

// NewLoopDetector creates a detector. Non-positive arguments use defaults.
func NewLoopDetector(threshold int, window time.Duration, history int) *LoopDetector {
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	if window <= 0 {
		window = DefaultLoopWindow
	}
	if history <= 0 {
		history = DefaultLoopHistory
	}
	return &LoopDetector{threshold: threshold, window: window, size: history}
}

// Check records a run at now and returns a *LoopError if it repeats too
// often.
func (d *LoopDetector) Check(effectID, signature string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := effectID + ":" + signature
	count := 0
	for _, e := range d.history {
		if e.key == key && now.Sub(e.at) <= d.window {
			count++
		}
	}

	d.history = append(d.history, loopEntry{key: key, at: now})
	if len(d.history) > d.size {
		d.history = d.history[len(d.history)-d.size:]
	}

	if count >= d.threshold {
		return &LoopError{EffectID: effectID, Signature: signature, Count: count + 1, Threshold: d.threshold}
	}
	return nil
}

// Reset clears the history.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
}
