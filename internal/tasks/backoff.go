package tasks

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Initial * Multiplier^retry, capped at Max,
// plus up to Jitter of the delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the engine defaults: 1s doubling to 60s, 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 60 * time.Second, Multiplier: 2, Jitter: 0.1}
}

// Delay returns the wait before attempt retryCount+1, where retryCount is
// the number of retries already made.
func (b Backoff) Delay(retryCount int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(initial) * math.Pow(mult, float64(max(retryCount, 0)))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d += d * b.Jitter * r()
	}
	return time.Duration(d)
}
