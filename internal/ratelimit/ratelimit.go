// Package ratelimit coordinates execution targets (provider:model pairs)
// shared by many tasks. Each target has a bounded number of concurrent
// slots and a backoff window. A rate-limit failure on one task closes the
// window for every task on that target, so retries do not pile onto a
// provider that just said "slow down".
package ratelimit

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Defaults.
const (
	DefaultConcurrency = 4
	DefaultBackoff     = 60 * time.Second
	DefaultJitter      = 0.1
)

// BlockReason says why a target refused a slot.
type BlockReason string

const (
	ReasonBackoff     BlockReason = "backoff"
	ReasonConcurrency BlockReason = "concurrency"
)

// BlockedError is returned by Acquire when a task must not start yet.
// Until is set for backoff blocks; concurrency blocks clear when any slot
// on the target is released.
type BlockedError struct {
	Target string
	Reason BlockReason
	Until  time.Time
}

func (e *BlockedError) Error() string {
	if e.Reason == ReasonBackoff {
		return fmt.Sprintf("target %q in rate-limit backoff until %s", e.Target, e.Until.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("target %q has no free concurrency slot", e.Target)
}

// IsBlocked reports whether err is a *BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

type target struct {
	sem          *semaphore.Weighted
	limit        int64
	inFlight     int64
	blockedUntil time.Time
	rateLimits   int
}

// Coordinator holds per-target slots and backoff windows. Safe for
// concurrent use.
type Coordinator struct {
	mu             sync.Mutex
	targets        map[string]*target
	limits         map[string]int64
	defaultLimit   int64
	defaultBackoff time.Duration
	jitter         float64
	now            func() time.Time
	rand           func() float64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithDefaultConcurrency sets the slot count for targets without an explicit
// limit.
func WithDefaultConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.defaultLimit = int64(n)
		}
	}
}

// WithTargetLimits sets per-target slot counts.
func WithTargetLimits(limits map[string]int) Option {
	return func(c *Coordinator) {
		for t, n := range limits {
			if n > 0 {
				c.limits[t] = int64(n)
			}
		}
	}
}

// WithDefaultBackoff sets the window used when a rate limit carries no
// retry-after hint.
func WithDefaultBackoff(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultBackoff = d
		}
	}
}

// WithJitter sets the jitter fraction added to default backoff windows and
// the random source used for it. A nil source keeps math/rand/v2.
func WithJitter(fraction float64, source func() float64) Option {
	return func(c *Coordinator) {
		if fraction >= 0 {
			c.jitter = fraction
		}
		if source != nil {
			c.rand = source
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		targets:        make(map[string]*target),
		limits:         make(map[string]int64),
		defaultLimit:   DefaultConcurrency,
		defaultBackoff: DefaultBackoff,
		jitter:         DefaultJitter,
		now:            time.Now,
		rand:           rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) get(name string) *target {
	t, ok := c.targets[name]
	if !ok {
		limit, ok := c.limits[name]
		if !ok {
			limit = c.defaultLimit
		}
		t = &target{sem: semaphore.NewWeighted(limit), limit: limit}
		c.targets[name] = t
	}
	return t
}

// Permit is one acquired slot. Release is idempotent.
type Permit struct {
	c      *Coordinator
	target string
	once   sync.Once
}

// Target returns the target the permit was acquired on.
func (p *Permit) Target() string { return p.target }

// Release returns the slot.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.c.mu.Lock()
		defer p.c.mu.Unlock()
		t := p.c.get(p.target)
		t.inFlight--
		t.sem.Release(1)
	})
}

// Acquire takes a slot on target without blocking. It fails with a
// *BlockedError while the backoff window is open or all slots are taken.
func (c *Coordinator) Acquire(name string) (*Permit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.get(name)
	if now := c.now(); now.Before(t.blockedUntil) {
		return nil, &BlockedError{Target: name, Reason: ReasonBackoff, Until: t.blockedUntil}
	}
	if !t.sem.TryAcquire(1) {
		return nil, &BlockedError{Target: name, Reason: ReasonConcurrency}
	}
	t.inFlight++
	return &Permit{c: c, target: name}, nil
}

// ReportRateLimit opens (or extends) the backoff window of target.
// retryAfter <= 0 uses the default window plus up to jitter of it.
// Returns the end of the window.
func (c *Coordinator) ReportRateLimit(name string, retryAfter time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = c.defaultBackoff + time.Duration(float64(c.defaultBackoff)*c.jitter*c.rand())
	}
	t := c.get(name)
	t.rateLimits++
	until := c.now().Add(retryAfter)
	if until.After(t.blockedUntil) {
		t.blockedUntil = until
	}
	return t.blockedUntil
}

// BlockedUntil returns the end of the backoff window of target, or the zero
// time when it is open.
func (c *Coordinator) BlockedUntil(name string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.targets[name]
	if !ok || !c.now().Before(t.blockedUntil) {
		return time.Time{}
	}
	return t.blockedUntil
}

// Stats is a point-in-time view of one target.
type Stats struct {
	Target       string
	InFlight     int64
	Limit        int64
	BlockedUntil time.Time
	RateLimits   int
}

// Stats returns a view of every target seen so far.
func (c *Coordinator) Stats() map[string]Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Stats, len(c.targets))
	for name, t := range c.targets {
		out[name] = Stats{Target: name, InFlight: t.inFlight, Limit: t.limit, BlockedUntil: t.blockedUntil, RateLimits: t.rateLimits}
	}
	return out
}
