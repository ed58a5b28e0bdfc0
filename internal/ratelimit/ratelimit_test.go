package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAcquire_ConcurrencyLimit(t *testing.T) {
	c := New(WithDefaultConcurrency(2), WithTargetLimits(map[string]int{"openai:gpt": 1}))

	p1, err := c.Acquire("anthropic:sonnet")
	require.NoError(t, err)
	_, err = c.Acquire("anthropic:sonnet")
	require.NoError(t, err)

	_, err = c.Acquire("anthropic:sonnet")
	require.Error(t, err)
	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ReasonConcurrency, be.Reason)

	p1.Release()
	p1.Release()
	_, err = c.Acquire("anthropic:sonnet")
	assert.NoError(t, err)

	_, err = c.Acquire("openai:gpt")
	require.NoError(t, err)
	_, err = c.Acquire("openai:gpt")
	assert.True(t, IsBlocked(err))

	stats := c.Stats()
	assert.Equal(t, int64(2), stats["anthropic:sonnet"].InFlight)
	assert.Equal(t, int64(1), stats["openai:gpt"].Limit)
}

// A 429 on one task blocks a second, unrelated task on the same target
// until the window elapses.
func TestReportRateLimit_BlocksWholeTarget(t *testing.T) {
	clock := newClock()
	c := New(WithClock(clock.Now))

	first, err := c.Acquire("anthropic:sonnet")
	require.NoError(t, err)
	until := c.ReportRateLimit("anthropic:sonnet", 30*time.Second)
	first.Release()
	assert.Equal(t, clock.Now().Add(30*time.Second), until)

	_, err = c.Acquire("anthropic:sonnet")
	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ReasonBackoff, be.Reason)
	assert.Equal(t, until, be.Until)

	_, err = c.Acquire("openai:gpt")
	assert.NoError(t, err, "other targets are unaffected")

	clock.Advance(29 * time.Second)
	_, err = c.Acquire("anthropic:sonnet")
	assert.True(t, IsBlocked(err))

	clock.Advance(time.Second)
	_, err = c.Acquire("anthropic:sonnet")
	assert.NoError(t, err)
	assert.True(t, c.BlockedUntil("anthropic:sonnet").IsZero())
}

func TestReportRateLimit_DefaultWindowWithJitter(t *testing.T) {
	clock := newClock()
	c := New(WithClock(clock.Now), WithDefaultBackoff(time.Minute), WithJitter(0.1, func() float64 { return 0.5 }))

	until := c.ReportRateLimit("t", 0)
	assert.Equal(t, clock.Now().Add(63*time.Second), until)
}

func TestReportRateLimit_NeverShrinksWindow(t *testing.T) {
	clock := newClock()
	c := New(WithClock(clock.Now))

	long := c.ReportRateLimit("t", time.Minute)
	short := c.ReportRateLimit("t", time.Second)
	assert.Equal(t, long, short)
	assert.Equal(t, 2, c.Stats()["t"].RateLimits)
}
