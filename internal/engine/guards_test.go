package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmts/smithers/internal/testutil"
)

func TestClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(-1), c.Current())
	assert.Equal(t, int64(0), c.Peek())
	assert.Equal(t, int64(0), c.Peek(), "Peek must not consume")
	assert.Equal(t, int64(0), c.Next())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(1), c.Current())

	resumed := NewClockAt(41)
	assert.Equal(t, int64(42), resumed.Peek())
	assert.Equal(t, int64(42), resumed.Next())
}

func TestStopConditions(t *testing.T) {
	start := testutil.Epoch

	t.Run("zero limits are unlimited", func(t *testing.T) {
		s := &StopConditions{}
		assert.Empty(t, s.Check(start, start.Add(24*time.Hour), 1_000_000))
	})

	t.Run("wall clock", func(t *testing.T) {
		s := &StopConditions{MaxWallClock: time.Minute}
		assert.Empty(t, s.Check(start, start.Add(59*time.Second), 0))
		assert.Contains(t, s.Check(start, start.Add(time.Minute), 0), "wall clock limit")
	})

	t.Run("frames", func(t *testing.T) {
		s := &StopConditions{MaxFrames: 3}
		assert.Empty(t, s.Check(start, start, 2))
		assert.Contains(t, s.Check(start, start, 3), "frame limit")
	})

	t.Run("request wins and keeps the first reason", func(t *testing.T) {
		s := &StopConditions{MaxFrames: 3}
		assert.False(t, s.Requested())
		s.Request("first")
		s.Request("second")
		assert.True(t, s.Requested())
		assert.Equal(t, "first", s.Check(start, start, 10))
	})

	t.Run("empty reason gets a default", func(t *testing.T) {
		s := &StopConditions{}
		s.Request("")
		assert.Equal(t, "stop requested", s.Check(start, start, 0))
	})
}

func TestFrameStormGuard(t *testing.T) {
	now := testutil.Epoch

	t.Run("frames per second", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{LoopWindow: -1})
		for i := 0; i < DefaultMaxFramesPerSecond; i++ {
			require.Nil(t, g.Check("tree", string(rune('a'+i)), now, false))
		}
		v := g.Check("tree", "z", now, false)
		require.NotNil(t, v)
		assert.Equal(t, "frames per second", v.Limit)
		assert.Equal(t, DefaultMaxFramesPerSecond+1, v.Count)
	})

	t.Run("frames spread over seconds pass the per-second check", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{LoopWindow: -1})
		for i := 0; i < 3*DefaultMaxFramesPerSecond; i++ {
			require.Nil(t, g.Check("tree", string(rune('a'+i)), now.Add(time.Duration(i)*200*time.Millisecond), false))
		}
	})

	t.Run("frames per minute window slides", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{MaxPerSecond: -1, MaxPerMinute: 5, LoopWindow: -1})
		for i := 0; i < 5; i++ {
			require.Nil(t, g.Check("tree", "s", now.Add(time.Duration(i)*time.Second), false))
		}
		v := g.Check("tree", "s", now.Add(5*time.Second), false)
		require.NotNil(t, v)
		assert.Equal(t, "frames per minute", v.Limit)

		// A minute later the early frames have aged out.
		assert.Nil(t, g.Check("tree", "s", now.Add(62*time.Second), false))
	})

	t.Run("frames per run", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{MaxPerSecond: -1, MaxPerMinute: -1, MaxPerRun: 2, LoopWindow: -1})
		require.Nil(t, g.Check("t", "1", now, false))
		require.Nil(t, g.Check("t", "2", now, false))
		v := g.Check("t", "3", now, false)
		require.NotNil(t, v)
		assert.Equal(t, "frames per run", v.Limit)
		assert.Equal(t, 3, g.Count())

		g.Reset()
		assert.Zero(t, g.Count())
		assert.Nil(t, g.Check("t", "4", now, false))
	})

	t.Run("repeated signature", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{MaxPerSecond: -1, MaxPerMinute: -1, LoopWindow: 2})
		require.Nil(t, g.Check("tree", "same", now, false))
		require.Nil(t, g.Check("tree", "other", now, false))
		require.Nil(t, g.Check("tree", "same", now, false))
		v := g.Check("tree", "same", now, false)
		require.NotNil(t, v)
		assert.Equal(t, "repeated frame signature", v.Limit)
		assert.Equal(t, 3, v.Count)
	})

	t.Run("productive frames skip the per-second and signature checks", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{LoopWindow: 2})
		for i := 0; i < 3*DefaultMaxFramesPerSecond; i++ {
			require.Nil(t, g.Check("tree", "same", now, true))
		}
		require.Nil(t, g.Check("tree", "same", now, false))
		require.Nil(t, g.Check("tree", "same", now, false))
		v := g.Check("tree", "same", now, false)
		require.NotNil(t, v)
		assert.Equal(t, "repeated frame signature", v.Limit)
	})

	t.Run("productive frames still count per minute", func(t *testing.T) {
		g := NewFrameStormGuard(StormLimits{MaxPerMinute: 3})
		for i := 0; i < 3; i++ {
			require.Nil(t, g.Check("tree", string(rune('a'+i)), now, true))
		}
		v := g.Check("tree", "d", now, true)
		require.NotNil(t, v)
		assert.Equal(t, "frames per minute", v.Limit)
	})
}
