package effects

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopDetector(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("different signatures never loop", func(t *testing.T) {
		d := NewLoopDetector(3, time.Second, 10)
		for i, sig := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, d.Check("e1", sig, t0.Add(time.Duration(i)*time.Millisecond)))
		}
	})

	t.Run("different effects count separately", func(t *testing.T) {
		d := NewLoopDetector(3, time.Second, 10)
		for range 3 {
			require.NoError(t, d.Check("e1", "s", t0))
			require.NoError(t, d.Check("e2", "s", t0))
		}
	})

	t.Run("fourth identical run raises", func(t *testing.T) {
		d := NewLoopDetector(3, time.Second, 10)
		for range 3 {
			require.NoError(t, d.Check("e1", "s", t0))
		}
		assert.Error(t, d.Check("e1", "s", t0))
	})

	t.Run("runs outside the window are forgotten", func(t *testing.T) {
		d := NewLoopDetector(3, time.Second, 10)
		for i := range 3 {
			require.NoError(t, d.Check("e1", "s", t0.Add(time.Duration(i)*time.Second)))
		}
		assert.NoError(t, d.Check("e1", "s", t0.Add(3*time.Second)))
	})

	t.Run("history is bounded", func(t *testing.T) {
		d := NewLoopDetector(3, time.Minute, 4)
		for range 2 {
			require.NoError(t, d.Check("e1", "s", t0))
		}
		for _, sig := range []string{"x", "y", "z"} {
			require.NoError(t, d.Check("e1", sig, t0))
		}
		assert.NoError(t, d.Check("e1", "s", t0))
	})

	t.Run("reset", func(t *testing.T) {
		d := NewLoopDetector(1, time.Minute, 10)
		require.NoError(t, d.Check("e1", "s", t0))
		d.Reset()
		assert.NoError(t, d.Check("e1", "s", t0))
	})
}
