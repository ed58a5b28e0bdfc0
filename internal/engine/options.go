package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/evmts/smithers/internal/effects"
	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/tasks"
)

// CommitMode decides when actions enqueued by effects are committed.
type CommitMode string

const (
	// CommitSameTick commits effect writes in a second commit at the end of
	// the Effects phase, with transition phase "effects".
	CommitSameTick CommitMode = "same_tick"
	// CommitNextTick carries effect writes over to the next tick's
	// Commit-Actions phase.
	CommitNextTick CommitMode = "next_tick"
)

// Valid reports whether m is a known mode.
func (m CommitMode) Valid() bool {
	return m == CommitSameTick || m == CommitNextTick
}

// Options are the tuning knobs of an execution. They are persisted in the
// execution row so the audit trail records, among others, which effect
// commit mode produced the transition log.
type Options struct {
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	// MaxRetries applies to runnable nodes without a max_retries prop.
	MaxRetries int
	Backoff    tasks.Backoff
	// CancelTimeout bounds how long an unmounted node waits for its worker
	// to acknowledge a cancel before it is abandoned.
	CancelTimeout time.Duration

	// MinFrameInterval throttles ticks triggered by progress reports only.
	MinFrameInterval time.Duration

	EffectLoopThreshold int
	EffectLoopWindow    time.Duration
	EffectLoopHistory   int
	EffectCommitMode    CommitMode

	Storm        StormLimits
	MaxWallClock time.Duration
	MaxFrames    int64
}

// DefaultCancelTimeout is the default Options.CancelTimeout.
const DefaultCancelTimeout = 10 * time.Second

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		LeaseDuration:       tasks.DefaultLeaseDuration,
		HeartbeatInterval:   tasks.DefaultHeartbeatInterval,
		MaxRetries:          3,
		Backoff:             tasks.DefaultBackoff(),
		CancelTimeout:       DefaultCancelTimeout,
		MinFrameInterval:    250 * time.Millisecond,
		EffectLoopThreshold: effects.DefaultLoopThreshold,
		EffectLoopWindow:    effects.DefaultLoopWindow,
		EffectLoopHistory:   effects.DefaultLoopHistory,
		EffectCommitMode:    CommitSameTick,
		Storm:               StormLimits{}.withDefaults(),
	}
}

// Validate checks cross-field constraints.
func (o Options) Validate() error {
	if !o.EffectCommitMode.Valid() {
		return fmt.Errorf("effect commit mode %q: want %q or %q", o.EffectCommitMode, CommitSameTick, CommitNextTick)
	}
	if o.HeartbeatInterval >= o.LeaseDuration {
		return fmt.Errorf("heartbeat interval %s must be shorter than lease duration %s", o.HeartbeatInterval, o.LeaseDuration)
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", o.MaxRetries)
	}
	if o.CancelTimeout <= 0 {
		return fmt.Errorf("cancel timeout must be positive, got %s", o.CancelTimeout)
	}
	return nil
}

// Config returns the options as an IR object for the executions.config
// column. Durations are milliseconds; floats are decimal strings because
// canonical JSON forbids them.
func (o Options) Config() ir.IRObject {
	ms := func(d time.Duration) ir.IRValue { return ir.IRInt(d.Milliseconds()) }
	float := func(f float64) ir.IRValue { return ir.IRString(strconv.FormatFloat(f, 'f', -1, 64)) }
	return ir.Obj(
		ir.O("lease_duration_ms", ms(o.LeaseDuration)),
		ir.O("heartbeat_interval_ms", ms(o.HeartbeatInterval)),
		ir.O("max_retries", ir.IRInt(o.MaxRetries)),
		ir.O("backoff_initial_ms", ms(o.Backoff.Initial)),
		ir.O("backoff_max_ms", ms(o.Backoff.Max)),
		ir.O("backoff_multiplier", float(o.Backoff.Multiplier)),
		ir.O("backoff_jitter", float(o.Backoff.Jitter)),
		ir.O("cancel_timeout_ms", ms(o.CancelTimeout)),
		ir.O("min_frame_interval_ms", ms(o.MinFrameInterval)),
		ir.O("effect_loop_threshold", ir.IRInt(o.EffectLoopThreshold)),
		ir.O("effect_loop_window_ms", ms(o.EffectLoopWindow)),
		ir.O("effect_loop_history", ir.IRInt(o.EffectLoopHistory)),
		ir.O("effect_commit_mode", ir.IRString(o.EffectCommitMode)),
		ir.O("max_frames_per_second", ir.IRInt(o.Storm.MaxPerSecond)),
		ir.O("max_frames_per_minute", ir.IRInt(o.Storm.MaxPerMinute)),
		ir.O("max_frames_per_run", ir.IRInt(o.Storm.MaxPerRun)),
		ir.O("frame_loop_window", ir.IRInt(o.Storm.LoopWindow)),
		ir.O("max_wall_clock_ms", ms(o.MaxWallClock)),
		ir.O("max_frames", ir.IRInt(o.MaxFrames)),
	)
}

// persistedCommitMode reads the commit mode recorded in an execution's
// config. Resume honours it over the engine's current options so one
// execution never mixes modes.
func persistedCommitMode(config []byte) (CommitMode, bool) {
	if len(config) == 0 {
		return "", false
	}
	v, err := ir.UnmarshalIRValue(config)
	if err != nil {
		return "", false
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return "", false
	}
	mode, ok := obj.GetString("effect_commit_mode")
	if !ok || !CommitMode(mode).Valid() {
		return "", false
	}
	return CommitMode(mode), true
}
