package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed schema.cue
var schemaSource string

// ValidationError reports the first schema violation.
type ValidationError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
	}
	return "invalid config: " + e.Message
}

// Validate checks the configuration against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(c.document()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

// document renders the configuration with the schema's field names.
// Durations become milliseconds so the schema can bound them as integers.
func (c Config) document() map[string]any {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }
	limits := c.TargetLimits
	if limits == nil {
		limits = map[string]int{}
	}
	return map[string]any{
		"db_path":                       c.DBPath,
		"driver":                        c.Driver,
		"lease_duration_ms":             ms(c.LeaseDuration),
		"heartbeat_interval_ms":         ms(c.HeartbeatInterval),
		"max_retries":                   c.MaxRetries,
		"backoff_initial_ms":            ms(c.BackoffInitial),
		"backoff_max_ms":                ms(c.BackoffMax),
		"backoff_multiplier":            c.BackoffMultiplier,
		"backoff_jitter":                c.BackoffJitter,
		"min_frame_interval_ms":         ms(c.MinFrameInterval),
		"cancel_timeout_ms":             ms(c.CancelTimeout),
		"effect_loop_threshold":         c.EffectLoopThreshold,
		"effect_loop_window_ms":         ms(c.EffectLoopWindow),
		"effect_loop_history":           c.EffectLoopHistory,
		"effect_commit_mode":            c.EffectCommitMode,
		"default_concurrency":           c.DefaultConcurrency,
		"target_limits":                 limits,
		"default_rate_limit_backoff_ms": ms(c.DefaultRateLimitBackoff),
		"max_frames_per_second":         c.MaxFramesPerSecond,
		"max_frames_per_minute":         c.MaxFramesPerMinute,
		"max_frames_per_run":            c.MaxFramesPerRun,
		"frame_loop_window":             c.FrameLoopWindow,
		"max_wall_clock_ms":             ms(c.MaxWallClock),
		"max_frames":                    c.MaxFrames,
		"sweep_schedule":                c.SweepSchedule,
		"event_log":                     c.EventLog,
	}
}

// formatCUEError keeps the first CUE error with its field path.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ValidationError{Message: err.Error()}
	}
	first := errs[0]
	format, args := first.Msg()
	ve := &ValidationError{
		Field:   strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
	if ve.Field == "" {
		ve.Message = first.Error()
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ve.Pos = positions[0]
	}
	return ve
}
