// Package config loads engine configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// SMITHERS_* environment variables. The result is checked against an
// embedded CUE schema before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/evmts/smithers/internal/effects"
	"github.com/evmts/smithers/internal/engine"
	"github.com/evmts/smithers/internal/ratelimit"
	"github.com/evmts/smithers/internal/store"
	"github.com/evmts/smithers/internal/tasks"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SMITHERS_"

// Config is the effective configuration of one process.
type Config struct {
	DBPath string `yaml:"db_path" env:"DB_PATH"`
	Driver string `yaml:"driver" env:"DRIVER"`

	LeaseDuration     time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`

	BackoffInitial    time.Duration `yaml:"backoff_initial" env:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `yaml:"backoff_max" env:"BACKOFF_MAX"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	BackoffJitter     float64       `yaml:"backoff_jitter" env:"BACKOFF_JITTER"`
	MinFrameInterval  time.Duration `yaml:"min_frame_interval" env:"MIN_FRAME_INTERVAL"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout" env:"CANCEL_TIMEOUT"`

	EffectLoopThreshold int           `yaml:"effect_loop_threshold" env:"EFFECT_LOOP_THRESHOLD"`
	EffectLoopWindow    time.Duration `yaml:"effect_loop_window" env:"EFFECT_LOOP_WINDOW"`
	EffectLoopHistory   int           `yaml:"effect_loop_history" env:"EFFECT_LOOP_HISTORY"`
	EffectCommitMode    string        `yaml:"effect_commit_mode" env:"EFFECT_COMMIT_MODE"`

	DefaultConcurrency      int            `yaml:"default_concurrency" env:"DEFAULT_CONCURRENCY"`
	TargetLimits            map[string]int `yaml:"target_limits" env:"TARGET_LIMITS" envKeyValSeparator:"="`
	DefaultRateLimitBackoff time.Duration  `yaml:"default_rate_limit_backoff" env:"DEFAULT_RATE_LIMIT_BACKOFF"`

	MaxFramesPerSecond int           `yaml:"max_frames_per_second" env:"MAX_FRAMES_PER_SECOND"`
	MaxFramesPerMinute int           `yaml:"max_frames_per_minute" env:"MAX_FRAMES_PER_MINUTE"`
	MaxFramesPerRun    int           `yaml:"max_frames_per_run" env:"MAX_FRAMES_PER_RUN"`
	FrameLoopWindow    int           `yaml:"frame_loop_window" env:"FRAME_LOOP_WINDOW"`
	MaxWallClock       time.Duration `yaml:"max_wall_clock" env:"MAX_WALL_CLOCK"`
	MaxFrames          int64         `yaml:"max_frames" env:"MAX_FRAMES"`

	SweepSchedule string `yaml:"sweep_schedule" env:"SWEEP_SCHEDULE"`
	EventLog      string `yaml:"event_log" env:"EVENT_LOG"`
}

// Default returns the built-in configuration.
func Default() Config {
	b := tasks.DefaultBackoff()
	return Config{
		DBPath:                  "smithers.db",
		Driver:                  store.DriverCGO,
		LeaseDuration:           tasks.DefaultLeaseDuration,
		HeartbeatInterval:       tasks.DefaultHeartbeatInterval,
		MaxRetries:              3,
		BackoffInitial:          b.Initial,
		BackoffMax:              b.Max,
		BackoffMultiplier:       b.Multiplier,
		BackoffJitter:           b.Jitter,
		MinFrameInterval:        250 * time.Millisecond,
		CancelTimeout:           engine.DefaultCancelTimeout,
		EffectLoopThreshold:     effects.DefaultLoopThreshold,
		EffectLoopWindow:        effects.DefaultLoopWindow,
		EffectLoopHistory:       effects.DefaultLoopHistory,
		EffectCommitMode:        string(engine.CommitSameTick),
		DefaultConcurrency:      ratelimit.DefaultConcurrency,
		TargetLimits:            map[string]int{},
		DefaultRateLimitBackoff: ratelimit.DefaultBackoff,
		MaxFramesPerSecond:      engine.DefaultMaxFramesPerSecond,
		MaxFramesPerMinute:      engine.DefaultMaxFramesPerMinute,
		MaxFramesPerRun:         engine.DefaultMaxFramesPerRun,
		FrameLoopWindow:         engine.DefaultFrameLoopWindow,
		SweepSchedule:           engine.DefaultSweepSchedule,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(fs, path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) readFile(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// EngineOptions converts the configuration to engine options.
func (c Config) EngineOptions() engine.Options {
	o := engine.DefaultOptions()
	o.LeaseDuration = c.LeaseDuration
	o.HeartbeatInterval = c.HeartbeatInterval
	o.MaxRetries = c.MaxRetries
	o.Backoff = tasks.Backoff{
		Initial:    c.BackoffInitial,
		Max:        c.BackoffMax,
		Multiplier: c.BackoffMultiplier,
		Jitter:     c.BackoffJitter,
	}
	o.MinFrameInterval = c.MinFrameInterval
	o.CancelTimeout = c.CancelTimeout
	o.EffectLoopThreshold = c.EffectLoopThreshold
	o.EffectLoopWindow = c.EffectLoopWindow
	o.EffectLoopHistory = c.EffectLoopHistory
	o.EffectCommitMode = engine.CommitMode(c.EffectCommitMode)
	o.Storm = engine.StormLimits{
		MaxPerSecond: c.MaxFramesPerSecond,
		MaxPerMinute: c.MaxFramesPerMinute,
		MaxPerRun:    c.MaxFramesPerRun,
		LoopWindow:   c.FrameLoopWindow,
	}
	o.MaxWallClock = c.MaxWallClock
	o.MaxFrames = c.MaxFrames
	return o
}

// RateLimitOptions returns the coordinator options for the configured
// concurrency and backoff.
func (c Config) RateLimitOptions() []ratelimit.Option {
	return []ratelimit.Option{
		ratelimit.WithDefaultConcurrency(c.DefaultConcurrency),
		ratelimit.WithTargetLimits(c.TargetLimits),
		ratelimit.WithDefaultBackoff(c.DefaultRateLimitBackoff),
	}
}

// StoreOptions returns the store options for the configured driver.
func (c Config) StoreOptions() []store.Option {
	return []store.Option{store.WithDriver(c.Driver)}
}
