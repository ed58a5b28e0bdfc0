package engine

import (
	"context"
	"errors"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// Tick triggers, recorded as frames.trigger_reason.
const (
	TriggerStart         = "start"
	TriggerResume        = "resume"
	TriggerStateChanged  = "state_changed"
	TriggerTaskCompleted = "task_completed"
	TriggerProgress      = "progress"
	TriggerTimer         = "timer"
	TriggerExternal      = "external"

	// TriggerRender stamps actions enqueued by the render function.
	TriggerRender = "render"
	// TriggerOperator stamps state written by an operator outside the engine.
	TriggerOperator = "operator"
)

// Run ticks until the execution goes idle, reaches a terminal status, or
// ctx ends.
//
// Between ticks it suspends until a task completes, a retry or lease
// becomes due, Wake or Stop is called, or a progress report arrives.
// Progress-triggered ticks are throttled to Options.MinFrameInterval;
// completions, wake-ups and stop requests are not.
//
// Reaching a stop condition is not an error. Must not be called
// concurrently with Tick.
func (x *Execution) Run(ctx context.Context) error {
	trigger := TriggerStart
	if x.clock.Current() >= 0 {
		trigger = TriggerResume
	}
	return x.run(ctx, trigger)
}

func (x *Execution) run(ctx context.Context, trigger string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := x.Tick(ctx, trigger)
		if err != nil {
			if IsStopCondition(err) || errors.Is(err, ErrExecutionDone) {
				return nil
			}
			return err
		}

		switch {
		case res.Status == ir.ExecutionPaused:
			if trigger, err = x.waitUnpaused(ctx); err != nil {
				return err
			}
			continue
		case res.Status != ir.ExecutionRunning:
			return nil
		case res.Changed():
			trigger = TriggerStateChanged
			continue
		case res.Idle:
			x.logger.Info("execution idle", "frame", res.FrameSeq)
			return nil
		}

		if trigger, err = x.wait(ctx, res.NextWake); err != nil {
			return err
		}
	}
}

func (x *Execution) wait(ctx context.Context, next time.Time) (string, error) {
	var timer <-chan time.Time
	if !next.IsZero() {
		d := next.Sub(x.now())
		if d < 0 {
			d = 0
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-x.tasks.Done():
		return TriggerTaskCompleted, nil
	case <-x.wake:
		return TriggerExternal, nil
	case <-timer:
		return TriggerTimer, nil
	case <-x.tasks.Progressed():
		return x.throttle(ctx)
	}
}

// throttle delays a progress-triggered tick until MinFrameInterval passed
// since the last frame. A completion or wake-up cuts the delay short.
func (x *Execution) throttle(ctx context.Context) (string, error) {
	remaining := x.opts.MinFrameInterval - x.now().Sub(x.lastFrameAt)
	if remaining <= 0 {
		return TriggerProgress, nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-x.tasks.Done():
		return TriggerTaskCompleted, nil
	case <-x.wake:
		return TriggerExternal, nil
	case <-t.C:
		return TriggerProgress, nil
	}
}

func (x *Execution) waitUnpaused(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-x.wake:
		return TriggerExternal, nil
	}
}
