package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// Volatile is an in-memory store. Commit is a single lock-protected batch
// apply followed by one version increment. Transitions are returned to the
// caller but not persisted.
type Volatile struct {
	mu      sync.RWMutex
	entries map[string]ir.IRValue
	version int64
	queue   *Queue
	guard   *RenderGuard
	now     func() time.Time
}

// VolatileOption configures a Volatile store.
type VolatileOption func(*Volatile)

// WithVolatileGuard installs a render guard.
func WithVolatileGuard(g *RenderGuard) VolatileOption {
	return func(v *Volatile) { v.guard = g }
}

// WithVolatileClock overrides the timestamp source of transitions.
func WithVolatileClock(now func() time.Time) VolatileOption {
	return func(v *Volatile) { v.now = now }
}

// NewVolatile creates an empty volatile store.
func NewVolatile(opts ...VolatileOption) *Volatile {
	v := &Volatile{
		entries: make(map[string]ir.IRValue),
		queue:   NewQueue(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Volatile) Snapshot(context.Context) (ReadView, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return newSnapshot(v.entries, v.version), nil
}

func (v *Volatile) Enqueue(a ir.Action) { v.queue.Enqueue(a) }

func (v *Volatile) Drain() []ir.Action { return v.queue.Drain() }

func (v *Volatile) Pending() int { return v.queue.Len() }

func (v *Volatile) Commit(_ context.Context, batch []ir.Action, phase string) (CommitResult, error) {
	if err := v.guard.refuse(); err != nil {
		return CommitResult{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if len(batch) == 0 {
		return CommitResult{Version: v.version, Transitions: []ir.Transition{}}, nil
	}

	// Apply to a working copy so a failing reducer leaves the store untouched.
	work := make(map[string]ir.IRValue, len(v.entries))
	for k, val := range v.entries {
		work[k] = val
	}
	now := v.now()
	transitions := make([]ir.Transition, 0, len(batch))
	for _, a := range batch {
		cur, present := work[a.Key]
		next, nowPresent, err := a.Apply(cur, present)
		if err != nil {
			return CommitResult{}, fmt.Errorf("volatile commit: %w", err)
		}
		t := ir.Transition{
			Key:       a.Key,
			Trigger:   a.Trigger,
			NodeID:    a.NodeID,
			FrameID:   a.FrameID,
			Phase:     phase,
			Timestamp: now,
		}
		if present {
			t.OldValue = cur
		}
		if nowPresent {
			work[a.Key] = next
			t.NewValue = next
		} else {
			delete(work, a.Key)
		}
		transitions = append(transitions, t)
	}

	v.entries = work
	v.version++
	return CommitResult{Version: v.version, Transitions: transitions}, nil
}

func (v *Volatile) Version() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}
