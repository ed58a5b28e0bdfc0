package effects

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// EffectID derives the registry key of the n-th effect of a node.
func EffectID(nodeID string, local int) string {
	return fmt.Sprintf("%s#%d", nodeID, local)
}

// Registration is one effect declared by the current render.
type Registration struct {
	EffectID string
	NodeID   string
	// Deps nil means the effect declared no deps and runs every tick. Such
	// runs are exempt from loop detection and, in the engine, never cause
	// another tick by themselves; only state they write does.
	Deps ir.IRValue
	Run  ir.EffectRun
}

// FromNode builds the registration of an effect node.
func FromNode(n *ir.Node) Registration {
	return Registration{
		EffectID: EffectID(n.ID, 0),
		NodeID:   n.ID,
		Deps:     n.Prop(ir.PropDeps),
		Run:      n.Run,
	}
}

// Due is a registration that must run this tick.
type Due struct {
	Registration
	Signature string
	First     bool
	// EveryTick marks a run due only because the effect has no deps.
	EveryTick bool
}

type entry struct {
	signature string
	cleanup   func()
	ran       bool
	runs      int
}

// PanicError wraps a panic recovered from an effect body or cleanup.
type PanicError struct {
	EffectID string
	Value    any
	Stack    []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("effect %s panicked: %v", e.EffectID, e.Value)
}

// Registry tracks effects across ticks of one execution.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	detector *LoopDetector
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLoopDetector replaces the default detector.
func WithLoopDetector(d *LoopDetector) Option {
	return func(r *Registry) { r.detector = d }
}

// WithLogger sets the logger used for cleanup failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the time source of the loop detector.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		detector: NewLoopDetector(0, 0, 0),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync takes the registrations of the current render and returns the
// effects that are due, in registration order. Effects registered before and
// missing now are unmounted: their cleanup runs and their ids are returned
// sorted.
func (r *Registry) Sync(regs []Registration) (due []Due, unmounted []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(regs))
	for _, reg := range regs {
		if seen[reg.EffectID] {
			return nil, nil, fmt.Errorf("effect %s registered twice in one render", reg.EffectID)
		}
		seen[reg.EffectID] = true

		sig, err := ir.DepsSignature(reg.Deps)
		if err != nil {
			return nil, nil, fmt.Errorf("effect %s deps: %w", reg.EffectID, err)
		}
		e, ok := r.entries[reg.EffectID]
		switch {
		case !ok || !e.ran:
			due = append(due, Due{Registration: reg, Signature: sig, First: true})
		case reg.Deps == nil:
			due = append(due, Due{Registration: reg, Signature: sig, EveryTick: true})
		case e.signature != sig:
			due = append(due, Due{Registration: reg, Signature: sig})
		}
	}

	for id, e := range r.entries {
		if !seen[id] {
			unmounted = append(unmounted, id)
			r.runCleanup(id, e)
			delete(r.entries, id)
		}
	}
	slices.Sort(unmounted)
	return due, unmounted, nil
}

// Run executes one due effect: loop check, previous cleanup, then the body.
// The remembered signature is updated even when the body fails, so a failing
// effect is not retried until its deps change.
func (r *Registry) Run(d Due, w ir.Writer) error {
	if !d.EveryTick {
		if err := r.detector.Check(d.EffectID, d.Signature, r.now()); err != nil {
			return err
		}
	}

	r.mu.Lock()
	e, ok := r.entries[d.EffectID]
	if !ok {
		e = &entry{}
		r.entries[d.EffectID] = e
	}
	r.runCleanup(d.EffectID, e)
	e.signature = d.Signature
	e.ran = true
	e.runs++
	r.mu.Unlock()

	if d.Run == nil {
		return nil
	}
	cleanup, err := r.invoke(d.EffectID, d.Run, w)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[d.EffectID]; ok {
		cur.cleanup = cleanup
	} else if cleanup != nil {
		// Unmounted while running.
		r.safeCleanup(d.EffectID, cleanup)
	}
	return err
}

// Runs returns how many times an effect has run since it mounted.
func (r *Registry) Runs(effectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[effectID]; ok {
		return e.runs
	}
	return 0
}

// Close runs every pending cleanup and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r.runCleanup(id, r.entries[id])
		delete(r.entries, id)
	}
	r.detector.Reset()
}

func (r *Registry) invoke(id string, run ir.EffectRun, w ir.Writer) (cleanup func(), err error) {
	defer func() {
		if v := recover(); v != nil {
			cleanup = nil
			err = &PanicError{EffectID: id, Value: v, Stack: debug.Stack()}
		}
	}()
	return run(w)
}

// runCleanup must be called with r.mu held.
func (r *Registry) runCleanup(id string, e *entry) {
	if e.cleanup == nil {
		return
	}
	fn := e.cleanup
	e.cleanup = nil
	r.safeCleanup(id, fn)
}

func (r *Registry) safeCleanup(id string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("effect cleanup panicked", "effect_id", id, "panic", v)
		}
	}()
	fn()
}

// IsLoopError reports whether err is a *LoopError.
func IsLoopError(err error) bool {
	var le *LoopError
	return errors.As(err, &le)
}
