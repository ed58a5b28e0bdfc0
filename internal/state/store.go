package state

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/evmts/smithers/internal/ir"
)

// ErrWriteDuringRender is returned by Commit while the render guard is held.
var ErrWriteDuringRender = errors.New("state commit attempted during render")

// CommitResult reports the version after a commit and one transition per
// applied action.
type CommitResult struct {
	Version     int64
	Transitions []ir.Transition
}

// Store is the contract shared by the durable and volatile stores.
type Store interface {
	// Snapshot returns a frozen view of the last committed state.
	Snapshot(ctx context.Context) (ReadView, error)
	// Enqueue queues a write; nothing is applied until Commit.
	Enqueue(a ir.Action)
	// Drain removes the queued writes in commit order.
	Drain() []ir.Action
	// Pending reports the number of queued writes.
	Pending() int
	// Commit applies a batch atomically and bumps the version once.
	Commit(ctx context.Context, batch []ir.Action, phase string) (CommitResult, error)
	// Version returns the last committed version.
	Version() int64
}

// RenderGuard marks the render phase. Stores refuse to commit while it is
// held, which turns an accidental write-during-render into an error. The
// refusal is also remembered so the engine can abort the tick even when the
// caller dropped the error.
type RenderGuard struct {
	rendering atomic.Bool
	violated  atomic.Bool
}

// Enter marks the start of render.
func (g *RenderGuard) Enter() {
	g.violated.Store(false)
	g.rendering.Store(true)
}

// Exit marks the end of render and reports whether a commit was refused
// while it was held.
func (g *RenderGuard) Exit() (violated bool) {
	g.rendering.Store(false)
	return g.violated.Load()
}

// Active reports whether render is in progress.
func (g *RenderGuard) Active() bool {
	return g != nil && g.rendering.Load()
}

// refuse returns ErrWriteDuringRender and records the violation when the
// guard is held.
func (g *RenderGuard) refuse() error {
	if !g.Active() {
		return nil
	}
	g.violated.Store(true)
	return ErrWriteDuringRender
}

// writer binds enqueue calls to a store and provenance.
type writer struct {
	store   Store
	trigger string
	frameID int64
	nodeID  string
}

// NewWriter returns an enqueue-only handle that stamps every action with
// trigger, frame and node.
func NewWriter(s Store, trigger string, frameID int64, nodeID string) ir.Writer {
	return &writer{store: s, trigger: trigger, frameID: frameID, nodeID: nodeID}
}

func (w *writer) Set(key string, value ir.IRValue) {
	w.store.Enqueue(ir.Action{Key: key, Kind: ir.ActionSet, Value: value, Trigger: w.trigger, FrameID: w.frameID, NodeID: w.nodeID})
}

func (w *writer) Update(key string, reducer ir.Reducer) {
	w.store.Enqueue(ir.Action{Key: key, Kind: ir.ActionUpdate, Reducer: reducer, Trigger: w.trigger, FrameID: w.frameID, NodeID: w.nodeID})
}

func (w *writer) Delete(key string) {
	w.store.Enqueue(ir.Action{Key: key, Kind: ir.ActionDelete, Trigger: w.trigger, FrameID: w.frameID, NodeID: w.nodeID})
}
