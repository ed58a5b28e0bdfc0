package state

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/evmts/smithers/internal/ir"
	"github.com/evmts/smithers/internal/store"
)

// Durable is the SQLite-backed store of one execution. Commit is one SQL
// transaction covering state upserts, transition inserts and the version
// bump.
type Durable struct {
	db          *store.Store
	executionID string
	queue       *Queue
	guard       *RenderGuard
	now         func() time.Time
	version     atomic.Int64
}

// DurableOption configures a Durable store.
type DurableOption func(*Durable)

// WithDurableGuard installs a render guard.
func WithDurableGuard(g *RenderGuard) DurableOption {
	return func(d *Durable) { d.guard = g }
}

// WithDurableClock overrides the transition timestamp source.
func WithDurableClock(now func() time.Time) DurableOption {
	return func(d *Durable) { d.now = now }
}

// NewDurable binds a durable store to one execution and loads its version.
func NewDurable(ctx context.Context, db *store.Store, executionID string, opts ...DurableOption) (*Durable, error) {
	d := &Durable{
		db:          db,
		executionID: executionID,
		queue:       NewQueue(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	version, err := db.StateVersion(ctx, executionID)
	if err != nil {
		return nil, err
	}
	d.version.Store(version)
	return d, nil
}

func (d *Durable) Snapshot(ctx context.Context) (ReadView, error) {
	entries, version, err := d.db.LoadState(ctx, d.executionID)
	if err != nil {
		return nil, err
	}
	d.version.Store(version)
	return &snapshot{entries: entries, version: version}, nil
}

func (d *Durable) Enqueue(a ir.Action) { d.queue.Enqueue(a) }

func (d *Durable) Drain() []ir.Action { return d.queue.Drain() }

func (d *Durable) Pending() int { return d.queue.Len() }

func (d *Durable) Commit(ctx context.Context, batch []ir.Action, phase string) (CommitResult, error) {
	return d.CommitWithNodes(ctx, batch, phase, nil)
}

// CommitWithNodes commits batch and upserts nodes in one transaction.
func (d *Durable) CommitWithNodes(ctx context.Context, batch []ir.Action, phase string, nodes []ir.NodeInstance) (CommitResult, error) {
	if err := d.guard.refuse(); err != nil {
		return CommitResult{}, err
	}
	res, err := d.db.CommitTick(ctx, d.executionID, batch, phase, nodes, d.now())
	if err != nil {
		return CommitResult{}, err
	}
	d.version.Store(res.Version)
	return CommitResult{Version: res.Version, Transitions: res.Transitions}, nil
}

// Version returns the last version observed by Snapshot or Commit.
// External writers (an operator edit through the CLI) are only seen after
// the next Snapshot or Refresh.
func (d *Durable) Version() int64 {
	return d.version.Load()
}

// Refresh re-reads the committed version from the database and reports
// whether it changed since last observed.
func (d *Durable) Refresh(ctx context.Context) (bool, error) {
	v, err := d.db.StateVersion(ctx, d.executionID)
	if err != nil {
		return false, err
	}
	return d.version.Swap(v) != v, nil
}
