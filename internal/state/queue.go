package state

import (
	"sync"

	"github.com/evmts/smithers/internal/ir"
)

type queueSlot struct {
	frame int64
	node  string
}

// Queue holds not-yet-applied actions for one store.
//
// Enqueue assigns action_index per (frame_id, node_id) in arrival order, so
// callers that enqueue in a deterministic order get a deterministic commit
// order regardless of which task finished first.
type Queue struct {
	mu      sync.Mutex
	actions []ir.Action
	next    map[queueSlot]int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{next: make(map[queueSlot]int)}
}

// Enqueue appends an action. Safe for concurrent use.
func (q *Queue) Enqueue(a ir.Action) {
	q.mu.Lock()
	defer q.mu.Unlock()

	slot := queueSlot{frame: a.FrameID, node: a.NodeID}
	a.ActionIndex = q.next[slot]
	q.next[slot]++
	q.actions = append(q.actions, a)
}

// Drain removes and returns all queued actions in commit order.
func (q *Queue) Drain() []ir.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.actions
	q.actions = nil
	q.next = make(map[queueSlot]int)
	ir.SortActions(out)
	return out
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}
