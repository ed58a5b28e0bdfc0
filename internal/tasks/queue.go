package tasks

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/evmts/smithers/internal/ir"
)

// Completion is the outcome of one attempt, posted by its worker.
type Completion struct {
	// Task is the attempt as finished.
	Task ir.Task
	// Next is the scheduled retry, when one was created.
	Next *ir.Task

	Status ir.TaskStatus
	Result ir.IRValue
	Err    error
	Class  Classification

	// Canceled is set when the engine asked the attempt to stop.
	Canceled bool
	// Stale is set when a canceled attempt produced a result anyway.
	Stale bool
	// LeaseLost is set when another owner reclaimed the task; nothing was
	// persisted for this attempt.
	LeaseLost bool
	// RetryAt is the start time of Next, or the end of a rate-limit window.
	RetryAt time.Time
}

// Progress is one intermediate value reported by an executor.
type Progress struct {
	TaskID string
	NodeID string
	Value  ir.IRValue
	At     time.Time
}

// queue is a thread-safe FIFO with a coalescing wake-up signal.
//
// Workers enqueue from their own goroutines; the tick loop drains. The
// signal channel has a buffer of one, so any number of enqueues between two
// drains produce a single wake-up.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func (q *queue[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// sortCompletions orders completions by node id, then task id, so handlers
// run in the same order however the workers raced.
func sortCompletions(cs []Completion) {
	slices.SortStableFunc(cs, func(a, b Completion) int {
		if c := cmp.Compare(a.Task.NodeID, b.Task.NodeID); c != 0 {
			return c
		}
		return cmp.Compare(a.Task.TaskID, b.Task.TaskID)
	})
}

func sortProgress(ps []Progress) {
	slices.SortStableFunc(ps, func(a, b Progress) int {
		return cmp.Compare(a.NodeID, b.NodeID)
	})
}
