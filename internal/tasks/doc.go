// Package tasks owns the lifecycle of execution attempts.
//
// A runnable node becomes a task row in the scheduled state. Start claims the
// row's lease with one conditional UPDATE, so at most one owner across every
// process sharing the database can run a node at a time, then runs the
// executor on its own goroutine while a heartbeat keeps the lease alive.
// Workers never touch engine state: they persist the attempt's outcome and
// post a Completion to a queue that the tick loop drains once per tick.
//
// Failures are classified retryable or not. A retryable failure finishes the
// attempt and inserts the next one with a persisted next_retry_at in the same
// transaction, so a restart neither loses the retry nor resets its backoff.
package tasks
