// Package store provides SQLite-backed durable storage for the tick engine.
//
// Tables (all keyed by execution_id):
//   - executions: one row per workflow run, with status and state version
//   - frames: immutable rendered trees, one per tick (UPDATE/DELETE abort)
//   - node_instances: lifecycle record per node_id
//   - tasks: execution attempts with leases, retry and backoff bookkeeping
//   - state: current key/value state
//   - transitions: append-only audit log, one row per committed action
//
// # Critical Patterns
//
// Single-transaction commits
//   - CommitActions writes state rows, transition rows and the version bump
//     in one transaction; CommitFrame writes the frame and node instances
//     in one transaction
//
// Leases
//   - AcquireLease is a single conditional UPDATE, so "at most one unexpired
//     lease per node" holds across processes sharing the database
//   - RecoverOrphans requeues or abandons running tasks whose lease expired
//
// Deterministic ordering
//   - Transition id order is commit order; ReplayState folds it to rebuild
//     state at any frame
//   - Listing queries use ORDER BY with a COLLATE BINARY tiebreak
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - Transient contention errors are retried with backoff (retry.go)
//
// Two drivers are supported: mattn/go-sqlite3 ("sqlite3", default) and
// modernc.org/sqlite ("sqlite", pure Go).
package store
