// Package engine implements the tick scheduler.
//
// An Engine creates and resumes executions of one plan. Each Execution is
// the explicit context of one workflow run and drives it through ticks of
// seven phases:
//
//  1. Snapshot: freeze read views of the durable and volatile stores.
//  2. Render: call the plan's RenderFunc under the render guard. Writes
//     are only enqueued; a commit attempted here aborts the tick with
//     RENDER_PHASE_VIOLATION.
//  3. Reconcile: assign node ids and diff against the previous frame.
//  4. Commit-Frame: persist the serialized tree and node instance changes,
//     even when nothing changed, so the frame log is complete.
//  5. Execute: drain task completions and progress that arrived since the
//     last tick, schedule newly mounted agents and tools, and start
//     scheduled attempts the rate limiter admits.
//  6. Commit-Actions: apply every queued write in (frame, node, index)
//     order in one transaction.
//  7. Effects: run effects whose deps changed; their writes commit in the
//     same tick or the next one, per Options.EffectCommitMode.
//
// CONCURRENCY:
//
// The tick loop is single-threaded. Tasks run on their own goroutines and
// post completions to a queue the Execute phase drains, so wall-clock
// completion order never leaks into state: commit order is determined by
// (frame_id, node_id, action_index) alone.
//
// FAILURE MODEL:
//
// Render purity violations, duplicate identities and effect loops fail the
// execution. A tripped frame storm guard stalls it. Task failures stay on
// the task and node rows and drive retries. Node statuses changed by a
// completion are written after the tick's actions commit, so after a crash
// Resume replays the completion and handlers run at least once; handlers
// therefore write with set semantics.
package engine
