// Package effects schedules post-commit side effects.
//
// Effects are re-registered by every render. The registry remembers, per
// effect id, the canonical signature of the deps the effect last ran with and
// the cleanup it returned. An effect is due on first registration, when its
// deps signature changes, or on every tick when it declares no deps at all.
// Cleanups run before the next run and when the effect unmounts.
//
// A LoopDetector watches the (effect id, deps signature) pairs of recent runs
// and stops an execution that keeps re-running the same effect with the same
// inputs.
package effects
