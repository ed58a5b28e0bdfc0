// Package ir provides the shared types of the tick engine: the plan tree
// (Node), the constrained value family (IRValue), queued writes (Action),
// and the persisted records (Execution, Frame, NodeInstance, Task,
// Transition).
//
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in values - use int64 for numbers
//   - Node identity is a hash of tree position, never of time or randomness
//   - Canonical JSON (RFC 8785 key order, NFC strings) for every hash
//   - All JSON tags use snake_case
package ir
