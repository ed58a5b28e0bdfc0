// Package state implements the two state stores the tick engine reads and
// writes: Durable (SQLite-backed, transactional, logged) and Volatile
// (in-memory, versioned). Both satisfy Store.
//
// Reads go through a ReadView, an immutable snapshot taken at the start of a
// tick. Writes are queued as ir.Action values and only applied by Commit, so
// a render can never observe its own writes.
package state
