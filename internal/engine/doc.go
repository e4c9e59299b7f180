// Package engine implements the replication engine of one replica.
//
// The engine stamps local edits, delivers remote operations in causal order
// per origin, and reconciles with peers through anti-entropy query/reply.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Every input (local edit, remote batch, query, reply, join, snapshot,
// timer tick) becomes an Event on a FIFO queue. Exactly one goroutine
// (Run, or a caller of Drain) takes events off the queue and mutates the
// StateVector, the operation log and the pending table. Readers get
// immutable snapshots.
//
// Event Processing Flow:
//  1. Inputs are enqueued from any goroutine
//  2. step() handles one event under the state lock
//  3. Outbox calls collected while handling are flushed after the lock is
//     released, in the order they were produced
//
// Causal Delivery:
// A remote operation (site, clock) is applied only once (site, clock-1)
// has been. Early arrivals are parked in the pending table and released by
// direct lookup as soon as their predecessor is applied, in the same
// Applied batch. Operations already covered by the vector are discarded.
//
// Anti-Entropy:
// A query carries the querier's vector. The answer holds the log entries
// the querier lacks and the intervals the answerer lacks; a replica that
// receives the answer re-broadcasts its entries in those intervals.
// Queries go out on join, on demand, and on a jittered timer.
//
// Faults:
// Applying an operation out of causal order is a programming error. It
// panics with *ir.InvariantError, which step converts to a *FaultError,
// disposing the engine.
package engine
