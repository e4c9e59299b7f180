// Package store provides SQLite-backed persistence for replica snapshots.
//
// A snapshot is an ir.State: the operation log in application order and the
// StateVector it produces. The store implements engine.SnapshotSource so a
// restarted replica can bootstrap from it, and PersistingOutbox saves every
// state the engine publishes.
//
// # Tables
//
//   - operations: the log, ordered by position, unique on (site_id, clock)
//   - vector: one row per origin site
//   - meta: session key, site id and the digest of the last saved state
//
// # Incremental Saves
//
// The engine log is append-only between bootstraps, so SaveState only
// inserts the new tail when the stored log is a prefix of the new one. A
// bootstrap replaces the log wholesale; the store detects the divergence and
// rewrites every row.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
