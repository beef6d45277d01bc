// Package store provides SQLite-backed durable storage for the claim ledger.
//
// The store keeps two views of the same history:
//   - Events: an append-only journal ordered by seq (logical clock)
//   - State tables: the current value of every claim, balance, whitelist
//     entry, executor price and the protocol parameters
//
// Store implements engine.Journal. Each Append writes the event row and the
// touched records in a single transaction, so the state tables always equal
// the fold of the event log. Load reads the state tables back into an
// engine.Snapshot for restoring a Core.
//
// # Several Processes
//
// Begin opens a Session that holds SQLite's write lock from restore to
// Commit, so processes sharing a file apply operations one at a time. A
// long-running writer takes the writer lease with AcquireLease; while it is
// live, Begin fails fast with a *LeaseError. Append refuses a seq that is
// already journaled with ErrSeqConflict.
//
// # Conventions
//
//   - All ordering uses seq or id, NEVER timestamps
//   - uint64 amounts are decimal TEXT; SQLite INTEGER is signed 64-bit
//   - Times are INTEGER unix nanoseconds, read back in UTC
//   - Event data is RFC 8785 canonical JSON
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
