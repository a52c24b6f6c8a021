// Package store provides SQLite-backed durable storage for ledgersync.
//
// Two concerns share one database file:
//   - Cursors: the last position delivered per watched account
//   - Event log: the append-only history served by ledger.Local
//
// # Critical Patterns
//
// Cursor writes never regress:
//   - AdvanceCursor is a single conditional upsert
//   - The WHERE clause on DO UPDATE compares (seq, event_id) in the database,
//     so two processes sharing the file cannot move a cursor backwards
//
// Ordering uses seq, never timestamps:
//   - All event queries include ORDER BY seq ASC, id ASC COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Event ids are computed by ir.EventID using RFC 8785 canonical JSON and
// SHA-256 with domain separation.
package store
