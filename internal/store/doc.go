// Package store provides SQLite-backed durable storage for the offline
// mutation queue and delta sync engine.
//
// The store holds four record kinds plus two coordination tables:
//   - Queue: local mutations awaiting replay, keyed by idempotency key
//   - Conflicts: immutable evidence of rejected mutations, one per poisoned item
//   - Cursors: resumption tokens per sync scope
//   - Logs: append-only audit trail
//   - Leases: time-bounded exclusive ownership (one drainer per store)
//   - Schedules: persisted background scheduler registrations
//
// # Guarantees
//
// Guarded transitions:
//   - Every status change is UPDATE ... WHERE id = ? AND status IN
//     ('pending','retrying') AND retries = ?
//   - A row that is terminal or was touched concurrently is never overwritten;
//     the caller gets ErrTransitionRejected
//
// Deterministic ordering:
//   - Queue rows are ordered by seq (enqueue order), never by timestamps
//
// Conflict atomicity:
//   - The conflict row and the poison transition commit in one transaction
//   - UNIQUE(queue_id) makes conflict recording idempotent
//
// Cursor compare-and-set:
//   - AdvanceCursor only writes when the stored value equals the value the
//     caller pulled from
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
