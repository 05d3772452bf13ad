// Package model defines the records exchanged between the offline queue,
// the sync worker and the persistent store.
//
// This package contains type definitions and payload encoding only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - QueueItem.ID doubles as the remote idempotency key
//   - Status only moves pending -> (retrying)* -> done|poison
//   - Payloads are stored as canonical JSON so local_json on a conflict is
//     byte-identical to the queued payload
//   - All JSON tags use snake_case
package model
