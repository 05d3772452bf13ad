// Package harness runs end-to-end sync scenarios described in YAML.
//
// A scenario wires a real Worker and Outbox to a fresh in-memory store, a
// fake clock and a scripted remote that falls back to the in-memory
// reference server. Steps drive the system; assertions check the final
// queue, conflicts, cursors and audit trail.
//
// # Scenario Format
//
//	name: conflict_poisons_item
//	description: "A conflicting remote version poisons the item"
//	config:
//	  max_retries: 5
//	  base_delay: 2s
//	remote:
//	  policy: manual
//	steps:
//	  - enqueue: {id: q2, op: update, type: node, target: note-1, base: 2, payload: {...}}
//	  - script:
//	      mutate:
//	        - conflict: {base: {v: 2}, remote: {v: 4}, policy: manual}
//	  - sync: {}
//	assertions:
//	  - {type: item, item: q2, status: poison}
//	  - {type: conflict, item: q2, policy: manual}
//
// # Step Types
//
//   - enqueue: Outbox.Enqueue with a literal payload
//   - script: queue remote responses (success, conflict, error, http status, network failure)
//   - remote_put: edit the reference server directly, as another client would
//   - drain, pull, sync: Worker.DrainQueue, Worker.PullChanges, Worker.RunSync
//   - advance: move the fake clock forward by a duration
//   - resolve: Outbox.Resolve for a recorded conflict
//
// # Assertion Types
//
//   - item: status and retry count of a queue item
//   - conflict: a conflict exists for an item and its local_json equals the item payload
//   - conflict_count: total number of conflict records
//   - cursor: stored cursor value for a scope
//   - log_count: number of audit rows for an item at a level
//   - remote_applied: how many times the server applied an idempotency key
//
// # Golden Snapshots
//
// RunWithGolden compares the step trace and final state, encoded as
// canonical JSON, against testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
