// Package engine implements the offline mutation queue and delta sync
// worker.
//
// Outbox records local edits as queue items. Worker replays them against
// the remote and pulls remote changes:
//
//	Outbox.Enqueue -> queue (pending)
//	Worker.DrainQueue -> Mutate per item -> done | retrying | poison (+conflict)
//	Worker.PullChanges -> Changes since cursor -> cursor advanced
//	Worker.RunSync = DrainQueue then PullChanges
//
// ORDERING:
// Items replay in enqueue order (queue.seq). Edits to the same entity never
// overtake each other: an item waits while an earlier item for the same
// target is backing off, and within one drain a transient failure defers the
// rest of that entity's items to a later cycle.
//
// FAILURE ISOLATION:
// Per-item and per-pull failures are recorded in the queue row and the audit
// log and never escape DrainQueue, PullChanges or RunSync. DrainQueue only
// returns an error when it could not select a batch at all.
//
// Every audit entry is written to the store and mirrored to zap.
package engine
