// Package remote is the transport between the sync worker and the
// authoritative server.
//
// Client is the contract the worker depends on. HTTPClient speaks the JSON
// binding:
//
//	POST /v1/mutate   (Idempotency-Key header)  -> 200 success | 409 conflict | 422 error
//	POST /v1/changes                            -> 200 {changes, cursor}
//
// Memory is an in-process authoritative server that dedups idempotency keys
// and checks base versions. NewHandler exposes any Client over the same HTTP
// binding, which is how the serve command and the HTTP tests run.
package remote
