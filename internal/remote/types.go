package remote

import (
	"context"
	"encoding/json"
)

// Client is the remote sync contract.
type Client interface {
	// Mutate applies one queued mutation. The server must treat a repeated
	// IdempotencyKey as the same request and never apply it twice.
	Mutate(ctx context.Context, req MutateRequest) (MutateResult, error)

	// Changes returns remote changes after Since, optionally restricted to
	// one project, together with the cursor to resume from.
	Changes(ctx context.Context, req ChangesRequest) (ChangesResult, error)
}

// MutateRequest is one mutation sent for replay.
type MutateRequest struct {
	Op             string          `json:"op"`
	TargetType     string          `json:"target_type"`
	TargetID       string          `json:"target_id"`
	Payload        json.RawMessage `json:"payload"`
	BaseVersion    int64           `json:"base_version"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// MutateResult is the outcome of a mutate call. Exactly one of Success,
// Conflict or Error is set on a well-formed result.
type MutateResult struct {
	Success  bool      `json:"success,omitempty"`
	Version  int64     `json:"version,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Conflict describes a rejected mutation whose target changed remotely.
type Conflict struct {
	Base   json.RawMessage `json:"base"`
	Remote json.RawMessage `json:"remote"`
	Policy string          `json:"policy,omitempty"`
}

// Valid reports whether exactly one outcome is set.
func (r MutateResult) Valid() bool {
	n := 0
	if r.Success {
		n++
	}
	if r.Conflict != nil {
		n++
	}
	if r.Error != "" {
		n++
	}
	return n == 1
}

// ChangesRequest asks for changes after a cursor.
type ChangesRequest struct {
	Since     string `json:"since"`
	ProjectID string `json:"project_id,omitempty"`
}

// Change is one applied remote mutation.
type Change struct {
	Seq        int64           `json:"seq"`
	Op         string          `json:"op"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	ProjectID  string          `json:"project_id,omitempty"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload"`
}

// ChangesResult is a page of remote changes.
type ChangesResult struct {
	Changes []Change `json:"changes"`
	Cursor  string   `json:"cursor"`
}
