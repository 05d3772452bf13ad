package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/offsync/internal/remote"
)

// ErrUnscripted is returned by ScriptedRemote when no step is queued and no
// fallback client is set.
var ErrUnscripted = errors.New("scripted remote: no step queued")

// MutateStep is one scripted Mutate response.
type MutateStep struct {
	Result remote.MutateResult
	Err    error

	// Block waits for the call's context to end and returns its error,
	// simulating a hung server.
	Block bool
}

// ChangesStep is one scripted Changes response.
type ChangesStep struct {
	Result remote.ChangesResult
	Err    error
	Block  bool
}

// ScriptedRemote is a remote.Client that replays queued responses and
// records every request. When a script runs dry it delegates to Fallback.
//
// Thread-safety: safe for concurrent use.
type ScriptedRemote struct {
	Fallback remote.Client

	mu           sync.Mutex
	mutateSteps  []MutateStep
	changesSteps []ChangesStep
	mutateCalls  []remote.MutateRequest
	changesCalls []remote.ChangesRequest
}

// NewScriptedRemote creates a scripted client. fallback may be nil.
func NewScriptedRemote(fallback remote.Client) *ScriptedRemote {
	return &ScriptedRemote{Fallback: fallback}
}

// QueueMutate appends Mutate responses.
func (r *ScriptedRemote) QueueMutate(steps ...MutateStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutateSteps = append(r.mutateSteps, steps...)
}

// QueueChanges appends Changes responses.
func (r *ScriptedRemote) QueueChanges(steps ...ChangesStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changesSteps = append(r.changesSteps, steps...)
}

// FailMutate queues n Mutate calls that fail with err.
func (r *ScriptedRemote) FailMutate(n int, err error) {
	for i := 0; i < n; i++ {
		r.QueueMutate(MutateStep{Err: err})
	}
}

// Mutate implements remote.Client.
func (r *ScriptedRemote) Mutate(ctx context.Context, req remote.MutateRequest) (remote.MutateResult, error) {
	r.mu.Lock()
	r.mutateCalls = append(r.mutateCalls, req)
	var (
		step MutateStep
		ok   bool
	)
	if len(r.mutateSteps) > 0 {
		step, ok = r.mutateSteps[0], true
		r.mutateSteps = r.mutateSteps[1:]
	}
	fallback := r.Fallback
	r.mu.Unlock()

	switch {
	case ok && step.Block:
		<-ctx.Done()
		return remote.MutateResult{}, ctx.Err()
	case ok:
		return step.Result, step.Err
	case fallback != nil:
		return fallback.Mutate(ctx, req)
	}
	return remote.MutateResult{}, ErrUnscripted
}

// Changes implements remote.Client.
func (r *ScriptedRemote) Changes(ctx context.Context, req remote.ChangesRequest) (remote.ChangesResult, error) {
	r.mu.Lock()
	r.changesCalls = append(r.changesCalls, req)
	var (
		step ChangesStep
		ok   bool
	)
	if len(r.changesSteps) > 0 {
		step, ok = r.changesSteps[0], true
		r.changesSteps = r.changesSteps[1:]
	}
	fallback := r.Fallback
	r.mu.Unlock()

	switch {
	case ok && step.Block:
		<-ctx.Done()
		return remote.ChangesResult{}, ctx.Err()
	case ok:
		return step.Result, step.Err
	case fallback != nil:
		return fallback.Changes(ctx, req)
	}
	return remote.ChangesResult{}, ErrUnscripted
}

// MutateCalls returns a copy of every Mutate request received.
func (r *ScriptedRemote) MutateCalls() []remote.MutateRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.MutateRequest(nil), r.mutateCalls...)
}

// ChangesCalls returns a copy of every Changes request received.
func (r *ScriptedRemote) ChangesCalls() []remote.ChangesRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]remote.ChangesRequest(nil), r.changesCalls...)
}
