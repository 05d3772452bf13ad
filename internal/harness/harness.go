package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/testutil"
)

// Harness holds the components one scenario runs against.
type Harness struct {
	store  *store.Store
	clock  *testutil.FakeClock
	mem    *remote.Memory
	remote *testutil.ScriptedRemote
	worker *engine.Worker
	outbox *engine.Outbox
}

// RunOption configures Run.
type RunOption func(*runOptions)

type runOptions struct {
	logger *zap.Logger
}

// WithLogger routes worker logs to l. The default discards them.
func WithLogger(l *zap.Logger) RunOption {
	return func(o *runOptions) { o.logger = l }
}

// Run executes a scenario against a fresh in-memory store and returns the
// trace, final state and assertion results.
//
// Queue item ids default to q-0001, q-0002, ... and conflict ids to c-0001,
// c-0002, ...; the clock starts at testutil.Epoch. Identical scenarios
// therefore produce identical results.
//
// An error is returned when the scenario could not be executed at all;
// failed assertions are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Result, error) {
	o := runOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, scenario, o.logger)
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result.Final, err = h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	for _, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

func newHarness(st *store.Store, scenario *Scenario, logger *zap.Logger) *Harness {
	cfg := engine.DefaultConfig()
	if scenario.Config.MaxRetries > 0 {
		cfg.MaxRetries = scenario.Config.MaxRetries
	}
	if scenario.Config.BaseDelay != "" {
		// Validated by LoadScenario.
		cfg.BaseDelay, _ = time.ParseDuration(scenario.Config.BaseDelay)
	}
	if scenario.Config.BatchSize > 0 {
		cfg.BatchSize = scenario.Config.BatchSize
	}

	var memOpts []remote.MemoryOption
	if scenario.Remote.Policy != "" {
		memOpts = append(memOpts, remote.WithPolicy(scenario.Remote.Policy))
	}
	if scenario.Remote.PageSize > 0 {
		memOpts = append(memOpts, remote.WithPageSize(scenario.Remote.PageSize))
	}
	mem := remote.NewMemory(memOpts...)
	scripted := testutil.NewScriptedRemote(mem)
	clock := testutil.NewFakeClock(testutil.Epoch)

	return &Harness{
		store:  st,
		clock:  clock,
		mem:    mem,
		remote: scripted,
		worker: engine.NewWorker(st, scripted, cfg,
			engine.WithClock(clock),
			engine.WithKeyGenerator(testutil.NewSequenceGenerator("c")),
			engine.WithLogger(logger),
			engine.WithOwner("harness"),
		),
		outbox: engine.NewOutbox(st,
			engine.WithClock(clock),
			engine.WithKeyGenerator(testutil.NewSequenceGenerator("q")),
			engine.WithLogger(logger),
		),
	}
}

func (h *Harness) execute(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Enqueue != nil:
		e := step.Enqueue
		payload, err := payloadOf(e.Payload)
		if err != nil {
			return err
		}
		item, err := h.outbox.Enqueue(ctx, engine.Mutation{
			ID:          e.ID,
			Op:          model.Op(e.Op),
			TargetType:  e.Type,
			TargetID:    e.Target,
			Payload:     payload,
			BaseVersion: e.Base,
		})
		if err != nil {
			return err
		}
		result.addTrace(i, "enqueue", map[string]any{"item": item.ID, "seq": item.Seq})

	case step.Script != nil:
		nm, nc, err := h.script(step.Script)
		if err != nil {
			return err
		}
		result.addTrace(i, "script", map[string]any{"mutate": nm, "changes": nc})

	case step.RemotePut != nil:
		p := step.RemotePut
		data, err := rawJSON(p.Payload)
		if err != nil {
			return err
		}
		version := h.mem.Put(model.Op(p.Op), p.Type, p.Target, p.Project, data)
		result.addTrace(i, "remote_put", map[string]any{"target": p.Type + "/" + p.Target, "version": version})

	case step.Drain != nil:
		report, err := h.worker.DrainQueue(ctx)
		if err != nil {
			return err
		}
		result.addTrace(i, "drain", drainDetail(report))

	case step.Pull != nil:
		report := h.worker.PullChanges(ctx, step.Pull.Scope)
		result.addTrace(i, "pull", pullDetail(report))

	case step.Sync != nil:
		cycle := h.worker.RunSync(ctx, step.Sync.Scope)
		if cycle.DrainErr != nil {
			return cycle.DrainErr
		}
		result.addTrace(i, "sync", map[string]any{
			"drain": drainDetail(cycle.Drain),
			"pull":  pullDetail(cycle.Pull),
		})

	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		now := h.clock.Advance(d)
		result.addTrace(i, "advance", map[string]any{"now": formatTime(now)})

	case step.Resolve != nil:
		r := step.Resolve
		payload, err := payloadOf(r.Payload)
		if err != nil {
			return err
		}
		item, err := h.outbox.Resolve(ctx, r.Conflict, payload, r.Base)
		if err != nil {
			return err
		}
		result.addTrace(i, "resolve", map[string]any{"conflict": r.Conflict, "item": item.ID})

	default:
		return errors.New("empty step")
	}
	return nil
}

// script queues remote responses and returns how many were queued.
func (h *Harness) script(s *ScriptStep) (int, int, error) {
	var nm, nc int
	for _, m := range s.Mutate {
		step := testutil.MutateStep{}
		switch {
		case m.Success:
			step.Result = remote.MutateResult{Success: true, Version: m.Version}
		case m.Conflict != nil:
			base, err := rawJSON(m.Conflict.Base)
			if err != nil {
				return 0, 0, err
			}
			rem, err := rawJSON(m.Conflict.Remote)
			if err != nil {
				return 0, 0, err
			}
			step.Result = remote.MutateResult{Conflict: &remote.Conflict{
				Base: base, Remote: rem, Policy: m.Conflict.Policy,
			}}
		case m.Error != "":
			step.Result = remote.MutateResult{Error: m.Error}
		case m.Status != 0:
			step.Err = &remote.StatusError{Code: m.Status}
		default:
			step.Err = errors.New(m.Network)
		}
		for range max(m.Times, 1) {
			h.remote.QueueMutate(step)
			nm++
		}
	}

	for _, c := range s.Changes {
		step := testutil.ChangesStep{}
		switch {
		case c.Status != 0:
			step.Err = &remote.StatusError{Code: c.Status}
		case c.Network != "":
			step.Err = errors.New(c.Network)
		default:
			changes := make([]remote.Change, 0, len(c.Changes))
			for _, ch := range c.Changes {
				payload, err := rawJSON(ch.Payload)
				if err != nil {
					return 0, 0, err
				}
				changes = append(changes, remote.Change{
					Seq:        ch.Seq,
					Op:         ch.Op,
					TargetType: ch.Type,
					TargetID:   ch.Target,
					ProjectID:  ch.Project,
					Version:    ch.Version,
					Payload:    payload,
				})
			}
			step.Result = remote.ChangesResult{Changes: changes, Cursor: c.Cursor}
		}
		for range max(c.Times, 1) {
			h.remote.QueueChanges(step)
			nc++
		}
	}
	return nm, nc, nil
}

func (h *Harness) snapshot(ctx context.Context) (State, error) {
	var st State

	items, err := h.store.ListItems(ctx, store.ItemFilter{})
	if err != nil {
		return st, err
	}
	st.Items = make([]ItemState, len(items))
	for i, item := range items {
		s := ItemState{
			ID:          item.ID,
			Seq:         item.Seq,
			Op:          string(item.Op),
			Target:      item.TargetType + "/" + item.TargetID,
			BaseVersion: item.BaseVersion,
			Status:      string(item.Status),
			Retries:     item.Retries,
			LastError:   item.LastError,
		}
		if item.NextAttemptAt != nil {
			s.NextAttemptAt = formatTime(*item.NextAttemptAt)
		}
		st.Items[i] = s
	}

	conflicts, err := h.store.ListConflicts(ctx)
	if err != nil {
		return st, err
	}
	st.Conflicts = make([]ConflictState, len(conflicts))
	for i, c := range conflicts {
		st.Conflicts[i] = ConflictState{
			ID:      c.ID,
			QueueID: c.QueueID,
			Policy:  c.Policy,
			Base:    c.BaseJSON,
			Remote:  c.RemoteJSON,
			Local:   c.LocalJSON,
		}
	}

	cursors, err := h.store.ListCursors(ctx)
	if err != nil {
		return st, err
	}
	st.Cursors = make([]CursorState, len(cursors))
	for i, c := range cursors {
		st.Cursors[i] = CursorState{Key: c.Key, Value: c.Value}
	}

	logs, err := h.store.ListLogs(ctx, store.LogFilter{})
	if err != nil {
		return st, err
	}
	st.Logs = make([]LogState, len(logs))
	for i, e := range logs {
		st.Logs[i] = LogState{Level: string(e.Level), Message: e.Message, Item: e.ItemID()}
	}
	return st, nil
}

func drainDetail(r engine.DrainReport) map[string]any {
	d := map[string]any{
		"selected":  r.Selected,
		"done":      r.Done,
		"conflicts": r.Conflicts,
		"retrying":  r.Retrying,
		"poisoned":  r.Poisoned,
		"deferred":  r.Deferred,
		"failed":    r.Failed,
	}
	if r.Skipped {
		d["skipped"] = true
	}
	if r.Interrupted {
		d["interrupted"] = true
	}
	if r.LeaseLost {
		d["lease_lost"] = true
	}
	return d
}

func pullDetail(r engine.PullReport) map[string]any {
	d := map[string]any{
		"scope":  r.Scope,
		"since":  r.Since,
		"cursor": r.Cursor,
		"count":  r.Count,
	}
	if r.Err != nil {
		d["class"] = string(engine.Classify(r.Err))
	}
	return d
}

// payloadOf builds a queue payload from a YAML literal.
func payloadOf(v map[string]any) (model.Payload, error) {
	if v == nil {
		return model.Payload{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return model.Payload{}, fmt.Errorf("payload: %w", err)
	}
	return model.ParsePayload(data)
}

// rawJSON canonicalizes a YAML literal. nil becomes JSON null.
func rawJSON(v any) (json.RawMessage, error) {
	data, err := model.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// payloadEqual compares two JSON documents canonically.
func payloadEqual(a, b []byte) bool {
	ca, err := model.Canonicalize(a)
	if err != nil {
		return false
	}
	cb, err := model.Canonicalize(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
