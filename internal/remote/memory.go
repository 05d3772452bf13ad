package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/roach88/offsync/internal/model"
)

// ErrInvalidCursor is returned by Memory.Changes for a cursor it did not
// issue.
var ErrInvalidCursor = errors.New("invalid cursor")

type entityKey struct {
	targetType string
	targetID   string
}

type entity struct {
	version   int64
	projectID string
	deleted   bool
	history   map[int64]json.RawMessage
}

// Memory is an in-process authoritative server.
//
// Every entity carries a version starting at 0 (absent). A mutation applies
// only when its base version equals the current version; otherwise the
// result is a conflict. Results are remembered per idempotency key, so a
// redelivered mutation returns the original outcome without being applied
// again.
//
// Thread-safety: Memory is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	policy   string
	pageSize int
	entities map[entityKey]*entity
	results  map[string]MutateResult
	applied  map[string]int
	log      []Change
}

// MemoryOption configures a Memory server.
type MemoryOption func(*Memory)

// WithPolicy sets the policy hint returned on conflicts.
func WithPolicy(policy string) MemoryOption {
	return func(m *Memory) { m.policy = policy }
}

// WithPageSize caps the number of changes returned per Changes call.
func WithPageSize(n int) MemoryOption {
	return func(m *Memory) { m.pageSize = n }
}

// NewMemory creates an empty authoritative server.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entities: make(map[entityKey]*entity),
		results:  make(map[string]MutateResult),
		applied:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mutate implements Client.
func (m *Memory) Mutate(ctx context.Context, req MutateRequest) (MutateResult, error) {
	if err := ctx.Err(); err != nil {
		return MutateResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if req.IdempotencyKey == "" {
		return MutateResult{Error: "missing idempotency key"}, nil
	}
	if res, ok := m.results[req.IdempotencyKey]; ok {
		return res, nil
	}

	// Error results were never applied, so a later retry may still succeed.
	res := m.apply(req)
	if res.Success || res.Conflict != nil {
		m.results[req.IdempotencyKey] = res
	}
	return res, nil
}

func (m *Memory) apply(req MutateRequest) MutateResult {
	key := entityKey{req.TargetType, req.TargetID}
	ent := m.entities[key]

	var current int64
	if ent != nil {
		current = ent.version
	}

	if ent == nil && req.Op != string(model.OpCreate) {
		return MutateResult{Error: fmt.Sprintf("%s %s not found", req.TargetType, req.TargetID)}
	}
	if req.BaseVersion != current {
		return MutateResult{Conflict: &Conflict{
			Base:   ent.at(req.BaseVersion),
			Remote: ent.at(current),
			Policy: m.policy,
		}}
	}

	if ent == nil {
		ent = &entity{history: make(map[int64]json.RawMessage)}
		m.entities[key] = ent
	}
	projectID := ""
	if p, err := model.ParsePayload(req.Payload); err == nil {
		projectID, _ = model.EntityScope(req.TargetType, req.TargetID, p)
	}
	m.commit(ent, req.Op, req.TargetType, req.TargetID, projectID, req.Payload)
	m.applied[req.IdempotencyKey]++

	return MutateResult{Success: true, Version: ent.version}
}

// commit bumps the entity version and appends to the change log.
// Callers hold m.mu.
func (m *Memory) commit(ent *entity, op, targetType, targetID, projectID string, payload json.RawMessage) {
	ent.version++
	ent.deleted = op == string(model.OpDelete)
	if projectID != "" {
		ent.projectID = projectID
	}
	ent.history[ent.version] = append(json.RawMessage(nil), payload...)

	m.log = append(m.log, Change{
		Seq:        int64(len(m.log) + 1),
		Op:         op,
		TargetType: targetType,
		TargetID:   targetID,
		ProjectID:  ent.projectID,
		Version:    ent.version,
		Payload:    ent.history[ent.version],
	})
}

// at returns the stored payload at version v, or null when unknown.
func (e *entity) at(v int64) json.RawMessage {
	if e == nil {
		return json.RawMessage("null")
	}
	if data, ok := e.history[v]; ok {
		return data
	}
	return json.RawMessage("null")
}

// Changes implements Client. Cursors are decimal change sequence numbers;
// "0" is the start of the stream.
func (m *Memory) Changes(ctx context.Context, req ChangesRequest) (ChangesResult, error) {
	if err := ctx.Err(); err != nil {
		return ChangesResult{}, err
	}

	since, err := strconv.ParseInt(req.Since, 10, 64)
	if err != nil || since < 0 {
		return ChangesResult{}, fmt.Errorf("%w: %q", ErrInvalidCursor, req.Since)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if since > int64(len(m.log)) {
		return ChangesResult{}, fmt.Errorf("%w: %q is ahead of the log", ErrInvalidCursor, req.Since)
	}

	out := []Change{}
	last := since
	for _, c := range m.log[since:] {
		if m.pageSize > 0 && len(out) == m.pageSize {
			break
		}
		last = c.Seq
		if req.ProjectID != "" && c.ProjectID != req.ProjectID {
			continue
		}
		out = append(out, c)
	}
	return ChangesResult{Changes: out, Cursor: strconv.FormatInt(last, 10)}, nil
}

// Put records an edit made directly on the server, as another client
// would. It returns the new version.
func (m *Memory) Put(op model.Op, targetType, targetID, projectID string, payload json.RawMessage) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entityKey{targetType, targetID}
	ent := m.entities[key]
	if ent == nil {
		ent = &entity{history: make(map[int64]json.RawMessage)}
		m.entities[key] = ent
	}
	m.commit(ent, string(op), targetType, targetID, projectID, payload)
	return ent.version
}

// Version returns the current version of an entity, 0 if it never existed.
func (m *Memory) Version(targetType, targetID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ent := m.entities[entityKey{targetType, targetID}]; ent != nil {
		return ent.version
	}
	return 0
}

// Applied returns how many times the mutation with the given idempotency
// key changed server state. It is never more than 1.
func (m *Memory) Applied(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[key]
}

// LogLen returns the number of changes in the server log.
func (m *Memory) LogLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.log)
}
