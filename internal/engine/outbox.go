package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// ErrInvalidMutation is returned by Enqueue for a mutation that fails
// validation. Nothing is written.
var ErrInvalidMutation = errors.New("invalid mutation")

// Mutation is a local edit to be queued.
type Mutation struct {
	// ID is an optional caller-supplied idempotency key. Enqueueing the same
	// ID twice returns the existing item. Empty means generate one.
	ID string

	Op          model.Op
	TargetType  string
	TargetID    string
	Payload     model.Payload
	BaseVersion int64
}

func (m Mutation) validate() error {
	if !m.Op.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	if m.TargetType == "" || m.TargetID == "" {
		return fmt.Errorf("%w: target type and id are required", ErrInvalidMutation)
	}
	if m.BaseVersion < 0 {
		return fmt.Errorf("%w: negative base version", ErrInvalidMutation)
	}
	if err := m.Payload.ValidateFor(m.Op, m.TargetType); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	return nil
}

// Outbox is the write side of the queue used by local edit paths.
type Outbox struct {
	store  *store.Store
	keys   KeyGenerator
	clock  Clock
	logger *zap.Logger
	audit  *auditLog
}

// NewOutbox creates an Outbox over s.
func NewOutbox(s *store.Store, opts ...Option) *Outbox {
	o := buildOptions(opts)
	logger := o.logger.Named("outbox")
	return &Outbox{
		store:  s,
		keys:   o.keys,
		clock:  o.clock,
		logger: logger,
		audit:  &auditLog{store: s, logger: logger, clock: o.clock},
	}
}

// Enqueue validates m and records it as a pending queue item.
func (o *Outbox) Enqueue(ctx context.Context, m Mutation) (model.QueueItem, error) {
	if err := m.validate(); err != nil {
		return model.QueueItem{}, err
	}

	id := m.ID
	if id == "" {
		id = o.keys.Generate()
	}

	item, inserted, err := o.store.InsertItem(ctx, model.QueueItem{
		ID:          id,
		Op:          m.Op,
		TargetType:  m.TargetType,
		TargetID:    m.TargetID,
		Payload:     m.Payload,
		BaseVersion: m.BaseVersion,
	}, o.clock.Now())
	if err != nil {
		return model.QueueItem{}, &SyncError{Class: ClassStore, ItemID: id, Err: err}
	}

	o.logger.Debug("mutation enqueued",
		zap.String("item_id", item.ID),
		zap.Int64("seq", item.Seq),
		zap.Bool("inserted", inserted),
	)
	return item, nil
}

// Resolve hands a conflict back to the queue: it enqueues a fresh item for
// the conflicted target with the caller's re-based payload. The conflict
// record and the poisoned item are left as they are.
//
// A conflicted create is resolved as an update, since the target now exists
// remotely.
func (o *Outbox) Resolve(ctx context.Context, conflictID string, payload model.Payload, newBaseVersion int64) (model.QueueItem, error) {
	c, err := o.store.GetConflict(ctx, conflictID)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}
	orig, err := o.store.GetItem(ctx, c.QueueID)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	op := orig.Op
	if op == model.OpCreate {
		op = model.OpUpdate
	}

	item, err := o.Enqueue(ctx, Mutation{
		Op:          op,
		TargetType:  orig.TargetType,
		TargetID:    orig.TargetID,
		Payload:     payload,
		BaseVersion: newBaseVersion,
	})
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("resolve %s: %w", conflictID, err)
	}

	o.audit.info(ctx, "conflict resolution enqueued", map[string]any{
		"item_id":      item.ID,
		"conflict_id":  c.ID,
		"replaces":     orig.ID,
		"base_version": newBaseVersion,
	})
	return item, nil
}
