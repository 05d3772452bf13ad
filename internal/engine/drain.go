package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// DrainReport summarizes one DrainQueue call.
type DrainReport struct {
	// Skipped is set when another owner held the drain lease.
	Skipped bool `json:"skipped,omitempty"`

	Selected  int `json:"selected"`
	Done      int `json:"done"`
	Conflicts int `json:"conflicts"`
	Retrying  int `json:"retrying"`
	Poisoned  int `json:"poisoned"`

	// Deferred counts items left for a later cycle because an earlier edit
	// of the same entity failed in this batch.
	Deferred int `json:"deferred"`

	// Failed counts items whose outcome could not be persisted.
	Failed int `json:"failed"`

	// Interrupted is set when the context was cancelled mid-batch.
	Interrupted bool `json:"interrupted,omitempty"`

	// LeaseLost is set when the drain lease could not be renewed and the
	// rest of the batch was left for its new holder.
	LeaseLost bool `json:"lease_lost,omitempty"`
}

type outcome int

const (
	outcomeDone outcome = iota + 1
	outcomeConflict
	outcomeRetrying
	outcomePoisoned
	outcomeFailed
	outcomeInterrupted
)

type entityRef struct {
	targetType string
	targetID   string
}

// DrainQueue replays up to BatchSize due items in enqueue order.
//
// Each item ends the call done, poisoned (conflict or retry ceiling),
// retrying with a later next_attempt_at, or untouched if the context was
// cancelled before its outcome was known. One item's failure never aborts
// the batch.
//
// The returned error is non-nil only when no batch could be selected.
func (w *Worker) DrainQueue(ctx context.Context) (DrainReport, error) {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	var report DrainReport

	ok, err := w.store.AcquireLease(ctx, drainLease, w.owner, w.cfg.LeaseTTL, w.clock.Now())
	if err != nil {
		w.audit.error(ctx, "drain lease unavailable", map[string]any{"error": err.Error()})
		return report, &SyncError{Class: ClassStore, Err: err}
	}
	if !ok {
		w.audit.info(ctx, "drain skipped: lease held by another worker", map[string]any{"owner": w.owner})
		report.Skipped = true
		return report, nil
	}
	defer func() {
		if err := w.store.ReleaseLease(context.WithoutCancel(ctx), drainLease, w.owner); err != nil {
			w.logger.Warn("release drain lease failed", zap.Error(err))
		}
	}()

	items, err := w.store.SelectDue(ctx, w.clock.Now(), w.cfg.BatchSize)
	if err != nil {
		w.audit.error(ctx, "select due items failed", map[string]any{"error": err.Error()})
		return report, &SyncError{Class: ClassStore, Err: err}
	}
	report.Selected = len(items)

	blocked := make(map[entityRef]bool)
	for _, item := range items {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		ref := entityRef{item.TargetType, item.TargetID}
		if blocked[ref] {
			report.Deferred++
			continue
		}

		// The lease must outlive the remote call that follows.
		if !w.renewLease(ctx) {
			report.LeaseLost = true
			break
		}

		switch w.replay(ctx, item) {
		case outcomeDone:
			report.Done++
		case outcomeConflict:
			report.Conflicts++
		case outcomeRetrying:
			report.Retrying++
			blocked[ref] = true
		case outcomePoisoned:
			report.Poisoned++
		case outcomeFailed:
			report.Failed++
			blocked[ref] = true
		case outcomeInterrupted:
			report.Interrupted = true
		}
		if report.Interrupted {
			break
		}
	}

	w.logger.Debug("drain finished",
		zap.Int("selected", report.Selected),
		zap.Int("done", report.Done),
		zap.Int("deferred", report.Deferred),
	)
	return report, nil
}

// renewLease extends the drain lease by LeaseTTL from now. It reports false
// when the lease has passed to another owner or cannot be written.
func (w *Worker) renewLease(ctx context.Context) bool {
	ok, err := w.store.AcquireLease(ctx, drainLease, w.owner, w.cfg.LeaseTTL, w.clock.Now())
	switch {
	case err != nil:
		w.audit.error(ctx, "drain lease renewal failed", map[string]any{
			"owner": w.owner,
			"class": string(ClassStore),
			"error": err.Error(),
		})
		return false
	case !ok:
		w.audit.warn(ctx, "drain lease lost", map[string]any{"owner": w.owner})
		return false
	}
	return true
}

// replay sends one item to the remote and persists the outcome.
func (w *Worker) replay(ctx context.Context, item model.QueueItem) outcome {
	payload, err := item.Payload.Bytes()
	if err != nil {
		return w.fail(ctx, item, ClassMalformed, fmt.Errorf("encode payload: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.RemoteTimeout)
	res, err := w.remote.Mutate(callCtx, remote.MutateRequest{
		Op:             string(item.Op),
		TargetType:     item.TargetType,
		TargetID:       item.TargetID,
		Payload:        payload,
		BaseVersion:    item.BaseVersion,
		IdempotencyKey: item.ID,
	})
	cancel()

	if err != nil {
		// The caller gave up, not the remote. Leave the item as it was.
		if ctx.Err() != nil {
			w.logger.Info("drain interrupted")
			return outcomeInterrupted
		}
		return w.fail(ctx, item, Classify(err), err)
	}

	switch {
	case !res.Valid():
		return w.fail(ctx, item, ClassMalformed, fmt.Errorf("%w: no outcome in result", remote.ErrMalformed))
	case res.Success:
		return w.complete(ctx, item)
	case res.Conflict != nil:
		return w.recordConflict(ctx, item, payload, res.Conflict)
	default:
		return w.fail(ctx, item, ClassTransient, errors.New(res.Error))
	}
}

func (w *Worker) complete(ctx context.Context, item model.QueueItem) outcome {
	err := w.store.ApplyTransition(ctx, store.Transition{
		ID:          item.ID,
		FromRetries: item.Retries,
		To:          model.StatusDone,
		Retries:     item.Retries,
		At:          w.clock.Now(),
	})
	if err != nil {
		return w.persistFailed(ctx, item, err)
	}

	w.audit.info(ctx, "mutation synced", map[string]any{
		"item_id":     item.ID,
		"op":          string(item.Op),
		"target_type": item.TargetType,
		"target_id":   item.TargetID,
		"attempts":    item.Retries + 1,
	})
	return outcomeDone
}

func (w *Worker) recordConflict(ctx context.Context, item model.QueueItem, payload []byte, c *remote.Conflict) outcome {
	now := w.clock.Now()
	projectID, nodeID := model.EntityScope(item.TargetType, item.TargetID, item.Payload)

	rec := model.ConflictRecord{
		ID:         w.keys.Generate(),
		QueueID:    item.ID,
		ProjectID:  projectID,
		NodeID:     nodeID,
		BaseJSON:   c.Base,
		RemoteJSON: c.Remote,
		LocalJSON:  payload,
		Policy:     c.Policy,
		CreatedAt:  now,
	}
	err := w.store.RecordConflict(ctx, rec, store.Transition{
		ID:          item.ID,
		FromRetries: item.Retries,
		To:          model.StatusPoison,
		Retries:     item.Retries,
		LastError:   "version conflict",
		At:          now,
	})
	if err != nil {
		return w.persistFailed(ctx, item, err)
	}

	w.audit.warn(ctx, "mutation conflicted", map[string]any{
		"item_id":      item.ID,
		"conflict_id":  rec.ID,
		"target_type":  item.TargetType,
		"target_id":    item.TargetID,
		"base_version": item.BaseVersion,
		"policy":       c.Policy,
		"class":        string(ClassConflict),
		"payload":      jsonRaw(payload),
		"created_at":   item.CreatedAt,
	})
	return outcomeConflict
}

// fail counts a failed attempt. Reaching MaxRetries poisons the item;
// otherwise it is rescheduled after Backoff(retries).
func (w *Worker) fail(ctx context.Context, item model.QueueItem, class ErrorClass, cause error) outcome {
	now := w.clock.Now()
	retries := item.Retries + 1
	syncErr := &SyncError{Class: class, ItemID: item.ID, Err: cause}

	tr := store.Transition{
		ID:          item.ID,
		FromRetries: item.Retries,
		Retries:     retries,
		LastError:   cause.Error(),
		At:          now,
	}

	if retries >= w.cfg.MaxRetries {
		tr.To = model.StatusPoison
		if err := w.store.ApplyTransition(ctx, tr); err != nil {
			return w.persistFailed(ctx, item, err)
		}

		meta := map[string]any{
			"item_id":     item.ID,
			"target_type": item.TargetType,
			"target_id":   item.TargetID,
			"retries":     retries,
			"class":       string(class),
			"error":       syncErr.Error(),
			"created_at":  item.CreatedAt,
			"failed_at":   now,
		}
		if payload, err := item.Payload.Bytes(); err != nil {
			meta["payload_error"] = err.Error()
		} else {
			meta["payload"] = jsonRaw(payload)
		}
		w.audit.error(ctx, "mutation poisoned after max retries", meta)
		return outcomePoisoned
	}

	next := now.Add(w.cfg.Backoff(retries))
	tr.To = model.StatusRetrying
	tr.NextAttemptAt = &next
	if err := w.store.ApplyTransition(ctx, tr); err != nil {
		return w.persistFailed(ctx, item, err)
	}

	w.audit.warn(ctx, "mutation retry scheduled", map[string]any{
		"item_id":         item.ID,
		"retries":         retries,
		"next_attempt_at": next.Format(time.RFC3339Nano),
		"class":           string(class),
		"error":           syncErr.Error(),
	})
	return outcomeRetrying
}

// persistFailed logs an outcome that could not be written. The item keeps
// its previous state and is picked up again by a later drain.
func (w *Worker) persistFailed(ctx context.Context, item model.QueueItem, err error) outcome {
	msg := "queue update failed"
	if errors.Is(err, store.ErrTransitionRejected) {
		msg = "queue transition rejected"
	}
	w.audit.error(ctx, msg, map[string]any{
		"item_id": item.ID,
		"class":   string(ClassStore),
		"error":   err.Error(),
	})
	return outcomeFailed
}

// jsonRaw keeps valid JSON as a nested value in audit metadata.
func jsonRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
