package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
)

// ChangeApplier consumes pulled remote changes. The cursor only advances
// after ApplyChanges returns nil, so a failing applier sees the same
// changes again on the next pull.
type ChangeApplier interface {
	ApplyChanges(ctx context.Context, scopeID string, changes []remote.Change) error
}

// ChangeApplierFunc adapts a function to ChangeApplier.
type ChangeApplierFunc func(ctx context.Context, scopeID string, changes []remote.Change) error

// ApplyChanges implements ChangeApplier.
func (f ChangeApplierFunc) ApplyChanges(ctx context.Context, scopeID string, changes []remote.Change) error {
	return f(ctx, scopeID, changes)
}

// PullReport summarizes one PullChanges call.
type PullReport struct {
	Scope  string `json:"scope"`
	Since  string `json:"since"`
	Cursor string `json:"cursor"`
	Count  int    `json:"count"`

	// Err is the classified failure, nil on success.
	Err error `json:"-"`
}

// OK reports whether the pull advanced the cursor.
func (r PullReport) OK() bool {
	return r.Err == nil
}

// PullChanges fetches remote changes after the stored cursor for scopeID
// (empty for the global stream) and advances the cursor to the server's
// value. On any failure the cursor is left unchanged and the failure is
// logged; PullChanges never returns an error to its caller.
func (w *Worker) PullChanges(ctx context.Context, scopeID string) (report PullReport) {
	key := model.CursorKey(scopeID)
	report.Scope = key

	defer func() {
		if r := recover(); r != nil {
			report = w.pullFailed(ctx, report, fmt.Errorf("panic during pull: %v", r))
		}
	}()

	cur, err := w.store.GetCursor(ctx, key)
	if err != nil {
		return w.pullFailed(ctx, report, err)
	}
	report.Since = cur.Value

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.RemoteTimeout)
	res, err := w.remote.Changes(callCtx, remote.ChangesRequest{Since: cur.Value, ProjectID: scopeID})
	cancel()
	if err != nil {
		return w.pullFailed(ctx, report, err)
	}
	if res.Cursor == "" {
		return w.pullFailed(ctx, report, fmt.Errorf("%w: empty cursor", remote.ErrMalformed))
	}

	if w.applier != nil && len(res.Changes) > 0 {
		if err := w.applier.ApplyChanges(ctx, scopeID, res.Changes); err != nil {
			return w.pullFailed(ctx, report, fmt.Errorf("apply changes: %w", err))
		}
	}

	if err := w.store.AdvanceCursor(ctx, key, cur.Value, res.Cursor, w.clock.Now()); err != nil {
		return w.pullFailed(ctx, report, err)
	}

	report.Cursor = res.Cursor
	report.Count = len(res.Changes)
	w.audit.info(ctx, "pulled remote changes", map[string]any{
		"scope":  key,
		"since":  cur.Value,
		"cursor": res.Cursor,
		"count":  len(res.Changes),
	})
	return report
}

func (w *Worker) pullFailed(ctx context.Context, report PullReport, cause error) PullReport {
	report.Err = &SyncError{Class: ClassPullFailed, Scope: report.Scope, Err: cause}
	report.Cursor = report.Since

	meta := map[string]any{
		"scope": report.Scope,
		"since": report.Since,
		"class": string(ClassPullFailed),
		"error": cause.Error(),
	}
	if errors.Is(cause, remote.ErrMalformed) {
		meta["cause"] = string(ClassMalformed)
	}
	w.audit.error(ctx, "pull failed", meta)
	w.logger.Debug("cursor unchanged", zap.String("scope", report.Scope))
	return report
}
