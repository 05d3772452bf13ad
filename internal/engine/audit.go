package engine

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// auditLog writes every worker event to the store's log table and mirrors
// it to zap. A failed store write is reported through zap only.
type auditLog struct {
	store  *store.Store
	logger *zap.Logger
	clock  Clock
}

func (a *auditLog) info(ctx context.Context, msg string, meta map[string]any) {
	a.record(ctx, model.LevelInfo, msg, meta)
}

func (a *auditLog) warn(ctx context.Context, msg string, meta map[string]any) {
	a.record(ctx, model.LevelWarn, msg, meta)
}

func (a *auditLog) error(ctx context.Context, msg string, meta map[string]any) {
	a.record(ctx, model.LevelError, msg, meta)
}

func (a *auditLog) record(ctx context.Context, level model.Level, msg string, meta map[string]any) {
	fields := metaFields(meta)

	switch level {
	case model.LevelError:
		a.logger.Error(msg, fields...)
	case model.LevelWarn:
		a.logger.Warn(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}

	// The audit row must land even when the caller's context was cancelled.
	if _, err := a.store.AppendLog(context.WithoutCancel(ctx), level, msg, meta, a.clock.Now()); err != nil {
		a.logger.Error("audit log write failed", zap.String("message", msg), zap.Error(err))
	}
}

// metaFields converts audit metadata to zap fields in key order.
func metaFields(meta map[string]any) []zap.Field {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if raw, ok := meta[k].(json.RawMessage); ok {
			fields = append(fields, zap.String(k, string(raw)))
			continue
		}
		fields = append(fields, zap.Any(k, meta[k]))
	}
	return fields
}
