package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// AppendLog adds an entry to the audit trail and returns its id.
func (s *Store) AppendLog(ctx context.Context, level model.Level, message string, meta map[string]any, now time.Time) (int64, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (level, message, meta, created_at) VALUES (?, ?, ?, ?)
	`, string(level), message, metaJSON, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append log: last insert id: %w", err)
	}
	return id, nil
}

// LogFilter narrows ListLogs. Zero values match everything.
type LogFilter struct {
	Level  model.Level
	ItemID string
	Scope  string

	// Limit keeps the newest N matching entries. They are still returned
	// oldest first.
	Limit int
}

// ListLogs returns audit entries in insertion order.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]model.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.ItemID != "" {
		where = append(where, "json_extract(meta, '$.item_id') = ?")
		args = append(args, f.ItemID)
	}
	if f.Scope != "" {
		where = append(where, "json_extract(meta, '$.scope') = ?")
		args = append(args, f.Scope)
	}

	query := `SELECT id, level, message, meta, created_at FROM logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	entries := []model.LogEntry{}
	for rows.Next() {
		var (
			e       model.LogEntry
			level   string
			meta    string
			created int64
		)
		if err := rows.Scan(&e.ID, &level, &e.Message, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Level = model.Level(level)
		e.CreatedAt = fromMillis(created)
		if e.Meta, err = unmarshalMeta(meta); err != nil {
			return nil, fmt.Errorf("log %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate logs: %w", err)
	}

	// Reverse to oldest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
