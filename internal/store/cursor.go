package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// GetCursor returns the cursor stored under key. A key that was never
// advanced yields model.DefaultCursor with a zero UpdatedAt.
func (s *Store) GetCursor(ctx context.Context, key string) (model.Cursor, error) {
	var (
		value   string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM cursors WHERE key = ?`, key,
	).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Cursor{Key: key, Value: model.DefaultCursor}, nil
	}
	if err != nil {
		return model.Cursor{}, fmt.Errorf("get cursor %s: %w", key, err)
	}
	return model.Cursor{Key: key, Value: value, UpdatedAt: fromMillis(updated)}, nil
}

// AdvanceCursor sets key to next if its current value is still from.
// A missing row counts as model.DefaultCursor.
// Returns ErrCursorMoved when another writer got there first.
func (s *Store) AdvanceCursor(ctx context.Context, key, from, next string, now time.Time) error {
	if next == "" {
		return fmt.Errorf("advance cursor %s: empty value", key)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT value FROM cursors WHERE key = ?`, key).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			current = model.DefaultCursor
		case err != nil:
			return fmt.Errorf("read: %w", err)
		}
		if current != from {
			return fmt.Errorf("%w: have %q, expected %q", ErrCursorMoved, current, from)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO cursors (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, next, toMillis(now))
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", key, err)
	}
	return nil
}

// ListCursors returns every stored cursor ordered by key.
func (s *Store) ListCursors(ctx context.Context) ([]model.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, updated_at FROM cursors ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	cursors := []model.Cursor{}
	for rows.Next() {
		var (
			c       model.Cursor
			updated int64
		)
		if err := rows.Scan(&c.Key, &c.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		c.UpdatedAt = fromMillis(updated)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return cursors, nil
}
