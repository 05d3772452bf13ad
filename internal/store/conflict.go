package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/model"
)

// RecordConflict stores a conflict record and poisons its queue item in one
// transaction. Either both rows change or neither does.
//
// tr must target c.QueueID with To == poison. If the guarded transition is
// rejected the conflict insert is rolled back and ErrTransitionRejected is
// returned.
func (s *Store) RecordConflict(ctx context.Context, c model.ConflictRecord, tr Transition) error {
	if tr.ID != c.QueueID {
		return fmt.Errorf("record conflict: transition item %s does not match queue_id %s", tr.ID, c.QueueID)
	}
	if tr.To != model.StatusPoison {
		return fmt.Errorf("record conflict: item must move to poison, got %q", tr.To)
	}
	if err := tr.validate(); err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := applyTransition(ctx, tx, tr); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts
			(id, queue_id, project_id, node_id, base_json, remote_json, local_json, policy, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			c.ID,
			c.QueueID,
			c.ProjectID,
			c.NodeID,
			rawOrEmpty(c.BaseJSON),
			rawOrEmpty(c.RemoteJSON),
			rawOrEmpty(c.LocalJSON),
			c.Policy,
			toMillis(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record conflict for %s: %w", c.QueueID, err)
	}
	return nil
}

// GetConflict retrieves a conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id string) (model.ConflictRecord, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ConflictRecord{}, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

// ConflictForItem retrieves the conflict recorded for a queue item.
func (s *Store) ConflictForItem(ctx context.Context, queueID string) (model.ConflictRecord, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE queue_id = ?`, queueID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRecord{}, fmt.Errorf("conflict for item %s: %w", queueID, ErrNotFound)
	}
	if err != nil {
		return model.ConflictRecord{}, fmt.Errorf("get conflict for item: %w", err)
	}
	return c, nil
}

// ListConflicts returns all conflict records, oldest first.
// Ties on created_at are broken by id for a stable order.
func (s *Store) ListConflicts(ctx context.Context) ([]model.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	return collectConflicts(rows)
}

func collectConflicts(rows *sql.Rows) ([]model.ConflictRecord, error) {
	conflicts := []model.ConflictRecord{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}
