package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// InsertItem adds a mutation to the queue with the next enqueue sequence
// number. Uses ON CONFLICT(id) DO NOTHING for idempotency: re-inserting an
// existing id returns the stored row and inserted=false.
//
// The item is always written as pending with zero retries regardless of the
// Status and Retries fields passed in.
func (s *Store) InsertItem(ctx context.Context, item model.QueueItem, now time.Time) (stored model.QueueItem, inserted bool, err error) {
	payload, err := item.Payload.Bytes()
	if err != nil {
		return model.QueueItem{}, false, fmt.Errorf("insert item: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO queue
			(id, seq, op, target_type, target_id, payload, base_version,
			 status, retries, next_attempt_at, last_error, created_at, updated_at)
			VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM queue), ?, ?, ?, ?, ?,
			        'pending', 0, NULL, '', ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			item.ID,
			string(item.Op),
			item.TargetType,
			item.TargetID,
			string(payload),
			item.BaseVersion,
			toMillis(now),
			toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		inserted = rowsAffected > 0

		stored, err = scanItem(tx.QueryRowContext(ctx,
			`SELECT `+queueColumns+` FROM queue WHERE id = ?`, item.ID))
		if err != nil {
			return fmt.Errorf("select stored: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.QueueItem{}, false, fmt.Errorf("insert item: %w", err)
	}
	return stored, inserted, nil
}

// GetItem retrieves a queue item by id.
// Returns ErrNotFound if no such item exists.
func (s *Store) GetItem(ctx context.Context, id string) (model.QueueItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueItem{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// SelectDue returns up to limit non-terminal items that may be attempted at
// now, in enqueue order.
//
// An item is held back while an earlier non-terminal item for the same
// target is waiting out its backoff, so edits to one entity are never
// replayed out of order. Earlier items that are themselves due sort first
// and come back in the same batch.
func (s *Store) SelectDue(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		return []model.QueueItem{}, nil
	}

	nowMs := toMillis(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM queue q
		WHERE q.status IN ('pending', 'retrying')
		  AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM queue p
		      WHERE p.target_type = q.target_type
		        AND p.target_id = q.target_id
		        AND p.seq < q.seq
		        AND p.status IN ('pending', 'retrying')
		        AND p.next_attempt_at IS NOT NULL
		        AND p.next_attempt_at > ?
		  )
		ORDER BY q.seq ASC
		LIMIT ?
	`, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("select due: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// Transition describes one guarded status change of a queue item.
type Transition struct {
	ID string

	// FromRetries is the retry count the caller observed. The update only
	// applies if the row still has this count and is non-terminal.
	FromRetries int

	To            model.Status
	Retries       int
	NextAttemptAt *time.Time
	LastError     string
	At            time.Time
}

// sourceStatuses lists the statuses an item may leave for to.
func sourceStatuses(to model.Status) []any {
	var from []any
	for _, s := range model.Statuses {
		if model.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

func (tr Transition) validate() error {
	if len(sourceStatuses(tr.To)) == 0 {
		return fmt.Errorf("invalid target status %q", tr.To)
	}
	if tr.Retries < tr.FromRetries {
		return fmt.Errorf("retries must not decrease (%d -> %d)", tr.FromRetries, tr.Retries)
	}
	if tr.To == model.StatusRetrying && tr.NextAttemptAt == nil {
		return fmt.Errorf("retrying requires next_attempt_at")
	}
	return nil
}

// ApplyTransition moves a non-terminal item to a new status.
// Returns ErrTransitionRejected if the item is missing, already terminal, or
// its retry count differs from tr.FromRetries.
func (s *Store) ApplyTransition(ctx context.Context, tr Transition) error {
	if err := tr.validate(); err != nil {
		return fmt.Errorf("apply transition %s: %w", tr.ID, err)
	}
	if err := applyTransition(ctx, s.db, tr); err != nil {
		return fmt.Errorf("apply transition %s: %w", tr.ID, err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyTransition(ctx context.Context, ex execer, tr Transition) error {
	next := tr.NextAttemptAt
	if tr.To != model.StatusRetrying {
		next = nil
	}

	from := sourceStatuses(tr.To)
	args := []any{
		string(tr.To),
		tr.Retries,
		nullMillis(next),
		tr.LastError,
		toMillis(tr.At),
		tr.ID,
		tr.FromRetries,
	}
	args = append(args, from...)

	result, err := ex.ExecContext(ctx, `
		UPDATE queue
		SET status = ?, retries = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
		  AND retries = ?
		  AND status IN (?`+strings.Repeat(", ?", len(from)-1)+`)
	`, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

// ItemFilter narrows ListItems. Zero values match everything.
type ItemFilter struct {
	Status     model.Status
	TargetType string
	TargetID   string
	Limit      int
}

// ListItems returns queue items in enqueue order.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]model.QueueItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TargetType != "" {
		where = append(where, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}

	query := `SELECT ` + queueColumns + ` FROM queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// CountByStatus returns the number of queue rows in each status. Every
// status is present in the result, with zero when no rows match.
func (s *Store) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	counts := map[model.Status]int{
		model.StatusPending:  0,
		model.StatusRetrying: 0,
		model.StatusDone:     0,
		model.StatusPoison:   0,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// PurgeResult holds the rows removed by PurgeTerminal.
type PurgeResult struct {
	Items     []model.QueueItem
	Conflicts []model.ConflictRecord
}

// ArchiveFunc receives rows selected for purge before they are deleted.
// An error aborts the purge and nothing is deleted.
type ArchiveFunc func(ctx context.Context, res PurgeResult) error

// PurgeTerminal deletes done and poison items last updated before the
// cutoff, together with their conflict records, and returns what it deleted.
// A non-nil archive runs inside the transaction ahead of the deletes.
// Non-terminal items are never touched.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time, archive ArchiveFunc) (PurgeResult, error) {
	var res PurgeResult
	cutoff := toMillis(before)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+queueColumns+` FROM queue
			WHERE status IN ('done', 'poison') AND updated_at < ?
			ORDER BY seq ASC
		`, cutoff)
		if err != nil {
			return fmt.Errorf("select items: %w", err)
		}
		res.Items, err = collectItems(rows)
		rows.Close()
		if err != nil {
			return err
		}

		crows, err := tx.QueryContext(ctx, `
			SELECT `+conflictColumns+` FROM conflicts
			WHERE queue_id IN (
				SELECT id FROM queue WHERE status IN ('done', 'poison') AND updated_at < ?
			)
			ORDER BY created_at ASC, id ASC
		`, cutoff)
		if err != nil {
			return fmt.Errorf("select conflicts: %w", err)
		}
		res.Conflicts, err = collectConflicts(crows)
		crows.Close()
		if err != nil {
			return err
		}

		if archive != nil && (len(res.Items) > 0 || len(res.Conflicts) > 0) {
			if err := archive(ctx, res); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conflicts WHERE queue_id IN (
				SELECT id FROM queue WHERE status IN ('done', 'poison') AND updated_at < ?
			)
		`, cutoff); err != nil {
			return fmt.Errorf("delete conflicts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM queue WHERE status IN ('done', 'poison') AND updated_at < ?
		`, cutoff); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		return nil
	})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge terminal: %w", err)
	}
	return res, nil
}

func collectItems(rows *sql.Rows) ([]model.QueueItem, error) {
	items := []model.QueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}
