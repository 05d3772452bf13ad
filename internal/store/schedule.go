package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule is a persisted background sync registration. It lets a restarted
// daemon pick its registration back up.
type Schedule struct {
	Name         string
	Interval     time.Duration
	TriggerPath  string
	RegisteredAt time.Time
}

// SaveSchedule creates or replaces a schedule registration.
func (s *Store) SaveSchedule(ctx context.Context, sch Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (name, interval_ms, trigger_path, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			interval_ms = excluded.interval_ms,
			trigger_path = excluded.trigger_path,
			registered_at = excluded.registered_at
	`, sch.Name, sch.Interval.Milliseconds(), sch.TriggerPath, toMillis(sch.RegisteredAt))
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sch.Name, err)
	}
	return nil
}

// GetSchedule returns the named registration or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, name string) (Schedule, error) {
	var (
		sch        Schedule
		intervalMs int64
		registered int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, interval_ms, trigger_path, registered_at FROM schedules WHERE name = ?
	`, name).Scan(&sch.Name, &intervalMs, &sch.TriggerPath, &registered)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("get schedule %s: %w", name, err)
	}
	sch.Interval = time.Duration(intervalMs) * time.Millisecond
	sch.RegisteredAt = fromMillis(registered)
	return sch, nil
}

// DeleteSchedule removes the named registration. Missing rows are ignored.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete schedule %s: %w", name, err)
	}
	return nil
}
