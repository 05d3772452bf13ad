package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes or renews the named lease for owner until now+ttl.
// It succeeds when the lease is free, expired, or already held by owner,
// and returns false when another owner holds a live lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration, now time.Time) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("acquire lease %s: ttl must be positive", name)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?
	`, name, owner, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: rows affected: %w", name, err)
	}
	return rowsAffected > 0, nil
}

// ReleaseLease drops the named lease if owner holds it. Releasing a lease
// held by someone else, or not held at all, is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner,
	); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}
