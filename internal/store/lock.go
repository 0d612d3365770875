package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned when another context currently holds the drain
// lease for the requested scope. Callers coalesce rather than wait.
var ErrLockHeld = errors.New("drain lock held by another context")

// AcquireDrainLock takes the per-scope drain lease.
//
// The in-process single-flight guard is advisory and covers only one
// execution context; because the agent and foreground clients can each
// drive a drain against the shared store, this durable lease preserves
// at-most-one-concurrent-drain across processes. An expired lease is
// stolen, so a crashed holder never wedges the scope.
func (db *DB) AcquireDrainLock(ctx context.Context, scope, holder string, ttl time.Duration) error {
	now := time.Now()
	expires := now.Add(ttl)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingHolder, expiresAt string
	row := tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM drain_lock WHERE scope = ?`, scope)
	err = row.Scan(&existingHolder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No lease; take it below.
	case err != nil:
		return fmt.Errorf("failed to read drain lock: %w", err)
	default:
		exp, perr := parseTime(expiresAt)
		if perr != nil {
			return perr
		}
		if existingHolder != holder && now.Before(exp) {
			return ErrLockHeld
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO drain_lock (scope, holder, acquired_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(scope) DO UPDATE SET
		holder = excluded.holder,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at`,
		scope, holder, formatTime(now), formatTime(expires))
	if err != nil {
		return fmt.Errorf("failed to acquire drain lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit drain lock: %w", err)
	}
	return nil
}

// ReleaseDrainLock gives up the lease if this holder still owns it.
// Releasing a lease stolen after expiry is a no-op.
func (db *DB) ReleaseDrainLock(ctx context.Context, scope, holder string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM drain_lock WHERE scope = ? AND holder = ?`, scope, holder)
	if err != nil {
		return fmt.Errorf("failed to release drain lock: %w", err)
	}
	return nil
}
