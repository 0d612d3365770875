package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fieldsync/fieldsync/internal/op"
)

// ErrNotFound is returned when an operation id is absent from the queried
// table.
var ErrNotFound = errors.New("operation not found")

// Enqueue validates and persists a new operation, returning its id.
//
// Validation failures fail the call synchronously; nothing is queued.
// Once Enqueue returns nil the operation is durable.
func (db *DB) Enqueue(ctx context.Context, o *op.Operation) (string, error) {
	o.SetDefaults()
	if err := o.Validate(); err != nil {
		return "", fmt.Errorf("cannot enqueue invalid operation: %w", err)
	}

	query := `
	INSERT INTO operations (id, method, target, payload, enqueued_at, priority, attempts, attempt_limit)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		o.ID, string(o.Method), o.Target, o.Payload,
		formatTime(o.EnqueuedAt), int(o.Priority), o.Attempts, o.AttemptLimit)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation %s: %w", o.ID, err)
	}

	return o.ID, nil
}

// ListPending returns the active queue ordered by ascending priority
// ordinal, then enqueue time, then id. This order defines replay order for
// the orchestrator.
func (db *DB) ListPending(ctx context.Context) ([]*op.Operation, error) {
	query := `
	SELECT id, method, target, payload, enqueued_at, priority, attempts, attempt_limit
	FROM operations
	ORDER BY priority ASC, enqueued_at ASC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	defer rows.Close()

	var ops []*op.Operation
	for rows.Next() {
		o, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending operations: %w", err)
	}

	return ops, nil
}

// GetPending returns a single active operation by id.
func (db *DB) GetPending(ctx context.Context, id string) (*op.Operation, error) {
	query := `
	SELECT id, method, target, payload, enqueued_at, priority, attempts, attempt_limit
	FROM operations WHERE id = ?`

	row := db.conn.QueryRowContext(ctx, query, id)
	o, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// Remove deletes an operation from the active queue, typically after a
// confirmed replay success.
func (db *DB) Remove(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal of %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Update rewrites an operation's mutable fields (attempts, priority) in
// place. Only the orchestrator writes attempts, so last-writer-wins is
// acceptable here.
func (db *DB) Update(ctx context.Context, o *op.Operation) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("cannot update with invalid operation: %w", err)
	}

	query := `UPDATE operations SET attempts = ?, priority = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, query, o.Attempts, int(o.Priority), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update of %s: %w", o.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountPending returns the active queue size.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// MoveToFailed migrates an exhausted operation from the active queue to the
// failed store in a single transaction, keeping the two tables disjoint.
func (db *DB) MoveToFailed(ctx context.Context, o *op.Operation, reason string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, o.ID)
	if err != nil {
		return fmt.Errorf("failed to remove operation %s from queue: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal of %s: %w", o.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	insert := `
	INSERT INTO failed_operations
		(id, method, target, payload, enqueued_at, priority, attempts, attempt_limit, terminal_error, failed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insert,
		o.ID, string(o.Method), o.Target, o.Payload,
		formatTime(o.EnqueuedAt), int(o.Priority), o.Attempts, o.AttemptLimit,
		reason, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record failed operation %s: %w", o.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failed-out of %s: %w", o.ID, err)
	}
	return nil
}

// ListFailed returns the failed store, most recent failures first.
func (db *DB) ListFailed(ctx context.Context) ([]*op.Failed, error) {
	query := `
	SELECT id, method, target, payload, enqueued_at, priority, attempts, attempt_limit, terminal_error, failed_at
	FROM failed_operations
	ORDER BY failed_at DESC, id ASC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed operations: %w", err)
	}
	defer rows.Close()

	var failed []*op.Failed
	for rows.Next() {
		var f op.Failed
		var method, enqueuedAt, failedAt string
		var priority int
		err := rows.Scan(&f.ID, &method, &f.Target, &f.Payload, &enqueuedAt,
			&priority, &f.Attempts, &f.AttemptLimit, &f.TerminalError, &failedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed operation: %w", err)
		}
		f.Method = op.Method(method)
		f.Priority = op.Priority(priority)
		if f.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
			return nil, err
		}
		if f.FailedAt, err = parseTime(failedAt); err != nil {
			return nil, err
		}
		failed = append(failed, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed operations: %w", err)
	}

	return failed, nil
}

// CountFailed returns the failed store size.
func (db *DB) CountFailed(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_operations`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed operations: %w", err)
	}
	return count, nil
}

// Requeue moves a failed operation back to the active queue with attempts
// reset. This is the explicit external intervention for exhausted
// operations; nothing requeues automatically.
func (db *DB) Requeue(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
	SELECT id, method, target, payload, enqueued_at, priority, attempt_limit
	FROM failed_operations WHERE id = ?`, id)

	var o op.Operation
	var method, enqueuedAt string
	var priority int
	err = row.Scan(&o.ID, &method, &o.Target, &o.Payload, &enqueuedAt, &priority, &o.AttemptLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read failed operation %s: %w", id, err)
	}
	o.Method = op.Method(method)
	o.Priority = op.Priority(priority)
	if o.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM failed_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove failed operation %s: %w", id, err)
	}

	insert := `
	INSERT INTO operations (id, method, target, payload, enqueued_at, priority, attempts, attempt_limit)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?)`
	_, err = tx.ExecContext(ctx, insert,
		o.ID, string(o.Method), o.Target, o.Payload,
		formatTime(o.EnqueuedAt), int(o.Priority), o.AttemptLimit)
	if err != nil {
		return fmt.Errorf("failed to requeue operation %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit requeue of %s: %w", id, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*op.Operation, error) {
	var o op.Operation
	var method, enqueuedAt string
	var priority int

	err := s.Scan(&o.ID, &method, &o.Target, &o.Payload, &enqueuedAt,
		&priority, &o.Attempts, &o.AttemptLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	o.Method = op.Method(method)
	o.Priority = op.Priority(priority)
	if o.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	return &o, nil
}
