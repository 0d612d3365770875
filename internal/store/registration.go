package store

import (
	"context"
	"fmt"
	"time"
)

// RegisterTrigger records a named sync tag for redelivery. Registering the
// same tag twice is a no-op; the platform facility coalesces by tag.
func (db *DB) RegisterTrigger(ctx context.Context, tag string) error {
	if tag == "" {
		return fmt.Errorf("trigger tag is required")
	}

	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_registrations (tag, registered_at)
	VALUES (?, ?)
	ON CONFLICT(tag) DO NOTHING`,
		tag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to register trigger %q: %w", tag, err)
	}
	return nil
}

// PendingTriggers lists registered tags in registration order.
func (db *DB) PendingTriggers(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT tag FROM sync_registrations ORDER BY registered_at ASC, tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trigger registrations: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan trigger tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trigger tags: %w", err)
	}
	return tags, nil
}

// ClearTrigger removes a tag after its drain has been delivered.
func (db *DB) ClearTrigger(ctx context.Context, tag string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM sync_registrations WHERE tag = ?`, tag)
	if err != nil {
		return fmt.Errorf("failed to clear trigger %q: %w", tag, err)
	}
	return nil
}
