// Package trigger abstracts the platform background-trigger facility.
//
// The orchestrator registers a named tag when a drain pass leaves work
// pending; the agent redelivers registered tags when connectivity returns,
// even if no foreground client is connected. On platforms without a
// durable facility the registrar degrades silently to foreground-only
// sync-on-connectivity-event; registration never throws.
package trigger

import (
	"context"

	"github.com/fieldsync/fieldsync/internal/store"
)

// DefaultTag is the tag used for ordinary queue drains.
const DefaultTag = "fieldsync-drain"

// Registrar is the trigger registration boundary.
type Registrar interface {
	// Register records a tag for redelivery. Registering an already
	// registered tag coalesces.
	Register(ctx context.Context, tag string) error

	// Pending lists tags awaiting redelivery in registration order.
	Pending(ctx context.Context) ([]string, error)

	// Clear removes a tag once its drain has been delivered.
	Clear(ctx context.Context, tag string) error
}

// StoreRegistrar persists registrations in the shared durable store so a
// trigger survives agent restarts.
type StoreRegistrar struct {
	db *store.DB
}

// NewStoreRegistrar creates a durable registrar over the queue store.
func NewStoreRegistrar(db *store.DB) *StoreRegistrar {
	return &StoreRegistrar{db: db}
}

func (r *StoreRegistrar) Register(ctx context.Context, tag string) error {
	return r.db.RegisterTrigger(ctx, tag)
}

func (r *StoreRegistrar) Pending(ctx context.Context) ([]string, error) {
	return r.db.PendingTriggers(ctx)
}

func (r *StoreRegistrar) Clear(ctx context.Context, tag string) error {
	return r.db.ClearTrigger(ctx, tag)
}

// Noop is the degraded registrar for platforms without a background
// trigger facility. Every method succeeds and nothing is redelivered.
type Noop struct{}

func (Noop) Register(ctx context.Context, tag string) error { return nil }
func (Noop) Pending(ctx context.Context) ([]string, error)  { return nil, nil }
func (Noop) Clear(ctx context.Context, tag string) error    { return nil }
