package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldsync/fieldsync/internal/op"
)

// testDB opens an initialized database in a temp dir.
func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testOp(priority op.Priority, target string) *op.Operation {
	return &op.Operation{
		Method:       op.MethodCreate,
		Target:       target,
		Payload:      []byte(`{}`),
		Priority:     priority,
		AttemptLimit: 3,
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestEnqueue_Invalid(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Missing target fails synchronously; nothing is queued.
	bad := &op.Operation{Method: op.MethodCreate}
	if _, err := db.Enqueue(ctx, bad); err == nil {
		t.Fatal("Enqueue() of invalid operation succeeded, want error")
	}

	count, err := db.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("CountPending() = %d after rejected enqueue, want 0", count)
	}
}

func TestListPending_PriorityOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Scenario from the drain-order contract: enqueue [low, critical,
	// normal] in that order, expect [critical, normal, low] back.
	inserted := []op.Priority{op.PriorityLow, op.PriorityCritical, op.PriorityNormal}
	for i, p := range inserted {
		o := testOp(p, fmt.Sprintf("/api/items/%d/", i))
		o.EnqueuedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if _, err := db.Enqueue(ctx, o); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	pending, err := db.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}

	want := []op.Priority{op.PriorityCritical, op.PriorityNormal, op.PriorityLow}
	if len(pending) != len(want) {
		t.Fatalf("ListPending() returned %d operations, want %d", len(pending), len(want))
	}
	for i, o := range pending {
		if o.Priority != want[i] {
			t.Errorf("pending[%d].Priority = %v, want %v", i, o.Priority, want[i])
		}
	}
}

func TestListPending_FIFOWithinPriority(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 5; i++ {
		o := testOp(op.PriorityNormal, "/api/sales/")
		o.EnqueuedAt = base.Add(time.Duration(i) * time.Millisecond)
		id, err := db.Enqueue(ctx, o)
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, id)
	}

	pending, err := db.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	for i, o := range pending {
		if o.ID != ids[i] {
			t.Errorf("pending[%d].ID = %s, want %s (insertion order)", i, o.ID, ids[i])
		}
	}
}

func TestListPending_WholeSecondTimestampOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// A whole-second timestamp must still sort before a fractional one in
	// the same second. The stored layout is compared as text, so trimmed
	// trailing nanoseconds would invert this pair ("...01Z" > "...01.5Z").
	base := time.Date(2026, 8, 23, 10, 0, 1, 0, time.UTC)

	first := testOp(op.PriorityNormal, "/api/sales/first/")
	first.EnqueuedAt = base
	firstID, err := db.Enqueue(ctx, first)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	second := testOp(op.PriorityNormal, "/api/sales/second/")
	second.EnqueuedAt = base.Add(500 * time.Millisecond)
	secondID, err := db.Enqueue(ctx, second)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	pending, err := db.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending() failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("ListPending() returned %d operations, want 2", len(pending))
	}
	if pending[0].ID != firstID || pending[1].ID != secondID {
		t.Errorf("order = [%s %s], want [%s %s]",
			pending[0].ID, pending[1].ID, firstID, secondID)
	}
	if !pending[0].EnqueuedAt.Equal(base) {
		t.Errorf("EnqueuedAt round-trip = %v, want %v", pending[0].EnqueuedAt, base)
	}
}

func TestRemove(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.Enqueue(ctx, testOp(op.PriorityNormal, "/api/sales/"))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if err := db.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if err := db.Remove(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove() of missing id = %v, want ErrNotFound", err)
	}
}

func TestUpdate_Attempts(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	o := testOp(op.PriorityNormal, "/api/sales/")
	if _, err := db.Enqueue(ctx, o); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	o.Attempts = 1
	if err := db.Update(ctx, o); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, err := db.GetPending(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetPending() failed: %v", err)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
}

func TestMoveToFailed_Disjoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	o := testOp(op.PriorityHigh, "/api/stock/")
	if _, err := db.Enqueue(ctx, o); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	o.Attempts = o.AttemptLimit
	if err := db.MoveToFailed(ctx, o, "upstream returned 500"); err != nil {
		t.Fatalf("MoveToFailed() failed: %v", err)
	}

	// The operation must appear in exactly one of the two stores.
	if _, err := db.GetPending(ctx, o.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPending() after fail-out = %v, want ErrNotFound", err)
	}

	failed, err := db.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed() failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("ListFailed() returned %d records, want 1", len(failed))
	}
	f := failed[0]
	if f.ID != o.ID {
		t.Errorf("failed id = %s, want %s", f.ID, o.ID)
	}
	if f.TerminalError != "upstream returned 500" {
		t.Errorf("TerminalError = %q, want upstream error", f.TerminalError)
	}
	if f.Attempts != f.AttemptLimit {
		t.Errorf("Attempts = %d, want attempt limit %d", f.Attempts, f.AttemptLimit)
	}
	if f.FailedAt.IsZero() {
		t.Error("FailedAt not set")
	}
}

func TestRequeue(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	o := testOp(op.PriorityCritical, "/api/sales/")
	if _, err := db.Enqueue(ctx, o); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	o.Attempts = o.AttemptLimit
	if err := db.MoveToFailed(ctx, o, "timeout"); err != nil {
		t.Fatalf("MoveToFailed() failed: %v", err)
	}

	if err := db.Requeue(ctx, o.ID); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	got, err := db.GetPending(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetPending() after requeue failed: %v", err)
	}
	if got.Attempts != 0 {
		t.Errorf("Attempts after requeue = %d, want 0", got.Attempts)
	}
	if got.Priority != op.PriorityCritical {
		t.Errorf("Priority after requeue = %v, want critical", got.Priority)
	}

	count, err := db.CountFailed(ctx)
	if err != nil {
		t.Fatalf("CountFailed() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("CountFailed() after requeue = %d, want 0", count)
	}

	if err := db.Requeue(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Requeue(missing) = %v, want ErrNotFound", err)
	}
}

func TestDrainLock(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AcquireDrainLock(ctx, "default", "agent-1", time.Minute); err != nil {
		t.Fatalf("AcquireDrainLock() failed: %v", err)
	}

	// Another holder is rejected while the lease is live.
	err := db.AcquireDrainLock(ctx, "default", "cli-1", time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("second AcquireDrainLock() = %v, want ErrLockHeld", err)
	}

	// A distinct scope is independent.
	if err := db.AcquireDrainLock(ctx, "retry-sale", "cli-1", time.Minute); err != nil {
		t.Errorf("AcquireDrainLock(other scope) failed: %v", err)
	}

	// Re-entrant acquire by the same holder refreshes the lease.
	if err := db.AcquireDrainLock(ctx, "default", "agent-1", time.Minute); err != nil {
		t.Errorf("re-acquire by holder failed: %v", err)
	}

	if err := db.ReleaseDrainLock(ctx, "default", "agent-1"); err != nil {
		t.Fatalf("ReleaseDrainLock() failed: %v", err)
	}
	if err := db.AcquireDrainLock(ctx, "default", "cli-1", time.Minute); err != nil {
		t.Errorf("AcquireDrainLock() after release failed: %v", err)
	}
}

func TestDrainLock_ExpiredLeaseStolen(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.AcquireDrainLock(ctx, "default", "agent-1", time.Millisecond); err != nil {
		t.Fatalf("AcquireDrainLock() failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := db.AcquireDrainLock(ctx, "default", "cli-1", time.Minute); err != nil {
		t.Errorf("AcquireDrainLock() after expiry = %v, want success", err)
	}
}

func TestTriggerRegistrations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.RegisterTrigger(ctx, "default"); err != nil {
		t.Fatalf("RegisterTrigger() failed: %v", err)
	}
	// Duplicate registration coalesces.
	if err := db.RegisterTrigger(ctx, "default"); err != nil {
		t.Fatalf("duplicate RegisterTrigger() failed: %v", err)
	}
	if err := db.RegisterTrigger(ctx, "retry-sale"); err != nil {
		t.Fatalf("RegisterTrigger() failed: %v", err)
	}

	tags, err := db.PendingTriggers(ctx)
	if err != nil {
		t.Fatalf("PendingTriggers() failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("PendingTriggers() returned %d tags, want 2", len(tags))
	}

	if err := db.ClearTrigger(ctx, "default"); err != nil {
		t.Fatalf("ClearTrigger() failed: %v", err)
	}
	tags, err = db.PendingTriggers(ctx)
	if err != nil {
		t.Fatalf("PendingTriggers() failed: %v", err)
	}
	if len(tags) != 1 || tags[0] != "retry-sale" {
		t.Errorf("PendingTriggers() = %v, want [retry-sale]", tags)
	}
}

// TestEnqueue_ConcurrentWriters exercises multi-context enqueue contention
// against the WAL database, the way the agent and a foreground client both
// write the shared store.
func TestEnqueue_ConcurrentWriters(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 20

	errc := make(chan error, writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			for i := 0; i < perWriter; i++ {
				o := testOp(op.PriorityNormal, fmt.Sprintf("/api/items/%d-%d/", w, i))
				if _, err := db.Enqueue(ctx, o); err != nil {
					errc <- err
					return
				}
			}
			errc <- nil
		}(w)
	}
	for w := 0; w < writers; w++ {
		if err := <-errc; err != nil {
			t.Fatalf("concurrent Enqueue() failed: %v", err)
		}
	}

	count, err := db.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending() failed: %v", err)
	}
	if count != writers*perWriter {
		t.Errorf("CountPending() = %d, want %d", count, writers*perWriter)
	}
}
