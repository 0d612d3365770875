package client

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/fieldsync/fieldsync/internal/op"
	"github.com/fieldsync/fieldsync/internal/store"
)

type fakeCaller struct {
	calls int
	err   error
}

func (c *fakeCaller) Call(ctx context.Context, o *op.Operation) error {
	c.calls++
	return c.err
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func TestSubmit_NetworkSuccessDoesNotQueue(t *testing.T) {
	db := testDB(t)
	caller := &fakeCaller{}
	// No agent running at this address; nudges fail silently.
	c := NewController(db, caller, "127.0.0.1:1", nil)

	result, err := c.Submit(context.Background(), &op.Operation{
		Method: op.MethodCreate, Target: "/api/orders/",
	}, false)
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if result.Queued {
		t.Error("Queued = true after a successful network call, want false")
	}
	if caller.calls != 1 {
		t.Errorf("caller invoked %d times, want 1", caller.calls)
	}

	count, _ := db.CountPending(context.Background())
	if count != 0 {
		t.Errorf("queue size = %d after immediate success, want 0", count)
	}
}

func TestSubmit_NetworkFailureQueues(t *testing.T) {
	db := testDB(t)
	caller := &fakeCaller{err: errors.New("connection refused")}
	c := NewController(db, caller, "127.0.0.1:1", nil)

	result, err := c.Submit(context.Background(), &op.Operation{
		Method: op.MethodCreate, Target: "/api/orders/", Priority: op.PriorityHigh,
	}, false)
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if !result.Queued || result.ID == "" {
		t.Errorf("result = %+v, want queued with an id", result)
	}

	queued, err := db.GetPending(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("GetPending(%s) failed: %v", result.ID, err)
	}
	if queued.Priority != op.PriorityHigh {
		t.Errorf("queued priority = %s, want high", queued.Priority)
	}
}

func TestSubmit_DeferredSkipsNetwork(t *testing.T) {
	db := testDB(t)
	caller := &fakeCaller{}
	c := NewController(db, caller, "127.0.0.1:1", nil)

	result, err := c.Submit(context.Background(), &op.Operation{
		Method: op.MethodDelete, Target: "/api/orders/42/",
	}, true)
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if !result.Queued {
		t.Error("Queued = false for a deferred submit, want true")
	}
	if caller.calls != 0 {
		t.Errorf("caller invoked %d times for a deferred submit, want 0", caller.calls)
	}
}

func TestSubmit_InvalidOperationQueuesNothing(t *testing.T) {
	db := testDB(t)
	c := NewController(db, &fakeCaller{}, "127.0.0.1:1", nil)

	_, err := c.Submit(context.Background(), &op.Operation{
		Method: op.Method("TELEPORT"), Target: "/api/orders/",
	}, true)
	if err == nil {
		t.Fatal("Submit() with an invalid method succeeded, want error")
	}

	count, _ := db.CountPending(context.Background())
	if count != 0 {
		t.Errorf("queue size = %d after rejected submit, want 0", count)
	}
}
