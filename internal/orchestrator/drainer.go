// Package orchestrator drains the offline queue against the network.
//
// A drain pass snapshots the pending queue and replays entries strictly in
// (priority, enqueue time) order. Each tag owns an Idle→Draining state
// machine; a trigger arriving while a pass runs is coalesced, not queued.
// The in-process guard is backed by a durable lease in the store so the
// agent and a foreground client can never drain the same scope at once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"

	"github.com/fieldsync/fieldsync/internal/op"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/trigger"
)

// ErrDrainInProgress is returned to a coalesced trigger: a pass for the
// same tag is already running. It is not a failure.
var ErrDrainInProgress = errors.New("drain already in progress")

const (
	stateIdle     = "idle"
	stateDraining = "draining"

	eventStart  = "start"
	eventFinish = "finish"
)

// Caller issues the network call for one queued operation. A nil return
// confirms the operation; any error counts an attempt.
type Caller interface {
	Call(ctx context.Context, o *op.Operation) error
}

// EventKind tags orchestrator notifications.
type EventKind string

const (
	// EventSyncStarted fires when a pass begins replaying.
	EventSyncStarted EventKind = "sync_started"

	// EventSyncCompleted fires at pass end with the aggregate summary,
	// regardless of per-entry outcomes.
	EventSyncCompleted EventKind = "sync_completed"

	// EventSyncFailed fires when a pass could not run at all.
	EventSyncFailed EventKind = "sync_failed"

	// EventOperationSucceeded fires per confirmed entry.
	EventOperationSucceeded EventKind = "operation_succeeded"

	// EventOperationExhausted fires when an entry reaches its attempt
	// limit and moves to the failed store.
	EventOperationExhausted EventKind = "operation_exhausted"
)

// Event is one orchestrator notification.
type Event struct {
	Kind     EventKind
	Tag      string
	Summary  Summary
	OpID     string
	Attempts int
	Reason   string
}

// Notifier receives orchestrator events. It must not block.
type Notifier func(Event)

// Summary aggregates one drain pass.
type Summary struct {
	// Total is the snapshot size at pass start.
	Total int

	// Succeeded counts confirmed entries removed from the queue.
	Succeeded int

	// Failed counts entries whose attempt failed this pass, including
	// the exhausted subset.
	Failed int

	// Exhausted counts entries moved to the failed store this pass.
	Exhausted int

	// Remaining is the queue size after the pass.
	Remaining int

	Duration time.Duration

	// RetryIn suggests when to attempt the next pass; zero when the
	// queue fully drained.
	RetryIn time.Duration
}

// Config holds drainer tuning.
type Config struct {
	// EntryDelay bounds request burst rate: the fixed pause between
	// successive entries within a pass.
	EntryDelay time.Duration

	// LockTTL is the durable drain-lease lifetime. It must comfortably
	// exceed the longest expected pass.
	LockTTL time.Duration

	// Holder identifies this context in the durable lease.
	Holder string

	// RetryInitial/RetryMax bound the reschedule backoff applied when a
	// pass leaves entries pending.
	RetryInitial time.Duration
	RetryMax     time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EntryDelay:   150 * time.Millisecond,
		LockTTL:      2 * time.Minute,
		Holder:       op.NewID(),
		RetryInitial: 5 * time.Second,
		RetryMax:     5 * time.Minute,
		Logger:       log.New(os.Stderr, "[drain] ", log.LstdFlags),
	}
}

// Drainer replays the offline queue.
type Drainer struct {
	db        *store.DB
	caller    Caller
	registrar trigger.Registrar
	notify    Notifier
	config    *Config

	mu       sync.Mutex
	machines map[string]*fsm.FSM
	retries  map[string]*backoff.ExponentialBackOff

	statusMu    sync.Mutex
	lastPass    time.Time
	lastSummary Summary
	lastError   string
}

// New creates a Drainer.
//
// registrar may be trigger.Noop{} on platforms without a background
// trigger facility; notify may be nil.
func New(db *store.DB, caller Caller, registrar trigger.Registrar, notify Notifier, config *Config) *Drainer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[drain] ", log.LstdFlags)
	}
	if registrar == nil {
		registrar = trigger.Noop{}
	}
	return &Drainer{
		db:        db,
		caller:    caller,
		registrar: registrar,
		notify:    notify,
		config:    config,
		machines:  make(map[string]*fsm.FSM),
		retries:   make(map[string]*backoff.ExponentialBackOff),
	}
}

// Drain runs one pass for the given tag.
//
// An empty queue is a successful no-op pass. A concurrent trigger for the
// same tag gets ErrDrainInProgress; distinct tags drain independently.
// Whatever happens, the tag's machine returns to Idle exactly once.
func (d *Drainer) Drain(ctx context.Context, tag string) (*Summary, error) {
	if tag == "" {
		tag = trigger.DefaultTag
	}

	m := d.machine(tag)
	if err := m.Event(ctx, eventStart); err != nil {
		return nil, fmt.Errorf("%w: tag %s", ErrDrainInProgress, tag)
	}
	defer func() {
		// Draining→Idle is unconditional at pass end, even when the
		// triggering context is gone.
		if err := m.Event(context.Background(), eventFinish); err != nil {
			d.config.Logger.Printf("WARNING: failed to return %s to idle: %v", tag, err)
		}
	}()

	if err := d.db.AcquireDrainLock(ctx, tag, d.config.Holder, d.config.LockTTL); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, fmt.Errorf("%w: tag %s held elsewhere", ErrDrainInProgress, tag)
		}
		d.failPass(tag, err)
		return nil, err
	}
	defer func() {
		if err := d.db.ReleaseDrainLock(context.Background(), tag, d.config.Holder); err != nil {
			d.config.Logger.Printf("WARNING: failed to release drain lock for %s: %v", tag, err)
		}
	}()

	d.emit(Event{Kind: EventSyncStarted, Tag: tag})
	start := time.Now()

	snapshot, err := d.db.ListPending(ctx)
	if err != nil {
		d.failPass(tag, err)
		return nil, err
	}

	summary := Summary{Total: len(snapshot)}

	for i, o := range snapshot {
		if i > 0 {
			select {
			case <-ctx.Done():
				return d.abandonPass(tag, summary, ctx.Err())
			case <-time.After(d.config.EntryDelay):
			}
		}

		callErr := d.caller.Call(ctx, o)
		if callErr != nil && ctx.Err() != nil {
			// Abandoned in flight: no terminal response was observed, so
			// attempts stays untouched and the entry remains pending.
			return d.abandonPass(tag, summary, ctx.Err())
		}

		if callErr == nil {
			if err := d.db.Remove(ctx, o.ID); err != nil {
				// The replay was confirmed; a removal hiccup only means a
				// harmless duplicate on the next pass.
				d.config.Logger.Printf("WARNING: failed to remove %s after success: %v", o.ID, err)
			}
			summary.Succeeded++
			d.emit(Event{Kind: EventOperationSucceeded, Tag: tag, OpID: o.ID, Attempts: o.Attempts + 1})
			continue
		}

		o.Attempts++
		summary.Failed++
		d.config.Logger.Printf("Operation %s attempt %d/%d failed: %v",
			o.ID, o.Attempts, o.AttemptLimit, callErr)

		if o.Attempts >= o.AttemptLimit {
			if err := d.db.MoveToFailed(ctx, o, callErr.Error()); err != nil {
				d.failPass(tag, err)
				return nil, err
			}
			summary.Exhausted++
			d.emit(Event{Kind: EventOperationExhausted, Tag: tag, OpID: o.ID,
				Attempts: o.Attempts, Reason: callErr.Error()})
			continue
		}

		// Left in the queue for the next pass; no immediate retry within
		// this pass.
		if err := d.db.Update(ctx, o); err != nil {
			d.failPass(tag, err)
			return nil, err
		}
	}

	remaining, err := d.db.CountPending(ctx)
	if err != nil {
		d.failPass(tag, err)
		return nil, err
	}
	summary.Remaining = remaining
	summary.Duration = time.Since(start)

	if remaining > 0 {
		// A future connectivity event outside this context's lifetime can
		// still resume draining. Registration failures degrade silently
		// to foreground-only sync.
		if err := d.registrar.Register(ctx, tag); err != nil {
			d.config.Logger.Printf("WARNING: trigger registration for %s failed: %v", tag, err)
		}
		summary.RetryIn = d.nextRetry(tag)
	} else {
		d.resetRetry(tag)
		if err := d.registrar.Clear(ctx, tag); err != nil {
			d.config.Logger.Printf("WARNING: failed to clear trigger %s: %v", tag, err)
		}
	}

	d.recordPass(summary)
	d.emit(Event{Kind: EventSyncCompleted, Tag: tag, Summary: summary})
	d.config.Logger.Printf("Drain pass complete for %s: total=%d succeeded=%d failed=%d exhausted=%d remaining=%d",
		tag, summary.Total, summary.Succeeded, summary.Failed, summary.Exhausted, summary.Remaining)

	return &summary, nil
}

// Draining reports whether a pass is currently running for the tag.
func (d *Drainer) Draining(tag string) bool {
	if tag == "" {
		tag = trigger.DefaultTag
	}
	return d.machine(tag).Current() == stateDraining
}

// Status is a snapshot for monitoring.
type Status struct {
	LastPass    time.Time
	LastSummary Summary
	LastError   string
	Pending     int
}

// GetStatus returns the current orchestrator status. Safe to call
// concurrently; does not block on a running pass.
func (d *Drainer) GetStatus(ctx context.Context) Status {
	pending, err := d.db.CountPending(ctx)
	if err != nil {
		pending = -1
	}

	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return Status{
		LastPass:    d.lastPass,
		LastSummary: d.lastSummary,
		LastError:   d.lastError,
		Pending:     pending,
	}
}

func (d *Drainer) machine(tag string) *fsm.FSM {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.machines[tag]
	if !ok {
		m = fsm.NewFSM(
			stateIdle,
			fsm.Events{
				{Name: eventStart, Src: []string{stateIdle}, Dst: stateDraining},
				{Name: eventFinish, Src: []string{stateDraining}, Dst: stateIdle},
			},
			fsm.Callbacks{},
		)
		d.machines[tag] = m
	}
	return m
}

func (d *Drainer) nextRetry(tag string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.retries[tag]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = d.config.RetryInitial
		b.MaxInterval = d.config.RetryMax
		b.MaxElapsedTime = 0
		b.Reset()
		d.retries[tag] = b
	}
	return b.NextBackOff()
}

func (d *Drainer) resetRetry(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.retries[tag]; ok {
		b.Reset()
	}
}

// abandonPass ends a pass whose context was cancelled mid-flight. The
// remaining snapshot stays pending; operations are idempotent-enough that
// the next pass retries them safely.
func (d *Drainer) abandonPass(tag string, summary Summary, cause error) (*Summary, error) {
	d.config.Logger.Printf("Drain pass for %s abandoned: %v", tag, cause)
	d.recordPass(summary)
	return &summary, cause
}

// failPass records a pass that could not run and notifies clients. The
// orchestrator itself stays usable.
func (d *Drainer) failPass(tag string, cause error) {
	d.config.Logger.Printf("Drain pass for %s failed: %v", tag, cause)
	d.statusMu.Lock()
	d.lastError = cause.Error()
	d.statusMu.Unlock()
	d.emit(Event{Kind: EventSyncFailed, Tag: tag, Reason: cause.Error()})
}

func (d *Drainer) recordPass(summary Summary) {
	d.statusMu.Lock()
	d.lastPass = time.Now()
	d.lastSummary = summary
	d.lastError = ""
	d.statusMu.Unlock()
}

func (d *Drainer) emit(ev Event) {
	if d.notify != nil {
		d.notify(ev)
	}
}
