// Package agent runs the shared background context: the single process
// that owns the response cache, drains the offline queue, and pushes sync
// lifecycle events to connected clients over WebSocket.
//
// Exactly one agent serves all clients of a store. Clients talk to it over
// the WebSocket control channel (SKIP_WAITING, CLEAR_CACHE, SYNC_NOW) and
// receive sync broadcasts in return. The agent also watches the store file
// so foreground enqueues trigger a drain without an explicit SYNC_NOW.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/connectivity"
	"github.com/fieldsync/fieldsync/internal/orchestrator"
	"github.com/fieldsync/fieldsync/internal/protocol"
	"github.com/fieldsync/fieldsync/internal/store"
	"github.com/fieldsync/fieldsync/internal/trigger"
)

// Config holds agent configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address (default ":8377").
	ListenAddr string

	// Debounce coalesces bursts of store-file change events into one
	// drain trigger (default 500ms).
	Debounce time.Duration

	// APIPrefix marks keys served network-first; everything else is
	// cache-first (default "/api/").
	APIPrefix string

	// OfflinePage is the cache key of the navigation fallback page.
	OfflinePage string

	// Drain tunes the orchestrator; nil means defaults.
	Drain *orchestrator.Config

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  ":8377",
		Debounce:    500 * time.Millisecond,
		APIPrefix:   "/api/",
		OfflinePage: "/offline/",
		Logger:      log.New(os.Stderr, "[agent] ", log.LstdFlags),
	}
}

// Agent is the background sync context.
type Agent struct {
	db        *store.DB
	cache     *cache.Manager
	drainer   *orchestrator.Drainer
	monitor   *connectivity.Monitor
	registrar trigger.Registrar
	manifest  *cache.Manifest
	config    *Config
	logger    *log.Logger

	server *wsServer

	watcher  *fsnotify.Watcher
	debounce *time.Timer

	// staged is true while a newer cache generation is installed but not
	// yet activated, awaiting SKIP_WAITING.
	stagedMu sync.Mutex
	staged   bool

	timersMu    sync.Mutex
	retryTimers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an agent. manifest may be nil when no cache manifest is
// configured; the cache then fills lazily from traffic.
//
// The agent owns the drainer so sync lifecycle events flow straight into
// the broadcast channel.
func New(db *store.DB, cacheMgr *cache.Manager, caller orchestrator.Caller,
	monitor *connectivity.Monitor, manifest *cache.Manifest, config *Config) *Agent {

	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		db:          db,
		cache:       cacheMgr,
		monitor:     monitor,
		registrar:   trigger.NewStoreRegistrar(db),
		manifest:    manifest,
		config:      config,
		logger:      config.Logger,
		retryTimers: make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
	}
	a.drainer = orchestrator.New(db, caller, a.registrar, a.onDrainEvent, config.Drain)
	a.server = newWSServer(a, config.ListenAddr, config.Logger)
	return a
}

// Start brings up the control server, the connectivity monitor, and the
// store watcher, and runs the cache generation lifecycle. Non-blocking;
// call Stop to shut down.
func (a *Agent) Start() error {
	if err := a.activateOrStage(); err != nil {
		return err
	}

	if err := a.server.start(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.monitor.Start(a.ctx)
	}()

	a.wg.Add(1)
	go a.connectivityLoop()

	if err := a.watchStore(); err != nil {
		// The watcher is an optimization; SYNC_NOW and connectivity
		// events still drive drains without it.
		a.logger.Printf("WARNING: store watcher unavailable: %v", err)
	}

	a.logger.Printf("Agent listening on %s", a.server.addr())
	return nil
}

// Stop shuts the agent down gracefully: control server first, then the
// watcher and pending retry timers, then in-flight cache writes.
func (a *Agent) Stop() error {
	a.logger.Println("Stopping agent")
	a.cancel()

	a.timersMu.Lock()
	for tag, t := range a.retryTimers {
		t.Stop()
		delete(a.retryTimers, tag)
	}
	a.timersMu.Unlock()

	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.debounce != nil {
		a.debounce.Stop()
	}

	err := a.server.stop()
	a.wg.Wait()
	a.cache.Flush()

	a.logger.Println("Agent stopped")
	return err
}

// Addr returns the bound control address once Start has returned.
func (a *Agent) Addr() string {
	return a.server.addr()
}

// TriggerSync starts a drain pass for the tag in the background. A pass
// already running for the tag coalesces silently.
func (a *Agent) TriggerSync(tag string) {
	if tag == "" {
		tag = trigger.DefaultTag
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_, err := a.drainer.Drain(a.ctx, tag)
		if errors.Is(err, orchestrator.ErrDrainInProgress) {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Printf("Drain for %s failed: %v", tag, err)
		}
	}()
}

// activateOrStage runs the cache generation lifecycle at startup. The
// first ever generation activates immediately; a changed generation is
// staged until a client sends SKIP_WAITING.
func (a *Agent) activateOrStage() error {
	if a.manifest == nil {
		return nil
	}

	current, err := a.cache.CurrentGeneration(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to read cache generation: %w", err)
	}

	switch current {
	case "":
		a.logger.Printf("Activating first cache generation %s", a.manifest.Generation)
		return a.cache.Activate(a.ctx, a.manifest)
	case a.manifest.Generation:
		return nil
	default:
		a.stagedMu.Lock()
		a.staged = true
		a.stagedMu.Unlock()
		a.logger.Printf("Cache generation %s staged behind %s; awaiting skip-waiting",
			a.manifest.Generation, current)
		return nil
	}
}

// activateStaged is the SKIP_WAITING handler: swap to the declared
// generation now instead of waiting for the next restart.
func (a *Agent) activateStaged() {
	if a.manifest == nil {
		a.logger.Println("WARNING: skip-waiting received but no manifest is configured")
		return
	}
	if err := a.cache.Activate(a.ctx, a.manifest); err != nil {
		a.logger.Printf("Failed to activate generation %s: %v", a.manifest.Generation, err)
		return
	}
	a.stagedMu.Lock()
	a.staged = false
	a.stagedMu.Unlock()
}

func (a *Agent) stagedGeneration() string {
	a.stagedMu.Lock()
	defer a.stagedMu.Unlock()
	if a.staged && a.manifest != nil {
		return a.manifest.Generation
	}
	return ""
}

// connectivityLoop redelivers registered drain triggers whenever the
// network comes back, even with no client connected.
func (a *Agent) connectivityLoop() {
	defer a.wg.Done()

	ch := a.monitor.Subscribe()
	defer a.monitor.Unsubscribe(ch)

	for {
		select {
		case <-a.ctx.Done():
			return
		case online := <-ch:
			if !online {
				continue
			}
			a.redeliverTriggers()
		}
	}
}

func (a *Agent) redeliverTriggers() {
	tags, err := a.registrar.Pending(a.ctx)
	if err != nil {
		a.logger.Printf("WARNING: failed to list pending triggers: %v", err)
	}

	// Work enqueued while no drain pass ever ran has no registration yet;
	// the default tag covers it.
	seen := false
	for _, tag := range tags {
		if tag == trigger.DefaultTag {
			seen = true
		}
		a.logger.Printf("Connectivity restored, redelivering trigger %s", tag)
		a.TriggerSync(tag)
	}
	if !seen {
		if count, err := a.db.CountPending(a.ctx); err == nil && count > 0 {
			a.TriggerSync(trigger.DefaultTag)
		}
	}
}

// watchStore watches the store file so a foreground enqueue from another
// process triggers a drain while online. Events are debounced; SQLite
// touches the file several times per transaction.
func (a *Agent) watchStore() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create store watcher: %w", err)
	}

	dir := filepath.Dir(a.db.Path())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	a.watcher = watcher
	base := filepath.Base(a.db.Path())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(event.Name), base) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				a.bumpDebounce()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.logger.Printf("WARNING: store watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (a *Agent) bumpDebounce() {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if a.debounce != nil {
		a.debounce.Stop()
	}
	a.debounce = time.AfterFunc(a.config.Debounce, func() {
		if a.ctx.Err() != nil {
			return
		}
		if !a.monitor.Online() {
			return
		}
		a.TriggerSync(trigger.DefaultTag)
	})
}

// onDrainEvent translates orchestrator events into protocol broadcasts
// and schedules the follow-up pass when work remains.
func (a *Agent) onDrainEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventSyncStarted:
		a.broadcastMessage(protocol.TypeSyncStarted, protocol.SyncStartedData{Tag: ev.Tag})

	case orchestrator.EventSyncCompleted:
		a.broadcastMessage(protocol.TypeSyncCompleted, protocol.SyncCompletedData{
			Tag:        ev.Tag,
			Total:      ev.Summary.Total,
			Succeeded:  ev.Summary.Succeeded,
			Failed:     ev.Summary.Failed,
			Exhausted:  ev.Summary.Exhausted,
			Remaining:  ev.Summary.Remaining,
			DurationMS: ev.Summary.Duration.Milliseconds(),
		})
		if ev.Summary.RetryIn > 0 {
			a.scheduleRetry(ev.Tag, ev.Summary.RetryIn)
		}

	case orchestrator.EventSyncFailed:
		a.broadcastMessage(protocol.TypeSyncFailed, protocol.SyncFailedData{
			Tag:    ev.Tag,
			Reason: ev.Reason,
		})

	case orchestrator.EventOperationSucceeded:
		a.logger.Printf("Replayed %s (attempt %d)", ev.OpID, ev.Attempts)

	case orchestrator.EventOperationExhausted:
		a.logger.Printf("Operation %s exhausted after %d attempts: %s",
			ev.OpID, ev.Attempts, ev.Reason)
	}
}

func (a *Agent) scheduleRetry(tag string, in time.Duration) {
	a.timersMu.Lock()
	defer a.timersMu.Unlock()

	if t, ok := a.retryTimers[tag]; ok {
		t.Stop()
	}
	a.retryTimers[tag] = time.AfterFunc(in, func() {
		if a.ctx.Err() != nil {
			return
		}
		if !a.monitor.Online() {
			// The connectivity loop takes over; the durable registration
			// survives even an agent restart.
			return
		}
		a.TriggerSync(tag)
	})
}

func (a *Agent) broadcastMessage(t protocol.MessageType, payload any) {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		a.logger.Printf("Failed to encode %s broadcast: %v", t, err)
		return
	}
	a.server.broadcastMsg(msg)
}
