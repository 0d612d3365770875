// Package client is the foreground side of the sync engine: it submits
// state-changing requests (straight to the network when possible, into the
// durable queue otherwise) and talks to the background agent over its
// WebSocket control channel.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldsync/fieldsync/internal/op"
	"github.com/fieldsync/fieldsync/internal/protocol"
	"github.com/fieldsync/fieldsync/internal/store"
)

// Caller issues the immediate network attempt for a foreground submit.
type Caller interface {
	Call(ctx context.Context, o *op.Operation) error
}

// Callbacks receive agent broadcasts. Nil fields are skipped.
type Callbacks struct {
	OnSyncStarted   func(protocol.SyncStartedData)
	OnSyncCompleted func(protocol.SyncCompletedData)
	OnSyncFailed    func(protocol.SyncFailedData)
}

// Controller coordinates submits and agent communication for one client.
type Controller struct {
	db       *store.DB
	caller   Caller
	agentURL string // host:port of the agent control server
	logger   *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	callbacks Callbacks
	wg        sync.WaitGroup
}

// NewController creates a controller. caller may be nil for a client that
// only queues (always-deferred mode).
func NewController(db *store.DB, caller Caller, agentURL string, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}
	return &Controller{
		db:       db,
		caller:   caller,
		agentURL: agentURL,
		logger:   logger,
	}
}

// SubmitResult reports where a submitted operation ended up.
type SubmitResult struct {
	// Queued is true when the operation went into the durable queue
	// rather than completing against the network.
	Queued bool

	// ID is the queued operation id; empty when the network call
	// completed immediately.
	ID string
}

// Submit handles one state-changing request.
//
// Unless deferred, the network is tried first; on any failure the
// operation is enqueued durably and the agent is nudged. Once Submit
// returns a Queued result the operation survives restarts.
func (c *Controller) Submit(ctx context.Context, o *op.Operation, deferred bool) (*SubmitResult, error) {
	if !deferred && c.caller != nil {
		err := c.caller.Call(ctx, o)
		if err == nil {
			return &SubmitResult{}, nil
		}
		c.logger.Printf("Immediate send failed, queueing: %v", err)
	}

	id, err := c.db.Enqueue(ctx, o)
	if err != nil {
		return nil, err
	}

	// Best effort: the agent also notices the store change through its
	// watcher, so a missed nudge only delays the drain.
	if err := c.SendSyncNow(ctx, ""); err != nil {
		c.logger.Printf("Could not nudge agent: %v", err)
	}

	return &SubmitResult{Queued: true, ID: id}, nil
}

// Connect opens the WebSocket control channel and starts dispatching
// broadcasts to the callbacks. Call Close when done.
func (c *Controller) Connect(ctx context.Context, callbacks Callbacks) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+c.agentURL+"/ws", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to agent at %s: %w", c.agentURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.callbacks = callbacks
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Close tears down the control channel.
func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	return nil
}

// SendSyncNow asks the agent to drain the tag's queue immediately.
func (c *Controller) SendSyncNow(ctx context.Context, tag string) error {
	return c.send(ctx, protocol.TypeSyncNow, protocol.SyncNowData{Tag: tag})
}

// SendSkipWaiting asks the agent to activate a staged cache generation
// without waiting for a restart.
func (c *Controller) SendSkipWaiting(ctx context.Context) error {
	return c.send(ctx, protocol.TypeSkipWaiting, nil)
}

// SendClearCache asks the agent to drop every cache generation.
func (c *Controller) SendClearCache(ctx context.Context) error {
	return c.send(ctx, protocol.TypeClearCache, nil)
}

func (c *Controller) send(ctx context.Context, t protocol.MessageType, payload any) error {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", t, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// One-shot: dial, send, close. CLI commands use this path.
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		oneshot, _, err := websocket.Dial(dialCtx, "ws://"+c.agentURL+"/ws", nil)
		if err != nil {
			return fmt.Errorf("failed to reach agent at %s: %w", c.agentURL, err)
		}
		defer oneshot.Close(websocket.StatusNormalClosure, "")
		return oneshot.Write(ctx, websocket.MessageText, data)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Controller) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Printf("Ignoring malformed broadcast: %v", err)
			continue
		}

		switch msg.Type {
		case protocol.TypeSyncStarted:
			if c.callbacks.OnSyncStarted != nil {
				if payload, err := protocol.DecodePayload[protocol.SyncStartedData](msg); err == nil {
					c.callbacks.OnSyncStarted(payload)
				}
			}
		case protocol.TypeSyncCompleted:
			if c.callbacks.OnSyncCompleted != nil {
				if payload, err := protocol.DecodePayload[protocol.SyncCompletedData](msg); err == nil {
					c.callbacks.OnSyncCompleted(payload)
				}
			}
		case protocol.TypeSyncFailed:
			if c.callbacks.OnSyncFailed != nil {
				if payload, err := protocol.DecodePayload[protocol.SyncFailedData](msg); err == nil {
					c.callbacks.OnSyncFailed(payload)
				}
			}
		case protocol.TypeSkipWaiting, protocol.TypeClearCache, protocol.TypeSyncNow:
			// Request-direction types never arrive as broadcasts.
			c.logger.Printf("Ignoring request-type message %s from agent", msg.Type)
		}
	}
}

// AgentStatus is the /status snapshot.
type AgentStatus struct {
	Online           bool   `json:"online"`
	QueueSize        int    `json:"queue_size"`
	FailedSize       int    `json:"failed_size"`
	Generation       string `json:"generation"`
	StagedGeneration string `json:"staged_generation"`
	Clients          int    `json:"clients"`
	LastSync         string `json:"last_sync"`
	LastSyncError    string `json:"last_sync_error"`
}

// Status fetches the agent's status snapshot over HTTP.
func (c *Controller) Status(ctx context.Context) (*AgentStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"http://"+c.agentURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach agent at %s: %w", c.agentURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent status returned %d", resp.StatusCode)
	}

	var status AgentStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode agent status: %w", err)
	}
	return &status, nil
}
