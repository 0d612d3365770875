package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldsync/fieldsync/internal/cache"
	"github.com/fieldsync/fieldsync/internal/protocol"
)

// wsServer is the agent's control surface: the WebSocket channel plus a
// small HTTP API for health, status, and cached resource reads.
type wsServer struct {
	agent    *Agent
	bindAddr string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan protocol.Message

	wg     sync.WaitGroup
	logger *log.Logger
}

func newWSServer(a *Agent, addr string, logger *log.Logger) *wsServer {
	return &wsServer{
		agent:     a,
		bindAddr:  addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan protocol.Message, 100),
		logger:    logger,
	}
}

func (s *wsServer) start() error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.bindAddr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/resource", s.handleResource)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

func (s *wsServer) stop() error {
	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "agent shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

func (s *wsServer) addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.bindAddr
}

func (s *wsServer) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// broadcastMsg queues a message for every connected client. Drops when the
// channel is full; broadcasts are advisory, clients re-read /status.
func (s *wsServer) broadcastMsg(msg protocol.Message) {
	select {
	case s.broadcast <- msg:
	case <-s.agent.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *wsServer) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.agent.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal broadcast: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client can't stall admission.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *wsServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", count)
	go s.readLoop(conn)
}

// readLoop receives client requests until the connection drops. Unknown
// message types are logged and ignored; the connection stays up.
func (s *wsServer) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.agent.ctx)
		if err != nil {
			return
		}
		s.dispatch(data)
	}
}

// dispatch handles one client request. The message set is closed; every
// known type has a case here.
func (s *wsServer) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Printf("Rejecting client message: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeSkipWaiting:
		s.agent.activateStaged()

	case protocol.TypeClearCache:
		if err := s.agent.cache.ClearAll(s.agent.ctx); err != nil {
			s.logger.Printf("Failed to clear cache: %v", err)
		}

	case protocol.TypeSyncNow:
		payload, err := protocol.DecodePayload[protocol.SyncNowData](msg)
		if err != nil {
			s.logger.Printf("Rejecting sync-now: %v", err)
			return
		}
		s.agent.TriggerSync(payload.Tag)

	case protocol.TypeSyncStarted, protocol.TypeSyncCompleted, protocol.TypeSyncFailed:
		// Broadcast-direction types have no meaning as requests.
		s.logger.Printf("Ignoring broadcast-type message %s from client", msg.Type)
	}
}

func (s *wsServer) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", count)
}

func (s *wsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.clientCount(),
	})
}

// statusResponse is the /status snapshot clients poll for their UI.
type statusResponse struct {
	Online           bool   `json:"online"`
	QueueSize        int    `json:"queue_size"`
	FailedSize       int    `json:"failed_size"`
	Generation       string `json:"generation"`
	StagedGeneration string `json:"staged_generation,omitempty"`
	Clients          int    `json:"clients"`
	LastSync         string `json:"last_sync,omitempty"`
	LastSyncError    string `json:"last_sync_error,omitempty"`
}

func (s *wsServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a := s.agent

	queued, err := a.db.CountPending(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failed, err := a.db.CountFailed(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	gen, err := a.cache.CurrentGeneration(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := statusResponse{
		Online:           a.monitor.Online(),
		QueueSize:        queued,
		FailedSize:       failed,
		Generation:       gen,
		StagedGeneration: a.stagedGeneration(),
		Clients:          s.clientCount(),
	}

	drainStatus := a.drainer.GetStatus(ctx)
	if !drainStatus.LastPass.IsZero() {
		resp.LastSync = drainStatus.LastPass.UTC().Format(time.RFC3339)
	}
	resp.LastSyncError = drainStatus.LastError

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleResource serves a read through the cache strategies. The resource
// key comes from the "u" query parameter; navigations (Accept: text/html)
// fall back to the offline page, API-prefixed keys go network-first, and
// everything else cache-first.
func (s *wsServer) handleResource(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("u")
	if key == "" {
		http.Error(w, "missing resource key", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	a := s.agent

	var entry *cache.Entry
	var err error
	switch {
	case strings.Contains(r.Header.Get("Accept"), "text/html"):
		entry, err = a.cache.Navigation(ctx, key, a.config.OfflinePage)
	case strings.HasPrefix(key, a.config.APIPrefix):
		entry, err = a.cache.NetworkFirst(ctx, key)
	default:
		entry, err = a.cache.CacheFirst(ctx, key)
	}
	if errors.Is(err, cache.ErrMiss) {
		entry, err = cache.Unavailable(key, cache.ReasonOffline), nil
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for name, values := range entry.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(entry.Status)
	_, _ = w.Write(entry.Body)
}
