// Package connectivity provides the process-wide online/offline signal.
//
// The signal is advisory: a queued operation may still fail while online,
// and a cached read may succeed while offline. Consumers treat it as a
// hint for when to attempt work, not a guarantee.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Monitor probes an upstream URL and fans out transitions to subscribers.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger

	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

// NewMonitor creates a connectivity monitor.
//
// The monitor starts pessimistic (offline) until the first successful
// probe. If client is nil a short-timeout default is used; if logger is
// nil a default logger writing to stderr is used.
func NewMonitor(probeURL string, interval time.Duration, client *http.Client, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   client,
		logger:   logger,
		subs:     make(map[chan bool]struct{}),
	}
}

// Start probes immediately and then on every interval tick until ctx is
// cancelled. It blocks; run it in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Online returns the current advisory state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records an externally observed transition (tests, manual
// override). Subscribers are notified on change.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var subs []chan bool
	if changed {
		for ch := range m.subs {
			subs = append(subs, ch)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Printf("Connectivity changed: online=%v", online)
	for _, ch := range subs {
		// Evict any unconsumed older transition first, so the buffer
		// always holds the latest state for a lagging subscriber.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// Subscribe returns a channel receiving state transitions. The channel is
// buffered; a slow consumer sees at least the most recent transition.
func (m *Monitor) Subscribe() chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (m *Monitor) Unsubscribe(ch chan bool) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.mu.Unlock()
}

// probe performs one connectivity check against the probe URL.
func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Printf("Invalid probe URL %s: %v", m.probeURL, err)
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.SetOnline(false)
		return
	}
	defer resp.Body.Close()

	// Any response at all means the network path is up; the server's
	// opinion of HEAD on this path is irrelevant.
	m.SetOnline(true)
}
