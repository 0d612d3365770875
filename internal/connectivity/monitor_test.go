package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitor_ProbeTransitions(t *testing.T) {
	var up atomic.Bool
	up.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			// Simulate a dead network by hijacking and closing.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL+"/healthz", time.Hour, nil, nil)

	if m.Online() {
		t.Error("Online() = true before first probe, want pessimistic false")
	}

	m.probe(context.Background())
	if !m.Online() {
		t.Error("Online() = false after successful probe, want true")
	}

	up.Store(false)
	m.probe(context.Background())
	if m.Online() {
		t.Error("Online() = true after failed probe, want false")
	}
}

func TestMonitor_SubscribeNotifiesOnChange(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:0/healthz", time.Hour, nil, nil)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.SetOnline(true)
	select {
	case got := <-ch:
		if !got {
			t.Error("subscriber received false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified of transition")
	}

	// No transition, no notification.
	m.SetOnline(true)
	select {
	case <-ch:
		t.Error("subscriber notified without a state change")
	case <-time.After(50 * time.Millisecond):
	}

	m.SetOnline(false)
	select {
	case got := <-ch:
		if got {
			t.Error("subscriber received true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified of offline transition")
	}
}

func TestMonitor_LaggingSubscriberSeesLatestTransition(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:0/healthz", time.Hour, nil, nil)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	// The subscriber consumes nothing while the state flips twice. The
	// buffered channel must end up holding the newest state, not the
	// stale intermediate one; a held offline notification must never
	// shadow the online transition that follows it.
	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(true)

	select {
	case got := <-ch:
		if !got {
			t.Error("lagging subscriber received false, want latest state true")
		}
	case <-time.After(time.Second):
		t.Fatal("lagging subscriber never notified")
	}
	if !m.Online() {
		t.Error("Online() = false, want true")
	}
}
