package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestWatcher_Set verifies transitions notify in order and repeats do not.
func TestWatcher_Set(t *testing.T) {
	w := NewWatcher(false)

	var calls []string
	w.Subscribe(func(online bool) {
		calls = append(calls, "first")
	})
	w.Subscribe(func(online bool) {
		calls = append(calls, "second")
	})

	if !w.Set(true) {
		t.Error("Set(true) from offline should report a change")
	}
	if w.Set(true) {
		t.Error("Set(true) twice should not report a change")
	}
	if !w.Current() {
		t.Error("Current() = false, want true")
	}

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("calls = %v", calls)
	}
}

func TestWatcher_unsubscribe(t *testing.T) {
	w := NewWatcher(true)

	var n int
	unsubscribe := w.Subscribe(func(bool) { n++ })
	w.Set(false)
	unsubscribe()
	w.Set(true)

	if n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
}

// TestWatcher_subscribeInsideCallback verifies callbacks run outside the lock.
func TestWatcher_subscribeInsideCallback(t *testing.T) {
	w := NewWatcher(false)
	w.Subscribe(func(bool) {
		w.Subscribe(func(bool) {})
		_ = w.Current()
	})
	w.Set(true)
}

type scriptedProber struct {
	mu      sync.Mutex
	results []bool
}

func (s *scriptedProber) Probe(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return true
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func TestWatcher_Run(t *testing.T) {
	w := NewWatcher(false)
	came := make(chan bool, 4)
	w.Subscribe(func(online bool) { came <- online })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, &scriptedProber{results: []bool{true, false, true}}, time.Millisecond)

	want := []bool{true, false, true}
	for i, v := range want {
		select {
		case got := <-came:
			if got != v {
				t.Fatalf("transition %d = %v, want %v", i, got, v)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("transition %d not observed", i)
		}
	}
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL, time.Second)
	if !p.Probe(context.Background()) {
		t.Error("204 should be online")
	}

	status.Store(http.StatusBadGateway)
	if p.Probe(context.Background()) {
		t.Error("502 should be offline")
	}

	bad := NewHTTPProber("http://127.0.0.1:1", 100*time.Millisecond)
	if bad.Probe(context.Background()) {
		t.Error("unreachable host should be offline")
	}
}
