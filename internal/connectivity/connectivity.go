// Package connectivity tracks network reachability and notifies
// subscribers when it changes.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// Monitor exposes the current reachability and change notifications.
type Monitor interface {
	Current() bool
	// Subscribe registers cb for status transitions and returns a function
	// that removes it.
	Subscribe(cb func(online bool)) (unsubscribe func())
}

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber treats any response below 500 from URL as online.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober with its own client timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

type subscriber struct {
	id int
	cb func(bool)
}

// Watcher is a Monitor fed by Set calls and an optional probe loop.
type Watcher struct {
	mu     sync.Mutex
	online bool
	subs   []subscriber
	nextID int
}

// NewWatcher creates a Watcher with an initial status.
func NewWatcher(initial bool) *Watcher {
	return &Watcher{online: initial}
}

// Current implements Monitor.
func (w *Watcher) Current() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// Subscribe implements Monitor.
func (w *Watcher) Subscribe(cb func(online bool)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	w.subs = append(w.subs, subscriber{id: id, cb: cb})

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, s := range w.subs {
			if s.id == id {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				return
			}
		}
	}
}

// Set records a platform-reported status. Subscribers are called in
// registration order, outside the lock, only when the status changes.
func (w *Watcher) Set(online bool) bool {
	w.mu.Lock()
	if w.online == online {
		w.mu.Unlock()
		return false
	}
	w.online = online
	subs := make([]subscriber, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, s := range subs {
		s.cb(online)
	}
	return true
}

// Run probes immediately and then every interval until ctx ends.
func (w *Watcher) Run(ctx context.Context, p Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.Set(p.Probe(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
