package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hamzamalik22/gaza-health-records-app/internal/app"
	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
)

func newTestApp(t *testing.T, hub *WSHub) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = app.MemoryDataDir
	cfg.Connectivity.ProbeURL = ""
	cfg.Sync.OnStartup = false
	a, err := app.New(context.Background(), cfg, app.Options{Sinks: []events.Sink{hub}})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestServer_routes(t *testing.T) {
	hub := NewWSHub()
	e := newServer(newTestApp(t, hub), hub)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/sync/status", http.StatusOK},
		{http.MethodGet, "/api/sync/stats", http.StatusOK},
		{http.MethodPost, "/api/sync", http.StatusServiceUnavailable},
		{http.MethodPost, "/api/sync/queue/drain", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/patients", http.StatusOK},
		{http.MethodGet, "/api/patients/nope", http.StatusNotFound},
		{http.MethodPost, "/api/transfer/send", http.StatusServiceUnavailable},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
		}
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8090", true},
		{"http://[::1]:8090", true},
		{"https://example.com", false},
		{"http://192.168.1.20", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := localOrigin(req); got != tt.want {
			t.Errorf("localOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(HandleWebSocket(hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad message %q", data)
	}
	return msg
}

func TestWSHub_broadcastAndSubscribe(t *testing.T) {
	hub := NewWSHub()
	defer hub.Close()
	conn := dialHub(t, hub)

	hub.Publish(context.Background(), events.New(events.SyncStarted, "dev-1", nil))
	if msg := readEvent(t, conn); msg["type"] != string(events.SyncStarted) {
		t.Fatalf("event = %v", msg)
	}

	sub := `{"action":"subscribe","events":["sync_completed"]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatal(err)
	}
	if msg := readEvent(t, conn); msg["action"] != "subscribe_ack" {
		t.Fatalf("ack = %v", msg)
	}

	hub.Publish(context.Background(), events.New(events.SyncStarted, "dev-1", nil))
	hub.Publish(context.Background(), events.New(events.SyncCompleted, "dev-1", map[string]interface{}{"synced": 2}))
	msg := readEvent(t, conn)
	if msg["type"] != string(events.SyncCompleted) {
		t.Errorf("filtered event = %v, want sync_completed", msg)
	}
}

func TestWSHub_close(t *testing.T) {
	hub := NewWSHub()
	conn := dialHub(t, hub)

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection still open after Close")
	}
	if err := hub.Publish(context.Background(), events.New(events.SyncStarted, "", nil)); err != nil {
		t.Errorf("Publish after Close = %v", err)
	}
}
