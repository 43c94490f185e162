package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/app"
	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

var errNotInitialized = errors.New("core not initialized")

// eventBuffer holds events until the host polls them.
type eventBuffer struct {
	ch chan events.Event
}

func newEventBuffer(size int) *eventBuffer {
	return &eventBuffer{ch: make(chan events.Event, size)}
}

func (b *eventBuffer) Name() string { return "mobile" }

// Publish drops the oldest event when the buffer is full.
func (b *eventBuffer) Publish(ctx context.Context, ev events.Event) error {
	for {
		select {
		case b.ch <- ev:
			return nil
		default:
		}
		select {
		case <-b.ch:
		default:
		}
	}
}

func (b *eventBuffer) Close() error { return nil }

func (b *eventBuffer) next() (events.Event, bool) {
	select {
	case ev := <-b.ch:
		return ev, true
	default:
		return events.Event{}, false
	}
}

// bridge is the state behind the C exports. Every method returns JSON.
type bridge struct {
	mu     sync.Mutex
	app    *app.App
	cancel context.CancelFunc
	events *eventBuffer
	logs   io.Closer

	stopRecv func()
}

func (b *bridge) current() (*app.App, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return nil, errNotInitialized
	}
	return b.app, nil
}

// init opens the core. A second call while open is a no-op.
func (b *bridge) init(dataDir, configPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	logs := logging.Setup(cfg.Log.Level, cfg.Log.File)

	b.events = newEventBuffer(256)
	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, app.Options{
		Sinks:    []events.Sink{b.events},
		Transfer: true,
	})
	if err != nil {
		cancel()
		logs.Close()
		return err
	}
	if a.Channel != nil {
		if b.stopRecv, err = a.ListenForPeers(); err != nil {
			logging.Error("Peer receive disabled", err, nil)
		}
	}
	a.Start(ctx)

	b.app = a
	b.cancel = cancel
	b.logs = logs
	logging.Info("Mobile core initialized", map[string]interface{}{
		"device_id": a.DeviceID,
		"data_dir":  cfg.DataDir,
	})
	return nil
}

func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return
	}
	if b.stopRecv != nil {
		b.stopRecv()
		b.stopRecv = nil
	}
	b.cancel()
	b.app.Close()
	b.logs.Close()
	b.app = nil
}

// setConnected feeds a host network callback into the monitor. The engine
// reacts only to transitions.
func (b *bridge) setConnected(online bool) error {
	a, err := b.current()
	if err != nil {
		return err
	}
	a.Watcher.Set(online)
	return nil
}

func (b *bridge) status() (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	stats, err := a.Engine.Stats()
	if err != nil {
		return "", err
	}
	return toJSON(map[string]interface{}{
		"device_id": a.DeviceID,
		"status":    a.Engine.Status(),
		"stats":     stats,
	})
}

type syncReply struct {
	Pending    int   `json:"pending"`
	Synced     int   `json:"synced"`
	Failed     int   `json:"failed"`
	Delivered  int   `json:"delivered"`
	Dropped    int   `json:"dropped"`
	DurationMs int64 `json:"duration_ms"`
}

func (b *bridge) manualSync(timeout time.Duration) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := a.Engine.ManualSync(ctx)
	if err != nil {
		return "", err
	}
	return toJSON(syncReply{
		Pending:    result.Pending,
		Synced:     result.Synced,
		Failed:     result.Failed,
		Delivered:  result.Queue.Delivered,
		Dropped:    result.Queue.Dropped,
		DurationMs: result.Duration.Milliseconds(),
	})
}

func (b *bridge) createPatient(fieldsJSON string) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "fields must be a JSON object of strings", err)
	}
	rec, err := a.Engine.CreatePatient(&models.PatientRecord{Fields: fields})
	if err != nil {
		return "", err
	}
	return toJSON(rec)
}

func (b *bridge) listPatients() (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	recs, err := a.Repo.ListPatients()
	if err != nil {
		return "", err
	}
	if recs == nil {
		recs = []*models.PatientRecord{}
	}
	return toJSON(recs)
}

func (b *bridge) importPatients(data, strategy string) (string, error) {
	a, err := b.current()
	if err != nil {
		return "", err
	}
	strat, err := transfer.ParseStrategy(strategy)
	if err != nil {
		return "", err
	}
	result, err := transfer.ImportAndMergeJSON(a.Repo, []byte(data), strat)
	if err != nil {
		return "", err
	}
	return toJSON(result)
}

// sendPatients streams every local record to target and blocks until the
// transfer finishes or fails.
func (b *bridge) sendPatients(target string, timeout time.Duration) error {
	a, err := b.current()
	if err != nil {
		return err
	}
	ch, err := a.PeerChannel(target)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.Peer.SendPatients(ctx, ch, nil)
}

// nextEvent returns the oldest buffered event, or "" when none is waiting.
func (b *bridge) nextEvent() (string, error) {
	if _, err := b.current(); err != nil {
		return "", err
	}
	ev, ok := b.events.next()
	if !ok {
		return "", nil
	}
	return toJSON(ev)
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// errorJSON renders err the way the desktop API does.
func errorJSON(err error) string {
	s, _ := toJSON(map[string]string{
		"code":    string(apperrors.CodeOf(err)),
		"message": apperrors.MessageOf(err),
	})
	return s
}
