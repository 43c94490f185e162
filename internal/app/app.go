// Package app wires the sync core together for the desktop server, the CLI
// and the mobile bridge.
package app

import (
	"context"
	"io"
	"strings"

	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	"github.com/hamzamalik22/gaza-health-records-app/internal/connectivity"
	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/scheduler"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

// MemoryDataDir opens an in-memory store instead of a file.
const MemoryDataDir = ":memory:"

// Options selects the optional parts of the wiring.
type Options struct {
	// Sinks receive every event next to the configured Kafka/NATS sinks.
	Sinks []events.Sink
	// Transfer dials the peer broker (or starts the embedded one).
	Transfer bool
	// Directory overrides remote.Open. Used by tests.
	Directory remote.Directory
	// Online is the initial connectivity. It is adopted without starting
	// a sync.
	Online bool
}

// App holds every long-lived component.
type App struct {
	Config   *config.Config
	DeviceID string

	DB      *db.DB
	Repo    *db.Repository
	Remote  remote.Directory
	Bus     *events.Bus
	Runner  *scheduler.Scheduler
	Watcher *connectivity.Watcher
	Engine  *sync.Engine
	Peer    *transfer.Peer

	// Channel and Broker are nil unless Options.Transfer is set and the
	// broker is reachable.
	Channel *transfer.NATSChannel
	Broker  *transfer.EmbeddedBroker

	unwatch func()
}

// New opens the store and builds the engine. Remote and broker failures are
// logged and leave the app local-only; a store failure is returned.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}

	var err error
	if cfg.DataDir == MemoryDataDir {
		a.DB, err = db.OpenMemory()
	} else {
		a.DB, err = db.Open(cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}
	a.Repo = db.NewRepository(a.DB.DB)

	a.DeviceID, err = db.EnsureDeviceID(a.Repo, cfg.DeviceID)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Remote = opts.Directory
	if a.Remote == nil {
		a.Remote, err = remote.Open(ctx, cfg)
		if err != nil {
			logging.Error("Remote directory unavailable, continuing local-only", err, map[string]interface{}{
				"driver": cfg.Remote.Driver,
			})
			a.Remote = nil
		}
	}

	if opts.Transfer && cfg.Transfer.Embedded {
		a.Broker, err = transfer.StartEmbeddedBroker("127.0.0.1", -1)
		if err != nil {
			logging.Error("Embedded broker failed to start", err, nil)
		}
	}

	a.Bus = events.NewBus(opts.Sinks...)
	a.addEventSinks()

	a.Runner = scheduler.New(&scheduler.Config{
		Interval:  cfg.Sync.Interval,
		OnStartup: cfg.Sync.OnStartup,
	})
	a.Engine = sync.NewEngine(a.Repo, a.Remote, sync.Options{
		DeviceID: a.DeviceID,
		Runner:   a.Runner,
		Events:   a.Bus,
	})

	a.Watcher = connectivity.NewWatcher(opts.Online)
	a.unwatch = a.Engine.Watch(a.Watcher)

	a.Peer = transfer.NewPeer(a.Repo, transfer.PeerOptions{
		DeviceID:  a.DeviceID,
		ChunkSize: cfg.Transfer.ChunkSize,
		Policy: transfer.RetryPolicy{
			MaxAttempts: cfg.Transfer.MaxAttempts,
			BaseDelay:   cfg.Transfer.BaseBackoff,
		},
		Events: a.Bus,
	})

	if opts.Transfer {
		ch, err := transfer.DialNATSChannel(a.BrokerURL(), cfg.Transfer.Subject)
		if err != nil {
			logging.Error("Transfer broker unreachable", err, map[string]interface{}{"url": a.BrokerURL()})
		} else {
			a.Channel = ch
		}
	}
	return a, nil
}

// BrokerURL is the embedded broker when running, else the configured URL.
func (a *App) BrokerURL() string {
	if a.Broker != nil {
		return a.Broker.ClientURL()
	}
	return a.Config.Transfer.NATSURL
}

// PeerChannel opens a channel on the per-device subject of target, so a
// device never reads back its own frames.
func (a *App) PeerChannel(target string) (*transfer.NATSChannel, error) {
	subject := a.Config.Transfer.Subject
	if target = strings.TrimSpace(target); target != "" {
		subject += "." + target
	}
	return transfer.DialNATSChannel(a.BrokerURL(), subject)
}

// ListenForPeers merges transfers addressed to this device until the
// returned func is called.
func (a *App) ListenForPeers() (func(), error) {
	in, err := a.PeerChannel(a.DeviceID)
	if err != nil {
		return nil, err
	}
	stop, err := a.Peer.Receive(in, nil)
	if err != nil {
		in.Close()
		return nil, err
	}
	logging.Info("Listening for peer transfers", map[string]interface{}{"subject": in.Subject()})
	return func() {
		stop()
		in.Close()
	}, nil
}

func (a *App) addEventSinks() {
	ev := a.Config.Events
	if len(ev.KafkaBrokers) > 0 {
		sink, err := events.NewKafkaSink(ev.KafkaBrokers, ev.KafkaTopic)
		if err != nil {
			logging.Error("Kafka event sink disabled", err, nil)
		} else {
			a.Bus.Add(sink)
		}
	}
	if ev.NATSSubject != "" && a.Broker != nil {
		sink, err := events.DialNATSSink(a.Broker.ClientURL(), ev.NATSSubject)
		if err != nil {
			logging.Error("NATS event sink disabled", err, nil)
		} else {
			a.Bus.Add(sink)
		}
	}
}

// Start runs the connectivity probe (when enabled) and the background
// scheduler until ctx ends or Close is called.
func (a *App) Start(ctx context.Context) {
	if a.Config.ConnectivityEnabled() {
		prober := connectivity.NewHTTPProber(a.Config.Connectivity.ProbeURL, a.Config.Connectivity.ProbeTimeout)
		go a.Watcher.Run(ctx, prober, a.Config.Connectivity.ProbeInterval)
	}
	a.Runner.Start(a.Engine.AutoSyncTask())
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() {
	if a.unwatch != nil {
		a.unwatch()
	}
	if a.Runner != nil {
		a.Runner.Stop()
	}
	if a.Channel != nil {
		a.Channel.Close()
	}
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil {
			logging.Warn("Event sinks closed with error", map[string]interface{}{"error": err.Error()})
		}
	}
	if c, ok := a.Remote.(io.Closer); ok {
		_ = c.Close()
	}
	if a.Broker != nil {
		a.Broker.Shutdown()
	}
	if a.Repo != nil {
		a.Repo.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
