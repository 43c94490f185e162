package app

import (
	"context"
	"testing"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/config"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = MemoryDataDir
	cfg.Connectivity.ProbeURL = ""
	cfg.Sync.OnStartup = false
	return cfg
}

func TestNew_localOnly(t *testing.T) {
	a, err := New(context.Background(), testConfig(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.DeviceID == "" {
		t.Error("DeviceID is empty")
	}
	if a.Remote != nil {
		t.Errorf("Remote = %T, want nil for driver none", a.Remote)
	}
	if a.Channel != nil || a.Broker != nil {
		t.Error("transfer wiring without Options.Transfer")
	}
	if a.Bus.Len() != 0 {
		t.Errorf("Bus.Len() = %d, want 0", a.Bus.Len())
	}

	a.Start(context.Background())
	a.Watcher.Set(true)
	if !a.Engine.IsConnected() {
		t.Error("watcher change did not reach the engine")
	}
}

func TestNew_configuredDeviceID(t *testing.T) {
	cfg := testConfig()
	cfg.DeviceID = "clinic-tablet-3"
	a, err := New(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()
	if a.DeviceID != "clinic-tablet-3" {
		t.Errorf("DeviceID = %q", a.DeviceID)
	}
}

func TestNew_embeddedTransfer(t *testing.T) {
	cfg := testConfig()
	cfg.Transfer.Embedded = true
	sender, err := New(context.Background(), cfg, Options{Transfer: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer sender.Close()
	if sender.Broker == nil || sender.Channel == nil {
		t.Fatal("embedded broker or channel missing")
	}
	if sender.Bus.Len() != 1 {
		t.Errorf("Bus.Len() = %d, want the NATS event sink", sender.Bus.Len())
	}

	if err := sender.Repo.PutPatient(&models.PatientRecord{
		UniqueID:        "p-1",
		Fields:          map[string]string{"name": "Sara"},
		UpdatedAt:       10,
		CreatedAt:       10,
		CloudSyncStatus: models.CloudSyncPending,
	}); err != nil {
		t.Fatal(err)
	}

	recvCfg := testConfig()
	recvCfg.DeviceID = "receiver"
	recvCfg.Transfer.NATSURL = sender.BrokerURL()
	receiver, err := New(context.Background(), recvCfg, Options{})
	if err != nil {
		t.Fatalf("New(receiver) error = %v", err)
	}
	defer receiver.Close()

	in, err := receiver.PeerChannel("receiver")
	if err != nil {
		t.Fatalf("PeerChannel() error = %v", err)
	}
	defer in.Close()
	if in.Subject() != cfg.Transfer.Subject+".receiver" {
		t.Errorf("Subject() = %q", in.Subject())
	}

	done := make(chan transfer.ImportResult, 1)
	stop, err := receiver.Peer.Receive(in, func(r transfer.ImportResult, err error) {
		if err == nil {
			done <- r
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	out, err := sender.PeerChannel("receiver")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if err := sender.Peer.SendPatients(context.Background(), out, nil); err != nil {
		t.Fatalf("SendPatients() error = %v", err)
	}

	select {
	case r := <-done:
		if r.Inserted != 1 {
			t.Errorf("Inserted = %d, want 1", r.Inserted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transfer not received")
	}
	got, _ := receiver.Repo.GetPatient("p-1")
	if got == nil || got.Field("name") != "Sara" {
		t.Errorf("received record = %+v", got)
	}
}
