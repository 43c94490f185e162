package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

const testConfig = `
device_id: phone-1
connectivity:
  probe_interval: 0s
sync:
  on_startup: false
transfer:
  embedded: true
`

func newTestBridge(t *testing.T) *bridge {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "healthsync.yaml")
	if err := os.WriteFile(cfgPath, []byte(testConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	b := &bridge{}
	if err := b.init(filepath.Join(dir, "data"), cfgPath); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(b.close)
	return b
}

func TestBridge_notInitialized(t *testing.T) {
	b := &bridge{}
	if _, err := b.status(); err != errNotInitialized {
		t.Errorf("status err = %v", err)
	}
	if err := b.setConnected(true); err != errNotInitialized {
		t.Errorf("setConnected err = %v", err)
	}
	if _, err := b.nextEvent(); err != errNotInitialized {
		t.Errorf("nextEvent err = %v", err)
	}
	b.close()
}

func TestBridge_patients(t *testing.T) {
	b := newTestBridge(t)

	out, err := b.createPatient(`{"name":"Amal","area_code":"north"}`)
	if err != nil {
		t.Fatal(err)
	}
	var rec models.PatientRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.UniqueID == "" || rec.CloudSyncStatus != models.CloudSyncPending {
		t.Errorf("created = %+v", rec)
	}

	if _, err := b.createPatient(`["not","an","object"]`); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("bad fields err = %v", err)
	}

	out, err = b.importPatients(`[{"unique_id":"remote-1","name":"Omar"}]`, "lww")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"inserted":1`) {
		t.Errorf("import = %s", out)
	}
	if _, err := b.importPatients(`[]`, "newest"); err == nil {
		t.Error("unknown strategy accepted")
	}

	out, err = b.listPatients()
	if err != nil {
		t.Fatal(err)
	}
	var recs []models.PatientRecord
	if err := json.Unmarshal([]byte(out), &recs); err != nil || len(recs) != 2 {
		t.Errorf("list = %s, %v", out, err)
	}

	out, err = b.status()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"device_id":"phone-1"`) || !strings.Contains(out, `"isConnected":false`) {
		t.Errorf("status = %s", out)
	}
}

func TestBridge_manualSyncErrors(t *testing.T) {
	b := newTestBridge(t)

	_, err := b.manualSync(syncTimeout)
	if !apperrors.Is(err, apperrors.ErrSyncNoConnection) {
		t.Errorf("offline err = %v", err)
	}

	if err := b.setConnected(true); err != nil {
		t.Fatal(err)
	}
	// The online edge starts a background pass that may still hold the guard.
	for i := 0; i < 50; i++ {
		_, err = b.manualSync(syncTimeout)
		if !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		t.Errorf("no remote err = %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(errorJSON(err)), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != string(apperrors.ErrSyncNotConfigured) || body["message"] == "" {
		t.Errorf("errorJSON = %v", body)
	}
}

func TestBridge_sendToSelf(t *testing.T) {
	b := newTestBridge(t)
	if _, err := b.importPatients(`[{"unique_id":"p-1","name":"Lina"}]`, ""); err != nil {
		t.Fatal(err)
	}
	if err := b.sendPatients("phone-1", transferTimeout); err != nil {
		t.Fatalf("send: %v", err)
	}

	sawSent := false
	for {
		out, err := b.nextEvent()
		if err != nil {
			t.Fatal(err)
		}
		if out == "" {
			break
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(out), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Type == events.TransferSent {
			sawSent = true
		}
	}
	if !sawSent {
		t.Error("no transfer_sent event buffered")
	}
}

func TestEventBuffer_dropsOldest(t *testing.T) {
	buf := newEventBuffer(2)
	ctx := context.Background()
	for _, typ := range []events.Type{events.SyncStarted, events.SyncCompleted, events.SyncFailed} {
		if err := buf.Publish(ctx, events.New(typ, "", nil)); err != nil {
			t.Fatal(err)
		}
	}
	first, _ := buf.next()
	second, _ := buf.next()
	if first.Type != events.SyncCompleted || second.Type != events.SyncFailed {
		t.Errorf("got %s, %s", first.Type, second.Type)
	}
	if _, ok := buf.next(); ok {
		t.Error("buffer not empty")
	}
}
