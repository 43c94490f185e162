// Package sync tests for sync engine functionality.
package sync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/scheduler"
)

// stubDirectory is a Remote Directory double. When block is set the first
// upsert signals started and waits for release.
type stubDirectory struct {
	mu       sync.Mutex
	records  map[string]*models.PatientRecord
	failFor  map[string]bool
	upserts  []string
	deletes  []string
	logs     []*models.SyncLogEntry
	onUpsert func(rec *models.PatientRecord)

	block   bool
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		records: make(map[string]*models.PatientRecord),
		failFor: make(map[string]bool),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stubDirectory) FindByUniqueID(ctx context.Context, id string) (*models.PatientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].Clone(), nil
}

func (s *stubDirectory) Upsert(ctx context.Context, rec *models.PatientRecord) (*models.PatientRecord, error) {
	if s.block {
		first := false
		s.once.Do(func() { first = true })
		if first {
			close(s.started)
			<-s.release
		}
	}
	if s.onUpsert != nil {
		s.onUpsert(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, rec.UniqueID)
	if s.failFor[rec.UniqueID] {
		return nil, errors.New("remote rejected record")
	}
	c := rec.Clone()
	c.CloudSyncStatus = ""
	s.records[rec.UniqueID] = c
	return c, nil
}

func (s *stubDirectory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	delete(s.records, id)
	return nil
}

func (s *stubDirectory) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *stubDirectory) List(ctx context.Context, f remote.Filter) ([]*models.PatientRecord, error) {
	return nil, nil
}

func (s *stubDirectory) Ping(ctx context.Context) error { return nil }

func (s *stubDirectory) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

// recorder collects published event types.
type recorder struct {
	mu    sync.Mutex
	types []events.Type
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, ev.Type)
	return nil
}

func (r *recorder) has(t events.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.types {
		if got == t {
			return true
		}
	}
	return false
}

// clock advances one millisecond per reading.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	repo   *db.Repository
	dir    *stubDirectory
	rec    *recorder
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	repo := db.NewRepository(conn.DB)
	runner := scheduler.New(&scheduler.Config{})
	t.Cleanup(func() {
		runner.Stop()
		repo.Close()
		conn.Close()
	})

	dir := newStubDirectory()
	rec := &recorder{}
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	engine := NewEngine(repo, dir, Options{
		DeviceID: "tablet-1",
		Runner:   runner,
		Events:   rec,
		Logger:   logging.New(io.Discard, logging.LevelDebug),
		Now:      c.Now,
	})
	return &fixture{repo: repo, dir: dir, rec: rec, engine: engine}
}

func (f *fixture) put(t *testing.T, id string, status models.CloudSyncStatus) {
	t.Helper()
	p := &models.PatientRecord{
		UniqueID:        id,
		Fields:          map[string]string{models.FieldName: "Patient " + id},
		UpdatedAt:       1000,
		CreatedAt:       1000,
		CloudSyncStatus: status,
		DeviceID:        "tablet-1",
	}
	if err := f.repo.PutPatient(p); err != nil {
		t.Fatalf("PutPatient() error = %v", err)
	}
}

func (f *fixture) status(t *testing.T, id string) models.CloudSyncStatus {
	t.Helper()
	p, err := f.repo.GetPatient(id)
	if err != nil || p == nil {
		t.Fatalf("GetPatient(%q) = %v, %v", id, p, err)
	}
	return p.CloudSyncStatus
}

func countLogs(t *testing.T, repo *db.Repository, action models.SyncAction) int {
	t.Helper()
	logs, err := repo.ListLogs(0)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, l := range logs {
		if l.Action == action {
			n++
		}
	}
	return n
}

func TestTriggerAutoSync_offline(t *testing.T) {
	f := newFixture(t)
	f.put(t, "p1", models.CloudSyncPending)

	if f.engine.TriggerAutoSync(context.Background()) {
		t.Error("TriggerAutoSync() = true while offline")
	}
	if f.dir.upsertCount() != 0 {
		t.Errorf("upserts = %d, want 0", f.dir.upsertCount())
	}
}

func TestTriggerAutoSync_notConfigured(t *testing.T) {
	f := newFixture(t)
	engine := NewEngine(f.repo, nil, Options{Logger: logging.New(io.Discard, logging.LevelError)})
	engine.mu.Lock()
	engine.isConnected = true
	engine.mu.Unlock()

	if engine.TriggerAutoSync(context.Background()) {
		t.Error("TriggerAutoSync() = true without a remote")
	}
	if !apperrors.Is(engine.LastError(), apperrors.ErrSyncNotConfigured) {
		t.Errorf("LastError() = %v", engine.LastError())
	}
}

// TestTriggerAutoSync_partialFailure verifies per-record isolation.
func TestTriggerAutoSync_partialFailure(t *testing.T) {
	f := newFixture(t)
	f.put(t, "ok", models.CloudSyncPending)
	f.put(t, "bad", models.CloudSyncPending)
	f.put(t, "done", models.CloudSyncSynced)
	f.dir.failFor["bad"] = true
	connect(t, f.engine)

	// "bad" is still pending after the edge pass.
	if !f.engine.TriggerAutoSync(context.Background()) {
		t.Fatal("TriggerAutoSync() = false")
	}

	if got := f.status(t, "ok"); got != models.CloudSyncSynced {
		t.Errorf("ok status = %q, want synced", got)
	}
	if got := f.status(t, "bad"); got != models.CloudSyncPending {
		t.Errorf("bad status = %q, want pending", got)
	}
	for _, id := range f.dir.upserts {
		if id == "done" {
			t.Error("already synced record was uploaded")
		}
	}
	if n := countLogs(t, f.repo, models.ActionSynced); n != 1 {
		t.Errorf("synced logs = %d, want 1", n)
	}
	if n := countLogs(t, f.repo, models.ActionSyncFailed); n != 2 {
		t.Errorf("sync_failed logs = %d, want 2", n)
	}
	if last, err := f.engine.LastSyncTime(); err != nil || last == nil {
		t.Errorf("LastSyncTime() = %v, %v", last, err)
	}
	if !f.rec.has(events.RecordSynced) || !f.rec.has(events.RecordSyncFailed) || !f.rec.has(events.SyncCompleted) {
		t.Errorf("events = %v", f.rec.types)
	}
}

func connect(t *testing.T, e *Engine) {
	t.Helper()
	if h := e.HandleConnectivityChange(true); h != nil {
		if err := h.Wait(context.Background()); err != nil {
			t.Logf("edge sync: %v", err)
		}
	}
}

func TestTriggerAutoSync_nothingPending(t *testing.T) {
	f := newFixture(t)
	f.put(t, "p1", models.CloudSyncSynced)
	connect(t, f.engine)

	if !f.engine.TriggerAutoSync(context.Background()) {
		t.Fatal("TriggerAutoSync() = false")
	}
	if f.dir.upsertCount() != 0 {
		t.Errorf("upserts = %d, want 0", f.dir.upsertCount())
	}
	if last, _ := f.engine.LastSyncTime(); last != nil {
		t.Errorf("LastSyncTime() = %v, want nil after early exit", last)
	}
}

// TestTriggerAutoSync_concurrent verifies a second trigger during a pass is
// a no-op.
func TestTriggerAutoSync_concurrent(t *testing.T) {
	f := newFixture(t)
	connect(t, f.engine)
	f.put(t, "p1", models.CloudSyncPending)
	f.dir.block = true

	done := make(chan bool)
	go func() { done <- f.engine.TriggerAutoSync(context.Background()) }()
	<-f.dir.started

	if f.engine.TriggerAutoSync(context.Background()) {
		t.Error("second TriggerAutoSync() = true during a pass")
	}
	if _, err := f.engine.ManualSync(context.Background()); !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Errorf("ManualSync() error = %v, want SYNC_IN_PROGRESS", err)
	}

	close(f.dir.release)
	if !<-done {
		t.Error("first TriggerAutoSync() = false")
	}
	if f.dir.upsertCount() != 1 {
		t.Errorf("upserts = %d, want 1", f.dir.upsertCount())
	}
}

func TestManualSync_preconditions(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.ManualSync(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncNoConnection) || apperrors.MessageOf(err) != MsgNoConnection {
		t.Errorf("offline: error = %v", err)
	}

	connect(t, f.engine)
	_, err = f.engine.ManualSync(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncNoPatients) || apperrors.MessageOf(err) != MsgNoPatients {
		t.Errorf("empty: error = %v", err)
	}

	f.put(t, "p1", models.CloudSyncSynced)
	_, err = f.engine.ManualSync(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncNothingPending) || apperrors.MessageOf(err) != MsgNothingPending {
		t.Errorf("all synced: error = %v", err)
	}

	f.put(t, "p2", models.CloudSyncPending)
	result, err := f.engine.ManualSync(context.Background())
	if err != nil {
		t.Fatalf("ManualSync() error = %v", err)
	}
	if result.Pending != 1 || result.Synced != 1 || result.Failed != 0 {
		t.Errorf("result = %+v", result)
	}
}

// TestHandleConnectivityChange verifies edge triggering and listener order.
func TestHandleConnectivityChange(t *testing.T) {
	f := newFixture(t)
	f.put(t, "p1", models.CloudSyncPending)

	var mu sync.Mutex
	var calls []string
	f.engine.Subscribe(func(online bool) {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
	})
	unsub := f.engine.Subscribe(func(online bool) {
		mu.Lock()
		calls = append(calls, "second")
		mu.Unlock()
	})

	if h := f.engine.HandleConnectivityChange(false); h != nil {
		t.Error("offline to offline returned a handle")
	}

	h := f.engine.HandleConnectivityChange(true)
	if h == nil {
		t.Fatal("offline to online returned nil handle")
	}
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("edge sync error = %v", err)
	}
	if got := f.status(t, "p1"); got != models.CloudSyncSynced {
		t.Errorf("status = %q, want synced", got)
	}

	if h := f.engine.HandleConnectivityChange(true); h != nil {
		t.Error("online to online returned a handle")
	}
	unsub()
	f.engine.HandleConnectivityChange(false)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "first", "second", "first", "second", "first"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
	if !f.rec.has(events.ConnectivityChanged) {
		t.Error("connectivity_changed not published")
	}
}

// TestDeletePatient_drainsQueue verifies queued deletes reach the remote on
// the next pass.
func TestDeletePatient_drainsQueue(t *testing.T) {
	f := newFixture(t)
	f.put(t, "gone", models.CloudSyncSynced)
	f.put(t, "p2", models.CloudSyncPending)

	if err := f.engine.DeletePatient("gone"); err != nil {
		t.Fatalf("DeletePatient() error = %v", err)
	}
	if err := f.engine.DeletePatient("gone"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second DeletePatient() error = %v, want NOT_FOUND", err)
	}
	if needed, _ := f.engine.IsSyncNeeded(); !needed {
		t.Error("IsSyncNeeded() = false with a queued delete")
	}

	connect(t, f.engine)

	if len(f.dir.deletes) != 1 || f.dir.deletes[0] != "gone" {
		t.Errorf("deletes = %v, want [gone]", f.dir.deletes)
	}
	if n, _ := f.repo.QueueLength(); n != 0 {
		t.Errorf("QueueLength() = %d, want 0", n)
	}
}

// TestSync_editDuringUpload verifies a record edited mid-upload stays pending.
func TestSync_editDuringUpload(t *testing.T) {
	f := newFixture(t)
	created, err := f.engine.CreatePatient(&models.PatientRecord{
		Fields: map[string]string{models.FieldName: "Amal"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.dir.onUpsert = func(rec *models.PatientRecord) {
		if _, err := f.engine.UpdatePatient(rec.UniqueID, map[string]string{models.FieldAge: "31"}); err != nil {
			t.Errorf("UpdatePatient() error = %v", err)
		}
	}

	connect(t, f.engine)

	if got := f.status(t, created.UniqueID); got != models.CloudSyncPending {
		t.Errorf("status = %q, want pending", got)
	}
}

// TestSync_editDuringUploadSameTimestamp covers an edit landing in the same
// millisecond as the uploaded copy: updated_at matches but content differs.
func TestSync_editDuringUploadSameTimestamp(t *testing.T) {
	f := newFixture(t)
	f.put(t, "p1", models.CloudSyncPending)
	f.dir.onUpsert = func(rec *models.PatientRecord) {
		edited := rec.Clone()
		edited.Fields[models.FieldAge] = "40"
		edited.CloudSyncStatus = models.CloudSyncPending
		if err := f.repo.PutPatient(edited); err != nil {
			t.Errorf("PutPatient() error = %v", err)
		}
	}

	connect(t, f.engine)

	if got := f.status(t, "p1"); got != models.CloudSyncPending {
		t.Errorf("status = %q, want pending", got)
	}
}

func TestCreateAndUpdatePatient(t *testing.T) {
	f := newFixture(t)

	p, err := f.engine.CreatePatient(&models.PatientRecord{Fields: map[string]string{models.FieldName: "Yusuf"}})
	if err != nil {
		t.Fatalf("CreatePatient() error = %v", err)
	}
	if p.UniqueID == "" || p.DeviceID != "tablet-1" || !p.IsPending() {
		t.Errorf("created = %+v", p)
	}
	if p.CreatedAt == 0 || p.UpdatedAt < p.CreatedAt {
		t.Errorf("timestamps = %d/%d", p.CreatedAt, p.UpdatedAt)
	}

	if _, err := f.engine.CreatePatient(&models.PatientRecord{UniqueID: p.UniqueID}); !apperrors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("duplicate CreatePatient() error = %v", err)
	}

	if err := f.repo.SetCloudSyncStatus(p.UniqueID, models.CloudSyncSynced); err != nil {
		t.Fatal(err)
	}
	updated, err := f.engine.UpdatePatient(p.UniqueID, map[string]string{models.FieldAge: "12", models.FieldName: ""})
	if err != nil {
		t.Fatalf("UpdatePatient() error = %v", err)
	}
	if updated.Field(models.FieldAge) != "12" || updated.Field(models.FieldName) != "" {
		t.Errorf("fields = %v", updated.Fields)
	}
	if !updated.IsPending() || updated.UpdatedAt <= p.UpdatedAt {
		t.Errorf("updated = %+v", updated)
	}

	if _, err := f.engine.UpdatePatient("missing", nil); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdatePatient(missing) error = %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a", models.CloudSyncSynced)
	f.put(t, "b", models.CloudSyncSynced)
	f.put(t, "c", models.CloudSyncPending)

	stats, err := f.engine.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalPatients != 3 || stats.SyncedPatients != 2 || stats.PendingPatients != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.SyncPercentage != 67 {
		t.Errorf("SyncPercentage = %d, want 67", stats.SyncPercentage)
	}
}

func TestIsDuplicate(t *testing.T) {
	list := []*models.PatientRecord{{UniqueID: "a"}, {UniqueID: "b"}}
	if !IsDuplicate(list, &models.PatientRecord{UniqueID: "b"}) {
		t.Error("IsDuplicate(b) = false")
	}
	if IsDuplicate(list, &models.PatientRecord{UniqueID: "c"}) {
		t.Error("IsDuplicate(c) = true")
	}
	if IsDuplicate(list, nil) {
		t.Error("IsDuplicate(nil) = true")
	}
}

func TestAutoSyncTask(t *testing.T) {
	f := newFixture(t)
	task := f.engine.AutoSyncTask()

	if err := task(context.Background()); err != nil {
		t.Errorf("offline run error = %v, want nil", err)
	}

	f.put(t, "a", models.CloudSyncPending)
	f.engine.mu.Lock()
	f.engine.isConnected = true
	f.engine.mu.Unlock()
	if err := task(context.Background()); err != nil {
		t.Fatalf("online run error = %v", err)
	}
	if got := f.status(t, "a"); got != models.CloudSyncSynced {
		t.Errorf("status = %s, want synced", got)
	}

	noRemote := NewEngine(f.repo, nil, Options{Logger: logging.New(io.Discard, logging.LevelError)})
	noRemote.mu.Lock()
	noRemote.isConnected = true
	noRemote.mu.Unlock()
	if err := noRemote.AutoSyncTask()(context.Background()); !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		t.Errorf("unconfigured run error = %v", err)
	}
}
