package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"

	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
)

// memDirectory is an in-memory Remote Directory.
type memDirectory struct {
	mu      gosync.Mutex
	records map[string]*models.PatientRecord
}

func newMemDirectory() *memDirectory {
	return &memDirectory{records: make(map[string]*models.PatientRecord)}
}

func (m *memDirectory) FindByUniqueID(ctx context.Context, id string) (*models.PatientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Clone(), nil
}

func (m *memDirectory) Upsert(ctx context.Context, rec *models.PatientRecord) (*models.PatientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := rec.Clone()
	c.CloudSyncStatus = ""
	m.records[rec.UniqueID] = c
	return c, nil
}

func (m *memDirectory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *memDirectory) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	return nil
}

func (m *memDirectory) List(ctx context.Context, f remote.Filter) ([]*models.PatientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PatientRecord
	for _, r := range m.records {
		if f.AreaCode == "" || r.Field(models.FieldAreaCode) == f.AreaCode {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (m *memDirectory) Ping(ctx context.Context) error { return nil }

func (m *memDirectory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// run executes one command against dataDir and returns stdout.
func run(t *testing.T, dataDir string, dir remote.Directory, args ...string) (string, error) {
	t.Helper()
	c := &cli{dir: dir}
	root := newRootCmd(c)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--data-dir", dataDir, "--device-id", "cli-test", "--online"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), nil, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "healthsync v"+Version) {
		t.Errorf("version output = %q", out)
	}
}

func TestSync_withoutRemote(t *testing.T) {
	dataDir := t.TempDir()
	if _, err := run(t, dataDir, nil, "patients", "add", "name=Amal"); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, dataDir, nil, "sync")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("sync error = %v, want not configured", err)
	}
}

func TestSync_noPatients(t *testing.T) {
	_, err := run(t, t.TempDir(), newMemDirectory(), "sync")
	if err == nil || err.Error() != "no patients in local database" {
		t.Errorf("sync error = %v", err)
	}
}

func TestSync_uploadsAndReportsStatus(t *testing.T) {
	dataDir := t.TempDir()
	dir := newMemDirectory()

	for _, name := range []string{"name=Amal", "name=Omar"} {
		if _, err := run(t, dataDir, dir, "patients", "add", name, "area_code=north"); err != nil {
			t.Fatal(err)
		}
	}

	out, err := run(t, dataDir, dir, "sync")
	if err != nil {
		t.Fatalf("sync error = %v", err)
	}
	if !strings.Contains(out, "Synced 2 of 2 pending") {
		t.Errorf("sync output = %q", out)
	}
	if dir.count() != 2 {
		t.Errorf("remote count = %d, want 2", dir.count())
	}

	out, err = run(t, dataDir, dir, "sync")
	if err != nil || strings.TrimSpace(out) != "nothing to sync" {
		t.Errorf("second sync = %q, %v", out, err)
	}

	out, err = run(t, dataDir, dir, "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "2 synced, 0 pending, 100%") || strings.Contains(out, "never") {
		t.Errorf("status output = %q", out)
	}

	out, err = run(t, dataDir, dir, "logs", "-n", "0")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, string(models.ActionSynced)) != 2 {
		t.Errorf("logs output = %q", out)
	}

	out, err = run(t, dataDir, dir, "remote", "list", "--area", "north")
	if err != nil || strings.Count(out, `"unique_id"`) != 2 {
		t.Errorf("remote list = %q, %v", out, err)
	}
}

func TestQueueAndLogsClear(t *testing.T) {
	dataDir := t.TempDir()
	out, err := run(t, dataDir, nil, "queue")
	if err != nil || !strings.Contains(out, "empty") {
		t.Errorf("queue = %q, %v", out, err)
	}
	if out, err := run(t, dataDir, nil, "logs", "clear"); err != nil || !strings.Contains(out, "cleared") {
		t.Errorf("logs clear = %q, %v", out, err)
	}
}

func TestPush(t *testing.T) {
	dataDir := t.TempDir()
	dir := newMemDirectory()
	if _, err := run(t, dataDir, dir, "patients", "add", "name=Lina"); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, dataDir, dir, "push")
	if err != nil || !strings.Contains(out, "Pushed 1 records, 0 failed") {
		t.Errorf("push = %q, %v", out, err)
	}
	if _, err := run(t, dataDir, nil, "push"); err == nil {
		t.Error("push without remote succeeded")
	}
}

func TestImport(t *testing.T) {
	dataDir := t.TempDir()
	file := filepath.Join(t.TempDir(), "patients.json")
	body := `[{"unique_id":"p-1","name":"Nour"},{"unique_id":"","name":"no id"}]`
	if err := os.WriteFile(file, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, dataDir, nil, "import", file)
	if err != nil || !strings.Contains(out, "1 inserted, 0 updated, 1 skipped") {
		t.Errorf("import = %q, %v", out, err)
	}
	out, err = run(t, dataDir, nil, "import", file)
	if err != nil || !strings.Contains(out, "0 inserted, 0 updated, 2 skipped") {
		t.Errorf("re-import = %q, %v", out, err)
	}
	if _, err := run(t, dataDir, nil, "import", "--strategy", "bogus", file); err == nil {
		t.Error("bogus strategy accepted")
	}
}

func TestPatientsAdd_badArg(t *testing.T) {
	if _, err := run(t, t.TempDir(), nil, "patients", "add", "novalue"); err == nil {
		t.Error("add without = succeeded")
	}
}

func TestExportImport_sealed(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"name=Amal", "name=Omar"} {
		if _, err := run(t, src, nil, "patients", "add", name); err != nil {
			t.Fatal(err)
		}
	}

	bundle := filepath.Join(t.TempDir(), "patients.bundle")
	if _, err := run(t, src, nil, "export", "--password", "field-team-2024", bundle); err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := run(t, src, nil, "export", "--status", "lost", bundle+".2"); err == nil {
		t.Error("unknown status accepted")
	}

	dst := t.TempDir()
	if _, err := run(t, dst, nil, "import", bundle); err == nil || !strings.Contains(err.Error(), "password required") {
		t.Errorf("import without password = %v", err)
	}
	out, err := run(t, dst, nil, "import", "--password", "field-team-2024", bundle)
	if err != nil || !strings.Contains(out, "2 inserted") {
		t.Errorf("import = %q, %v", out, err)
	}
}
