// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, line string) LogEntry {
	t.Helper()
	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
	}
	return entry
}

// =====================================================
// Initialization Tests
// =====================================================

// TestInit_idempotent verifies a second Init is ignored.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if first.out != &buf1 {
		t.Error("Init() did not set output writer correctly")
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =====================================================
// Output Tests
// =====================================================

// TestLogger_Info verifies message and context are encoded.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("sync pass finished", map[string]interface{}{"synced": 3})

	entry := decodeLine(t, buf.String())
	if entry.Level != "INFO" {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.Message != "sync pass finished" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Context["synced"] != float64(3) {
		t.Errorf("synced = %v, want 3", entry.Context["synced"])
	}
}

// TestLogger_Error verifies the error string is captured.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("upsert failed", errors.New("timeout"))

	entry := decodeLine(t, buf.String())
	if entry.Level != "ERROR" || entry.Error != "timeout" {
		t.Errorf("entry = %+v", entry)
	}
}

// TestLogger_ErrorWithCode verifies the code is merged into the context.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("auto sync failed", "SYNC_FAILED", io.ErrUnexpectedEOF, map[string]interface{}{"device_id": "d1"})

	entry := decodeLine(t, buf.String())
	if entry.Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code = %v, want SYNC_FAILED", entry.Context["error_code"])
	}
	if entry.Context["device_id"] != "d1" {
		t.Errorf("device_id = %v, want d1", entry.Context["device_id"])
	}
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	if decodeLine(t, lines[0]).Message != "warn message" {
		t.Errorf("unexpected line %q", lines[0])
	}
}

// TestLogger_getContext_multiple verifies context maps merge.
func TestLogger_getContext_multiple(t *testing.T) {
	logger := New(io.Discard, LevelInfo)

	merged := logger.getContext(map[string]interface{}{"a": 1}, nil, map[string]interface{}{"b": 2})
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("merged = %v", merged)
	}
	if logger.getContext() != nil {
		t.Error("getContext() with no maps should be nil")
	}
}

// TestLogger_concurrentLogging verifies lines are not interleaved.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		decodeLine(t, line)
	}
}

// TestFileWriter verifies the rotated writer creates its file.
func TestFileWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	w := FileWriter(path, 0, 0)
	defer w.Close()

	logger := New(w, LevelInfo)
	logger.Info("written to file")

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}
