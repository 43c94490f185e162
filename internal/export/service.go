// Package export writes and reads patient bundles: a manifest plus the
// records, optionally compressed and sealed with a password.
//
// An unsealed bundle is plain JSON and is accepted anywhere a peer payload
// is, since it carries a "patients" array.
package export

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/crypto"
	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

// Version is the bundle format version.
const Version = "1"

// MaxBundleSize caps what Read accepts after decompression.
const MaxBundleSize = 64 << 20

// Manifest describes a bundle. Checksum is the hex SHA-256 of the
// patients array exactly as stored.
type Manifest struct {
	Version      string `json:"version"`
	DeviceID     string `json:"device_id,omitempty"`
	ExportedAt   int64  `json:"exported_at"`
	PatientCount int    `json:"patient_count"`
	Checksum     string `json:"checksum"`
}

// Bundle is the on-disk form.
type Bundle struct {
	Manifest *Manifest      `json:"manifest,omitempty"`
	Patients json.RawMessage `json:"patients"`
}

// Config selects what to export.
type Config struct {
	// Password seals the bundle when set.
	Password string
	// Status keeps only records with this cloud_sync_status when set.
	Status models.CloudSyncStatus
}

// Result reports a finished export.
type Result struct {
	Manifest  Manifest
	SizeBytes int64
	Encrypted bool
	Duration  time.Duration
}

// Service exports from and imports into a patient store.
type Service struct {
	store    db.PatientStore
	deviceID string
	now      func() time.Time
}

// NewService creates a Service stamping bundles with deviceID.
func NewService(store db.PatientStore, deviceID string) *Service {
	return &Service{store: store, deviceID: deviceID, now: time.Now}
}

// Export writes a bundle of the selected records to w.
func (s *Service) Export(w io.Writer, cfg Config) (*Result, error) {
	start := s.now()

	recs, err := s.store.ListPatients()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err)
	}
	if cfg.Status != "" {
		kept := recs[:0]
		for _, r := range recs {
			if r.CloudSyncStatus == cfg.Status {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if recs == nil {
		recs = []*models.PatientRecord{}
	}

	patients, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patients: %w", err)
	}
	manifest := Manifest{
		Version:      Version,
		DeviceID:     s.deviceID,
		ExportedAt:   start.UnixMilli(),
		PatientCount: len(recs),
		Checksum:     checksum(patients),
	}
	data, err := json.Marshal(Bundle{Manifest: &manifest, Patients: patients})
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}

	if cfg.Password != "" {
		data, err = seal(data, cfg.Password)
		if err != nil {
			return nil, err
		}
	}

	n, err := w.Write(data)
	if err != nil {
		return nil, fmt.Errorf("failed to write bundle: %w", err)
	}

	result := &Result{
		Manifest:  manifest,
		SizeBytes: int64(n),
		Encrypted: cfg.Password != "",
		Duration:  s.now().Sub(start),
	}
	logging.Info("Patients exported", map[string]interface{}{
		"patients":  manifest.PatientCount,
		"bytes":     n,
		"encrypted": result.Encrypted,
	})
	return result, nil
}

// Import reads a bundle (or a bare peer payload) and merges it.
func (s *Service) Import(data []byte, password string, strategy transfer.Strategy) (transfer.ImportResult, *Manifest, error) {
	b, err := Read(data, password)
	if err != nil {
		return transfer.ImportResult{}, nil, err
	}
	result, err := transfer.ImportAndMergeJSON(s.store, b.Patients, strategy)
	if err != nil {
		return result, b.Manifest, err
	}
	fields := map[string]interface{}{
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
	}
	if b.Manifest != nil {
		fields["source_device"] = b.Manifest.DeviceID
	}
	logging.Info("Patients imported", fields)
	return result, b.Manifest, nil
}

// Read opens a sealed bundle when needed and verifies the manifest.
// Data without a manifest is returned as-is for DecodeRecords.
func Read(data []byte, password string) (*Bundle, error) {
	if crypto.IsSealed(data) {
		if password == "" {
			return nil, apperrors.New(apperrors.ErrValidation, "bundle is encrypted, password required")
		}
		var err error
		if data, err = unseal(data, password); err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &Bundle{Patients: trimmed}, nil
	}

	var b Bundle
	if err := json.Unmarshal(trimmed, &b); err != nil || b.Manifest == nil {
		// A peer payload object rather than a bundle.
		return &Bundle{Patients: trimmed}, nil
	}
	if b.Manifest.Version != Version {
		return nil, apperrors.New(apperrors.ErrImportFailed, "unsupported bundle version "+b.Manifest.Version)
	}
	if got := checksum(b.Patients); got != b.Manifest.Checksum {
		return nil, apperrors.New(apperrors.ErrImportFailed, "bundle checksum mismatch")
	}
	return &b, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func seal(data []byte, password string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress bundle: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress bundle: %w", err)
	}
	sealed, err := crypto.Seal(buf.Bytes(), password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, err.Error(), err)
	}
	return sealed, nil
}

func unseal(data []byte, password string) ([]byte, error) {
	compressed, err := crypto.Open(data, password)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "cannot open bundle", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "corrupt bundle", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxBundleSize+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrImportFailed, "corrupt bundle", err)
	}
	if len(out) > MaxBundleSize {
		return nil, apperrors.New(apperrors.ErrImportFailed, "bundle too large")
	}
	return out, nil
}
