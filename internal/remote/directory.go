// Package remote provides Remote Directory implementations: a hosted
// Postgres table and an S3-compatible object store.
package remote

import (
	"context"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

// Directory is the authenticated remote store of patient records.
// Records crossing it never carry cloud_sync_status.
type Directory interface {
	// FindByUniqueID returns the stored record, or nil when absent.
	FindByUniqueID(ctx context.Context, id string) (*models.PatientRecord, error)

	// Upsert updates the record if it exists, else inserts it.
	Upsert(ctx context.Context, rec *models.PatientRecord) (*models.PatientRecord, error)

	// Delete removes the record. Deleting an absent record succeeds.
	Delete(ctx context.Context, id string) error

	// AppendSyncLog stores one audit entry.
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error

	// List returns records matching f, for dashboard reads.
	List(ctx context.Context, f Filter) ([]*models.PatientRecord, error)

	// Ping checks that the directory is reachable.
	Ping(ctx context.Context) error
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	UniqueIDs []string
	AreaCode  string
	Limit     int
}

func (f Filter) matches(rec *models.PatientRecord) bool {
	if f.AreaCode != "" && rec.Field(models.FieldAreaCode) != f.AreaCode {
		return false
	}
	if len(f.UniqueIDs) == 0 {
		return true
	}
	for _, id := range f.UniqueIDs {
		if id == rec.UniqueID {
			return true
		}
	}
	return false
}

// ErrNotConfigured is returned when no remote driver is set up.
var ErrNotConfigured = apperrors.New(apperrors.ErrSyncNotConfigured, "remote directory not configured")

// stripLocal returns a copy without local-only metadata.
func stripLocal(rec *models.PatientRecord) *models.PatientRecord {
	c := rec.Clone()
	c.CloudSyncStatus = ""
	return c
}

// UpsertResult is the per-record outcome of UpsertAll.
type UpsertResult struct {
	UniqueID string
	Err      error
}

// UpsertAll upserts records one at a time and reports each outcome.
// A failure does not stop the batch.
func UpsertAll(ctx context.Context, d Directory, recs []*models.PatientRecord) []UpsertResult {
	results := make([]UpsertResult, 0, len(recs))
	for _, rec := range recs {
		_, err := d.Upsert(ctx, rec)
		if err != nil {
			logging.Warn("Batch upsert failed for record", map[string]interface{}{
				"unique_id": rec.UniqueID,
				"error":     err.Error(),
			})
		}
		results = append(results, UpsertResult{UniqueID: rec.UniqueID, Err: err})
	}
	return results
}
