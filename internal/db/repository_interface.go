package db

import (
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

// PatientStore defines operations for patient record persistence.
type PatientStore interface {
	// ListPatients returns every patient, most recently updated first.
	ListPatients() ([]*models.PatientRecord, error)

	// GetPatient returns a patient by unique_id, or nil when absent.
	GetPatient(id string) (*models.PatientRecord, error)

	// PutPatient upserts a patient by unique_id.
	PutPatient(p *models.PatientRecord) error

	// DeletePatient removes a patient.
	DeletePatient(id string) error

	// SetCloudSyncStatus changes the local upload flag only.
	SetCloudSyncStatus(id string, status models.CloudSyncStatus) error
}

// QueueStore defines operations for the durable cloud sync queue.
type QueueStore interface {
	// ListQueue returns queued operations oldest first.
	ListQueue() ([]*models.SyncQueueItem, error)
	Enqueue(item *models.SyncQueueItem) error
	Dequeue(id string) error
	BumpRetry(id string, count int) error
}

// SyncLogStore defines operations for the append-only sync log.
type SyncLogStore interface {
	AppendLog(entry *models.SyncLogEntry) error
	ListLogs(limit int) ([]*models.SyncLogEntry, error)
	ClearLogs() error
}

// SettingsStore defines operations for device settings.
type SettingsStore interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

// SyncStore combines the stores the sync engine consumes.
type SyncStore interface {
	PatientStore
	QueueStore
	SyncLogStore
	SettingsStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ PatientStore  = (*Repository)(nil)
	_ QueueStore    = (*Repository)(nil)
	_ SyncLogStore  = (*Repository)(nil)
	_ SettingsStore = (*Repository)(nil)
	_ SyncStore     = (*Repository)(nil)
)
