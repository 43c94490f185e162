package models

// SyncStats summarises upload progress for display.
type SyncStats struct {
	TotalPatients   int `json:"totalPatients"`
	SyncedPatients  int `json:"syncedPatients"`
	PendingPatients int `json:"pendingPatients"`
	QueueLength     int `json:"queueLength"`
	SyncPercentage  int `json:"syncPercentage"`
}

// PatientStats aggregates the local patient table.
type PatientStats struct {
	TotalPatients int     `json:"total_patients"`
	MaleCount     int     `json:"male_count"`
	FemaleCount   int     `json:"female_count"`
	AverageAge    float64 `json:"avg_age"`
	SyncedCount   int     `json:"synced_count"`
	PendingCount  int     `json:"pending_count"`
}

// AreaCount is one row of the per-area breakdown.
type AreaCount struct {
	AreaCode string `json:"area_code"`
	Count    int    `json:"count"`
}

// Setting keys persisted in the settings table.
const (
	SettingLastSyncTime = "last_sync_time"
	SettingDeviceID     = "device_id"
	SettingSyncOnStart  = "sync_on_startup"
)
