// Package models provides data model definitions for the health records sync core.
package models

import "time"

// SyncAction is what a sync log entry records.
type SyncAction string

const (
	ActionSynced     SyncAction = "synced"
	ActionSyncFailed SyncAction = "sync_failed"
	ActionSent       SyncAction = "sent"
	ActionReceived   SyncAction = "received"
	// ActionQueueDropped marks a queue item discarded after its last attempt.
	ActionQueueDropped SyncAction = "queue_dropped"
)

// SyncLogStatus is the outcome of a logged attempt.
type SyncLogStatus string

const (
	LogStatusSuccess SyncLogStatus = "success"
	LogStatusFailed  SyncLogStatus = "failed"
)

// SyncLogEntry is an append-only audit record of a sync attempt outcome.
// PatientID is nil for whole-device transfers.
type SyncLogEntry struct {
	ID           string        `db:"id" json:"id"`
	DeviceID     string        `db:"device_id" json:"device_id"`
	PatientID    *string       `db:"patient_id" json:"patient_id"`
	Action       SyncAction    `db:"action" json:"action"`
	Timestamp    int64         `db:"timestamp" json:"timestamp"`
	Status       SyncLogStatus `db:"status" json:"status"`
	ErrorMessage *string       `db:"error_message" json:"error_message,omitempty"`
}

// TableName returns the table name for SyncLogEntry.
func (SyncLogEntry) TableName() string {
	return "sync_logs"
}

// Time returns the Timestamp as time.Time.
func (s *SyncLogEntry) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Patient returns the patient id or "".
func (s *SyncLogEntry) Patient() string {
	if s.PatientID == nil {
		return ""
	}
	return *s.PatientID
}

// StringPtr returns nil for "" and &s otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
