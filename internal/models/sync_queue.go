// Package models provides data model definitions for the health records sync core.
package models

import (
	"encoding/json"
	"time"
)

// QueueOperation is the remote operation a queue item stands for.
type QueueOperation string

const (
	OperationCreate QueueOperation = "create"
	OperationUpdate QueueOperation = "update"
	OperationDelete QueueOperation = "delete"
)

// Valid reports whether o is a known operation.
func (o QueueOperation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// MaxQueueRetries is the attempt ceiling after which a queue item is dropped.
const MaxQueueRetries = 3

// SyncQueueItem represents one pending remote operation for a patient.
type SyncQueueItem struct {
	ID         string          `db:"id" json:"id"`
	PatientID  string          `db:"patient_id" json:"patient_id"`
	Operation  QueueOperation  `db:"operation" json:"operation"`
	Data       json.RawMessage `db:"data" json:"data,omitempty"` // required for create/update
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // enqueue time, epoch ms
	RetryCount int             `db:"retry_count" json:"retry_count"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "cloud_sync_queue"
}

// Time returns the enqueue Timestamp as time.Time.
func (q *SyncQueueItem) Time() time.Time {
	return time.UnixMilli(q.Timestamp)
}

// Record decodes the stored payload as a patient record.
func (q *SyncQueueItem) Record() (*PatientRecord, error) {
	var rec PatientRecord
	if err := json.Unmarshal(q.Data, &rec); err != nil {
		return nil, err
	}
	if rec.UniqueID == "" {
		rec.UniqueID = q.PatientID
	}
	return &rec, nil
}

// Exhausted reports whether the item has used up its attempts.
func (q *SyncQueueItem) Exhausted() bool {
	return q.RetryCount >= MaxQueueRetries
}
