// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/queue"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// TriggerAutoSync runs one pass if online and idle.
	TriggerAutoSync(ctx context.Context) bool

	// ManualSync runs one pass on user request. Precondition failures come
	// back as AppErrors carrying the message to display.
	ManualSync(ctx context.Context) (*SyncResult, error)

	// ProcessCloudSyncQueue drains queued operations only.
	ProcessCloudSyncQueue(ctx context.Context) (queue.DrainResult, error)

	// SetConnected feeds a connectivity reading from the platform.
	SetConnected(online bool)

	// Subscribe registers a connectivity listener.
	Subscribe(fn func(online bool)) func()

	// Status returns the current sync status.
	Status() Status

	// Stats counts records by upload state.
	Stats() (*models.SyncStats, error)

	// LastSyncTime returns when the last full pass finished.
	LastSyncTime() (*time.Time, error)

	// IsSyncNeeded reports whether anything awaits upload.
	IsSyncNeeded() (bool, error)

	// LastError returns the error of the last pass.
	LastError() error
}

var _ SyncEngineInterface = (*Engine)(nil)
