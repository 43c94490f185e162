// Package queue drains the durable cloud sync queue against the remote
// directory with a bounded number of attempts per item.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
)

// Store is what the drainer needs from the Record Store.
type Store interface {
	db.QueueStore
	AppendLog(entry *models.SyncLogEntry) error
}

// DrainResult counts what one pass did.
type DrainResult struct {
	Delivered int
	Retried   int
	Dropped   int
}

// Total returns the number of items attempted.
func (r DrainResult) Total() int {
	return r.Delivered + r.Retried + r.Dropped
}

// Drainer delivers queued operations oldest first.
type Drainer struct {
	store      Store
	remote     remote.Directory
	deviceID   string
	maxRetries int
	logger     *logging.Logger
	now        func() time.Time
}

// NewDrainer creates a Drainer. A nil logger uses the global one.
func NewDrainer(store Store, dir remote.Directory, deviceID string, logger *logging.Logger) *Drainer {
	if logger == nil {
		logger = logging.Get()
	}
	return &Drainer{
		store:      store,
		remote:     dir,
		deviceID:   deviceID,
		maxRetries: models.MaxQueueRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// Drain makes one attempt at every queued item. Item failures are absorbed:
// the retry count goes up and the item is dropped once it reaches the limit.
// Only a failure to read or update the queue itself is returned.
func (d *Drainer) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	items, err := d.store.ListQueue()
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrDatabase, "failed to list sync queue", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	d.logger.Info("Processing cloud sync queue", map[string]interface{}{"count": len(items)})

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		deliverErr := d.deliver(ctx, item)
		if deliverErr == nil {
			if err := d.store.Dequeue(item.ID); err != nil {
				return result, apperrors.Wrap(apperrors.ErrDatabase, "failed to dequeue item", err)
			}
			result.Delivered++
			continue
		}

		retries := item.RetryCount + 1
		if err := d.store.BumpRetry(item.ID, retries); err != nil {
			return result, apperrors.Wrap(apperrors.ErrDatabase, "failed to bump retry count", err)
		}

		if retries < d.maxRetries {
			d.logger.Warn("Queue item failed, will retry", map[string]interface{}{
				"item_id":     item.ID,
				"patient_id":  item.PatientID,
				"operation":   string(item.Operation),
				"retry_count": retries,
				"error":       deliverErr.Error(),
			})
			result.Retried++
			continue
		}

		if err := d.store.Dequeue(item.ID); err != nil {
			return result, apperrors.Wrap(apperrors.ErrDatabase, "failed to drop exhausted item", err)
		}
		result.Dropped++
		d.recordDrop(item, retries, deliverErr)
	}

	d.logger.Info("Cloud sync queue processed", map[string]interface{}{
		"delivered": result.Delivered,
		"retried":   result.Retried,
		"dropped":   result.Dropped,
	})
	return result, nil
}

func (d *Drainer) deliver(ctx context.Context, item *models.SyncQueueItem) error {
	switch item.Operation {
	case models.OperationDelete:
		return d.remote.Delete(ctx, item.PatientID)
	case models.OperationCreate, models.OperationUpdate:
		rec, err := item.Record()
		if err != nil {
			return fmt.Errorf("bad queue payload: %w", err)
		}
		_, err = d.remote.Upsert(ctx, rec)
		return err
	default:
		return fmt.Errorf("unknown queue operation %q", item.Operation)
	}
}

// recordDrop makes the loss observable in the sync log.
func (d *Drainer) recordDrop(item *models.SyncQueueItem, retries int, cause error) {
	d.logger.ErrorWithCode("Queue item dropped after exhausting retries",
		string(apperrors.ErrQueueItemDropped), cause, map[string]interface{}{
			"item_id":     item.ID,
			"patient_id":  item.PatientID,
			"operation":   string(item.Operation),
			"retry_count": retries,
		})

	msg := fmt.Sprintf("%s dropped after %d attempts: %v", item.Operation, retries, cause)
	entry := &models.SyncLogEntry{
		DeviceID:     d.deviceID,
		PatientID:    models.StringPtr(item.PatientID),
		Action:       models.ActionQueueDropped,
		Timestamp:    d.now().UnixMilli(),
		Status:       models.LogStatusFailed,
		ErrorMessage: &msg,
	}
	if err := d.store.AppendLog(entry); err != nil {
		d.logger.Error("Failed to record dropped queue item", err, map[string]interface{}{"item_id": item.ID})
	}
}
