package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/uuid"
)

// PeerStore is what a Peer reads, merges into and logs to.
type PeerStore interface {
	db.PatientStore
	AppendLog(entry *models.SyncLogEntry) error
}

// PendingTransfer is a send that failed after all retries.
type PendingTransfer struct {
	ID        string
	Channel   Channel
	Payload   interface{}
	Attempts  int
	LastError string
	QueuedAt  time.Time
}

// RetryQueue is an in-memory FIFO of failed transfers.
type RetryQueue struct {
	mu    sync.Mutex
	items []*PendingTransfer
}

// Push appends t at the back.
func (q *RetryQueue) Push(t *PendingTransfer) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
}

// Len returns the number of queued transfers.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot in queue order.
func (q *RetryQueue) Items() []*PendingTransfer {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*PendingTransfer, len(q.items))
	copy(out, q.items)
	return out
}

func (q *RetryQueue) pop() *PendingTransfer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t
}

// Process sends queued transfers in order. The first failure goes back to
// the end of the queue and stops the run.
func (q *RetryQueue) Process(ctx context.Context, send func(ctx context.Context, t *PendingTransfer) error) (int, error) {
	sent := 0
	for n := q.Len(); n > 0; n-- {
		t := q.pop()
		if t == nil {
			break
		}
		if err := send(ctx, t); err != nil {
			t.Attempts++
			t.LastError = err.Error()
			q.Push(t)
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// PeerOptions configures a Peer. Zero values pick defaults.
type PeerOptions struct {
	DeviceID  string
	ChunkSize int
	Policy    RetryPolicy
	Strategy  Strategy
	Events    events.Publisher
	Logger    *logging.Logger
	Now       func() time.Time
}

// Peer sends local records to, and merges records from, another device.
type Peer struct {
	store     PeerStore
	deviceID  string
	chunkSize int
	policy    RetryPolicy
	strategy  Strategy
	events    events.Publisher
	logger    *logging.Logger
	now       func() time.Time
	retry     *RetryQueue
}

// NewPeer creates a Peer over store.
func NewPeer(store PeerStore, opts PeerOptions) *Peer {
	p := &Peer{
		store:     store,
		deviceID:  opts.DeviceID,
		chunkSize: opts.ChunkSize,
		policy:    opts.Policy,
		strategy:  opts.Strategy,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       opts.Now,
		retry:     &RetryQueue{},
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}
	if p.policy.MaxAttempts <= 0 {
		p.policy = DefaultRetryPolicy()
	}
	if p.events == nil {
		p.events = events.Discard
	}
	if p.logger == nil {
		p.logger = logging.Get()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Retries returns the failed-transfer queue.
func (p *Peer) Retries() *RetryQueue {
	return p.retry
}

// SendPatients sends every local record as {"patients": [...]}.
func (p *Peer) SendPatients(ctx context.Context, ch Channel, onProgress func(int)) error {
	recs, err := p.store.ListPatients()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err)
	}
	return p.Send(ctx, ch, PatientsPayload(recs), onProgress)
}

// Send transmits payload with retry. On final failure the transfer is
// queued for ProcessRetries and the error returned.
func (p *Peer) Send(ctx context.Context, ch Channel, payload interface{}, onProgress func(int)) error {
	progress := func(pct int) {
		p.publish(ctx, events.TransferProgress, map[string]interface{}{"percent": pct})
		if onProgress != nil {
			onProgress(pct)
		}
	}

	err := SendWithRetry(ctx, ch, payload, p.chunkSize, p.policy, progress)
	if err != nil {
		p.logger.ErrorWithCode("Peer transfer failed", string(apperrors.ErrTransferFailed), err, nil)
		p.appendLog(models.ActionSent, models.LogStatusFailed, err.Error())
		p.retry.Push(&PendingTransfer{
			ID:        uuid.NewOrdered(),
			Channel:   ch,
			Payload:   payload,
			Attempts:  p.policy.MaxAttempts,
			LastError: err.Error(),
			QueuedAt:  p.now(),
		})
		return apperrors.Wrap(apperrors.ErrTransferFailed, "transfer failed after retries", err)
	}

	p.logger.Info("Peer transfer sent", nil)
	p.appendLog(models.ActionSent, models.LogStatusSuccess, "")
	p.publish(ctx, events.TransferSent, nil)
	return nil
}

// ProcessRetries resends queued transfers once each, in order.
func (p *Peer) ProcessRetries(ctx context.Context) (int, error) {
	return p.retry.Process(ctx, func(ctx context.Context, t *PendingTransfer) error {
		return Send(ctx, t.Channel, t.Payload, p.chunkSize, nil)
	})
}

// Receive listens on ch and merges each completed payload. onImported, when
// set, gets every merge outcome.
func (p *Peer) Receive(ch Channel, onImported func(ImportResult, error)) (func(), error) {
	r := NewReceiver(func(payload Payload, err error) {
		result, err := p.merge(payload, err)
		if onImported != nil {
			onImported(result, err)
		}
	})
	return Listen(ch, r)
}

func (p *Peer) merge(payload Payload, recvErr error) (ImportResult, error) {
	if recvErr != nil {
		p.appendLog(models.ActionReceived, models.LogStatusFailed, recvErr.Error())
		return ImportResult{}, recvErr
	}

	recs, err := payload.Patients()
	if err == nil {
		var result ImportResult
		result, err = ImportAndMerge(p.store, recs, p.strategy)
		if err == nil {
			p.logger.Info("Peer transfer merged", map[string]interface{}{
				"inserted": result.Inserted,
				"updated":  result.Updated,
				"skipped":  result.Skipped,
			})
			p.appendLog(models.ActionReceived, models.LogStatusSuccess, "")
			p.publish(context.Background(), events.TransferReceived, map[string]interface{}{
				"inserted": result.Inserted,
				"updated":  result.Updated,
			})
			return result, nil
		}
	}

	p.logger.Error("Peer transfer merge failed", err, nil)
	p.appendLog(models.ActionReceived, models.LogStatusFailed, err.Error())
	return ImportResult{}, err
}

func (p *Peer) appendLog(action models.SyncAction, status models.SyncLogStatus, errMsg string) {
	entry := &models.SyncLogEntry{
		ID:           uuid.NewOrdered(),
		DeviceID:     p.deviceID,
		Action:       action,
		Timestamp:    p.now().UnixMilli(),
		Status:       status,
		ErrorMessage: models.StringPtr(errMsg),
	}
	if err := p.store.AppendLog(entry); err != nil {
		p.logger.Error("Failed to append transfer log", err, nil)
	}
}

func (p *Peer) publish(ctx context.Context, t events.Type, data map[string]interface{}) {
	_ = p.events.Publish(ctx, events.New(t, p.deviceID, data))
}
