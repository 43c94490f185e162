// Package sync uploads locally written patient records to the remote
// directory when the device is online.
package sync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	gosync "sync"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/connectivity"
	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/events"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/remote"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/queue"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/scheduler"
	"github.com/hamzamalik22/gaza-health-records-app/internal/uuid"
)

// User-visible precondition messages.
const (
	MsgNoConnection   = "no connection"
	MsgInProgress     = "sync already in progress"
	MsgNoPatients     = "no patients in local database"
	MsgNothingPending = "nothing to sync"
)

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	DeviceID string
	Runner   *scheduler.Scheduler
	Events   events.Publisher
	Logger   *logging.Logger
	Now      func() time.Time
}

type listener struct {
	id int
	fn func(online bool)
}

// Engine owns when and what to sync. One Engine per process; state is
// per instance so tests can run several side by side.
type Engine struct {
	store    db.SyncStore
	remote   remote.Directory
	drainer  *queue.Drainer
	runner   *scheduler.Scheduler
	events   events.Publisher
	logger   *logging.Logger
	deviceID string
	now      func() time.Time

	mu             gosync.Mutex
	isConnected    bool
	syncInProgress bool
	listeners      []listener
	nextListener   int
	lastErr        error
}

// NewEngine creates an Engine. dir may be nil when no remote is configured;
// sync passes then fail with SYNC_NOT_CONFIGURED.
func NewEngine(store db.SyncStore, dir remote.Directory, opts Options) *Engine {
	e := &Engine{
		store:    store,
		remote:   dir,
		runner:   opts.Runner,
		events:   opts.Events,
		logger:   opts.Logger,
		deviceID: opts.DeviceID,
		now:      opts.Now,
	}
	if e.runner == nil {
		e.runner = scheduler.New(&scheduler.Config{})
	}
	if e.events == nil {
		e.events = events.Discard
	}
	if e.logger == nil {
		e.logger = logging.Get()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if dir != nil {
		e.drainer = queue.NewDrainer(store, dir, e.deviceID, e.logger)
	}
	return e
}

// DeviceID returns the id stamped on records and logs from this device.
func (e *Engine) DeviceID() string {
	return e.deviceID
}

// Runner returns the task runner used for background syncs.
func (e *Engine) Runner() *scheduler.Scheduler {
	return e.runner
}

// =====================================================
// Guard
// =====================================================

// acquire checks preconditions and sets the guard in one step.
func (e *Engine) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isConnected {
		return apperrors.New(apperrors.ErrSyncNoConnection, MsgNoConnection)
	}
	if e.syncInProgress {
		return apperrors.New(apperrors.ErrSyncInProgress, MsgInProgress)
	}
	e.syncInProgress = true
	return nil
}

func (e *Engine) release(err error) {
	e.mu.Lock()
	e.syncInProgress = false
	e.lastErr = err
	e.mu.Unlock()
}

// =====================================================
// Sync passes
// =====================================================

// SyncResult summarises one sync pass.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Pending   int
	Synced    int
	Failed    int
	Queue     queue.DrainResult
	// Skipped is set when nothing was pending and the pass exited early.
	Skipped bool
}

// TriggerAutoSync runs one sync pass. It returns false without doing
// anything when offline or when a pass is already running, and false when
// the pass aborts. Individual record failures still count as success.
func (e *Engine) TriggerAutoSync(ctx context.Context) bool {
	_, err := e.trigger(ctx)
	return err == nil
}

func (e *Engine) trigger(ctx context.Context) (result *SyncResult, err error) {
	if err := e.acquire(); err != nil {
		e.logger.Debug("Auto sync skipped", map[string]interface{}{"reason": apperrors.MessageOf(err)})
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrSyncFailed, "sync pass panicked")
			e.logger.Error("Sync pass panicked", err, map[string]interface{}{"panic": r})
		}
		e.release(err)
	}()

	return e.runPass(ctx)
}

func (e *Engine) runPass(ctx context.Context) (*SyncResult, error) {
	if e.remote == nil {
		return nil, remote.ErrNotConfigured
	}

	result := &SyncResult{StartTime: e.now()}
	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	e.publish(ctx, events.SyncStarted, nil)

	patients, err := e.store.ListPatients()
	if err != nil {
		return e.fail(ctx, result, apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err))
	}

	pending := pendingOnly(patients)
	result.Pending = len(pending)
	if len(pending) == 0 {
		result.Skipped = true
		e.logger.Debug("Auto sync: nothing pending", nil)
		e.publish(ctx, events.SyncCompleted, map[string]interface{}{"pending": 0, "skipped": true})
		return result, nil
	}

	e.logger.Info("Auto sync started", map[string]interface{}{"pending": len(pending)})

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, result, apperrors.Wrap(apperrors.ErrSyncFailed, "sync pass cancelled", err))
		}
		if e.syncRecord(ctx, rec) {
			result.Synced++
		} else {
			result.Failed++
		}
	}

	result.Queue, err = e.drainer.Drain(ctx)
	if err != nil {
		return e.fail(ctx, result, err)
	}
	if result.Queue.Total() > 0 {
		e.publish(ctx, events.QueueDrained, map[string]interface{}{
			"delivered": result.Queue.Delivered,
			"retried":   result.Queue.Retried,
			"dropped":   result.Queue.Dropped,
		})
	}
	if result.Queue.Dropped > 0 {
		e.publish(ctx, events.QueueItemDropped, map[string]interface{}{"count": result.Queue.Dropped})
	}

	now := e.now().UnixMilli()
	if err := e.store.SetSetting(models.SettingLastSyncTime, strconv.FormatInt(now, 10)); err != nil {
		e.logger.Warn("Failed to record last sync time", map[string]interface{}{"error": err.Error()})
	}

	e.logger.Info("Auto sync completed", map[string]interface{}{
		"synced":          result.Synced,
		"failed":          result.Failed,
		"queue_delivered": result.Queue.Delivered,
		"queue_dropped":   result.Queue.Dropped,
	})
	e.publish(ctx, events.SyncCompleted, map[string]interface{}{
		"pending": result.Pending,
		"synced":  result.Synced,
		"failed":  result.Failed,
	})
	return result, nil
}

func (e *Engine) fail(ctx context.Context, result *SyncResult, err error) (*SyncResult, error) {
	e.logger.ErrorWithCode("Auto sync failed", string(apperrors.CodeOf(err)), err, nil)
	e.publish(ctx, events.SyncFailed, map[string]interface{}{"error": err.Error()})
	return result, err
}

func pendingOnly(patients []*models.PatientRecord) []*models.PatientRecord {
	var pending []*models.PatientRecord
	for _, p := range patients {
		if p.IsPending() {
			pending = append(pending, p)
		}
	}
	return pending
}

// syncRecord uploads one record and records the outcome. It never aborts
// the pass.
func (e *Engine) syncRecord(ctx context.Context, rec *models.PatientRecord) bool {
	_, err := e.remote.Upsert(ctx, rec)
	if err == nil {
		err = e.markSynced(rec)
	}

	if err != nil {
		e.logger.Warn("Record sync failed", map[string]interface{}{
			"unique_id": rec.UniqueID,
			"error":     err.Error(),
		})
		e.appendLog(ctx, rec.UniqueID, models.ActionSyncFailed, models.LogStatusFailed, err.Error())
		e.publish(ctx, events.RecordSyncFailed, map[string]interface{}{"unique_id": rec.UniqueID, "error": err.Error()})
		return false
	}

	e.appendLog(ctx, rec.UniqueID, models.ActionSynced, models.LogStatusSuccess, "")
	e.publish(ctx, events.RecordSynced, map[string]interface{}{"unique_id": rec.UniqueID})
	return true
}

// markSynced flips the flag unless the record was edited during the upload,
// in which case it stays pending for the next pass. Both updated_at and the
// field content must match what was uploaded.
func (e *Engine) markSynced(uploaded *models.PatientRecord) error {
	current, err := e.store.GetPatient(uploaded.UniqueID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to re-read patient", err)
	}
	if current == nil || current.UpdatedAt != uploaded.UpdatedAt || !sameFields(current, uploaded) {
		e.logger.Debug("Record changed during upload, leaving pending", map[string]interface{}{
			"unique_id": uploaded.UniqueID,
		})
		return nil
	}
	if err := e.store.SetCloudSyncStatus(uploaded.UniqueID, models.CloudSyncSynced); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to mark patient synced", err)
	}
	return nil
}

func sameFields(a, b *models.PatientRecord) bool {
	fa, errA := a.FieldsJSON()
	fb, errB := b.FieldsJSON()
	return errA == nil && errB == nil && bytes.Equal(fa, fb)
}

// appendLog writes the entry locally and, best effort, to the remote.
func (e *Engine) appendLog(ctx context.Context, patientID string, action models.SyncAction, status models.SyncLogStatus, errMsg string) {
	entry := &models.SyncLogEntry{
		ID:           uuid.NewOrdered(),
		DeviceID:     e.deviceID,
		PatientID:    models.StringPtr(patientID),
		Action:       action,
		Timestamp:    e.now().UnixMilli(),
		Status:       status,
		ErrorMessage: models.StringPtr(errMsg),
	}
	if err := e.store.AppendLog(entry); err != nil {
		e.logger.Error("Failed to append sync log", err, map[string]interface{}{"unique_id": patientID})
	}
	if e.remote != nil {
		if err := e.remote.AppendSyncLog(ctx, entry); err != nil {
			e.logger.Debug("Remote sync log append failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (e *Engine) publish(ctx context.Context, t events.Type, data map[string]interface{}) {
	_ = e.events.Publish(ctx, events.New(t, e.deviceID, data))
}

// AutoSyncTask is the scheduler task for startup and periodic passes. Being
// offline or already syncing does not count as a failed run.
func (e *Engine) AutoSyncTask() scheduler.Task {
	return func(ctx context.Context) error {
		_, err := e.trigger(ctx)
		if apperrors.Is(err, apperrors.ErrSyncNoConnection) || apperrors.Is(err, apperrors.ErrSyncInProgress) {
			return nil
		}
		return err
	}
}

// ManualSync checks the user-facing preconditions in order and then runs a
// pass. The returned AppError carries the message to show.
func (e *Engine) ManualSync(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	connected, inProgress := e.isConnected, e.syncInProgress
	e.mu.Unlock()

	if !connected {
		return nil, apperrors.New(apperrors.ErrSyncNoConnection, MsgNoConnection)
	}
	if inProgress {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, MsgInProgress)
	}
	if e.remote == nil {
		return nil, remote.ErrNotConfigured
	}

	patients, err := e.store.ListPatients()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err)
	}
	if len(patients) == 0 {
		return nil, apperrors.New(apperrors.ErrSyncNoPatients, MsgNoPatients)
	}
	if len(pendingOnly(patients)) == 0 {
		return nil, apperrors.New(apperrors.ErrSyncNothingPending, MsgNothingPending)
	}

	return e.trigger(ctx)
}

// ProcessCloudSyncQueue drains the queue on its own, under the same guard
// as a full pass.
func (e *Engine) ProcessCloudSyncQueue(ctx context.Context) (queue.DrainResult, error) {
	if e.drainer == nil {
		return queue.DrainResult{}, remote.ErrNotConfigured
	}
	if err := e.acquire(); err != nil {
		return queue.DrainResult{}, err
	}
	result, err := e.drainer.Drain(ctx)
	e.release(err)
	return result, err
}

// =====================================================
// Connectivity
// =====================================================

// HandleConnectivityChange records the new status. On an offline to online
// edge it submits a background sync and returns its handle; otherwise it
// returns nil. Subscribers are notified in registration order either way.
func (e *Engine) HandleConnectivityChange(online bool) *scheduler.Handle {
	e.mu.Lock()
	wasConnected := e.isConnected
	e.isConnected = online
	listeners := make([]listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	var handle *scheduler.Handle
	if online && !wasConnected {
		e.logger.Info("Connectivity restored, starting auto sync", nil)
		handle = e.runner.Submit("auto_sync", func(ctx context.Context) error {
			_, err := e.trigger(ctx)
			return err
		})
	}

	e.publish(context.Background(), events.ConnectivityChanged, map[string]interface{}{"online": online})

	for _, l := range listeners {
		l.fn(online)
	}
	return handle
}

// SetConnected is HandleConnectivityChange for platform shells.
func (e *Engine) SetConnected(online bool) {
	e.HandleConnectivityChange(online)
}

// Subscribe registers fn for connectivity changes and returns a function
// that removes it.
func (e *Engine) Subscribe(fn func(online bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextListener++
	id := e.nextListener
	e.listeners = append(e.listeners, listener{id: id, fn: fn})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Watch adopts m's current status without triggering a sync, then follows
// its transitions.
func (e *Engine) Watch(m connectivity.Monitor) func() {
	e.mu.Lock()
	e.isConnected = m.Current()
	e.mu.Unlock()

	return m.Subscribe(func(online bool) {
		e.HandleConnectivityChange(online)
	})
}

// =====================================================
// Status and stats
// =====================================================

// Status is a snapshot of engine state.
type Status struct {
	IsConnected    bool   `json:"isConnected"`
	SyncInProgress bool   `json:"syncInProgress"`
	LastSyncTime   *int64 `json:"lastSyncTime"`
	LastError      string `json:"lastError,omitempty"`
}

// Status returns the current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{IsConnected: e.isConnected, SyncInProgress: e.syncInProgress}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	if t, err := e.LastSyncTime(); err == nil && t != nil {
		ms := t.UnixMilli()
		s.LastSyncTime = &ms
	}
	return s
}

// IsConnected reports the last known connectivity.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isConnected
}

// LastError returns the error of the last pass, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSyncTime returns when the last full pass finished, or nil if never.
func (e *Engine) LastSyncTime() (*time.Time, error) {
	v, ok, err := e.store.GetSetting(models.SettingLastSyncTime)
	if err != nil || !ok {
		return nil, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "bad last_sync_time setting", err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}

// Stats counts records by upload state.
func (e *Engine) Stats() (*models.SyncStats, error) {
	patients, err := e.store.ListPatients()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err)
	}
	items, err := e.store.ListQueue()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list sync queue", err)
	}

	stats := &models.SyncStats{
		TotalPatients: len(patients),
		QueueLength:   len(items),
	}
	for _, p := range patients {
		switch p.CloudSyncStatus {
		case models.CloudSyncSynced:
			stats.SyncedPatients++
		case models.CloudSyncPending:
			stats.PendingPatients++
		}
	}
	if stats.TotalPatients > 0 {
		stats.SyncPercentage = (200*stats.SyncedPatients + stats.TotalPatients) / (2 * stats.TotalPatients)
	}
	return stats, nil
}

// IsSyncNeeded reports whether any record is pending or any operation queued.
func (e *Engine) IsSyncNeeded() (bool, error) {
	stats, err := e.Stats()
	if err != nil {
		return false, err
	}
	return stats.PendingPatients > 0 || stats.QueueLength > 0, nil
}

// =====================================================
// Local mutations
// =====================================================

// CreatePatient stores a new pending record. A missing unique_id is
// generated.
func (e *Engine) CreatePatient(rec *models.PatientRecord) (*models.PatientRecord, error) {
	rec = rec.Clone()
	if rec.UniqueID == "" {
		rec.UniqueID = uuid.New()
	}
	existing, err := e.store.GetPatient(rec.UniqueID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to check patient", err)
	}
	if existing != nil {
		return nil, apperrors.New(apperrors.ErrDuplicate, "patient already exists")
	}

	now := e.now().UnixMilli()
	if rec.DeviceID == "" {
		rec.DeviceID = e.deviceID
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]string)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = 0
	rec.Touch(now)

	if err := e.store.PutPatient(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to save patient", err)
	}
	return rec, nil
}

// UpdatePatient merges fields into the stored record. An empty value
// removes the field.
func (e *Engine) UpdatePatient(id string, fields map[string]string) (*models.PatientRecord, error) {
	rec, err := e.store.GetPatient(id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load patient", err)
	}
	if rec == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "patient not found")
	}

	if rec.Fields == nil {
		rec.Fields = make(map[string]string)
	}
	for k, v := range fields {
		if v == "" {
			delete(rec.Fields, k)
		} else {
			rec.Fields[k] = v
		}
	}
	rec.Touch(e.now().UnixMilli())

	if err := e.store.PutPatient(rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to save patient", err)
	}
	return rec, nil
}

// DeletePatient removes the record locally and queues the remote delete.
func (e *Engine) DeletePatient(id string) error {
	if err := e.store.DeletePatient(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.New(apperrors.ErrNotFound, "patient not found")
		}
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete patient", err)
	}
	return e.EnqueueOperation(models.OperationDelete, &models.PatientRecord{UniqueID: id})
}

// EnqueueOperation queues a remote operation for the next drain.
func (e *Engine) EnqueueOperation(op models.QueueOperation, rec *models.PatientRecord) error {
	if !op.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "invalid queue operation")
	}
	item := &models.SyncQueueItem{
		ID:        uuid.NewOrdered(),
		PatientID: rec.UniqueID,
		Operation: op,
		Timestamp: e.now().UnixMilli(),
	}
	if op != models.OperationDelete {
		data, err := json.Marshal(rec)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "failed to encode patient", err)
		}
		item.Data = data
	}
	if err := e.store.Enqueue(item); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}
	return nil
}

// IsDuplicate reports whether list already holds a record with rec's id.
func IsDuplicate(list []*models.PatientRecord, rec *models.PatientRecord) bool {
	if rec == nil {
		return false
	}
	for _, p := range list {
		if p.UniqueID == rec.UniqueID {
			return true
		}
	}
	return false
}
