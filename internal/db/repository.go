package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/uuid"
)

// Repository is the Record Store: patients, the cloud sync queue, sync logs
// and device settings.
type Repository struct {
	db *sql.DB

	// Prepared statement cache, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Patient Operations
// =====================================================

const patientColumns = `unique_id, fields, device_id, updated_at, created_at, cloud_sync_status`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row rowScanner) (*models.PatientRecord, error) {
	var p models.PatientRecord
	var fields string
	if err := row.Scan(&p.UniqueID, &fields, &p.DeviceID, &p.UpdatedAt, &p.CreatedAt, &p.CloudSyncStatus); err != nil {
		return nil, err
	}
	p.Fields = make(map[string]string)
	if fields != "" {
		if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
			return nil, fmt.Errorf("patient %s: bad fields column: %w", p.UniqueID, err)
		}
	}
	return &p, nil
}

func (r *Repository) queryPatients(query string, args ...interface{}) ([]*models.PatientRecord, error) {
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patients []*models.PatientRecord
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return patients, nil
}

// ListPatients returns every patient, most recently updated first.
func (r *Repository) ListPatients() ([]*models.PatientRecord, error) {
	return r.queryPatients(`SELECT ` + patientColumns + ` FROM patients ORDER BY updated_at DESC, unique_id`)
}

// FindPatients returns patients matching fb, most recently updated first.
// A non-positive limit means no limit.
func (r *Repository) FindPatients(fb *FilterBuilder, limit, offset int) ([]*models.PatientRecord, error) {
	query := `SELECT ` + patientColumns + ` FROM patients`
	var args []interface{}
	if fb != nil && fb.HasFilters() {
		where, whereArgs := fb.Build()
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}
	query += " ORDER BY updated_at DESC, unique_id"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	return r.queryPatients(query, args...)
}

// GetPatient returns the patient with id, or nil when absent.
func (r *Repository) GetPatient(id string) (*models.PatientRecord, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + patientColumns + ` FROM patients WHERE unique_id = ?`)
	if err != nil {
		return nil, err
	}
	p, err := scanPatient(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// PutPatient inserts or replaces the patient keyed by UniqueID.
// CreatedAt is kept from the stored row when one exists.
func (r *Repository) PutPatient(p *models.PatientRecord) error {
	if p.UniqueID == "" {
		return fmt.Errorf("patient unique_id is required")
	}
	fields, err := p.FieldsJSON()
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	status := p.CloudSyncStatus
	if status == "" {
		status = models.CloudSyncPending
	}
	createdAt := p.CreatedAt
	if createdAt == 0 {
		createdAt = p.UpdatedAt
	}

	query := `
	INSERT INTO patients (unique_id, fields, device_id, updated_at, created_at, cloud_sync_status)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(unique_id) DO UPDATE SET
		fields = excluded.fields,
		device_id = excluded.device_id,
		updated_at = excluded.updated_at,
		cloud_sync_status = excluded.cloud_sync_status
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(p.UniqueID, string(fields), p.DeviceID, p.UpdatedAt, createdAt, status)
	return err
}

// DeletePatient removes the patient. Returns sql.ErrNoRows when absent.
func (r *Repository) DeletePatient(id string) error {
	result, err := r.db.Exec(`DELETE FROM patients WHERE unique_id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetCloudSyncStatus changes only the sync flag. updated_at is left alone
// since the status is not record content.
func (r *Repository) SetCloudSyncStatus(id string, status models.CloudSyncStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid cloud sync status: %q", status)
	}
	stmt, err := r.PrepareStmt(`UPDATE patients SET cloud_sync_status = ? WHERE unique_id = ?`)
	if err != nil {
		return err
	}
	result, err := stmt.Exec(status, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PatientStats aggregates the patient table.
func (r *Repository) PatientStats() (*models.PatientStats, error) {
	query := `
	SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN LOWER(json_extract(fields, '$.gender')) = 'male' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN LOWER(json_extract(fields, '$.gender')) = 'female' THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(CASE WHEN json_extract(fields, '$.age') GLOB '[0-9]*'
			THEN CAST(json_extract(fields, '$.age') AS REAL) END), 0),
		COALESCE(SUM(CASE WHEN cloud_sync_status = 'synced' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN cloud_sync_status = 'pending' THEN 1 ELSE 0 END), 0)
	FROM patients
	`
	var s models.PatientStats
	err := r.db.QueryRow(query).Scan(&s.TotalPatients, &s.MaleCount, &s.FemaleCount,
		&s.AverageAge, &s.SyncedCount, &s.PendingCount)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PatientsByArea counts patients per area_code, largest first.
func (r *Repository) PatientsByArea() ([]models.AreaCount, error) {
	query := `
	SELECT json_extract(fields, '$.area_code') AS area, COUNT(*) AS n
	FROM patients
	WHERE COALESCE(json_extract(fields, '$.area_code'), '') != ''
	GROUP BY area
	ORDER BY n DESC, area
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var areas []models.AreaCount
	for rows.Next() {
		var a models.AreaCount
		if err := rows.Scan(&a.AreaCode, &a.Count); err != nil {
			return nil, err
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// =====================================================
// Cloud Sync Queue Operations
// =====================================================

// ListQueue returns queued operations oldest first.
func (r *Repository) ListQueue() ([]*models.SyncQueueItem, error) {
	query := `
	SELECT id, patient_id, operation, data, timestamp, retry_count
	FROM cloud_sync_queue ORDER BY timestamp ASC, id ASC
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		var item models.SyncQueueItem
		var data sql.NullString
		if err := rows.Scan(&item.ID, &item.PatientID, &item.Operation, &data,
			&item.Timestamp, &item.RetryCount); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			item.Data = json.RawMessage(data.String)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// QueueLength returns the number of queued operations.
func (r *Repository) QueueLength() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM cloud_sync_queue`).Scan(&n)
	return n, err
}

// Enqueue stores a queue item, assigning ID and Timestamp when unset.
func (r *Repository) Enqueue(item *models.SyncQueueItem) error {
	if !item.Operation.Valid() {
		return fmt.Errorf("invalid queue operation: %q", item.Operation)
	}
	if item.PatientID == "" {
		return fmt.Errorf("queue item patient_id is required")
	}
	if item.Operation != models.OperationDelete && len(item.Data) == 0 {
		return fmt.Errorf("queue item data is required for %s", item.Operation)
	}
	if item.ID == "" {
		item.ID = uuid.NewOrdered()
	}
	if item.Timestamp == 0 {
		item.Timestamp = time.Now().UnixMilli()
	}

	var data interface{}
	if len(item.Data) > 0 {
		data = string(item.Data)
	}
	query := `
	INSERT INTO cloud_sync_queue (id, patient_id, operation, data, timestamp, retry_count)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, item.ID, item.PatientID, item.Operation, data, item.Timestamp, item.RetryCount)
	return err
}

// Dequeue removes a queue item. Removing an absent item is not an error.
func (r *Repository) Dequeue(id string) error {
	stmt, err := r.PrepareStmt(`DELETE FROM cloud_sync_queue WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(id)
	return err
}

// BumpRetry sets the retry count of a queue item.
func (r *Repository) BumpRetry(id string, count int) error {
	stmt, err := r.PrepareStmt(`UPDATE cloud_sync_queue SET retry_count = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	result, err := stmt.Exec(count, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// =====================================================
// Sync Log Operations
// =====================================================

// AppendLog stores a sync log entry, assigning ID and Timestamp when unset.
func (r *Repository) AppendLog(entry *models.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewOrdered()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	query := `
	INSERT INTO sync_logs (id, device_id, patient_id, action, timestamp, status, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(entry.ID, entry.DeviceID, entry.PatientID, entry.Action,
		entry.Timestamp, entry.Status, entry.ErrorMessage)
	return err
}

// ListLogs returns log entries newest first. A non-positive limit means all.
func (r *Repository) ListLogs(limit int) ([]*models.SyncLogEntry, error) {
	query := `
	SELECT id, device_id, patient_id, action, timestamp, status, error_message
	FROM sync_logs ORDER BY timestamp DESC, id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.SyncLogEntry
	for rows.Next() {
		var e models.SyncLogEntry
		var patientID, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.DeviceID, &patientID, &e.Action, &e.Timestamp,
			&e.Status, &errMsg); err != nil {
			return nil, err
		}
		if patientID.Valid {
			e.PatientID = &patientID.String
		}
		if errMsg.Valid {
			e.ErrorMessage = &errMsg.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ClearLogs deletes every sync log entry.
func (r *Repository) ClearLogs() error {
	_, err := r.db.Exec(`DELETE FROM sync_logs`)
	return err
}

// =====================================================
// Settings Operations
// =====================================================

// GetSetting returns the stored value and whether it exists.
func (r *Repository) GetSetting(key string) (string, bool, error) {
	stmt, err := r.PrepareStmt(`SELECT value FROM settings WHERE key = ?`)
	if err != nil {
		return "", false, err
	}
	var value string
	err = stmt.QueryRow(key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting stores value under key.
func (r *Repository) SetSetting(key, value string) error {
	query := `
	INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key, value, time.Now().UnixMilli())
	return err
}
