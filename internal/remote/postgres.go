package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

// patientRow is the hosted patients table. Record timestamps stay in epoch
// milliseconds; the *_cloud columns are maintained by the directory.
type patientRow struct {
	ID             uint           `gorm:"primaryKey;autoIncrement"`
	UniqueID       string         `gorm:"column:unique_id;type:text;uniqueIndex;not null"`
	Fields         datatypes.JSON `gorm:"column:fields;type:jsonb"`
	DeviceID       string         `gorm:"column:device_id;type:text"`
	UpdatedAtMs    int64          `gorm:"column:updated_at;index"`
	CreatedAtMs    int64          `gorm:"column:created_at"`
	CreatedAtCloud time.Time      `gorm:"column:created_at_cloud;autoCreateTime"`
	UpdatedAtCloud time.Time      `gorm:"column:updated_at_cloud;autoUpdateTime"`
}

func (patientRow) TableName() string { return "patients" }

type syncLogRow struct {
	ID           string  `gorm:"primaryKey;type:text"`
	DeviceID     string  `gorm:"column:device_id;type:text;index"`
	PatientID    *string `gorm:"column:patient_id;type:text"`
	Action       string  `gorm:"column:action;type:text"`
	Timestamp    int64   `gorm:"column:timestamp"`
	Status       string  `gorm:"column:status;type:text"`
	ErrorMessage *string `gorm:"column:error_message;type:text"`
}

func (syncLogRow) TableName() string { return "sync_logs" }

func toPatientRow(rec *models.PatientRecord) (*patientRow, error) {
	fields, err := rec.FieldsJSON()
	if err != nil {
		return nil, err
	}
	return &patientRow{
		UniqueID:    rec.UniqueID,
		Fields:      datatypes.JSON(fields),
		DeviceID:    rec.DeviceID,
		UpdatedAtMs: rec.UpdatedAt,
		CreatedAtMs: rec.CreatedAt,
	}, nil
}

func (r *patientRow) record() (*models.PatientRecord, error) {
	rec := &models.PatientRecord{
		UniqueID:  r.UniqueID,
		Fields:    make(map[string]string),
		DeviceID:  r.DeviceID,
		UpdatedAt: r.UpdatedAtMs,
		CreatedAt: r.CreatedAtMs,
	}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &rec.Fields); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func toSyncLogRow(e *models.SyncLogEntry) *syncLogRow {
	return &syncLogRow{
		ID:           e.ID,
		DeviceID:     e.DeviceID,
		PatientID:    e.PatientID,
		Action:       string(e.Action),
		Timestamp:    e.Timestamp,
		Status:       string(e.Status),
		ErrorMessage: e.ErrorMessage,
	}
}

// PostgresDirectory stores records in a hosted Postgres database.
type PostgresDirectory struct {
	db *gorm.DB
}

// NewPostgresDirectory connects and migrates the remote tables.
func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, unavailable("failed to connect to remote DB", err)
	}
	return NewPostgresDirectoryFromDB(db)
}

// NewPostgresDirectoryFromDB uses an open gorm handle.
func NewPostgresDirectoryFromDB(db *gorm.DB) (*PostgresDirectory, error) {
	if err := db.AutoMigrate(&patientRow{}, &syncLogRow{}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMigration, "remote auto-migrate failed", err)
	}
	return &PostgresDirectory{db: db}, nil
}

// FindByUniqueID returns the stored record or nil.
func (d *PostgresDirectory) FindByUniqueID(ctx context.Context, id string) (*models.PatientRecord, error) {
	var row patientRow
	err := d.db.WithContext(ctx).Where("unique_id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find patient", err)
	}
	return row.record()
}

// Upsert updates the row when unique_id exists, else inserts it.
func (d *PostgresDirectory) Upsert(ctx context.Context, rec *models.PatientRecord) (*models.PatientRecord, error) {
	if rec == nil || rec.UniqueID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "unique_id is required")
	}
	row, err := toPatientRow(rec)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode fields", err)
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing patientRow
		err := tx.Where("unique_id = ?", rec.UniqueID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(row).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Updates(map[string]interface{}{
			"fields":           row.Fields,
			"device_id":        row.DeviceID,
			"updated_at":       row.UpdatedAtMs,
			"created_at":       row.CreatedAtMs,
			"updated_at_cloud": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, unavailable("upsert patient", err)
	}
	return stripLocal(rec), nil
}

// Delete removes the row if present.
func (d *PostgresDirectory) Delete(ctx context.Context, id string) error {
	if err := d.db.WithContext(ctx).Where("unique_id = ?", id).Delete(&patientRow{}).Error; err != nil {
		return unavailable("delete patient", err)
	}
	return nil
}

// AppendSyncLog inserts one audit row.
func (d *PostgresDirectory) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	if err := d.db.WithContext(ctx).Create(toSyncLogRow(entry)).Error; err != nil {
		return unavailable("append sync log", err)
	}
	return nil
}

// List returns matching records, newest update first.
func (d *PostgresDirectory) List(ctx context.Context, f Filter) ([]*models.PatientRecord, error) {
	q := d.db.WithContext(ctx).Model(&patientRow{}).Order("updated_at DESC")
	if len(f.UniqueIDs) > 0 {
		q = q.Where("unique_id IN ?", f.UniqueIDs)
	}
	if f.AreaCode != "" {
		q = q.Where("fields->>'area_code' = ?", f.AreaCode)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []patientRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, unavailable("list patients", err)
	}
	recs := make([]*models.PatientRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "decode patient row", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Ping checks the connection.
func (d *PostgresDirectory) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return unavailable("remote DB handle", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable("ping remote DB", err)
	}
	return nil
}

// Close releases the connection pool.
func (d *PostgresDirectory) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Directory = (*PostgresDirectory)(nil)
