// Package models provides data model definitions for the health records sync core.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// CloudSyncStatus is the local-only upload state of a patient record.
type CloudSyncStatus string

const (
	CloudSyncPending CloudSyncStatus = "pending"
	CloudSyncSynced  CloudSyncStatus = "synced"
	CloudSyncFailed  CloudSyncStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s CloudSyncStatus) Valid() bool {
	switch s {
	case CloudSyncPending, CloudSyncSynced, CloudSyncFailed:
		return true
	}
	return false
}

// Metadata keys carried next to the dynamic fields on the wire.
const (
	KeyUniqueID        = "unique_id"
	KeyUpdatedAt       = "updated_at"
	KeyCreatedAt       = "created_at"
	KeyCloudSyncStatus = "cloud_sync_status"
	KeyDeviceID        = "device_id"
)

// Well-known dynamic field names used by stats and filters.
const (
	FieldName     = "name"
	FieldAge      = "age"
	FieldGender   = "gender"
	FieldAreaCode = "area_code"
)

// PatientRecord is the unit of synchronization.
//
// Demographic and medical attributes live in Fields as a flat name→text
// mapping. The sync core never interprets them.
type PatientRecord struct {
	UniqueID        string            `db:"unique_id"`
	Fields          map[string]string `db:"fields"`
	UpdatedAt       int64             `db:"updated_at"` // epoch milliseconds
	CreatedAt       int64             `db:"created_at"` // epoch milliseconds
	CloudSyncStatus CloudSyncStatus   `db:"cloud_sync_status"`
	DeviceID        string            `db:"device_id"`
}

// TableName returns the table name for PatientRecord.
func (PatientRecord) TableName() string {
	return "patients"
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (p *PatientRecord) UpdatedAtTime() time.Time {
	return time.UnixMilli(p.UpdatedAt)
}

// CreatedAtTime returns CreatedAt as time.Time.
func (p *PatientRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(p.CreatedAt)
}

// Field returns a dynamic field value, or "" when unset.
func (p *PatientRecord) Field(name string) string {
	if p.Fields == nil {
		return ""
	}
	return p.Fields[name]
}

// Touch records a content mutation at ts: updated_at strictly increases,
// even for two edits in the same millisecond, and the record becomes
// pending again.
func (p *PatientRecord) Touch(ts int64) {
	if ts <= p.UpdatedAt {
		ts = p.UpdatedAt + 1
	}
	p.UpdatedAt = ts
	p.CloudSyncStatus = CloudSyncPending
}

// SetField assigns a dynamic field and touches the record.
func (p *PatientRecord) SetField(name, value string, ts int64) {
	if p.Fields == nil {
		p.Fields = make(map[string]string)
	}
	p.Fields[name] = value
	p.Touch(ts)
}

// IsPending reports whether the record still needs an upload.
func (p *PatientRecord) IsPending() bool {
	return p.CloudSyncStatus == CloudSyncPending
}

// Clone returns a deep copy.
func (p *PatientRecord) Clone() *PatientRecord {
	if p == nil {
		return nil
	}
	c := *p
	if p.Fields != nil {
		c.Fields = make(map[string]string, len(p.Fields))
		for k, v := range p.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// FieldsJSON encodes the dynamic fields for storage.
func (p *PatientRecord) FieldsJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}

// MarshalJSON flattens metadata and fields into one object, the shape used by
// peers and the remote directory.
func (p PatientRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Fields)+5)
	for k, v := range p.Fields {
		out[k] = v
	}
	out[KeyUniqueID] = p.UniqueID
	out[KeyUpdatedAt] = p.UpdatedAt
	out[KeyCreatedAt] = p.CreatedAt
	if p.CloudSyncStatus != "" {
		out[KeyCloudSyncStatus] = string(p.CloudSyncStatus)
	}
	if p.DeviceID != "" {
		out[KeyDeviceID] = p.DeviceID
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts a flat object. Metadata keys are typed; every other
// non-null scalar is kept as text.
func (p *PatientRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	rec := PatientRecord{Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case KeyUniqueID:
			rec.UniqueID = textValue(v)
		case KeyDeviceID:
			rec.DeviceID = textValue(v)
		case KeyCloudSyncStatus:
			rec.CloudSyncStatus = CloudSyncStatus(textValue(v))
		case KeyUpdatedAt:
			ts, err := millisValue(v)
			if err != nil {
				return fmt.Errorf("updated_at: %w", err)
			}
			rec.UpdatedAt = ts
		case KeyCreatedAt:
			ts, err := millisValue(v)
			if err != nil {
				return fmt.Errorf("created_at: %w", err)
			}
			rec.CreatedAt = ts
		default:
			if v == nil {
				continue
			}
			rec.Fields[k] = textValue(v)
		}
	}
	*p = rec
	return nil
}

// FieldNames returns the dynamic field names in sorted order.
func (p *PatientRecord) FieldNames() []string {
	names := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func textValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func millisValue(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case string:
		if t == "" {
			return 0, nil
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n, nil
		}
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return 0, fmt.Errorf("unsupported timestamp %q", t)
		}
		return ts.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
