package db

import (
	"fmt"
	"strings"

	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

// Filter represents a single patient query condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// StatusFilter filters by cloud sync status.
type StatusFilter struct {
	Status models.CloudSyncStatus
}

func (f *StatusFilter) Valid() bool          { return f.Status.Valid() }
func (f *StatusFilter) SQL() string          { return "cloud_sync_status = ?" }
func (f *StatusFilter) Args() []interface{} { return []interface{}{string(f.Status)} }

// AreaFilter filters by the area_code field.
type AreaFilter struct {
	AreaCode string
}

func (f *AreaFilter) Valid() bool { return strings.TrimSpace(f.AreaCode) != "" }
func (f *AreaFilter) SQL() string { return "json_extract(fields, '$.area_code') = ?" }
func (f *AreaFilter) Args() []interface{} {
	return []interface{}{strings.TrimSpace(f.AreaCode)}
}

// DeviceFilter filters by originating device.
type DeviceFilter struct {
	DeviceID string
}

func (f *DeviceFilter) Valid() bool          { return f.DeviceID != "" }
func (f *DeviceFilter) SQL() string          { return "device_id = ?" }
func (f *DeviceFilter) Args() []interface{} { return []interface{}{f.DeviceID} }

// UpdatedRangeFilter filters by updated_at, in epoch milliseconds.
type UpdatedRangeFilter struct {
	From int64
	To   int64
}

// Valid checks if the range is usable.
func (f *UpdatedRangeFilter) Valid() bool {
	// At least one boundary should be set
	if f.From == 0 && f.To == 0 {
		return false
	}
	if f.From > 0 && f.To > 0 && f.From > f.To {
		return false
	}
	return true
}

// SQL returns the SQL fragment for range filtering.
func (f *UpdatedRangeFilter) SQL() string {
	var parts []string
	if f.From > 0 {
		parts = append(parts, "updated_at >= ?")
	}
	if f.To > 0 {
		parts = append(parts, "updated_at <= ?")
	}
	return strings.Join(parts, " AND ")
}

// Args returns the arguments for range filtering.
func (f *UpdatedRangeFilter) Args() []interface{} {
	var args []interface{}
	if f.From > 0 {
		args = append(args, f.From)
	}
	if f.To > 0 {
		args = append(args, f.To)
	}
	return args
}

// FilterBuilder builds SQL filter conditions from multiple filters.
// Invalid filters are dropped silently.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

func (fb *FilterBuilder) add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Status adds a cloud sync status filter.
func (fb *FilterBuilder) Status(status models.CloudSyncStatus) *FilterBuilder {
	return fb.add(&StatusFilter{Status: status})
}

// Area adds an area_code filter.
func (fb *FilterBuilder) Area(areaCode string) *FilterBuilder {
	return fb.add(&AreaFilter{AreaCode: areaCode})
}

// Device adds an originating device filter.
func (fb *FilterBuilder) Device(deviceID string) *FilterBuilder {
	return fb.add(&DeviceFilter{DeviceID: deviceID})
}

// UpdatedRange adds an updated_at range filter.
func (fb *FilterBuilder) UpdatedRange(from, to int64) *FilterBuilder {
	return fb.add(&UpdatedRangeFilter{From: from, To: to})
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build returns the WHERE clause body and its arguments.
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if !fb.HasFilters() {
		return "", nil
	}

	var sqlParts []string
	var args []interface{}
	for _, filter := range fb.filters {
		sqlParts = append(sqlParts, filter.SQL())
		args = append(args, filter.Args()...)
	}
	return strings.Join(sqlParts, " AND "), args
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}
	var parts []string
	for _, filter := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", filter))
	}
	return strings.Join(parts, ", ")
}

// ParseStatus validates a status string from a query parameter.
func ParseStatus(s string) (models.CloudSyncStatus, error) {
	status := models.CloudSyncStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("invalid cloud sync status: %s", s)
	}
	return status, nil
}
