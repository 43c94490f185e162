package transfer

import (
	"bytes"
	"encoding/json"

	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/conflict"
)

// Strategy decides what happens when an incoming record id already exists.
type Strategy int

const (
	// FirstWriteWins keeps the local copy and skips the incoming one.
	FirstWriteWins Strategy = iota
	// LastWriteWins keeps whichever copy has the later updated_at; ties keep
	// the local copy.
	LastWriteWins
)

// ParseStrategy maps "first-write-wins"/"last-write-wins" (or fww/lww).
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "first-write-wins", "fww":
		return FirstWriteWins, nil
	case "last-write-wins", "lww":
		return LastWriteWins, nil
	}
	return FirstWriteWins, apperrors.New(apperrors.ErrInvalid, "unknown merge strategy "+s)
}

// ImportResult counts what a merge did.
type ImportResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// ImportAndMerge inserts records whose unique_id is not stored locally.
// Membership is checked against the local set as loaded at the start of the
// call, so a later copy of an id within the same batch replaces an earlier
// one and both are counted. Records without an id are skipped; records
// without a status are stored as pending.
func ImportAndMerge(store db.PatientStore, incoming []*models.PatientRecord, strategy Strategy) (ImportResult, error) {
	var result ImportResult

	local, err := store.ListPatients()
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrImportFailed, "failed to load local patients", err)
	}
	byID := make(map[string]*models.PatientRecord, len(local))
	for _, p := range local {
		byID[p.UniqueID] = p
	}

	var resolver *conflict.Resolver
	if strategy == LastWriteWins {
		resolver = conflict.NewResolver(nil)
	}

	for _, rec := range incoming {
		if rec == nil || rec.UniqueID == "" {
			result.Skipped++
			continue
		}
		rec = rec.Clone()
		if rec.CloudSyncStatus == "" || !rec.CloudSyncStatus.Valid() {
			rec.CloudSyncStatus = models.CloudSyncPending
		}

		existing, ok := byID[rec.UniqueID]
		if ok {
			if resolver == nil {
				result.Skipped++
				continue
			}
			resolved, err := resolver.Resolve(&conflict.Conflict{Local: existing, Remote: rec})
			if err != nil {
				return result, apperrors.Wrap(apperrors.ErrImportFailed, "failed to resolve patient "+rec.UniqueID, err)
			}
			if !resolved.Changed() {
				result.Skipped++
				continue
			}
		}

		if err := store.PutPatient(rec); err != nil {
			return result, apperrors.Wrap(apperrors.ErrImportFailed, "failed to store patient "+rec.UniqueID, err)
		}
		if ok {
			result.Updated++
		} else {
			result.Inserted++
		}
	}
	return result, nil
}

// DecodeRecords accepts a bare record array or an object with a "patients"
// array. A trailing end marker and the sentinel member are tolerated.
func DecodeRecords(data []byte) ([]*models.PatientRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var recs []*models.PatientRecord
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrTransferParseFailed, "invalid record array", err)
		}
		return recs, nil
	}
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Patients()
}

// ImportAndMergeJSON decodes data with DecodeRecords and merges it.
func ImportAndMergeJSON(store db.PatientStore, data []byte, strategy Strategy) (ImportResult, error) {
	recs, err := DecodeRecords(data)
	if err != nil {
		return ImportResult{}, err
	}
	return ImportAndMerge(store, recs, strategy)
}
