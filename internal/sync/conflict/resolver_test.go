package conflict

import (
	"io"
	"testing"

	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

func rec(id string, updatedAt int64) *models.PatientRecord {
	return &models.PatientRecord{UniqueID: id, UpdatedAt: updatedAt}
}

// TestResolve verifies last-write-wins with ties going to local.
func TestResolve(t *testing.T) {
	local100, local200 := rec("p", 100), rec("p", 200)
	remote100, remote200 := rec("p", 100), rec("p", 200)

	tests := []struct {
		name   string
		local  *models.PatientRecord
		remote *models.PatientRecord
		want   *models.PatientRecord
	}{
		{"remote newer", local100, remote200, remote200},
		{"local newer", local200, remote100, local200},
		{"tie favors local", local100, remote100, local100},
		{"local absent", nil, remote100, remote100},
		{"remote absent", local100, nil, local100},
		{"both absent", nil, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.local, tt.remote); got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(logging.New(io.Discard, logging.LevelDebug))

	local, remote := rec("p", 100), rec("p", 200)
	result, err := r.Resolve(&Conflict{Local: local, Remote: remote})
	if err != nil {
		t.Fatal(err)
	}
	if result.Winner != remote || result.Loser != local || result.Side != SideRemote {
		t.Errorf("result = %+v", result)
	}
	if !result.Changed() {
		t.Error("remote win should report Changed")
	}

	result, _ = r.Resolve(&Conflict{Local: local})
	if result.Side != SideLocal || result.Loser != nil || result.Changed() {
		t.Errorf("local-only result = %+v", result)
	}
}

func TestResolver_errors(t *testing.T) {
	r := NewResolver(logging.New(io.Discard, logging.LevelInfo))

	if _, err := r.Resolve(&Conflict{}); err != ErrInvalidConflict {
		t.Errorf("empty conflict err = %v", err)
	}
	if _, err := r.Resolve(&Conflict{Local: rec("a", 1), Remote: rec("b", 2)}); err != ErrItemIDMismatch {
		t.Errorf("mismatch err = %v", err)
	}
}
