// Package conflict picks between two copies of the same patient record.
package conflict

import (
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
)

// Side names which copy won.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolve returns the copy to keep. If either side is absent the present
// side wins; otherwise the strictly newer updated_at wins and ties keep local.
func Resolve(local, remote *models.PatientRecord) *models.PatientRecord {
	switch {
	case local == nil:
		return remote
	case remote == nil:
		return local
	case remote.UpdatedAt > local.UpdatedAt:
		return remote
	default:
		return local
	}
}

// Conflict is a pair of copies of one logical record.
type Conflict struct {
	Local  *models.PatientRecord
	Remote *models.PatientRecord
}

// ID returns the unique_id of whichever copy is present.
func (c *Conflict) ID() string {
	if c.Local != nil {
		return c.Local.UniqueID
	}
	if c.Remote != nil {
		return c.Remote.UniqueID
	}
	return ""
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner *models.PatientRecord
	Loser  *models.PatientRecord
	Side   Side
}

// Changed reports whether applying the result alters the local copy.
func (r *ResolveResult) Changed() bool {
	return r.Side == SideRemote
}

// Resolver applies Resolve and logs the decision.
type Resolver struct {
	logger *logging.Logger
}

// NewResolver creates a Resolver. A nil logger uses the global one.
func NewResolver(logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Get()
	}
	return &Resolver{logger: logger}
}

// Resolve resolves one conflict.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || (c.Local == nil && c.Remote == nil) {
		return nil, ErrInvalidConflict
	}
	if c.Local != nil && c.Remote != nil && c.Local.UniqueID != c.Remote.UniqueID {
		return nil, ErrItemIDMismatch
	}

	winner := Resolve(c.Local, c.Remote)
	side, loser := SideLocal, c.Remote
	if winner != c.Local {
		side, loser = SideRemote, c.Local
	}

	ctx := map[string]interface{}{
		"unique_id":   c.ID(),
		"winner_side": string(side),
	}
	if c.Local != nil {
		ctx["local_updated_at"] = c.Local.UpdatedAt
	}
	if c.Remote != nil {
		ctx["remote_updated_at"] = c.Remote.UpdatedAt
	}
	r.logger.Debug("Conflict resolved using last-write-wins", ctx)

	return &ResolveResult{Winner: winner, Loser: loser, Side: side}, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: at least one copy must be present"}
	ErrItemIDMismatch  = &ConflictError{Message: "unique_id mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
