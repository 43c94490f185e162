package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync"
)

// PatientHandler serves local patient records. Writes go through the engine
// so every mutation leaves the record pending.
type PatientHandler struct {
	engine *sync.Engine
	repo   *db.Repository
}

// NewPatientHandler creates a new PatientHandler.
func NewPatientHandler(engine *sync.Engine, repo *db.Repository) *PatientHandler {
	return &PatientHandler{engine: engine, repo: repo}
}

// List handles GET /patients?status=&area=&device=&limit=&offset=.
func (h *PatientHandler) List(c echo.Context) error {
	fb := db.NewFilterBuilder()
	if s := c.QueryParam("status"); s != "" {
		status, err := db.ParseStatus(s)
		if err != nil {
			return badRequest(c, err.Error())
		}
		fb.Status(status)
	}
	if area := c.QueryParam("area"); area != "" {
		fb.Area(area)
	}
	if device := c.QueryParam("device"); device != "" {
		fb.Device(device)
	}

	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return badRequest(c, "limit must be a non-negative integer")
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return badRequest(c, "offset must be a non-negative integer")
	}

	patients, err := h.repo.FindPatients(fb, limit, offset)
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err))
	}
	if patients == nil {
		patients = []*models.PatientRecord{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patients": patients,
		"limit":    limit,
		"offset":   offset,
	})
}

// Get handles GET /patients/:id.
func (h *PatientHandler) Get(c echo.Context) error {
	rec, err := h.repo.GetPatient(c.Param("id"))
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to load patient", err))
	}
	if rec == nil {
		return fail(c, apperrors.New(apperrors.ErrNotFound, "patient not found"))
	}
	return c.JSON(http.StatusOK, rec)
}

// Create handles POST /patients. The body is a flat record; unique_id is
// generated when absent.
func (h *PatientHandler) Create(c echo.Context) error {
	var rec models.PatientRecord
	if err := c.Bind(&rec); err != nil {
		return badRequest(c, "invalid patient body")
	}
	if len(rec.Fields) == 0 {
		return badRequest(c, "patient has no fields")
	}
	created, err := h.engine.CreatePatient(&rec)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

// Update handles PATCH /patients/:id with a field map. An empty value
// removes the field.
func (h *PatientHandler) Update(c echo.Context) error {
	var fields map[string]string
	// Body only: path params would otherwise land in the field map.
	if err := (&echo.DefaultBinder{}).BindBody(c, &fields); err != nil {
		return badRequest(c, "body must be an object of string fields")
	}
	for _, k := range []string{models.KeyUniqueID, models.KeyUpdatedAt, models.KeyCreatedAt, models.KeyCloudSyncStatus, models.KeyDeviceID} {
		if _, ok := fields[k]; ok {
			return badRequest(c, k+" cannot be updated")
		}
	}
	rec, err := h.engine.UpdatePatient(c.Param("id"), fields)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// Delete handles DELETE /patients/:id and queues the remote delete.
func (h *PatientHandler) Delete(c echo.Context) error {
	if err := h.engine.DeletePatient(c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Stats handles GET /patients/stats.
func (h *PatientHandler) Stats(c echo.Context) error {
	stats, err := h.repo.PatientStats()
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to compute patient stats", err))
	}
	return c.JSON(http.StatusOK, stats)
}

// ByArea handles GET /patients/by-area.
func (h *PatientHandler) ByArea(c echo.Context) error {
	areas, err := h.repo.PatientsByArea()
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to group patients", err))
	}
	if areas == nil {
		areas = []models.AreaCount{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"areas": areas})
}
