package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hamzamalik22/gaza-health-records-app/internal/db"
	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync"
	"github.com/hamzamalik22/gaza-health-records-app/internal/sync/queue"
)

// SyncHandler serves sync status and operations.
type SyncHandler struct {
	engine *sync.Engine
	store  db.SyncStore
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine *sync.Engine, store db.SyncStore) *SyncHandler {
	return &SyncHandler{engine: engine, store: store}
}

// SyncResponse is the body of a completed manual sync.
type SyncResponse struct {
	Pending    int              `json:"pending"`
	Synced     int              `json:"synced"`
	Failed     int              `json:"failed"`
	Queue      queue.DrainResult `json:"queue"`
	DurationMs int64            `json:"duration_ms"`
}

// Status handles GET /sync/status.
func (h *SyncHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Status())
}

// Stats handles GET /sync/stats.
func (h *SyncHandler) Stats(c echo.Context) error {
	stats, err := h.engine.Stats()
	if err != nil {
		return fail(c, err)
	}
	needed := stats.PendingPatients > 0 || stats.QueueLength > 0
	return c.JSON(http.StatusOK, map[string]interface{}{
		"stats":        stats,
		"sync_needed":  needed,
	})
}

// ManualSync handles POST /sync. Precondition failures carry the message
// the UI shows.
func (h *SyncHandler) ManualSync(c echo.Context) error {
	result, err := h.engine.ManualSync(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, SyncResponse{
		Pending:    result.Pending,
		Synced:     result.Synced,
		Failed:     result.Failed,
		Queue:      result.Queue,
		DurationMs: result.Duration.Milliseconds(),
	})
}

// DrainQueue handles POST /sync/queue/drain.
func (h *SyncHandler) DrainQueue(c echo.Context) error {
	result, err := h.engine.ProcessCloudSyncQueue(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Queue handles GET /sync/queue.
func (h *SyncHandler) Queue(c echo.Context) error {
	items, err := h.store.ListQueue()
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to list sync queue", err))
	}
	if items == nil {
		items = []*models.SyncQueueItem{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
}

// Logs handles GET /sync/logs?limit=N. limit 0 returns everything.
func (h *SyncHandler) Logs(c echo.Context) error {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return badRequest(c, "limit must be a non-negative integer")
	}
	logs, err := h.store.ListLogs(limit)
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to list sync logs", err))
	}
	if logs == nil {
		logs = []*models.SyncLogEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"logs": logs, "total": len(logs)})
}

// ClearLogs handles DELETE /sync/logs.
func (h *SyncHandler) ClearLogs(c echo.Context) error {
	if err := h.store.ClearLogs(); err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrDatabase, "failed to clear sync logs", err))
	}
	return c.NoContent(http.StatusNoContent)
}

// SetConnectivity handles PUT /connectivity with {"online": bool}, for shells
// that learn about network changes from the platform.
func (h *SyncHandler) SetConnectivity(c echo.Context) error {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return badRequest(c, "online is required")
	}
	h.engine.SetConnected(*req.Online)
	return c.JSON(http.StatusOK, h.engine.Status())
}
