package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Set bundles the handlers mounted under /api.
type Set struct {
	Sync     *SyncHandler
	Patients *PatientHandler
	Transfer *TransferHandler
}

// Register mounts every route on g.
func (s *Set) Register(g *echo.Group) {
	g.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "healthsync-desktop"})
	})

	g.GET("/sync/status", s.Sync.Status)
	g.GET("/sync/stats", s.Sync.Stats)
	g.POST("/sync", s.Sync.ManualSync)
	g.GET("/sync/queue", s.Sync.Queue)
	g.POST("/sync/queue/drain", s.Sync.DrainQueue)
	g.GET("/sync/logs", s.Sync.Logs)
	g.DELETE("/sync/logs", s.Sync.ClearLogs)
	g.PUT("/connectivity", s.Sync.SetConnectivity)

	g.GET("/patients", s.Patients.List)
	g.POST("/patients", s.Patients.Create)
	g.GET("/patients/stats", s.Patients.Stats)
	g.GET("/patients/by-area", s.Patients.ByArea)
	g.GET("/patients/:id", s.Patients.Get)
	g.PATCH("/patients/:id", s.Patients.Update)
	g.DELETE("/patients/:id", s.Patients.Delete)

	g.POST("/transfer/import", s.Transfer.Import)
	g.GET("/transfer/export", s.Transfer.Export)
	g.POST("/transfer/send", s.Transfer.Send)
	g.GET("/transfer/retries", s.Transfer.Retries)
	g.POST("/transfer/retries", s.Transfer.ProcessRetries)
}
