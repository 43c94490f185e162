package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/export"
	"github.com/hamzamalik22/gaza-health-records-app/internal/models"
	"github.com/hamzamalik22/gaza-health-records-app/internal/transfer"
)

// maxImportBytes caps an import body.
const maxImportBytes = 32 << 20

// PasswordHeader carries the bundle password on export and import.
const PasswordHeader = "X-Bundle-Password"

// TransferHandler imports peer payloads and bundles, exports bundles and
// pushes local records to a peer.
type TransferHandler struct {
	bundles *export.Service
	peer    *transfer.Peer
	channel transfer.Channel
}

// NewTransferHandler creates a TransferHandler. peer and ch may be nil when
// no broker is configured; send and retry then answer 503.
func NewTransferHandler(bundles *export.Service, peer *transfer.Peer, ch transfer.Channel) *TransferHandler {
	return &TransferHandler{bundles: bundles, peer: peer, channel: ch}
}

// Import handles POST /transfer/import?strategy=fww|lww. The body is a
// record array, a {"patients": [...]} object (END marker optional) or an
// export bundle, sealed ones needing the password header.
func (h *TransferHandler) Import(c echo.Context) error {
	strategy, err := transfer.ParseStrategy(c.QueryParam("strategy"))
	if err != nil {
		return fail(c, err)
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImportBytes))
	if err != nil {
		return badRequest(c, "failed to read body")
	}
	if len(body) == 0 {
		return badRequest(c, "empty body")
	}

	result, _, err := h.bundles.Import(body, c.Request().Header.Get(PasswordHeader), strategy)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Export handles GET /transfer/export?status=pending|synced and streams a
// bundle, sealed when the password header is set.
func (h *TransferHandler) Export(c echo.Context) error {
	cfg := export.Config{Password: c.Request().Header.Get(PasswordHeader)}
	if status := c.QueryParam("status"); status != "" {
		cfg.Status = models.CloudSyncStatus(status)
		if !cfg.Status.Valid() {
			return badRequest(c, "unknown status "+status)
		}
	}

	var buf bytes.Buffer
	result, err := h.bundles.Export(&buf, cfg)
	if err != nil {
		return fail(c, err)
	}

	name := "patients.json"
	ctype := echo.MIMEApplicationJSON
	if result.Encrypted {
		name = "patients.bundle"
		ctype = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+name+`"`)
	return c.Blob(http.StatusOK, ctype, buf.Bytes())
}

// Send handles POST /transfer/send: every local record goes to the peer
// channel with retry.
func (h *TransferHandler) Send(c echo.Context) error {
	if h.peer == nil || h.channel == nil {
		return fail(c, apperrors.New(apperrors.ErrRemoteUnavailable, "no transfer channel configured"))
	}
	if err := h.peer.SendPatients(c.Request().Context(), h.channel, nil); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sent": true})
}

// Retries handles GET /transfer/retries.
func (h *TransferHandler) Retries(c echo.Context) error {
	if h.peer == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"pending": 0})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"pending": h.peer.Retries().Len()})
}

// ProcessRetries handles POST /transfer/retries: queued sends go out in
// order until one fails.
func (h *TransferHandler) ProcessRetries(c echo.Context) error {
	if h.peer == nil {
		return fail(c, apperrors.New(apperrors.ErrRemoteUnavailable, "no transfer channel configured"))
	}
	sent, err := h.peer.ProcessRetries(c.Request().Context())
	if err != nil {
		return fail(c, apperrors.Wrap(apperrors.ErrTransferFailed, "retry failed", err))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sent":    sent,
		"pending": h.peer.Retries().Len(),
	})
}
