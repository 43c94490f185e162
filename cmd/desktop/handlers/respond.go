// Package handlers provides the REST API for the desktop sync service.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	apperrors "github.com/hamzamalik22/gaza-health-records-app/internal/errors"
	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation, apperrors.ErrTransferParseFailed:
		return http.StatusBadRequest
	case apperrors.ErrDuplicate, apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrSyncNoConnection, apperrors.ErrSyncNotConfigured, apperrors.ErrRemoteUnavailable:
		return http.StatusServiceUnavailable
	case apperrors.ErrSyncNoPatients, apperrors.ErrSyncNothingPending:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func fail(c echo.Context, err error) error {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logging.ErrorWithCode("Request failed", string(code), err, map[string]interface{}{
			"method": c.Request().Method,
			"path":   c.Path(),
		})
	}
	return c.JSON(status, ErrorBody{Code: string(code), Message: apperrors.MessageOf(err)})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorBody{Code: string(apperrors.ErrInvalid), Message: msg})
}

// queryInt reads a non-negative integer query parameter.
func queryInt(c echo.Context, name string, def int) (int, bool) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
