package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ledgersync/internal/service"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Accepted(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusAccepted, apiResponse{
		Code:    0,
		Message: "accepted",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// ErrorFrom maps engine errors onto HTTP statuses.
func ErrorFrom(c *gin.Context, err error) {
	Error(c, statusFor(err), err.Error(), nil)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidEntityType):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionAlreadyRunning),
		errors.Is(err, service.ErrConcurrentSyncConflict),
		errors.Is(err, service.ErrSessionNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrSyncTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
