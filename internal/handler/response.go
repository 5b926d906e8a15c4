package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"gowa-dispatch/internal/service"
)

func SuccessResponse(c echo.Context, status int, message string, data interface{}) error {
	body := map[string]interface{}{
		"success": true,
		"message": message,
	}
	if data != nil {
		body["data"] = data
	}
	return c.JSON(status, body)
}

func ErrorResponse(c echo.Context, status int, message, code, details string) error {
	errBody := map[string]interface{}{"code": code}
	if details != "" {
		errBody["details"] = details
	}
	return c.JSON(status, map[string]interface{}{
		"success": false,
		"message": message,
		"error":   errBody,
	})
}

// ServiceError maps service sentinels onto the error envelope.
func ServiceError(c echo.Context, err error) error {
	var ambiguous *service.AmbiguousError
	switch {
	case errors.As(err, &ambiguous):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"success": false,
			"message": "Recipient matches more than one group",
			"error": map[string]interface{}{
				"code":       "RECIPIENT_AMBIGUOUS",
				"details":    err.Error(),
				"candidates": ambiguous.Candidates,
			},
		})
	case errors.Is(err, service.ErrSessionNotFound):
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrSessionNotReady):
		return ErrorResponse(c, http.StatusConflict, "Session is not connected", "NOT_CONNECTED", err.Error())
	case errors.Is(err, service.ErrSessionUnavailable):
		return ErrorResponse(c, http.StatusServiceUnavailable, "Session could not be restored", "SESSION_UNAVAILABLE", err.Error())
	case errors.Is(err, service.ErrRecipientNotFound):
		return ErrorResponse(c, http.StatusNotFound, "Recipient not found", "RECIPIENT_NOT_FOUND", err.Error())
	case errors.Is(err, service.ErrInvalidBatch):
		return ErrorResponse(c, http.StatusBadRequest, "Invalid batch", "INVALID_BATCH", err.Error())
	case errors.Is(err, service.ErrNoSessionReady):
		return ErrorResponse(c, http.StatusConflict, "No session is ready to send", "NO_SESSION_READY", err.Error())
	case errors.Is(err, service.ErrSendFailed):
		return ErrorResponse(c, http.StatusBadGateway, "Failed to send", "SEND_FAILED", err.Error())
	default:
		return ErrorResponse(c, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR", err.Error())
	}
}

// HTTPErrorHandler renders echo errors in the same envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := "Internal Server Error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}

	errCode := "INTERNAL_ERROR"
	switch code {
	case http.StatusUnauthorized:
		message = "Authentication required"
		errCode = "UNAUTHORIZED"
	case http.StatusMethodNotAllowed:
		message = "Method not allowed for this endpoint"
		errCode = "METHOD_NOT_ALLOWED"
	case http.StatusNotFound:
		message = "Endpoint not found"
		errCode = "NOT_FOUND"
	case http.StatusTooManyRequests:
		errCode = "RATE_LIMITED"
	case http.StatusRequestEntityTooLarge:
		errCode = "PAYLOAD_TOO_LARGE"
	}
	_ = ErrorResponse(c, code, message, errCode, "")
}
