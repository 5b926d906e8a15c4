package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/skip2/go-qrcode"

	"gowa-dispatch/internal/middleware"
	"gowa-dispatch/internal/model"
	"gowa-dispatch/internal/service"
)

const qrImageSize = 256

type StartSessionRequest struct {
	DisplayName string `json:"displayName"`
	ForceNew    bool   `json:"forceNew"`
}

// POST /api/sessions
func (h *Handler) StartSession(c echo.Context) error {
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)

	id, err := h.sessions.StartSession(c.Request().Context(), middleware.OwnerID(c), req.DisplayName, req.ForceNew)
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusCreated, "Session started, poll the QR endpoint to pair", map[string]interface{}{
		"sessionId": id,
	})
}

// GET /api/sessions
func (h *Handler) ListSessions(c echo.Context) error {
	records, err := h.sessions.ListByOwner(c.Request().Context(), middleware.OwnerID(c))
	if err != nil {
		return ServiceError(c, err)
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, sessionView(&rec, h.sessions.IsReady(rec.SessionID)))
	}
	return SuccessResponse(c, http.StatusOK, "Sessions retrieved", out)
}

// GET /api/sessions/active
func (h *Handler) ListActive(c echo.Context) error {
	owner := middleware.OwnerID(c)
	active := h.sessions.ListActive()

	out := make([]service.ActiveSession, 0, len(active))
	for _, a := range active {
		if rec, err := h.sessions.Get(c.Request().Context(), a.SessionID); err == nil && rec.OwnerID == owner {
			out = append(out, a)
		}
	}
	return SuccessResponse(c, http.StatusOK, "Active sessions retrieved", out)
}

// GET /api/sessions/:sessionId
func (h *Handler) GetSession(c echo.Context) error {
	rec, err := h.ownedSession(c, c.Param("sessionId"))
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session retrieved", sessionView(rec, h.sessions.IsReady(rec.SessionID)))
}

// GET /api/sessions/:sessionId/qr
func (h *Handler) GetQR(c echo.Context) error {
	rec, err := h.ownedSession(c, c.Param("sessionId"))
	if err != nil {
		return ServiceError(c, err)
	}
	data := map[string]interface{}{
		"sessionId": rec.SessionID,
		"status":    rec.Status,
	}
	if rec.Status != model.StatusQR || rec.QRPayload == "" {
		return SuccessResponse(c, http.StatusOK, "No QR code pending", data)
	}

	png, err := qrcode.Encode(rec.QRPayload, qrcode.Medium, qrImageSize)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to render QR code", "QR_RENDER_FAILED", err.Error())
	}
	data["qr"] = rec.QRPayload
	data["qrImage"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	return SuccessResponse(c, http.StatusOK, "Scan the QR code with WhatsApp", data)
}

// GET /api/sessions/:sessionId/qr.png
func (h *Handler) GetQRImage(c echo.Context) error {
	rec, err := h.ownedSession(c, c.Param("sessionId"))
	if err != nil {
		return ServiceError(c, err)
	}
	if rec.Status != model.StatusQR || rec.QRPayload == "" {
		return ErrorResponse(c, http.StatusNotFound, "No QR code pending", "QR_NOT_AVAILABLE", "status is "+string(rec.Status))
	}
	png, err := qrcode.Encode(rec.QRPayload, qrcode.Medium, qrImageSize)
	if err != nil {
		return ErrorResponse(c, http.StatusInternalServerError, "Failed to render QR code", "QR_RENDER_FAILED", err.Error())
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

// POST /api/sessions/:sessionId/restore
func (h *Handler) RestoreSession(c echo.Context) error {
	id := c.Param("sessionId")
	if _, err := h.ownedSession(c, id); err != nil {
		return ServiceError(c, err)
	}
	// restore may outlive the request
	if _, err := h.sessions.Restore(context.WithoutCancel(c.Request().Context()), id); err != nil {
		return ServiceError(c, err)
	}
	rec, err := h.sessions.Get(c.Request().Context(), id)
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session restore attempted", sessionView(rec, h.sessions.IsReady(id)))
}

// POST /api/sessions/:sessionId/disconnect
func (h *Handler) DisconnectSession(c echo.Context) error {
	id := c.Param("sessionId")
	if _, err := h.ownedSession(c, id); err != nil {
		return ServiceError(c, err)
	}
	if err := h.sessions.Disconnect(c.Request().Context(), id); err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session disconnected", map[string]interface{}{"sessionId": id})
}

// DELETE /api/sessions/:sessionId
func (h *Handler) DeleteSession(c echo.Context) error {
	id := c.Param("sessionId")
	if _, err := h.ownedSession(c, id); err != nil {
		return ServiceError(c, err)
	}
	existed, err := h.sessions.Delete(c.Request().Context(), id)
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Session deleted", map[string]interface{}{
		"sessionId": id,
		"deleted":   existed,
	})
}

// DELETE /api/sessions (operator only)
func (h *Handler) ClearAll(c echo.Context) error {
	n, err := h.sessions.ClearAll(c.Request().Context())
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "All sessions cleared", map[string]interface{}{"deleted": n})
}

func sessionView(rec *model.Session, ready bool) map[string]interface{} {
	v := map[string]interface{}{
		"sessionId":   rec.SessionID,
		"displayName": rec.DisplayName,
		"status":      rec.Status,
		"isReady":     ready,
		"createdAt":   rec.CreatedAt,
		"updatedAt":   rec.UpdatedAt,
	}
	if rec.PhoneNumber != "" {
		v["phoneNumber"] = rec.PhoneNumber
	}
	return v
}
