package handler

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gowa-dispatch/internal/middleware"
	"gowa-dispatch/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are filtered by the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GET /api/ws?sessionId=...
//
// Operator callers may omit sessionId and receive every event; owners must
// name one of their sessions.
func (h *Handler) WebSocket(c echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	if sessionID != "" {
		if _, err := h.ownedSession(c, sessionID); err != nil {
			return ServiceError(c, err)
		}
	} else if method, _ := c.Get(middleware.AuthMethodKey).(string); method != "api_key" {
		return ErrorResponse(c, http.StatusBadRequest, "Query parameter 'sessionId' is required", "VALIDATION_ERROR", "")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade error")
		return nil
	}

	client := ws.NewClient(h.hub, conn, sessionID)
	if !h.hub.Register(client) {
		_ = conn.Close()
		return nil
	}
	go client.WritePump()
	go client.ReadPump()
	return nil
}
