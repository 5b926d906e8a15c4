package handler

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"gowa-dispatch/internal/middleware"
	"gowa-dispatch/internal/model"
	"gowa-dispatch/internal/service"
	"gowa-dispatch/internal/ws"
)

// Sessions is the part of the session manager the HTTP layer uses.
type Sessions interface {
	StartSession(ctx context.Context, ownerID, displayName string, forceNew bool) (string, error)
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Session, error)
	ListActive() []service.ActiveSession
	IsReady(sessionID string) bool
	Restore(ctx context.Context, sessionID string) (model.Handle, error)
	GetOrRestore(ctx context.Context, sessionID string) (model.Handle, error)
	Disconnect(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) (bool, error)
	ClearAll(ctx context.Context) (int, error)
}

// Batches runs dispatch batches.
type Batches interface {
	SendToRecipients(ctx context.Context, req service.BatchRequest) (*service.BatchResult, error)
	SendToGroupMembers(ctx context.Context, req service.GroupMembersRequest) (*service.BatchResult, error)
}

type Options struct {
	DelayMin           time.Duration
	DelayMax           time.Duration
	DefaultCountryCode string
	MaxUploadBytes     int64
}

type Handler struct {
	sessions Sessions
	batches  Batches
	webhooks *model.WebhookRegistry
	hub      *ws.Hub
	opts     Options
	log      zerolog.Logger
}

func New(sessions Sessions, batches Batches, webhooks *model.WebhookRegistry, hub *ws.Hub, opts Options, log zerolog.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		sessions: sessions,
		batches:  batches,
		webhooks: webhooks,
		hub:      hub,
		opts:     opts,
		log:      log,
	}
}

// Register mounts every route on api, which must already carry Auth.
func (h *Handler) Register(api *echo.Group) {
	api.POST("/sessions", h.StartSession)
	api.GET("/sessions", h.ListSessions)
	api.GET("/sessions/active", h.ListActive)
	api.DELETE("/sessions", h.ClearAll, middleware.RequireAPIKey)
	api.GET("/sessions/:sessionId", h.GetSession)
	api.GET("/sessions/:sessionId/qr", h.GetQR)
	api.GET("/sessions/:sessionId/qr.png", h.GetQRImage)
	api.POST("/sessions/:sessionId/restore", h.RestoreSession)
	api.POST("/sessions/:sessionId/disconnect", h.DisconnectSession)
	api.DELETE("/sessions/:sessionId", h.DeleteSession)

	api.GET("/sessions/:sessionId/chats", h.ListChats)
	api.GET("/sessions/:sessionId/chats/:chatId", h.GetChat)
	api.GET("/sessions/:sessionId/contacts/:contactId", h.GetContact)
	api.GET("/sessions/:sessionId/contacts/:contactId/registered", h.CheckRegistered)
	api.POST("/sessions/:sessionId/resolve", h.ResolveRecipient)
	api.GET("/sessions/:sessionId/groups", h.ListGroups)
	api.GET("/sessions/:sessionId/groups/:group/participants", h.GroupParticipants)
	api.POST("/sessions/:sessionId/groups/:group/participants", h.UpdateParticipants)
	api.POST("/sessions/:sessionId/react", h.React)

	api.POST("/messages/batch", h.SendBatch)
	api.POST("/messages/batch/upload", h.SendBatchFromSheet)
	api.POST("/messages/group-members", h.SendToGroupMembers)

	api.GET("/webhooks", h.ListWebhooks)
	api.PUT("/webhooks/:category", h.SetWebhook, middleware.RequireAPIKey)

	api.GET("/ws", h.WebSocket)
}

// ownedSession loads the record and hides sessions of other owners.
func (h *Handler) ownedSession(c echo.Context, sessionID string) (*model.Session, error) {
	rec, err := h.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != middleware.OwnerID(c) {
		return nil, service.ErrSessionNotFound
	}
	return rec, nil
}

// readyHandle returns a connected handle of an owned session, restoring it
// when needed.
func (h *Handler) readyHandle(c echo.Context) (model.Handle, error) {
	sessionID := c.Param("sessionId")
	if _, err := h.ownedSession(c, sessionID); err != nil {
		return nil, err
	}
	return h.sessions.GetOrRestore(c.Request().Context(), sessionID)
}
