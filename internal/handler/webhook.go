package handler

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"gowa-dispatch/internal/model"
)

type WebhookConfigRequest struct {
	URL string `json:"url"`
}

// GET /api/webhooks
func (h *Handler) ListWebhooks(c echo.Context) error {
	return SuccessResponse(c, http.StatusOK, "Webhooks retrieved", h.webhooks.List())
}

// PUT /api/webhooks/:category
//
// An empty url removes the registration.
func (h *Handler) SetWebhook(c echo.Context) error {
	category, err := model.ParseWebhookCategory(c.Param("category"))
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Unknown webhook category", "INVALID_CATEGORY", err.Error())
	}

	var req WebhookConfigRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	if req.URL != "" {
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrorResponse(c, http.StatusBadRequest, "webhook url must start with http:// or https://", "INVALID_URL", "")
		}
	}

	h.webhooks.Set(category, req.URL)
	h.log.Info().Str("category", string(category)).Bool("enabled", req.URL != "").Msg("webhook updated")

	return SuccessResponse(c, http.StatusOK, "Webhook config updated", map[string]interface{}{
		"category":   category,
		"webhookUrl": req.URL,
	})
}
