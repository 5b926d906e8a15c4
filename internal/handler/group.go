package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gowa-dispatch/internal/model"
	"gowa-dispatch/internal/service"
)

type ResolveRequest struct {
	Token string `json:"token"`
}

type UpdateParticipantsRequest struct {
	Action       model.ParticipantAction `json:"action"`
	Participants []string                `json:"participants"`
}

type ReactRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// GET /api/sessions/:sessionId/chats
func (h *Handler) ListChats(c echo.Context) error {
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	chats, err := handle.ListChats(c.Request().Context())
	if err != nil {
		return ErrorResponse(c, http.StatusBadGateway, "Failed to list chats", "LIST_CHATS_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Chats retrieved", chats)
}

// GET /api/sessions/:sessionId/groups
func (h *Handler) ListGroups(c echo.Context) error {
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	chats, err := handle.ListChats(c.Request().Context())
	if err != nil {
		return ErrorResponse(c, http.StatusBadGateway, "Failed to list groups", "LIST_GROUPS_FAILED", err.Error())
	}
	groups := make([]model.Chat, 0, len(chats))
	for _, chat := range chats {
		if chat.IsGroup {
			groups = append(groups, chat)
		}
	}
	return SuccessResponse(c, http.StatusOK, "Groups retrieved", map[string]interface{}{
		"groups": groups,
		"total":  len(groups),
	})
}

// GET /api/sessions/:sessionId/chats/:chatId
func (h *Handler) GetChat(c echo.Context) error {
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	chat, err := handle.GetChatByID(c.Request().Context(), c.Param("chatId"))
	if err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Chat not found", "CHAT_NOT_FOUND", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Chat retrieved", chat)
}

// GET /api/sessions/:sessionId/contacts/:contactId
func (h *Handler) GetContact(c echo.Context) error {
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	contact, err := handle.GetContactByID(c.Request().Context(), c.Param("contactId"))
	if err != nil {
		return ErrorResponse(c, http.StatusNotFound, "Contact not found", "CONTACT_NOT_FOUND", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Contact retrieved", contact)
}

// GET /api/sessions/:sessionId/contacts/:contactId/registered
func (h *Handler) CheckRegistered(c echo.Context) error {
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	contactID := c.Param("contactId")
	ok, err := handle.IsRegisteredUser(c.Request().Context(), contactID)
	if err != nil {
		return ErrorResponse(c, http.StatusBadGateway, "Failed to verify phone number", "VERIFICATION_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Number checked", map[string]interface{}{
		"contactId":    contactID,
		"isRegistered": ok,
	})
}

// POST /api/sessions/:sessionId/resolve
func (h *Handler) ResolveRecipient(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if strings.TrimSpace(req.Token) == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'token' is required", "VALIDATION_ERROR", "")
	}
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	res, err := service.Resolve(c.Request().Context(), handle, req.Token)
	if err != nil {
		return ServiceError(c, err)
	}
	return SuccessResponse(c, http.StatusOK, "Recipient resolved", res)
}

// GET /api/sessions/:sessionId/groups/:group/participants
//
// :group is a group id or a group name.
func (h *Handler) GroupParticipants(c echo.Context) error {
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	groupID, err := h.resolveGroup(c, handle)
	if err != nil {
		return ServiceError(c, err)
	}
	participants, err := handle.GroupParticipants(c.Request().Context(), groupID)
	if err != nil {
		return ErrorResponse(c, http.StatusBadGateway, "Failed to get participants", "PARTICIPANTS_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Participants retrieved", map[string]interface{}{
		"groupId":      groupID,
		"participants": participants,
		"total":        len(participants),
	})
}

// POST /api/sessions/:sessionId/groups/:group/participants
func (h *Handler) UpdateParticipants(c echo.Context) error {
	var req UpdateParticipantsRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	switch req.Action {
	case model.ParticipantAdd, model.ParticipantRemove, model.ParticipantPromote, model.ParticipantDemote:
	default:
		return ErrorResponse(c, http.StatusBadRequest, "Field 'action' must be add, remove, promote or demote", "VALIDATION_ERROR", "")
	}
	if len(req.Participants) == 0 {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'participants' is required", "VALIDATION_ERROR", "")
	}

	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	groupID, err := h.resolveGroup(c, handle)
	if err != nil {
		return ServiceError(c, err)
	}
	if err := handle.UpdateParticipants(c.Request().Context(), groupID, req.Participants, req.Action); err != nil {
		return ErrorResponse(c, http.StatusBadGateway, "Failed to update participants", "UPDATE_PARTICIPANTS_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Participants updated", map[string]interface{}{
		"groupId": groupID,
		"action":  req.Action,
		"count":   len(req.Participants),
	})
}

// POST /api/sessions/:sessionId/react
func (h *Handler) React(c echo.Context) error {
	var req ReactRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.ChatID == "" || req.MessageID == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Fields 'chatId' and 'messageId' are required", "VALIDATION_ERROR", "")
	}
	handle, err := h.readyHandle(c)
	if err != nil {
		return ServiceError(c, err)
	}
	res, err := service.Resolve(c.Request().Context(), handle, req.ChatID)
	if err != nil {
		return ServiceError(c, err)
	}
	// an empty emoji removes the reaction
	if err := handle.React(c.Request().Context(), res.ChatID, req.MessageID, req.Emoji); err != nil {
		return ErrorResponse(c, http.StatusBadGateway, "Failed to react", "REACT_FAILED", err.Error())
	}
	return SuccessResponse(c, http.StatusOK, "Reaction sent", map[string]interface{}{
		"chatId":    res.ChatID,
		"messageId": req.MessageID,
	})
}

func (h *Handler) resolveGroup(c echo.Context, handle model.Handle) (string, error) {
	res, err := service.Resolve(c.Request().Context(), handle, c.Param("group"))
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(res.ChatID, model.GroupSuffix) {
		return "", service.ErrRecipientNotFound
	}
	return res.ChatID, nil
}
