package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"gowa-dispatch/internal/helper"
	"gowa-dispatch/internal/model"
	"gowa-dispatch/internal/service"
)

// ContentRequest is the content part shared by every batch endpoint.
type ContentRequest struct {
	Text       string            `json:"text"`
	Media      []model.MediaItem `json:"media"`
	Poll       *model.Poll       `json:"poll"`
	Location   *model.Location   `json:"location"`
	DelayMinMs *int64            `json:"delayMinMs"`
	DelayMaxMs *int64            `json:"delayMaxMs"`
}

func (r ContentRequest) content() service.Content {
	return service.Content{Text: r.Text, Media: r.Media, Poll: r.Poll, Location: r.Location}
}

type SendBatchRequest struct {
	ContentRequest
	SessionIDs []string `json:"sessionIds"`
	Recipients []string `json:"recipients"`
}

type SendGroupMembersRequest struct {
	ContentRequest
	SessionID     string   `json:"sessionId"`
	Groups        []string `json:"groups"`
	ExcludeAdmins bool     `json:"excludeAdmins"`
}

// POST /api/messages/batch
func (h *Handler) SendBatch(c echo.Context) error {
	var req SendBatchRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.checkOwnership(c, req.SessionIDs); err != nil {
		return ServiceError(c, err)
	}

	delayMin, delayMax := h.delays(req.DelayMinMs, req.DelayMaxMs)
	return h.runBatch(c, func(ctx context.Context) (*service.BatchResult, error) {
		return h.batches.SendToRecipients(ctx, service.BatchRequest{
			SessionIDs: req.SessionIDs,
			Recipients: service.RecipientsFromTokens(req.Recipients),
			Content:    req.content(),
			DelayMin:   delayMin,
			DelayMax:   delayMax,
		})
	})
}

// POST /api/messages/group-members
func (h *Handler) SendToGroupMembers(c echo.Context) error {
	var req SendGroupMembersRequest
	if err := c.Bind(&req); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if req.SessionID == "" {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'sessionId' is required", "VALIDATION_ERROR", "")
	}
	if err := h.checkOwnership(c, []string{req.SessionID}); err != nil {
		return ServiceError(c, err)
	}

	delayMin, delayMax := h.delays(req.DelayMinMs, req.DelayMaxMs)
	return h.runBatch(c, func(ctx context.Context) (*service.BatchResult, error) {
		return h.batches.SendToGroupMembers(ctx, service.GroupMembersRequest{
			SessionID:     req.SessionID,
			Groups:        req.Groups,
			Content:       req.content(),
			DelayMin:      delayMin,
			DelayMax:      delayMax,
			ExcludeAdmins: req.ExcludeAdmins,
		})
	})
}

// POST /api/messages/batch/upload (multipart)
//
// Fields: file (.xlsx or .csv), sessionIds (comma separated), text,
// delayMinMs, delayMaxMs and an optional media file.
func (h *Handler) SendBatchFromSheet(c echo.Context) error {
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, h.opts.MaxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Field 'file' is required", "VALIDATION_ERROR", err.Error())
	}
	file, err := fileHeader.Open()
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Cannot open uploaded file", "INVALID_FILE", err.Error())
	}
	defer file.Close()

	rows, err := helper.ReadRecipientSheet(file, fileHeader.Filename, h.opts.DefaultCountryCode)
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Cannot read recipients from spreadsheet", "INVALID_SPREADSHEET", err.Error())
	}

	sessionIDs := splitCSV(c.FormValue("sessionIds"))
	if err := h.checkOwnership(c, sessionIDs); err != nil {
		return ServiceError(c, err)
	}

	content := service.Content{Text: c.FormValue("text")}
	if media, err := formMedia(c, "media"); err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "Cannot read media file", "INVALID_FILE", err.Error())
	} else if media != nil {
		content.Media = []model.MediaItem{*media}
	}

	delayMin, delayMax := h.delays(formInt(c, "delayMinMs"), formInt(c, "delayMaxMs"))
	return h.runBatch(c, func(ctx context.Context) (*service.BatchResult, error) {
		return h.batches.SendToRecipients(ctx, service.BatchRequest{
			SessionIDs: sessionIDs,
			Recipients: service.RecipientsFromSheet(rows),
			Content:    content,
			DelayMin:   delayMin,
			DelayMax:   delayMax,
		})
	})
}

// runBatch detaches the batch from client cancellation and renders the
// result. A batch that never started sending still returns its entries.
func (h *Handler) runBatch(c echo.Context, run func(ctx context.Context) (*service.BatchResult, error)) error {
	started := time.Now()
	result, err := run(context.WithoutCancel(c.Request().Context()))
	if err != nil {
		if errors.Is(err, service.ErrNoSessionReady) && result != nil {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"success": false,
				"message": "No session is ready to send",
				"error":   map[string]interface{}{"code": "NO_SESSION_READY", "details": err.Error()},
				"data":    result,
			})
		}
		return ServiceError(c, err)
	}

	h.log.Info().
		Int("total", result.Total).Int("sent", result.Sent).Int("failed", result.Failed).
		Dur("elapsed", time.Since(started)).
		Msg("✓ batch finished")
	return SuccessResponse(c, http.StatusOK, fmt.Sprintf("Batch finished: %d sent, %d failed", result.Sent, result.Failed), result)
}

func (h *Handler) checkOwnership(c echo.Context, sessionIDs []string) error {
	for _, id := range sessionIDs {
		if _, err := h.ownedSession(c, id); err != nil {
			if errors.Is(err, service.ErrSessionNotFound) {
				return fmt.Errorf("%w: %s", service.ErrSessionNotFound, id)
			}
			return err
		}
	}
	return nil
}

// delays applies the configured window to fields the caller left out.
func (h *Handler) delays(minMs, maxMs *int64) (time.Duration, time.Duration) {
	delayMin, delayMax := h.opts.DelayMin, h.opts.DelayMax
	if minMs != nil {
		delayMin = time.Duration(*minMs) * time.Millisecond
	}
	if maxMs != nil {
		delayMax = time.Duration(*maxMs) * time.Millisecond
	}
	return delayMin, delayMax
}

func formInt(c echo.Context, name string) *int64 {
	v := strings.TrimSpace(c.FormValue(name))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func formMedia(c echo.Context, name string) (*model.MediaItem, error) {
	fh, err := c.FormFile(name)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &model.MediaItem{
		Data:     data,
		MimeType: fh.Header.Get(echo.HeaderContentType),
		FileName: fh.Filename,
	}, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
