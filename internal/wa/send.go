package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"gowa-dispatch/internal/helper"
	"gowa-dispatch/internal/model"
)

const maxMediaBytes = 64 << 20

var mediaHTTPClient = &http.Client{Timeout: 60 * time.Second}

// SendMessage sends exactly one content item and returns the message id.
func (c *Client) SendMessage(ctx context.Context, chatID string, content model.OutgoingContent, opts model.SendOptions) (string, error) {
	cli, err := c.client()
	if err != nil {
		return "", err
	}
	if !cli.IsConnected() {
		return "", ErrNotConnected
	}
	to, err := ParseJID(chatID)
	if err != nil {
		return "", err
	}

	msg, err := c.buildMessage(ctx, cli, content, opts)
	if err != nil {
		return "", err
	}

	resp, err := cli.SendMessage(ctx, to, msg)
	if err != nil {
		return "", fmt.Errorf("send %s: %w", content.Type(), err)
	}
	c.log.Debug().Str("to", to.String()).Str("type", content.Type()).Str("message_id", resp.ID).Msg("message sent")

	// audio has no caption field, so the text follows separately
	if content.Media != nil && content.Media.Kind() == "audio" && strings.TrimSpace(content.Caption) != "" {
		if _, err := cli.SendMessage(ctx, to, &waE2E.Message{Conversation: proto.String(content.Caption)}); err != nil {
			c.log.Warn().Err(err).Str("to", to.String()).Msg("send audio caption")
		}
	}
	return resp.ID, nil
}

func (c *Client) buildMessage(ctx context.Context, cli *whatsmeow.Client, content model.OutgoingContent, opts model.SendOptions) (*waE2E.Message, error) {
	switch {
	case content.Media != nil:
		return c.buildMediaMessage(ctx, cli, *content.Media, content.Caption)

	case content.Poll != nil:
		p := content.Poll
		if strings.TrimSpace(p.Question) == "" || len(p.Options) < 2 {
			return nil, fmt.Errorf("poll needs a question and at least two options")
		}
		selectable := p.SelectableCount
		if selectable <= 0 || selectable > len(p.Options) {
			selectable = 1
		}
		return cli.BuildPollCreation(p.Question, p.Options, selectable), nil

	case content.Location != nil:
		l := content.Location
		loc := &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(l.Latitude),
			DegreesLongitude: proto.Float64(l.Longitude),
		}
		if l.Name != "" {
			loc.Name = proto.String(l.Name)
		}
		if l.Address != "" {
			loc.Address = proto.String(l.Address)
		}
		return &waE2E.Message{LocationMessage: loc}, nil
	}

	ctxInfo := contextInfo(opts)
	if ctxInfo == nil {
		return &waE2E.Message{Conversation: proto.String(content.Text)}, nil
	}
	return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String(content.Text),
		ContextInfo: ctxInfo,
	}}, nil
}

func contextInfo(opts model.SendOptions) *waE2E.ContextInfo {
	if opts.QuotedMessageID == "" && len(opts.Mentions) == 0 {
		return nil
	}
	info := &waE2E.ContextInfo{}
	if opts.QuotedMessageID != "" {
		info.StanzaID = proto.String(opts.QuotedMessageID)
	}
	for _, m := range opts.Mentions {
		if jid, err := ParseJID(m); err == nil {
			info.MentionedJID = append(info.MentionedJID, jid.String())
		}
	}
	return info
}

func (c *Client) buildMediaMessage(ctx context.Context, cli *whatsmeow.Client, item model.MediaItem, caption string) (*waE2E.Message, error) {
	data, mimeType, err := loadMedia(ctx, item)
	if err != nil {
		return nil, err
	}
	item.MimeType = mimeType

	mediaType := whatsmeow.MediaDocument
	switch item.Kind() {
	case "image":
		mediaType = whatsmeow.MediaImage
	case "video":
		mediaType = whatsmeow.MediaVideo
	case "audio":
		mediaType = whatsmeow.MediaAudio
	}

	uploaded, err := cli.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	size := proto.Uint64(uint64(len(data)))

	var captionPtr *string
	if caption != "" {
		captionPtr = proto.String(caption)
	}

	switch mediaType {
	case whatsmeow.MediaImage:
		img := &waE2E.ImageMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    size,
			Caption:       captionPtr,
		}
		if thumb, err := helper.JPEGThumbnail(data, mimeType); err == nil {
			img.JPEGThumbnail = thumb
		} else {
			c.log.Debug().Err(err).Msg("thumbnail skipped")
		}
		return &waE2E.Message{ImageMessage: img}, nil

	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    size,
			Caption:       captionPtr,
		}}, nil

	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			Mimetype:      proto.String(mimeType),
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    size,
			PTT:           proto.Bool(strings.Contains(mimeType, "ogg")),
		}}, nil
	}

	fileName := item.FileName
	if fileName == "" && item.URL != "" {
		fileName = path.Base(strings.SplitN(item.URL, "?", 2)[0])
	}
	if fileName == "" || fileName == "." || fileName == "/" {
		fileName = "document"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		MediaKey:      uploaded.MediaKey,
		Mimetype:      proto.String(mimeType),
		FileEncSHA256: uploaded.FileEncSHA256,
		FileSHA256:    uploaded.FileSHA256,
		FileLength:    size,
		FileName:      proto.String(fileName),
		Caption:       captionPtr,
	}}, nil
}

// loadMedia returns inline bytes or downloads the URL. The MIME type falls
// back to content sniffing.
func loadMedia(ctx context.Context, item model.MediaItem) ([]byte, string, error) {
	data := item.Data
	mimeType := item.MimeType

	if len(data) == 0 {
		if item.URL == "" {
			return nil, "", fmt.Errorf("media item has neither data nor url")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("media request: %w", err)
		}
		resp, err := mediaHTTPClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("download media: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("read media: %w", err)
		}
		if mimeType == "" {
			mimeType = strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0])
		}
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

var _ model.Handle = (*Client)(nil)
