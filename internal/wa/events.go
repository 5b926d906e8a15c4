package wa

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"gowa-dispatch/internal/model"
)

// handleEvent translates whatsmeow events into handle callbacks.
// Transient disconnects are left to whatsmeow's auto-reconnect; only
// conditions that need operator action end the handle.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		c.log.Info().Str("jid", v.ID.String()).Msg("✓ Pair Success!")
		c.markAuthenticated()

	case *events.Connected:
		c.markAuthenticated()
		c.emit(model.HandleEvent{Kind: model.EventReady, PhoneNumber: c.PhoneNumber(), Timestamp: time.Now().UTC()})

	case *events.LoggedOut:
		c.log.Warn().Str("reason", v.Reason.String()).Msg("✗ Logged out")
		c.emit(model.HandleEvent{Kind: model.EventAuthFailure, Reason: "logged out: " + v.Reason.String()})

	case *events.ConnectFailure:
		c.log.Error().Str("reason", v.Reason.String()).Str("message", v.Message).Msg("connect failure")
		c.emit(model.HandleEvent{Kind: model.EventAuthFailure, Reason: v.Reason.String()})

	case *events.TemporaryBan:
		c.log.Error().Str("ban", v.String()).Msg("temporary ban")
		c.emit(model.HandleEvent{Kind: model.EventAuthFailure, Reason: v.String()})

	case *events.StreamReplaced:
		c.log.Warn().Msg("⚠ Stream replaced")
		c.emit(model.HandleEvent{Kind: model.EventDisconnected, Reason: "stream replaced"})

	case *events.Disconnected:
		c.log.Warn().Msg("⚠ Disconnected, waiting for auto-reconnect")

	case *events.Message:
		c.emit(model.HandleEvent{
			Kind:      model.EventMessage,
			ChatID:    v.Info.Chat.String(),
			SenderID:  v.Info.Sender.String(),
			PushName:  v.Info.PushName,
			MessageID: v.Info.ID,
			Body:      messageBody(v.Message),
			FromMe:    v.Info.IsFromMe,
			Timestamp: v.Info.Timestamp,
		})

	case *events.Receipt:
		level := ackLevel(v.Type)
		if level == 0 {
			return
		}
		c.emit(model.HandleEvent{
			Kind:       model.EventMessageAck,
			ChatID:     v.Chat.String(),
			SenderID:   v.Sender.String(),
			MessageIDs: append([]string(nil), v.MessageIDs...),
			AckLevel:   level,
			Timestamp:  v.Timestamp,
		})

	case *events.GroupInfo:
		if len(v.Join) > 0 {
			c.emit(model.HandleEvent{Kind: model.EventGroupJoin, GroupID: v.JID.String(), Participants: jidStrings(v.Join), Timestamp: v.Timestamp})
		}
		if len(v.Leave) > 0 {
			c.emit(model.HandleEvent{Kind: model.EventGroupLeave, GroupID: v.JID.String(), Participants: jidStrings(v.Leave), Timestamp: v.Timestamp})
		}
	}
}

// markAuthenticated emits EventAuthenticated once per handle.
func (c *Client) markAuthenticated() {
	c.mu.Lock()
	already := c.authenticated
	c.authenticated = true
	c.mu.Unlock()
	if !already {
		c.emit(model.HandleEvent{Kind: model.EventAuthenticated, Timestamp: time.Now().UTC()})
	}
}

func ackLevel(t types.ReceiptType) int {
	switch t {
	case types.ReceiptTypeSender:
		return model.AckServer
	case types.ReceiptTypeDelivered:
		return model.AckDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf:
		return model.AckRead
	case types.ReceiptTypePlayed, types.ReceiptTypePlayedSelf:
		return model.AckPlayed
	default:
		return 0
	}
}

func messageBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

func jidStrings(jids []types.JID) []string {
	out := make([]string, 0, len(jids))
	for _, j := range jids {
		out = append(out, j.String())
	}
	return out
}
