package wa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"gowa-dispatch/internal/helper"
	"gowa-dispatch/internal/model"
)

var ErrNotConnected = errors.New("whatsapp client not connected")

// Client is one whatsmeow connection implementing model.Handle.
type Client struct {
	sessionID string
	dir       string
	emit      func(model.HandleEvent)
	log       zerolog.Logger

	mu            sync.RWMutex
	cli           *whatsmeow.Client
	container     *sqlstore.Container
	authenticated bool
	destroyed     bool
	cancelQR      context.CancelFunc
}

func newClient(sessionID, dir string, emit func(model.HandleEvent), log zerolog.Logger) *Client {
	return &Client{sessionID: sessionID, dir: dir, emit: emit, log: log}
}

// Initialize opens the session's credential store and starts connecting.
// Without stored credentials a QR channel is opened first and every code is
// emitted as EventQR.
func (c *Client) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}

	dbLog := waLog.Zerolog(c.log.With().Str("module", "Database").Logger())
	clientLog := waLog.Zerolog(c.log.With().Str("module", "Client").Logger())

	container, err := sqlstore.New(ctx, "sqlite", sqliteDSN(filepath.Join(c.dir, "session.db")), dbLog)
	if err != nil {
		return fmt.Errorf("sqlstore.New: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return fmt.Errorf("get first device: %w", err)
	}

	cli := whatsmeow.NewClient(device, clientLog)
	cli.EnableAutoReconnect = true
	cli.AddEventHandler(c.handleEvent)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = container.Close()
		return errors.New("client destroyed during initialization")
	}
	c.cli = cli
	c.container = container
	c.mu.Unlock()

	if cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrCh, err := cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get QR channel: %w", err)
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.watchQR(qrCh)
	}

	if err := cli.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Client) watchQR(qrCh <-chan whatsmeow.QRChannelItem) {
	for item := range qrCh {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(model.HandleEvent{Kind: model.EventQR, QR: item.Code, Timestamp: time.Now().UTC()})
		case whatsmeow.QRChannelSuccess.Event:
			return
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(model.HandleEvent{Kind: model.EventAuthFailure, Reason: "qr code expired"})
			return
		case whatsmeow.QRChannelEventError:
			reason := "qr pairing failed"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(model.HandleEvent{Kind: model.EventAuthFailure, Reason: reason})
			return
		default:
			if strings.HasPrefix(item.Event, "err") {
				c.emit(model.HandleEvent{Kind: model.EventAuthFailure, Reason: item.Event})
				return
			}
		}
	}
}

// Destroy disconnects and releases the credential store. Stored credentials
// are kept so the session can be restored later.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	cli, container, cancel := c.cli, c.container, c.cancelQR
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cli != nil {
		cli.Disconnect()
	}
	if container != nil {
		if err := container.Close(); err != nil {
			c.log.Warn().Err(err).Msg("close session store")
		}
	}
}

func (c *Client) client() (*whatsmeow.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cli == nil || c.destroyed {
		return nil, ErrNotConnected
	}
	return c.cli, nil
}

func (c *Client) IsReady() bool {
	cli, err := c.client()
	if err != nil {
		return false
	}
	return cli.IsConnected() && cli.IsLoggedIn()
}

func (c *Client) PhoneNumber() string {
	cli, err := c.client()
	if err != nil || cli.Store.ID == nil {
		return ""
	}
	return cli.Store.ID.User
}

func (c *Client) ListChats(ctx context.Context) ([]model.Chat, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}

	groups, err := cli.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	chats := make([]model.Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, model.Chat{ID: g.JID.String(), Name: g.GroupName.Name, IsGroup: true})
	}

	if cli.Store.Contacts != nil {
		contacts, err := cli.Store.Contacts.GetAllContacts(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("list contacts")
		}
		for jid, info := range contacts {
			chats = append(chats, model.Chat{ID: jid.String(), Name: contactName(info)})
		}
	}
	return chats, nil
}

func (c *Client) GetChatByID(ctx context.Context, chatID string) (*model.Chat, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := ParseJID(chatID)
	if err != nil {
		return nil, err
	}

	if jid.Server == types.GroupServer {
		info, err := cli.GetGroupInfo(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("get group info: %w", err)
		}
		return &model.Chat{ID: info.JID.String(), Name: info.GroupName.Name, IsGroup: true}, nil
	}

	chat := &model.Chat{ID: jid.String()}
	if contact, err := c.GetContactByID(ctx, chatID); err == nil {
		chat.Name = contact.Name
	}
	return chat, nil
}

func (c *Client) GetContactByID(ctx context.Context, contactID string) (*model.Contact, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := ParseJID(contactID)
	if err != nil {
		return nil, err
	}

	contact := &model.Contact{ID: jid.String(), PhoneNumber: jid.User}
	if cli.Store.Contacts != nil {
		info, err := cli.Store.Contacts.GetContact(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("get contact: %w", err)
		}
		contact.Name = contactName(info)
		contact.PushName = info.PushName
	}
	return contact, nil
}

func (c *Client) IsRegisteredUser(ctx context.Context, contactID string) (bool, error) {
	cli, err := c.client()
	if err != nil {
		return false, err
	}
	jid, err := ParseJID(contactID)
	if err != nil {
		return false, err
	}

	resp, err := cli.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return false, fmt.Errorf("is on whatsapp: %w", err)
	}
	for _, r := range resp {
		if r.IsIn {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) GroupParticipants(ctx context.Context, groupID string) ([]model.Participant, error) {
	cli, err := c.client()
	if err != nil {
		return nil, err
	}
	jid, err := ParseJID(groupID)
	if err != nil {
		return nil, err
	}

	info, err := cli.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get group info: %w", err)
	}

	out := make([]model.Participant, 0, len(info.Participants))
	for _, p := range info.Participants {
		out = append(out, model.Participant{
			ID:          p.JID.String(),
			PhoneNumber: c.participantPhone(ctx, cli, p),
			IsAdmin:     p.IsAdmin || p.IsSuperAdmin,
		})
	}
	return out, nil
}

// participantPhone prefers the phone JID, then resolves LIDs through the
// store.
func (c *Client) participantPhone(ctx context.Context, cli *whatsmeow.Client, p types.GroupParticipant) string {
	if p.PhoneNumber.User != "" {
		return p.PhoneNumber.User
	}
	if p.JID.Server == types.DefaultUserServer {
		return p.JID.User
	}
	if p.JID.Server == types.HiddenUserServer && cli.Store.LIDs != nil {
		if pn, err := cli.Store.LIDs.GetPNForLID(ctx, p.JID); err == nil {
			return pn.User
		}
	}
	return ""
}

func (c *Client) UpdateParticipants(ctx context.Context, groupID string, participants []string, action model.ParticipantAction) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	groupJID, err := ParseJID(groupID)
	if err != nil {
		return err
	}

	var change whatsmeow.ParticipantChange
	switch action {
	case model.ParticipantAdd:
		change = whatsmeow.ParticipantChangeAdd
	case model.ParticipantRemove:
		change = whatsmeow.ParticipantChangeRemove
	case model.ParticipantPromote:
		change = whatsmeow.ParticipantChangePromote
	case model.ParticipantDemote:
		change = whatsmeow.ParticipantChangeDemote
	default:
		return fmt.Errorf("unknown participant action %q", action)
	}

	jids := make([]types.JID, 0, len(participants))
	for _, p := range participants {
		jid, err := ParseJID(p)
		if err != nil {
			return err
		}
		jids = append(jids, jid)
	}

	if _, err := cli.UpdateGroupParticipants(ctx, groupJID, jids, change); err != nil {
		return fmt.Errorf("update group participants: %w", err)
	}
	return nil
}

func (c *Client) React(ctx context.Context, chatID, messageID, emoji string) error {
	cli, err := c.client()
	if err != nil {
		return err
	}
	chat, err := ParseJID(chatID)
	if err != nil {
		return err
	}

	// person chats: react to the peer's message; groups: to our own
	sender := chat
	if chat.Server == types.GroupServer && cli.Store.ID != nil {
		sender = cli.Store.ID.ToNonAD()
	}
	if _, err := cli.SendMessage(ctx, chat, cli.BuildReaction(chat, sender, types.MessageID(messageID), emoji)); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

// ParseJID accepts full JIDs, the legacy @c.us suffix and bare phone numbers.
func ParseJID(id string) (types.JID, error) {
	id = strings.TrimSpace(id)
	if strings.HasSuffix(id, model.LegacyUserSuffix) {
		id = strings.TrimSuffix(id, model.LegacyUserSuffix) + model.PersonSuffix
	}
	if !strings.Contains(id, "@") {
		digits := helper.DigitsOnly(id)
		if digits == "" {
			return types.JID{}, fmt.Errorf("invalid chat id %q", id)
		}
		return types.NewJID(digits, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid chat id %q: %w", id, err)
	}
	return jid, nil
}

func contactName(info types.ContactInfo) string {
	switch {
	case info.FullName != "":
		return info.FullName
	case info.FirstName != "":
		return info.FirstName
	case info.BusinessName != "":
		return info.BusinessName
	default:
		return info.PushName
	}
}
