package model

import (
	"context"
	"strings"
	"time"
)

// Chat id suffixes understood by the connection layer.
const (
	GroupSuffix      = "@g.us"
	PersonSuffix     = "@s.whatsapp.net"
	LegacyUserSuffix = "@c.us"
	LIDSuffix        = "@lid"
	NewsletterSuffix = "@newsletter"
)

// HandleEventKind enumerates the callbacks a connection handle emits.
type HandleEventKind string

const (
	EventQR            HandleEventKind = "qr"
	EventAuthenticated HandleEventKind = "authenticated"
	EventReady         HandleEventKind = "ready"
	EventAuthFailure   HandleEventKind = "auth_failure"
	EventDisconnected  HandleEventKind = "disconnected"
	EventMessage       HandleEventKind = "message"
	EventMessageAck    HandleEventKind = "message_ack"
	EventGroupJoin     HandleEventKind = "group_join"
	EventGroupLeave    HandleEventKind = "group_leave"
)

// Ack levels reported with EventMessageAck.
const (
	AckServer    = 1
	AckDelivered = 2
	AckRead      = 3
	AckPlayed    = 4
)

// HandleEvent is one callback from a connection handle. Only the fields
// relevant to Kind are set.
type HandleEvent struct {
	Kind        HandleEventKind
	QR          string
	PhoneNumber string
	Reason      string

	ChatID     string
	SenderID   string
	PushName   string
	MessageID  string
	MessageIDs []string
	Body       string
	FromMe     bool
	AckLevel   int

	GroupID      string
	Participants []string

	Timestamp time.Time
}

// Chat is a conversation visible to a handle.
type Chat struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsGroup bool   `json:"isGroup"`
}

// Contact is a person known to a handle.
type Contact struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	Name        string `json:"name"`
	PushName    string `json:"pushName,omitempty"`
}

// Participant is a member of a group chat.
type Participant struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
	IsAdmin     bool   `json:"isAdmin"`
}

// ParticipantAction is a group membership mutation.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
)

// MediaItem is one attachment, either fetched from URL or given inline.
type MediaItem struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// Kind maps the MIME type onto a content type name.
func (m MediaItem) Kind() string {
	mt := strings.ToLower(m.MimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

type Poll struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	SelectableCount int      `json:"selectableCount,omitempty"`
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// OutgoingContent is exactly one sendable item.
type OutgoingContent struct {
	Text     string
	Media    *MediaItem
	Caption  string
	Poll     *Poll
	Location *Location
}

// Type names the item for result ledgers.
func (c OutgoingContent) Type() string {
	switch {
	case c.Media != nil:
		return c.Media.Kind()
	case c.Poll != nil:
		return "poll"
	case c.Location != nil:
		return "location"
	default:
		return "text"
	}
}

type SendOptions struct {
	QuotedMessageID string
	Mentions        []string
}

// Handle is a live or attempted connection for one session. Lifecycle
// callbacks are delivered through the emit function given to the factory.
type Handle interface {
	// Initialize starts connecting. It returns once the connection attempt is
	// under way; readiness is signalled by EventReady.
	Initialize(ctx context.Context) error
	Destroy()
	IsReady() bool
	PhoneNumber() string

	ListChats(ctx context.Context) ([]Chat, error)
	GetChatByID(ctx context.Context, chatID string) (*Chat, error)
	GetContactByID(ctx context.Context, contactID string) (*Contact, error)
	IsRegisteredUser(ctx context.Context, contactID string) (bool, error)
	GroupParticipants(ctx context.Context, groupID string) ([]Participant, error)

	SendMessage(ctx context.Context, chatID string, content OutgoingContent, opts SendOptions) (string, error)
	UpdateParticipants(ctx context.Context, groupID string, participants []string, action ParticipantAction) error
	React(ctx context.Context, chatID, messageID, emoji string) error
}

// HandleFactory builds an unstarted handle for a session, bound to that
// session's credential material.
type HandleFactory func(sessionID string, emit func(HandleEvent)) (Handle, error)

// CredentialStore owns the durable per-session credential material.
type CredentialStore interface {
	Purge(sessionID string) error
	PurgeAll() error
}
