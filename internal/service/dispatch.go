package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gowa-dispatch/internal/helper"
	"gowa-dispatch/internal/model"
)

// HandleProvider yields connected handles. *SessionManager implements it.
type HandleProvider interface {
	GetOrRestore(ctx context.Context, sessionID string) (model.Handle, error)
}

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Content is the message sent to every recipient of a batch.
type Content struct {
	Text     string            `json:"text,omitempty"`
	Media    []model.MediaItem `json:"media,omitempty"`
	Poll     *model.Poll       `json:"poll,omitempty"`
	Location *model.Location   `json:"location,omitempty"`
}

func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Media) == 0 && c.Poll == nil && c.Location == nil
}

// Items expands the content into sendable items for one recipient. When text
// and media are both present the text becomes the caption of the first media
// item instead of a separate message.
func (c Content) Items(name string) []model.OutgoingContent {
	text := helper.RenderMessage(c.Text, name)

	var items []model.OutgoingContent
	for i := range c.Media {
		item := model.OutgoingContent{Media: &c.Media[i]}
		if i == 0 {
			item.Caption = text
		}
		items = append(items, item)
	}
	if len(c.Media) == 0 && strings.TrimSpace(text) != "" {
		items = append(items, model.OutgoingContent{Text: text})
	}
	if c.Poll != nil {
		items = append(items, model.OutgoingContent{Poll: c.Poll})
	}
	if c.Location != nil {
		items = append(items, model.OutgoingContent{Location: c.Location})
	}
	return items
}

func (c Content) primaryType() string {
	if items := c.Items(""); len(items) > 0 {
		return items[0].Type()
	}
	return "text"
}

// ResultEntry is one recorded send outcome.
type ResultEntry struct {
	SessionID     string `json:"sessionId"`
	TargetID      string `json:"targetId,omitempty"`
	OriginalToken string `json:"originalToken,omitempty"`
	Status        string `json:"status"`
	ContentType   string `json:"contentType"`
	MessageID     string `json:"messageId,omitempty"`
	Error         string `json:"error,omitempty"`
	SourceGroup   string `json:"sourceGroup,omitempty"`
	Name          string `json:"name,omitempty"`
}

// BatchResult is the append-only ledger of a batch with its counters.
type BatchResult struct {
	Total   int           `json:"total"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Entries []ResultEntry `json:"entries"`
}

func (r *BatchResult) add(e ResultEntry) {
	r.Entries = append(r.Entries, e)
	r.Total++
	if e.Status == StatusSent {
		r.Sent++
	} else {
		r.Failed++
	}
}

// Recipient is one dispatch target before resolution.
type Recipient struct {
	Token       string
	Name        string
	SourceGroup string
}

type BatchRequest struct {
	SessionIDs []string
	Recipients []Recipient
	Content    Content
	DelayMin   time.Duration
	DelayMax   time.Duration
}

type GroupMembersRequest struct {
	SessionID     string
	Groups        []string
	Content       Content
	DelayMin      time.Duration
	DelayMax      time.Duration
	ExcludeAdmins bool
}

// Dispatcher runs batches strictly sequentially: one pair at a time, paced
// by a random delay between pairs.
type Dispatcher struct {
	handles HandleProvider
	log     zerolog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	resolve func(ctx context.Context, h model.Handle, token string) (Resolution, error)

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewDispatcher(handles HandleProvider, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handles: handles,
		log:     log,
		sleep:   sleepContext,
		resolve: Resolve,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RecipientsFromTokens wraps plain tokens.
func RecipientsFromTokens(tokens []string) []Recipient {
	out := make([]Recipient, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, Recipient{Token: t})
		}
	}
	return out
}

// RecipientsFromSheet maps spreadsheet rows onto recipients carrying the
// row name for {name} templating.
func RecipientsFromSheet(rows []helper.SheetRecipient) []Recipient {
	out := make([]Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, Recipient{Token: r.Phone, Name: r.Name})
	}
	return out
}

func validateBatch(recipients []Recipient, content Content, delayMin, delayMax time.Duration) error {
	switch {
	case len(recipients) == 0:
		return fmt.Errorf("%w: no recipients", ErrInvalidBatch)
	case content.IsEmpty():
		return fmt.Errorf("%w: empty content", ErrInvalidBatch)
	case delayMin < 0 || delayMax < 0:
		return fmt.Errorf("%w: negative delay", ErrInvalidBatch)
	case delayMax < delayMin:
		return fmt.Errorf("%w: delayMax below delayMin", ErrInvalidBatch)
	}
	return nil
}

type readyHandle struct {
	sessionID string
	handle    model.Handle
}

// SendToRecipients sends the content to every recipient via every session,
// recipients in the outer loop and sessions in the inner loop.
func (d *Dispatcher) SendToRecipients(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	sessionIDs := dedupe(req.SessionIDs)
	if len(sessionIDs) == 0 {
		return nil, fmt.Errorf("%w: no sessions", ErrInvalidBatch)
	}
	if err := validateBatch(req.Recipients, req.Content, req.DelayMin, req.DelayMax); err != nil {
		return nil, err
	}

	result := &BatchResult{Entries: []ResultEntry{}}
	var ready []readyHandle
	for _, id := range sessionIDs {
		h, err := d.handles.GetOrRestore(ctx, id)
		if err != nil {
			result.add(ResultEntry{
				SessionID:   id,
				Status:      StatusFailed,
				ContentType: req.Content.primaryType(),
				Error:       err.Error(),
			})
			continue
		}
		ready = append(ready, readyHandle{sessionID: id, handle: h})
	}
	if len(ready) == 0 {
		return result, fmt.Errorf("%w: none of %d sessions connected", ErrNoSessionReady, len(sessionIDs))
	}

	err := d.run(ctx, ready, req.Recipients, req.Content, req.DelayMin, req.DelayMax, result)
	return result, err
}

// SendToGroupMembers sends to the members of one or several groups through
// a single session. Members are deduplicated by phone number and attributed
// to the first group that listed them. The session's own number is skipped.
func (d *Dispatcher) SendToGroupMembers(ctx context.Context, req GroupMembersRequest) (*BatchResult, error) {
	groups := dedupe(req.Groups)
	if req.SessionID == "" || len(groups) == 0 {
		return nil, fmt.Errorf("%w: session and at least one group required", ErrInvalidBatch)
	}
	if req.Content.IsEmpty() {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidBatch)
	}

	h, err := d.handles.GetOrRestore(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Entries: []ResultEntry{}}
	recipients := d.collectMembers(ctx, req, h, groups, result)
	if len(recipients) == 0 {
		return result, fmt.Errorf("%w: groups have no eligible members", ErrInvalidBatch)
	}
	if err := validateBatch(recipients, req.Content, req.DelayMin, req.DelayMax); err != nil {
		return nil, err
	}

	err = d.run(ctx, []readyHandle{{sessionID: req.SessionID, handle: h}}, recipients, req.Content, req.DelayMin, req.DelayMax, result)
	return result, err
}

func (d *Dispatcher) collectMembers(ctx context.Context, req GroupMembersRequest, h model.Handle, groups []string, result *BatchResult) []Recipient {
	own := helper.DigitsOnly(h.PhoneNumber())
	seen := make(map[string]bool)
	var out []Recipient

	for _, token := range groups {
		res, err := d.resolve(ctx, h, token)
		if err == nil && !strings.HasSuffix(res.ChatID, model.GroupSuffix) {
			err = fmt.Errorf("%w: %s is not a group", ErrRecipientNotFound, token)
		}
		var members []model.Participant
		if err == nil {
			members, err = h.GroupParticipants(ctx, res.ChatID)
		}
		if err != nil {
			result.add(ResultEntry{
				SessionID:     req.SessionID,
				OriginalToken: token,
				Status:        StatusFailed,
				ContentType:   req.Content.primaryType(),
				Error:         err.Error(),
				SourceGroup:   token,
			})
			continue
		}

		source := res.ChatID
		if res.DisplayName != "" {
			source = res.DisplayName
		}
		for _, p := range members {
			phone := helper.DigitsOnly(p.PhoneNumber)
			if phone == "" && strings.HasSuffix(p.ID, model.PersonSuffix) {
				phone = helper.ExtractPhoneFromJID(p.ID)
			}
			if phone == "" || phone == own || seen[phone] {
				continue
			}
			if req.ExcludeAdmins && p.IsAdmin {
				continue
			}
			seen[phone] = true
			out = append(out, Recipient{Token: phone + model.PersonSuffix, SourceGroup: source})
		}
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, sessions []readyHandle, recipients []Recipient, content Content, delayMin, delayMax time.Duration, result *BatchResult) error {
	for _, r := range recipients {
		for _, s := range sessions {
			res, err := d.resolve(ctx, s.handle, r.Token)
			if err != nil {
				result.add(ResultEntry{
					SessionID:     s.sessionID,
					OriginalToken: r.Token,
					Status:        StatusFailed,
					ContentType:   content.primaryType(),
					Error:         err.Error(),
					SourceGroup:   r.SourceGroup,
					Name:          r.Name,
				})
				continue
			}

			for _, item := range content.Items(r.Name) {
				entry := ResultEntry{
					SessionID:     s.sessionID,
					TargetID:      res.ChatID,
					OriginalToken: r.Token,
					ContentType:   item.Type(),
					SourceGroup:   r.SourceGroup,
					Name:          r.Name,
				}
				msgID, err := s.handle.SendMessage(ctx, res.ChatID, item, model.SendOptions{})
				if err != nil {
					entry.Status = StatusFailed
					entry.Error = fmt.Errorf("%w: %v", ErrSendFailed, err).Error()
					d.log.Warn().Err(err).Str("session_id", s.sessionID).Str("target", res.ChatID).Msg("send failed")
				} else {
					entry.Status = StatusSent
					entry.MessageID = msgID
				}
				result.add(entry)
			}

			if err := d.sleep(ctx, d.pickDelay(delayMin, delayMax)); err != nil {
				return err
			}
		}
	}
	return nil
}

// pickDelay draws uniformly from [lo, hi].
func (d *Dispatcher) pickDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	d.rndMu.Lock()
	defer d.rndMu.Unlock()
	return lo + time.Duration(d.rnd.Int63n(int64(hi-lo)+1))
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
