package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gowa-dispatch/internal/model"
)

type sentMessage struct {
	handle  string
	chatID  string
	content model.OutgoingContent
}

// sendLog records sends across several fake handles in order.
type sendLog struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (l *sendLog) add(m sentMessage) {
	l.mu.Lock()
	l.sent = append(l.sent, m)
	l.mu.Unlock()
}

func (l *sendLog) all() []sentMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentMessage(nil), l.sent...)
}

type fakeHandle struct {
	name    string
	phone   string
	chats   []model.Chat
	members map[string][]model.Participant
	failFor map[string]error
	log     *sendLog

	emit     func(model.HandleEvent)
	initErr  error
	initFunc func(h *fakeHandle)

	mu        sync.Mutex
	ready     bool
	destroyed bool
}

func (h *fakeHandle) Initialize(ctx context.Context) error {
	if h.initErr != nil {
		return h.initErr
	}
	if h.initFunc != nil {
		h.initFunc(h)
	}
	return nil
}

func (h *fakeHandle) Destroy() {
	h.mu.Lock()
	h.destroyed = true
	h.ready = false
	h.mu.Unlock()
}

func (h *fakeHandle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *fakeHandle) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *fakeHandle) PhoneNumber() string { return h.phone }

func (h *fakeHandle) ListChats(ctx context.Context) ([]model.Chat, error) {
	return h.chats, nil
}

func (h *fakeHandle) GetChatByID(ctx context.Context, chatID string) (*model.Chat, error) {
	for _, c := range h.chats {
		if c.ID == chatID {
			c := c
			return &c, nil
		}
	}
	return nil, errors.New("chat not found")
}

func (h *fakeHandle) GetContactByID(ctx context.Context, contactID string) (*model.Contact, error) {
	return &model.Contact{ID: contactID}, nil
}

func (h *fakeHandle) IsRegisteredUser(ctx context.Context, contactID string) (bool, error) {
	return true, nil
}

func (h *fakeHandle) GroupParticipants(ctx context.Context, groupID string) ([]model.Participant, error) {
	members, ok := h.members[groupID]
	if !ok {
		return nil, errors.New("group not found")
	}
	return members, nil
}

func (h *fakeHandle) SendMessage(ctx context.Context, chatID string, content model.OutgoingContent, opts model.SendOptions) (string, error) {
	if err, ok := h.failFor[chatID]; ok {
		return "", err
	}
	if h.log != nil {
		h.log.add(sentMessage{handle: h.name, chatID: chatID, content: content})
	}
	return "MSG-" + h.name + "-" + chatID, nil
}

func (h *fakeHandle) UpdateParticipants(ctx context.Context, groupID string, participants []string, action model.ParticipantAction) error {
	return nil
}

func (h *fakeHandle) React(ctx context.Context, chatID, messageID, emoji string) error {
	return nil
}

// connectOnInit makes a handle walk through authenticated and ready.
func connectOnInit(h *fakeHandle) {
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	h.emit(model.HandleEvent{Kind: model.EventAuthenticated})
	h.emit(model.HandleEvent{Kind: model.EventReady, PhoneNumber: h.phone})
}

// fakeProvider hands out fixed handles by session id.
type fakeProvider struct {
	handles map[string]model.Handle
	errs    map[string]error
}

func (p *fakeProvider) GetOrRestore(ctx context.Context, sessionID string) (model.Handle, error) {
	if err, ok := p.errs[sessionID]; ok {
		return nil, err
	}
	h, ok := p.handles[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return h, nil
}

type memStore struct {
	mu         sync.Mutex
	records    map[string]model.Session
	history    map[string][]model.SessionStatus
	failUpdate error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]model.Session), history: make(map[string][]model.SessionStatus)}
}

func (s *memStore) Create(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sess.SessionID] = *sess
	s.history[sess.SessionID] = append(s.history[sess.SessionID], sess.Status)
	return nil
}

func (s *memStore) FindByID(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	return &rec, nil
}

func (s *memStore) FindByOwner(ctx context.Context, ownerID string) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, r := range s.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) FindByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, r := range s.records {
		for _, st := range statuses {
			if r.Status == st {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (s *memStore) Update(ctx context.Context, sessionID string, upd model.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate != nil {
		return s.failUpdate
	}
	rec, ok := s.records[sessionID]
	if !ok {
		return model.ErrRecordNotFound
	}
	rec.Status = upd.Status
	if upd.PhoneNumber != nil {
		rec.PhoneNumber = *upd.PhoneNumber
	}
	if upd.QRPayload != nil {
		rec.QRPayload = *upd.QRPayload
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[sessionID] = rec
	s.history[sessionID] = append(s.history[sessionID], upd.Status)
	return nil
}

func (s *memStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[sessionID]
	delete(s.records, sessionID)
	return ok, nil
}

func (s *memStore) DeleteAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[string]model.Session)
	return n, nil
}

func (s *memStore) FindStale(ctx context.Context, ownerID string, statuses []model.SessionStatus, before time.Time) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Session
	for _, r := range s.records {
		if ownerID != "" && r.OwnerID != ownerID {
			continue
		}
		if !r.UpdatedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if r.Status == st {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *memStore) statusHistory(sessionID string) []model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SessionStatus(nil), s.history[sessionID]...)
}

func (s *memStore) put(rec model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
}

type fakeCreds struct {
	mu     sync.Mutex
	purged []string
	all    int
}

func (c *fakeCreds) Purge(sessionID string) error {
	c.mu.Lock()
	c.purged = append(c.purged, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *fakeCreds) PurgeAll() error {
	c.mu.Lock()
	c.all++
	c.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Notify(category model.WebhookCategory, evt model.Event) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
}

func (n *recordingNotifier) named(name string) []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.Event
	for _, e := range n.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}
