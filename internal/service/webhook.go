package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gowa-dispatch/internal/model"
)

const (
	DefaultWebhookTimeout = 5 * time.Second
	SignatureHeader       = "X-Webhook-Signature"

	// deliveryQueueSize bounds the backlog of one destination. Events beyond
	// it are dropped.
	deliveryQueueSize = 1024
)

// destination is one ordered delivery target: a sink or the webhook of one
// category. Each has its own worker, so a stalled target only delays itself.
type destination struct {
	name    string
	events  chan model.Event
	deliver func(ctx context.Context, evt model.Event) error
}

// NotificationBus forwards events to the webhook registered for their
// category and to any extra sinks. Delivery is detached from the caller,
// attempted once and never retried. Events reach every destination in the
// order Notify saw them.
type NotificationBus struct {
	registry *model.WebhookRegistry
	secret   string
	timeout  time.Duration
	client   *http.Client
	log      zerolog.Logger

	sinks []*destination
	hooks map[model.WebhookCategory]*destination

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewNotificationBus(registry *model.WebhookRegistry, secret string, timeout time.Duration, log zerolog.Logger, sinks ...model.EventSink) *NotificationBus {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	b := &NotificationBus{
		registry: registry,
		secret:   secret,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		log:      log,
		hooks:    make(map[model.WebhookCategory]*destination, len(model.WebhookCategories)),
	}

	for _, sink := range sinks {
		d := &destination{
			name:    fmt.Sprintf("sink %T", sink),
			events:  make(chan model.Event, deliveryQueueSize),
			deliver: sink.Deliver,
		}
		b.sinks = append(b.sinks, d)
		go b.drain(d)
	}
	for _, c := range model.WebhookCategories {
		category := c
		d := &destination{
			name:   "webhook " + string(category),
			events: make(chan model.Event, deliveryQueueSize),
			deliver: func(ctx context.Context, evt model.Event) error {
				return b.post(ctx, category, evt)
			},
		}
		b.hooks[category] = d
		go b.drain(d)
	}
	return b
}

// Registry exposes the category registry for the webhook endpoints.
func (b *NotificationBus) Registry() *model.WebhookRegistry {
	return b.registry
}

// Notify never blocks and never fails.
func (b *NotificationBus) Notify(category model.WebhookCategory, evt model.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, d := range b.sinks {
		b.enqueue(d, evt)
	}
	if d, ok := b.hooks[category]; ok {
		b.enqueue(d, evt)
	}
}

func (b *NotificationBus) enqueue(d *destination, evt model.Event) {
	b.wg.Add(1)
	select {
	case d.events <- evt:
	default:
		b.wg.Done()
		b.log.Warn().Str("destination", d.name).Str("event", evt.Event).
			Str("session_id", evt.SessionID).Msg("delivery queue full, event dropped")
	}
}

func (b *NotificationBus) drain(d *destination) {
	for evt := range d.events {
		b.deliverOne(d, evt)
	}
}

func (b *NotificationBus) deliverOne(d *destination, evt model.Event) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("destination", d.name).Str("event", evt.Event).Msg("notification panic")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := d.deliver(ctx, evt); err != nil {
		b.log.Warn().Err(err).
			Str("destination", d.name).
			Str("event", evt.Event).
			Str("session_id", evt.SessionID).
			Msg("delivery failed")
	}
}

// Wait blocks until every queued delivery has finished.
func (b *NotificationBus) Wait() {
	b.wg.Wait()
}

// Close stops accepting events and lets the workers exit once their queues
// are drained.
func (b *NotificationBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, d := range b.sinks {
		close(d.events)
	}
	for _, d := range b.hooks {
		close(d.events)
	}
}

// post performs the single webhook attempt. A category without a URL is a
// silent no-op.
func (b *NotificationBus) post(ctx context.Context, category model.WebhookCategory, evt model.Event) error {
	url, ok := b.registry.Get(category)
	if !ok {
		return nil
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if b.secret != "" {
		req.Header.Set(SignatureHeader, Sign(b.secret, body))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// categoryFor maps an outbound event name onto its webhook category.
func categoryFor(event string) model.WebhookCategory {
	switch event {
	case model.EventNameMessageReceived:
		return model.CategoryMessage
	case model.EventNameMessageDelivered, model.EventNameMessageAck:
		return model.CategoryDelivery
	case model.EventNameGroupMemberAdded, model.EventNameGroupMemberRemoved:
		return model.CategoryGroup
	default:
		return model.CategorySession
	}
}

// eventsForHandleEvent translates a non-lifecycle handle callback into the
// outbound events it produces.
func eventsForHandleEvent(sessionID string, he model.HandleEvent) []model.Event {
	ts := he.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	newEvent := func(name string, data map[string]interface{}) model.Event {
		return model.Event{Event: name, SessionID: sessionID, Timestamp: ts, Data: data}
	}

	switch he.Kind {
	case model.EventMessage:
		return []model.Event{newEvent(model.EventNameMessageReceived, map[string]interface{}{
			"messageId": he.MessageID,
			"chatId":    he.ChatID,
			"from":      he.SenderID,
			"pushName":  he.PushName,
			"body":      he.Body,
			"fromMe":    he.FromMe,
		})}

	case model.EventMessageAck:
		data := map[string]interface{}{
			"chatId":     he.ChatID,
			"messageIds": he.MessageIDs,
			"ack":        he.AckLevel,
		}
		out := []model.Event{newEvent(model.EventNameMessageAck, data)}
		if he.AckLevel >= model.AckDelivered {
			out = append(out, newEvent(model.EventNameMessageDelivered, data))
		}
		return out

	case model.EventGroupJoin, model.EventGroupLeave:
		name := model.EventNameGroupMemberAdded
		if he.Kind == model.EventGroupLeave {
			name = model.EventNameGroupMemberRemoved
		}
		return []model.Event{newEvent(name, map[string]interface{}{
			"groupId":      he.GroupID,
			"participants": he.Participants,
		})}
	}
	return nil
}
