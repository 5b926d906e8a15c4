package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gowa-dispatch/internal/model"
)

type captureSink struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (s *captureSink) Deliver(ctx context.Context, evt model.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return s.err
}

func TestNotifyWithoutURLIsDropped(t *testing.T) {
	sink := &captureSink{}
	bus := NewNotificationBus(model.NewWebhookRegistry(nil), "", 0, zerolog.Nop(), sink)

	bus.Notify(model.CategoryMessage, model.Event{Event: model.EventNameMessageReceived, SessionID: "s1"})
	bus.Wait()

	if err := bus.post(context.Background(), model.CategoryMessage, model.Event{Event: "x"}); err != nil {
		t.Fatalf("missing URL must be a silent no-op, got %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("sinks still receive the event, got %d", len(sink.events))
	}
}

func TestNotifyPostsSignedPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		signature = r.Header.Get(SignatureHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reg := model.NewWebhookRegistry(map[model.WebhookCategory]string{model.CategorySession: srv.URL})
	bus := NewNotificationBus(reg, "topsecret", time.Second, zerolog.Nop())

	bus.Notify(model.CategorySession, model.Event{
		Event:     model.EventNameSessionUpdate,
		SessionID: "s1",
		Data:      map[string]interface{}{"status": "qr"},
	})
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for _, key := range []string{"event", "sessionId", "timestamp"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q: %s", key, body)
		}
	}
	if payload["event"] != model.EventNameSessionUpdate || payload["sessionId"] != "s1" {
		t.Fatalf("unexpected payload: %s", body)
	}
	if signature != Sign("topsecret", body) {
		t.Fatalf("signature mismatch: %s", signature)
	}
}

func TestNotifyUnreachableDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	reg := model.NewWebhookRegistry(map[model.WebhookCategory]string{model.CategoryMessage: url})
	sink := &captureSink{err: errors.New("broker down")}
	bus := NewNotificationBus(reg, "", 200*time.Millisecond, zerolog.Nop(), sink)

	done := make(chan struct{})
	go func() {
		bus.Notify(model.CategoryMessage, model.Event{Event: model.EventNameMessageReceived, SessionID: "s1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Notify must return immediately")
	}
	bus.Wait()

	if err := bus.post(context.Background(), model.CategoryMessage, model.Event{Event: "x"}); err == nil {
		t.Fatal("direct post to a closed server should report an error")
	}
}

func TestLastRegistrationWins(t *testing.T) {
	hits := make(chan string, 4)
	mk := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits <- name
		}))
	}
	a, b := mk("a"), mk("b")
	defer a.Close()
	defer b.Close()

	reg := model.NewWebhookRegistry(nil)
	reg.Set(model.CategoryGroup, a.URL)
	reg.Set(model.CategoryGroup, b.URL)
	bus := NewNotificationBus(reg, "", time.Second, zerolog.Nop())

	bus.Notify(model.CategoryGroup, model.Event{Event: model.EventNameGroupMemberAdded, SessionID: "s1"})
	bus.Wait()

	if got := <-hits; got != "b" {
		t.Fatalf("want last registration b, got %s", got)
	}
	if len(hits) != 0 {
		t.Fatal("exactly one POST expected")
	}
}

func TestEventsForHandleEvent(t *testing.T) {
	out := eventsForHandleEvent("s1", model.HandleEvent{Kind: model.EventMessageAck, AckLevel: model.AckServer})
	if len(out) != 1 || out[0].Event != model.EventNameMessageAck {
		t.Fatalf("server ack should only yield message.ack: %+v", out)
	}

	out = eventsForHandleEvent("s1", model.HandleEvent{Kind: model.EventGroupLeave, GroupID: "g@g.us"})
	if len(out) != 1 || out[0].Event != model.EventNameGroupMemberRemoved || categoryFor(out[0].Event) != model.CategoryGroup {
		t.Fatalf("group leave mapping wrong: %+v", out)
	}

	if out = eventsForHandleEvent("s1", model.HandleEvent{Kind: model.EventQR}); out != nil {
		t.Fatalf("lifecycle events are not forwarded directly: %+v", out)
	}
}

func TestNotifyKeepsOrderPerDestination(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt model.Event
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		statuses = append(statuses, evt.Data["status"].(string))
		mu.Unlock()
	}))
	defer srv.Close()

	reg := model.NewWebhookRegistry(map[model.WebhookCategory]string{model.CategorySession: srv.URL})
	sink := &captureSink{}
	bus := NewNotificationBus(reg, "", time.Second, zerolog.Nop(), sink)
	defer bus.Close()

	order := []string{"pending", "qr", "authenticated", "connected", "disconnected", "deleted"}
	for i := 0; i < 20; i++ {
		for _, st := range order {
			bus.Notify(model.CategorySession, model.Event{
				Event:     model.EventNameSessionUpdate,
				SessionID: "s1",
				Data:      map[string]interface{}{"status": st},
			})
		}
	}
	bus.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	if len(sink.events) != 20*len(order) || len(statuses) != 20*len(order) {
		t.Fatalf("want %d deliveries, sink got %d, webhook got %d", 20*len(order), len(sink.events), len(statuses))
	}
	for i, evt := range sink.events {
		if want := order[i%len(order)]; evt.Data["status"] != want {
			t.Fatalf("sink event %d: want %s, got %v", i, want, evt.Data["status"])
		}
		if want := order[i%len(order)]; statuses[i] != want {
			t.Fatalf("webhook event %d: want %s, got %s", i, want, statuses[i])
		}
	}
}

// stuckSink blocks until released, ignoring its context.
type stuckSink struct{ release chan struct{} }

func (s *stuckSink) Deliver(ctx context.Context, evt model.Event) error {
	<-s.release
	return nil
}

func TestStalledSinkDoesNotHoldWebhook(t *testing.T) {
	posted := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted <- struct{}{}
	}))
	defer srv.Close()

	reg := model.NewWebhookRegistry(map[model.WebhookCategory]string{model.CategoryMessage: srv.URL})
	sink := &stuckSink{release: make(chan struct{})}
	bus := NewNotificationBus(reg, "", time.Second, zerolog.Nop(), sink)
	defer bus.Close()

	bus.Notify(model.CategoryMessage, model.Event{Event: model.EventNameMessageReceived, SessionID: "s1"})
	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook must be posted while a sink is stuck")
	}
	close(sink.release)
	bus.Wait()
}

func TestSinkDeliveryHasDeadline(t *testing.T) {
	deadlines := make(chan bool, 1)
	sink := sinkFunc(func(ctx context.Context, evt model.Event) error {
		_, ok := ctx.Deadline()
		deadlines <- ok
		<-ctx.Done()
		return ctx.Err()
	})
	bus := NewNotificationBus(model.NewWebhookRegistry(nil), "", 50*time.Millisecond, zerolog.Nop(), sink)
	defer bus.Close()

	bus.Notify(model.CategorySession, model.Event{Event: model.EventNameSessionUpdate, SessionID: "s1"})
	bus.Wait()
	if !<-deadlines {
		t.Fatal("sink context must carry the delivery timeout")
	}
}

type sinkFunc func(ctx context.Context, evt model.Event) error

func (f sinkFunc) Deliver(ctx context.Context, evt model.Event) error { return f(ctx, evt) }
