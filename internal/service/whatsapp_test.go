package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gowa-dispatch/internal/model"
)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		CreateTimeout:       time.Second,
		RestorePollInterval: 5 * time.Millisecond,
		RestorePollAttempts: 100,
		StartupStagger:      time.Millisecond,
		StaleTerminalAge:    time.Hour,
		StaleQRAge:          10 * time.Minute,
	}
}

// handleFactory builds fake handles and counts how many were created.
type handleFactory struct {
	created  int32
	mu       sync.Mutex
	handles  []*fakeHandle
	initFunc func(h *fakeHandle)
	initErr  error
	delay    time.Duration
}

func (f *handleFactory) build(sessionID string, emit func(model.HandleEvent)) (model.Handle, error) {
	atomic.AddInt32(&f.created, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	h := &fakeHandle{name: sessionID, phone: "6281234567890", emit: emit, initFunc: f.initFunc, initErr: f.initErr}
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
	return h, nil
}

func (f *handleFactory) count() int {
	return int(atomic.LoadInt32(&f.created))
}

func (f *handleFactory) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

func newTestManager(store *memStore, f *handleFactory, creds *fakeCreds, bus Notifier) *SessionManager {
	return NewSessionManager(store, f.build, creds, bus, testManagerConfig(), zerolog.Nop())
}

func seedSession(store *memStore, id string, status model.SessionStatus) {
	now := time.Now().UTC()
	store.put(model.Session{SessionID: id, OwnerID: "owner", Status: status, CreatedAt: now, UpdatedAt: now})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConcurrentRestoreCreatesOneHandle(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	f := &handleFactory{initFunc: connectOnInit, delay: 20 * time.Millisecond}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Restore(context.Background(), "s1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("restore failed: %v", err)
	}

	if n := f.count(); n != 1 {
		t.Fatalf("want exactly one handle creation, got %d", n)
	}
	if active := m.ListActive(); len(active) != 1 || !active[0].IsReady {
		t.Fatalf("unexpected pool: %+v", active)
	}
}

func TestStartSessionWalksLegalTransitions(t *testing.T) {
	store := newMemStore()
	bus := &recordingNotifier{}
	f := &handleFactory{initFunc: func(h *fakeHandle) {
		h.emit(model.HandleEvent{Kind: model.EventQR, QR: "2@abc"})
		h.emit(model.HandleEvent{Kind: model.EventQR, QR: "2@def"})
		connectOnInit(h)
	}}
	m := newTestManager(store, f, &fakeCreds{}, bus)

	id, err := m.StartSession(context.Background(), "owner", "Main", true)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitFor(t, "connected", func() bool { return m.IsReady(id) })

	want := []model.SessionStatus{
		model.StatusPending, model.StatusQR, model.StatusQR, model.StatusAuthenticated, model.StatusConnected,
	}
	got := store.statusHistory(id)
	if len(got) != len(want) {
		t.Fatalf("status history %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status history %v, want %v", got, want)
		}
	}

	rec, _ := store.FindByID(context.Background(), id)
	if rec.PhoneNumber != "6281234567890" || rec.QRPayload != "" {
		t.Fatalf("connected record should carry phone and no QR: %+v", rec)
	}
	if n := len(bus.named(model.EventNameSessionUpdate)); n != len(want) {
		t.Fatalf("want %d session.update events, got %d", len(want), n)
	}
}

func TestReadyWithoutAuthenticatedIsIgnored(t *testing.T) {
	store := newMemStore()
	f := &handleFactory{initFunc: func(h *fakeHandle) {
		h.emit(model.HandleEvent{Kind: model.EventReady, PhoneNumber: "1"})
	}}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	id, _ := m.StartSession(context.Background(), "owner", "x", true)
	waitFor(t, "handle", func() bool { return f.count() == 1 })
	time.Sleep(30 * time.Millisecond)

	rec, _ := store.FindByID(context.Background(), id)
	if rec.Status != model.StatusPending || m.IsReady(id) {
		t.Fatalf("pending must not jump to connected: %+v", rec)
	}
}

func TestCreationFailureIsClassified(t *testing.T) {
	cases := []struct {
		err  error
		want model.SessionStatus
	}{
		{errors.New("dial tcp: connection refused"), model.StatusNetworkError},
		{errors.New("store is corrupt"), model.StatusFailed},
	}
	for _, tc := range cases {
		store := newMemStore()
		f := &handleFactory{initErr: tc.err}
		m := newTestManager(store, f, &fakeCreds{}, nil)

		id, err := m.StartSession(context.Background(), "owner", "x", true)
		if err != nil {
			t.Fatalf("creation failures must not fail StartSession: %v", err)
		}
		waitFor(t, string(tc.want), func() bool {
			rec, _ := store.FindByID(context.Background(), id)
			return rec.Status == tc.want
		})
		if len(m.ListActive()) != 0 {
			t.Fatal("failed handle must not stay pooled")
		}
		if !f.last().isDestroyed() {
			t.Fatal("failed handle must be destroyed")
		}
	}
}

func TestCreationTimeout(t *testing.T) {
	store := newMemStore()
	f := &handleFactory{initFunc: func(h *fakeHandle) { time.Sleep(200 * time.Millisecond) }}
	m := NewSessionManager(store, f.build, &fakeCreds{}, nil, ManagerConfig{CreateTimeout: 20 * time.Millisecond}, zerolog.Nop())

	id, _ := m.StartSession(context.Background(), "owner", "x", true)
	waitFor(t, "network_error", func() bool {
		rec, _ := store.FindByID(context.Background(), id)
		return rec.Status == model.StatusNetworkError
	})
}

func TestGetOrRestoreUnknownSession(t *testing.T) {
	m := newTestManager(newMemStore(), &handleFactory{}, &fakeCreds{}, nil)
	if _, err := m.GetOrRestore(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestGetOrRestoreNeverReady(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusDisconnected)
	m := NewSessionManager(store, (&handleFactory{}).build, &fakeCreds{}, nil, ManagerConfig{
		RestorePollInterval: time.Millisecond,
		RestorePollAttempts: 3,
	}, zerolog.Nop())

	_, err := m.GetOrRestore(context.Background(), "s1")
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("want ErrSessionUnavailable, got %v", err)
	}
	rec, _ := store.FindByID(context.Background(), "s1")
	if rec.Status != model.StatusPending {
		t.Fatalf("restore must re-enter pending, got %s", rec.Status)
	}
}

func TestDisconnectedCallbackEvictsHandle(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	if _, err := m.GetOrRestore(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrRestore: %v", err)
	}
	f.last().emit(model.HandleEvent{Kind: model.EventDisconnected, Reason: "closed"})

	waitFor(t, "eviction", func() bool { _, ok := m.Handle("s1"); return !ok })
	rec, _ := store.FindByID(context.Background(), "s1")
	if rec.Status != model.StatusDisconnected {
		t.Fatalf("want disconnected, got %s", rec.Status)
	}
	if !f.last().isDestroyed() {
		t.Fatal("evicted handle must be destroyed")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	if _, err := m.GetOrRestore(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrRestore: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Disconnect(context.Background(), "s1"); err != nil {
			t.Fatalf("Disconnect #%d: %v", i, err)
		}
	}
	rec, _ := store.FindByID(context.Background(), "s1")
	if rec.Status != model.StatusDisconnected || len(m.ListActive()) != 0 {
		t.Fatalf("unexpected state after disconnect: %+v", rec)
	}
}

func TestDelete(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	f := &handleFactory{initFunc: connectOnInit}
	creds := &fakeCreds{}
	m := newTestManager(store, f, creds, nil)

	existed, err := m.Delete(context.Background(), "missing")
	if err != nil || existed {
		t.Fatalf("deleting a missing session must report false without error: %v %v", existed, err)
	}

	if _, err := m.GetOrRestore(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrRestore: %v", err)
	}
	existed, err = m.Delete(context.Background(), "s1")
	if err != nil || !existed {
		t.Fatalf("Delete => %v %v", existed, err)
	}
	if _, ok := m.Handle("s1"); ok {
		t.Fatal("handle must be gone")
	}
	if _, err := store.FindByID(context.Background(), "s1"); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatal("record must be gone")
	}
	if len(creds.purged) != 2 || creds.purged[1] != "s1" {
		t.Fatalf("credentials not purged: %v", creds.purged)
	}
}

func TestClearAll(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	seedSession(store, "s2", model.StatusDisconnected)
	creds := &fakeCreds{}
	m := newTestManager(store, &handleFactory{initFunc: connectOnInit}, creds, nil)

	if _, err := m.GetOrRestore(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrRestore: %v", err)
	}
	n, err := m.ClearAll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ClearAll => %d %v", n, err)
	}
	if len(m.ListActive()) != 0 || creds.all != 1 {
		t.Fatal("pool and credentials must be cleared")
	}
}

func TestStartSessionPurgesStaleRecords(t *testing.T) {
	store := newMemStore()
	old := time.Now().UTC().Add(-2 * time.Hour)
	store.put(model.Session{SessionID: "old", OwnerID: "owner", Status: model.StatusAuthFailed, UpdatedAt: old})
	store.put(model.Session{SessionID: "qr", OwnerID: "owner", Status: model.StatusQR, UpdatedAt: time.Now().UTC().Add(-15 * time.Minute)})
	store.put(model.Session{SessionID: "fresh", OwnerID: "owner", Status: model.StatusDisconnected, UpdatedAt: time.Now().UTC()})
	store.put(model.Session{SessionID: "other", OwnerID: "someone", Status: model.StatusAuthFailed, UpdatedAt: old})

	m := newTestManager(store, &handleFactory{}, &fakeCreds{}, nil)
	if _, err := m.StartSession(context.Background(), "owner", "x", true); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	for id, want := range map[string]bool{"old": false, "qr": false, "fresh": true, "other": true} {
		_, err := store.FindByID(context.Background(), id)
		if exists := err == nil; exists != want {
			t.Errorf("%s exists=%v, want %v", id, exists, want)
		}
	}
}

func TestStartSessionReusesPooledSession(t *testing.T) {
	store := newMemStore()
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, nil)
	ctx := context.Background()

	first, _ := m.StartSession(ctx, "owner", "Main", false)
	waitFor(t, "connected", func() bool { return m.IsReady(first) })

	second, _ := m.StartSession(ctx, "owner", "Main", false)
	if second != first {
		t.Fatalf("forceNew=false should reuse %s, got %s", first, second)
	}
	third, _ := m.StartSession(ctx, "owner", "Main", true)
	if third == first {
		t.Fatal("forceNew=true must allocate a new session")
	}
}

func TestRestoreAllConnectedOnStartup(t *testing.T) {
	store := newMemStore()
	seedSession(store, "a", model.StatusConnected)
	seedSession(store, "b", model.StatusAuthenticated)
	seedSession(store, "c", model.StatusDisconnected)

	f := &handleFactory{initFunc: func(h *fakeHandle) {
		if h.name == "b" {
			return
		}
		connectOnInit(h)
	}}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	n, err := m.RestoreAllConnectedOnStartup(context.Background())
	if err != nil {
		t.Fatalf("RestoreAllConnectedOnStartup: %v", err)
	}
	if n != 2 || f.count() != 2 {
		t.Fatalf("want 2 restores, got %d (created %d)", n, f.count())
	}
	if !m.IsReady("a") {
		t.Fatal("a should be connected")
	}
}

func TestStartupRestoreFailureDegradesToDisconnected(t *testing.T) {
	store := newMemStore()
	seedSession(store, "a", model.StatusConnected)
	f := &handleFactory{initErr: errors.New("device store missing")}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	if _, err := m.RestoreAllConnectedOnStartup(context.Background()); err != nil {
		t.Fatalf("RestoreAllConnectedOnStartup: %v", err)
	}
	rec, _ := store.FindByID(context.Background(), "a")
	if rec.Status != model.StatusDisconnected {
		t.Fatalf("want disconnected, got %s", rec.Status)
	}
}

func TestMessageEventsReachBus(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	bus := &recordingNotifier{}
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, bus)

	if _, err := m.GetOrRestore(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrRestore: %v", err)
	}
	f.last().emit(model.HandleEvent{Kind: model.EventMessage, MessageID: "M1", ChatID: "x@s.whatsapp.net", Body: "hi"})
	f.last().emit(model.HandleEvent{Kind: model.EventMessageAck, MessageIDs: []string{"M2"}, AckLevel: model.AckRead})

	waitFor(t, "bus events", func() bool {
		return len(bus.named(model.EventNameMessageReceived)) == 1 &&
			len(bus.named(model.EventNameMessageAck)) == 1 &&
			len(bus.named(model.EventNameMessageDelivered)) == 1
	})
}

func TestShutdownKeepsRecords(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusConnected)
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	if _, err := m.GetOrRestore(context.Background(), "s1"); err != nil {
		t.Fatalf("GetOrRestore: %v", err)
	}
	m.Shutdown()

	rec, _ := store.FindByID(context.Background(), "s1")
	if rec.Status != model.StatusConnected || len(m.ListActive()) != 0 || !f.last().isDestroyed() {
		t.Fatalf("shutdown must destroy handles and keep status: %+v", rec)
	}
}

func TestDeleteRightAfterStartLeavesNoHandle(t *testing.T) {
	store := newMemStore()
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	var ids []string
	for i := 0; i < 50; i++ {
		id, err := m.StartSession(context.Background(), "owner", "phone", true)
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		existed, err := m.Delete(context.Background(), id)
		if err != nil || !existed {
			t.Fatalf("Delete => %v %v", existed, err)
		}
		ids = append(ids, id)
	}

	time.Sleep(50 * time.Millisecond)
	for _, id := range ids {
		if _, ok := m.Handle(id); ok {
			t.Fatalf("deleted session %s still has a pooled handle", id)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handles {
		if !h.isDestroyed() {
			t.Fatalf("handle %s created for a deleted session was not destroyed", h.name)
		}
	}
}

func TestEnsureHandleForDeletedRecord(t *testing.T) {
	store := newMemStore()
	f := &handleFactory{initFunc: connectOnInit}
	m := newTestManager(store, f, &fakeCreds{}, nil)

	if _, err := m.ensureHandle(context.Background(), "gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
	if f.count() != 0 {
		t.Fatal("no handle may be built for a missing record")
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCallbackStoreFailureIsLogged(t *testing.T) {
	store := newMemStore()
	seedSession(store, "s1", model.StatusPending)
	store.mu.Lock()
	store.failUpdate = errors.New("db down")
	store.mu.Unlock()

	logs := &syncBuffer{}
	f := &handleFactory{initFunc: connectOnInit}
	m := NewSessionManager(store, f.build, &fakeCreds{}, nil, testManagerConfig(), zerolog.New(logs))

	if _, err := m.ensureHandle(context.Background(), "s1"); err != nil {
		t.Fatalf("ensureHandle: %v", err)
	}
	waitFor(t, "status failure log", func() bool {
		return strings.Contains(logs.String(), "failed to record status change")
	})
	if m.IsReady("s1") {
		t.Fatal("session must not be marked ready when the record did not move")
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}
}
