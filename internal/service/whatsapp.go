package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gowa-dispatch/internal/model"
)

// Notifier receives outbound events. The bus never blocks the caller.
type Notifier interface {
	Notify(category model.WebhookCategory, evt model.Event)
}

type ManagerConfig struct {
	CreateTimeout       time.Duration
	RestorePollInterval time.Duration
	RestorePollAttempts int
	StartupStagger      time.Duration
	StaleTerminalAge    time.Duration
	StaleQRAge          time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CreateTimeout:       60 * time.Second,
		RestorePollInterval: time.Second,
		RestorePollAttempts: 30,
		StartupStagger:      2 * time.Second,
		StaleTerminalAge:    time.Hour,
		StaleQRAge:          10 * time.Minute,
	}
}

// ActiveSession is one entry of the in-memory pool snapshot.
type ActiveSession struct {
	SessionID   string `json:"sessionId"`
	IsReady     bool   `json:"isReady"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// poolEntry is the registration of one live handle. Callbacks from the
// handle travel through events and are consumed by a single goroutine, so
// transitions for one session are applied in order.
type poolEntry struct {
	sessionID string
	handle    model.Handle
	events    chan model.HandleEvent
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	ready bool
	phone string
}

func newPoolEntry(sessionID string) *poolEntry {
	return &poolEntry{
		sessionID: sessionID,
		events:    make(chan model.HandleEvent, 64),
		done:      make(chan struct{}),
	}
}

func (e *poolEntry) emit(evt model.HandleEvent) {
	select {
	case e.events <- evt:
	case <-e.done:
	}
}

func (e *poolEntry) close() {
	e.closeOnce.Do(func() { close(e.done) })
}

func (e *poolEntry) isReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

func (e *poolEntry) setReady(ready bool, phone string) {
	e.mu.Lock()
	e.ready = ready
	if phone != "" {
		e.phone = phone
	}
	e.mu.Unlock()
}

// SessionManager owns the pool of connection handles and every session
// status transition.
type SessionManager struct {
	store   model.SessionStore
	factory model.HandleFactory
	creds   model.CredentialStore
	bus     Notifier
	cfg     ManagerConfig
	log     zerolog.Logger

	mu   sync.RWMutex
	pool map[string]*poolEntry

	locks       *keyedMutex // pool check-then-create, delete
	recordLocks *keyedMutex // record read-modify-write
	restores    singleflight.Group

	newID func() string
}

func NewSessionManager(store model.SessionStore, factory model.HandleFactory, creds model.CredentialStore, bus Notifier, cfg ManagerConfig, log zerolog.Logger) *SessionManager {
	def := DefaultManagerConfig()
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = def.CreateTimeout
	}
	if cfg.RestorePollInterval <= 0 {
		cfg.RestorePollInterval = def.RestorePollInterval
	}
	if cfg.RestorePollAttempts <= 0 {
		cfg.RestorePollAttempts = def.RestorePollAttempts
	}
	if cfg.StaleTerminalAge <= 0 {
		cfg.StaleTerminalAge = def.StaleTerminalAge
	}
	if cfg.StaleQRAge <= 0 {
		cfg.StaleQRAge = def.StaleQRAge
	}
	return &SessionManager{
		store:   store,
		factory: factory,
		creds:   creds,
		bus:     bus,
		cfg:     cfg,
		log:     log,
		pool:    make(map[string]*poolEntry),
		locks:   newKeyedMutex(),
		newID:   uuid.NewString,

		recordLocks: newKeyedMutex(),
	}
}

// StartSession allocates a session and begins connecting it in the
// background. Creation failures end up in the record, not in the error.
func (m *SessionManager) StartSession(ctx context.Context, ownerID, displayName string, forceNew bool) (string, error) {
	if _, err := m.purgeStale(ctx, ownerID); err != nil {
		m.log.Warn().Err(err).Str("owner_id", ownerID).Msg("stale session purge failed")
	}

	if !forceNew {
		if id, ok := m.reusableSession(ctx, ownerID, displayName); ok {
			m.log.Info().Str("session_id", id).Msg("reusing pooled session")
			return id, nil
		}
	}

	now := time.Now().UTC()
	rec := &model.Session{
		SessionID:   m.newID(),
		OwnerID:     ownerID,
		DisplayName: displayName,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create session record: %w", err)
	}
	m.publishSessionUpdate(rec, "")

	go func(sessionID string) {
		_, err := m.ensureHandle(context.Background(), sessionID)
		switch {
		case errors.Is(err, ErrSessionNotFound):
			m.log.Debug().Str("session_id", sessionID).Msg("session deleted before its handle was created")
		case err != nil:
			m.log.Error().Err(err).Str("session_id", sessionID).Msg("✗ handle creation failed")
		}
	}(rec.SessionID)

	m.log.Info().Str("session_id", rec.SessionID).Str("owner_id", ownerID).Msg("✓ session started")
	return rec.SessionID, nil
}

func (m *SessionManager) reusableSession(ctx context.Context, ownerID, displayName string) (string, bool) {
	records, err := m.store.FindByOwner(ctx, ownerID)
	if err != nil {
		return "", false
	}
	for _, rec := range records {
		if rec.DisplayName != displayName || rec.Status.IsTerminal() {
			continue
		}
		if m.entry(rec.SessionID) != nil {
			return rec.SessionID, true
		}
	}
	return "", false
}

// Get returns the persisted record.
func (m *SessionManager) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	rec, err := m.store.FindByID(ctx, sessionID)
	if errors.Is(err, model.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	return rec, err
}

// ListByOwner returns the owner's records, newest first.
func (m *SessionManager) ListByOwner(ctx context.Context, ownerID string) ([]model.Session, error) {
	return m.store.FindByOwner(ctx, ownerID)
}

// Handle returns the pooled handle without restoring it.
func (m *SessionManager) Handle(sessionID string) (model.Handle, bool) {
	e := m.entry(sessionID)
	if e == nil {
		return nil, false
	}
	return e.handle, true
}

// IsReady reports whether the pooled handle for sessionID is connected.
func (m *SessionManager) IsReady(sessionID string) bool {
	e := m.entry(sessionID)
	return e != nil && e.isReady()
}

// GetOrRestore returns a connected handle, restoring the session if needed.
func (m *SessionManager) GetOrRestore(ctx context.Context, sessionID string) (model.Handle, error) {
	if e := m.entry(sessionID); e != nil && e.isReady() {
		return e.handle, nil
	}

	h, err := m.Restore(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if h == nil || !m.IsReady(sessionID) {
		return nil, fmt.Errorf("%w: %s did not reach connected", ErrSessionUnavailable, sessionID)
	}
	return h, nil
}

// Restore (re)creates the handle for a stored session and waits a bounded
// time for it to connect. The returned handle may still be initializing.
// Concurrent calls for one session share a single attempt.
func (m *SessionManager) Restore(ctx context.Context, sessionID string) (model.Handle, error) {
	if e := m.entry(sessionID); e != nil && e.isReady() {
		return e.handle, nil
	}

	v, err, _ := m.restores.Do(sessionID, func() (interface{}, error) {
		return m.restore(ctx, sessionID)
	})
	if err != nil {
		return nil, err
	}
	h, _ := v.(model.Handle)
	return h, nil
}

func (m *SessionManager) restore(ctx context.Context, sessionID string) (model.Handle, error) {
	entry, err := m.ensureHandle(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for i := 0; i < m.cfg.RestorePollAttempts; i++ {
		if entry.isReady() {
			break
		}
		if err := sleepContext(ctx, m.cfg.RestorePollInterval); err != nil {
			break
		}
	}

	if cur := m.entry(sessionID); cur != nil {
		return cur.handle, nil
	}
	return entry.handle, nil
}

// ensureHandle is the guarded check-then-create step: at most one handle per
// session exists at any time. The record is read under the lock so a
// concurrent Delete either tears the new handle down or prevents it.
func (m *SessionManager) ensureHandle(ctx context.Context, sessionID string) (*poolEntry, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if e := m.entry(sessionID); e != nil {
		return e, nil
	}

	rec, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	// A fresh handle starts its lifecycle over.
	if rec.Status != model.StatusPending {
		empty := ""
		if err := m.setStatus(ctx, rec.SessionID, model.StatusPending, model.SessionUpdate{QRPayload: &empty}); err != nil {
			return nil, err
		}
	}

	entry, err := m.createHandle(ctx, rec.SessionID)
	if err != nil {
		m.failCreation(rec.SessionID, err)
		return nil, err
	}
	return entry, nil
}

func (m *SessionManager) createHandle(ctx context.Context, sessionID string) (*poolEntry, error) {
	entry := newPoolEntry(sessionID)

	h, err := m.factory(sessionID, entry.emit)
	if err != nil {
		return nil, classifyCreationError(err)
	}
	entry.handle = h

	m.mu.Lock()
	m.pool[sessionID] = entry
	m.mu.Unlock()
	go m.consume(entry)

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.CreateTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Initialize(initCtx) }()

	select {
	case err := <-errCh:
		if err != nil {
			m.evict(entry)
			return nil, classifyCreationError(err)
		}
	case <-initCtx.Done():
		m.evict(entry)
		return nil, fmt.Errorf("%w after %s", ErrHandleCreationTimeout, m.cfg.CreateTimeout)
	}

	m.log.Info().Str("session_id", sessionID).Msg("handle initialized")
	return entry, nil
}

func (m *SessionManager) failCreation(sessionID string, err error) {
	status := model.StatusFailed
	if errors.Is(err, ErrHandleCreationNetwork) || errors.Is(err, ErrHandleCreationTimeout) {
		status = model.StatusNetworkError
	}
	if _, terr := m.transition(context.Background(), sessionID, status, model.SessionUpdate{}); terr != nil {
		m.log.Warn().Err(terr).Str("session_id", sessionID).Msg("failed to record creation failure")
	}
}

func (m *SessionManager) entry(sessionID string) *poolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool[sessionID]
}

func (m *SessionManager) isCurrent(e *poolEntry) bool {
	return m.entry(e.sessionID) == e
}

// evict unregisters e if it is still the pooled entry and destroys its handle.
func (m *SessionManager) evict(e *poolEntry) bool {
	m.mu.Lock()
	current := m.pool[e.sessionID] == e
	if current {
		delete(m.pool, e.sessionID)
	}
	m.mu.Unlock()

	e.close()
	e.setReady(false, "")
	if e.handle != nil {
		e.handle.Destroy()
	}
	return current
}

func (m *SessionManager) teardown(sessionID string) bool {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	e := m.entry(sessionID)
	if e == nil {
		return false
	}
	return m.evict(e)
}

func (m *SessionManager) consume(e *poolEntry) {
	for {
		select {
		case <-e.done:
			return
		case evt := <-e.events:
			m.handleEvent(e, evt)
		}
	}
}

// handleEvent applies lifecycle callbacks to the record first and forwards
// the rest to the bus.
func (m *SessionManager) handleEvent(e *poolEntry, evt model.HandleEvent) {
	if !m.isCurrent(e) {
		return
	}
	ctx := context.Background()
	id := e.sessionID

	switch evt.Kind {
	case model.EventQR:
		qr := evt.QR
		m.applyCallback(ctx, id, model.StatusQR, model.SessionUpdate{QRPayload: &qr})

	case model.EventAuthenticated:
		m.applyCallback(ctx, id, model.StatusAuthenticated, model.SessionUpdate{})

	case model.EventReady:
		phone := evt.PhoneNumber
		empty := ""
		if m.applyCallback(ctx, id, model.StatusConnected, model.SessionUpdate{PhoneNumber: &phone, QRPayload: &empty}) {
			e.setReady(true, phone)
			m.log.Info().Str("session_id", id).Str("phone", phone).Msg("✓ Connected")
		}

	case model.EventAuthFailure:
		m.log.Warn().Str("session_id", id).Str("reason", evt.Reason).Msg("✗ auth failure")
		m.applyCallback(ctx, id, model.StatusAuthFailed, model.SessionUpdate{})
		m.evict(e)

	case model.EventDisconnected:
		m.log.Warn().Str("session_id", id).Str("reason", evt.Reason).Msg("⚠ Disconnected")
		m.applyCallback(ctx, id, model.StatusDisconnected, model.SessionUpdate{})
		m.evict(e)

	default:
		if m.bus == nil {
			return
		}
		for _, out := range eventsForHandleEvent(id, evt) {
			m.bus.Notify(categoryFor(out.Event), out)
		}
	}
}

// applyCallback runs transition for a handle callback and logs store
// failures. It reports whether the record moved.
func (m *SessionManager) applyCallback(ctx context.Context, sessionID string, to model.SessionStatus, upd model.SessionUpdate) bool {
	ok, err := m.transition(ctx, sessionID, to, upd)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Str("to", string(to)).Msg("failed to record status change")
	}
	return ok
}

// transition moves a record along a legal edge and reports whether it moved.
func (m *SessionManager) transition(ctx context.Context, sessionID string, to model.SessionStatus, upd model.SessionUpdate) (bool, error) {
	unlock := m.recordLocks.Lock(sessionID)
	defer unlock()

	rec, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !model.CanTransition(rec.Status, to) {
		m.log.Debug().Str("session_id", sessionID).
			Str("from", string(rec.Status)).Str("to", string(to)).
			Msg("ignoring illegal transition")
		return false, nil
	}
	return true, m.apply(ctx, rec, to, upd)
}

// setStatus writes a status requested by an explicit operation (restore,
// disconnect) rather than by a handle callback.
func (m *SessionManager) setStatus(ctx context.Context, sessionID string, to model.SessionStatus, upd model.SessionUpdate) error {
	unlock := m.recordLocks.Lock(sessionID)
	defer unlock()

	rec, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Status == to {
		return nil
	}
	return m.apply(ctx, rec, to, upd)
}

func (m *SessionManager) apply(ctx context.Context, rec *model.Session, to model.SessionStatus, upd model.SessionUpdate) error {
	upd.Status = to
	if err := m.store.Update(ctx, rec.SessionID, upd); err != nil {
		return fmt.Errorf("update session %s: %w", rec.SessionID, err)
	}

	previous := rec.Status
	rec.Status = to
	if upd.PhoneNumber != nil {
		rec.PhoneNumber = *upd.PhoneNumber
	}
	if upd.QRPayload != nil {
		rec.QRPayload = *upd.QRPayload
	}
	rec.UpdatedAt = time.Now().UTC()
	m.publishSessionUpdate(rec, previous)
	return nil
}

func (m *SessionManager) publishSessionUpdate(rec *model.Session, previous model.SessionStatus) {
	if m.bus == nil {
		return
	}
	data := map[string]interface{}{
		"status":      string(rec.Status),
		"ownerId":     rec.OwnerID,
		"displayName": rec.DisplayName,
	}
	if previous != "" {
		data["previousStatus"] = string(previous)
	}
	if rec.PhoneNumber != "" {
		data["phoneNumber"] = rec.PhoneNumber
	}
	if rec.Status == model.StatusQR && rec.QRPayload != "" {
		data["qr"] = rec.QRPayload
	}
	m.bus.Notify(model.CategorySession, model.Event{
		Event:     model.EventNameSessionUpdate,
		SessionID: rec.SessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Disconnect tears down the pooled handle and marks the record disconnected.
// Calling it again is harmless.
func (m *SessionManager) Disconnect(ctx context.Context, sessionID string) error {
	m.teardown(sessionID)

	empty := ""
	err := m.setStatus(ctx, sessionID, model.StatusDisconnected, model.SessionUpdate{QRPayload: &empty})
	if errors.Is(err, model.ErrRecordNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// Delete removes the handle, the record and the stored credentials. It
// reports whether a record existed.
func (m *SessionManager) Delete(ctx context.Context, sessionID string) (bool, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if e := m.entry(sessionID); e != nil {
		m.evict(e)
	}

	existed, err := m.store.Delete(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session record: %w", err)
	}
	if m.creds != nil {
		if err := m.creds.Purge(sessionID); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("credential purge failed")
		}
	}
	if existed {
		m.log.Info().Str("session_id", sessionID).Msg("✓ session deleted")
		if m.bus != nil {
			m.bus.Notify(model.CategorySession, model.Event{
				Event:     model.EventNameSessionUpdate,
				SessionID: sessionID,
				Timestamp: time.Now().UTC(),
				Data:      map[string]interface{}{"status": "deleted", "deleted": true},
			})
		}
	}
	return existed, nil
}

// ClearAll removes every handle, record and credential set.
// Records go first so no handle can be created for them afterwards.
func (m *SessionManager) ClearAll(ctx context.Context) (int, error) {
	n, err := m.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete session records: %w", err)
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.pool))
	for id := range m.pool {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.teardown(id)
	}
	if m.creds != nil {
		if err := m.creds.PurgeAll(); err != nil {
			m.log.Warn().Err(err).Msg("credential purge failed")
		}
	}
	return n, nil
}

// ListActive is a snapshot of the in-memory pool only.
func (m *SessionManager) ListActive() []ActiveSession {
	m.mu.RLock()
	out := make([]ActiveSession, 0, len(m.pool))
	for id, e := range m.pool {
		e.mu.RLock()
		out = append(out, ActiveSession{SessionID: id, IsReady: e.ready, PhoneNumber: e.phone})
		e.mu.RUnlock()
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// RestoreAllConnectedOnStartup brings back every session that was connected
// or authenticated when the process stopped. Starts are staggered per index.
// A session that fails to restore is marked disconnected.
func (m *SessionManager) RestoreAllConnectedOnStartup(ctx context.Context) (int, error) {
	records, err := m.store.FindByStatus(ctx, model.StatusConnected, model.StatusAuthenticated)
	if err != nil {
		return 0, fmt.Errorf("load sessions to restore: %w", err)
	}
	m.log.Info().Int("count", len(records)).Msg("restoring saved sessions")

	var (
		wg       sync.WaitGroup
		restored int
		countMu  sync.Mutex
	)
	for i, rec := range records {
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			if err := sleepContext(ctx, time.Duration(i)*m.cfg.StartupStagger); err != nil {
				return
			}
			if _, err := m.Restore(ctx, sessionID); err != nil {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("⚠ startup restore failed")
				if serr := m.setStatus(context.Background(), sessionID, model.StatusDisconnected, model.SessionUpdate{}); serr != nil {
					m.log.Warn().Err(serr).Str("session_id", sessionID).Msg("failed to mark session disconnected")
				}
				return
			}
			countMu.Lock()
			restored++
			countMu.Unlock()
		}(i, rec.SessionID)
	}
	wg.Wait()
	return restored, nil
}

// SweepStale purges stale sessions of every owner.
func (m *SessionManager) SweepStale(ctx context.Context) (int, error) {
	return m.purgeStale(ctx, "")
}

// purgeStale removes terminal records older than StaleTerminalAge and
// records stuck in qr longer than StaleQRAge. An empty ownerID covers all
// owners.
func (m *SessionManager) purgeStale(ctx context.Context, ownerID string) (int, error) {
	now := time.Now().UTC()

	terminal, err := m.store.FindStale(ctx, ownerID, model.TerminalStatuses, now.Add(-m.cfg.StaleTerminalAge))
	if err != nil {
		return 0, err
	}
	stuck, err := m.store.FindStale(ctx, ownerID, []model.SessionStatus{model.StatusQR}, now.Add(-m.cfg.StaleQRAge))
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, rec := range append(terminal, stuck...) {
		ok, err := m.Delete(ctx, rec.SessionID)
		if err != nil {
			m.log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("stale purge failed")
			continue
		}
		if ok {
			purged++
		}
	}
	if purged > 0 {
		m.log.Info().Int("count", purged).Str("owner_id", ownerID).Msg("purged stale sessions")
	}
	return purged, nil
}

// Shutdown destroys every pooled handle without touching the records, so
// they are restored on the next start.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	entries := make([]*poolEntry, 0, len(m.pool))
	for id, e := range m.pool {
		entries = append(entries, e)
		delete(m.pool, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.close()
		if e.handle != nil {
			e.handle.Destroy()
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
