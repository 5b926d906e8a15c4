package model

import (
	"context"
	"errors"
	"time"
)

// SessionStatus is the persisted lifecycle state of a session.
type SessionStatus string

const (
	StatusPending       SessionStatus = "pending"
	StatusQR            SessionStatus = "qr"
	StatusAuthenticated SessionStatus = "authenticated"
	StatusConnected     SessionStatus = "connected"
	StatusDisconnected  SessionStatus = "disconnected"
	StatusAuthFailed    SessionStatus = "auth_failed"
	StatusFailed        SessionStatus = "failed"
	StatusNetworkError  SessionStatus = "network_error"
)

var ErrRecordNotFound = errors.New("session record not found")

// IsTerminal reports whether the status requires an explicit restore to leave.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusDisconnected, StatusAuthFailed, StatusFailed, StatusNetworkError:
		return true
	}
	return false
}

// TerminalStatuses lists every status that only an explicit restore can leave.
var TerminalStatuses = []SessionStatus{
	StatusDisconnected,
	StatusAuthFailed,
	StatusFailed,
	StatusNetworkError,
}

// CanTransition reports whether a handle callback may move a session from one
// status to another. Terminal statuses are left only through an explicit restore.
//
// pending -> authenticated is legal: a session restored from stored
// credentials never shows a QR code.
func CanTransition(from, to SessionStatus) bool {
	if from == to {
		// qr refreshes carry a new payload but stay in qr
		return from == StatusQR
	}
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusQR:
		return from == StatusPending
	case StatusAuthenticated:
		return from == StatusPending || from == StatusQR
	case StatusConnected:
		return from == StatusAuthenticated
	case StatusDisconnected, StatusAuthFailed, StatusFailed, StatusNetworkError:
		return true
	}
	return false
}

// Session is the durable record of one WhatsApp-linked device.
type Session struct {
	SessionID   string        `json:"sessionId"`
	OwnerID     string        `json:"ownerId"`
	DisplayName string        `json:"displayName"`
	Status      SessionStatus `json:"status"`
	PhoneNumber string        `json:"phoneNumber,omitempty"`
	QRPayload   string        `json:"qrPayload,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SessionUpdate carries the mutable fields of a transition. Nil pointers are
// left untouched.
type SessionUpdate struct {
	Status      SessionStatus
	PhoneNumber *string
	QRPayload   *string
}

// SessionStore persists session records.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, sessionID string) (*Session, error)
	FindByOwner(ctx context.Context, ownerID string) ([]Session, error)
	FindByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error)
	Update(ctx context.Context, sessionID string, upd SessionUpdate) error
	Delete(ctx context.Context, sessionID string) (bool, error)
	DeleteAll(ctx context.Context) (int, error)
	// FindStale returns records in one of statuses whose updated_at is older
	// than before. An empty ownerID matches every owner.
	FindStale(ctx context.Context, ownerID string, statuses []SessionStatus, before time.Time) ([]Session, error)
}
