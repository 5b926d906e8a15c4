package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotReady    = errors.New("session not ready")
	ErrSessionUnavailable = errors.New("session unavailable")

	ErrRecipientNotFound  = errors.New("recipient not found")
	ErrRecipientAmbiguous = errors.New("recipient ambiguous")

	ErrSendFailed = errors.New("send failed")

	ErrHandleCreationTimeout = errors.New("handle creation timed out")
	ErrHandleCreationNetwork = errors.New("handle creation network error")
	ErrHandleCreationFailed  = errors.New("handle creation failed")

	ErrInvalidBatch   = errors.New("invalid batch")
	ErrNoSessionReady = errors.New("no session ready")
)

// AmbiguousError lists the group chats a name token matched.
type AmbiguousError struct {
	Token      string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("recipient %q is ambiguous, matches: %s", e.Token, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrRecipientAmbiguous }

var networkErrorHints = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"i/o timeout",
	"eof",
	"websocket",
	"dial tcp",
	"tls handshake",
}

// classifyCreationError wraps err with ErrHandleCreationNetwork when it looks
// like a transport problem and with ErrHandleCreationFailed otherwise.
func classifyCreationError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHandleCreationTimeout) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range networkErrorHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%w: %v", ErrHandleCreationNetwork, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrHandleCreationFailed, err)
}
