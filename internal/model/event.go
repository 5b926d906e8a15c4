package model

import (
	"context"
	"time"
)

// Outbound event names delivered to webhooks and realtime sinks.
const (
	EventNameMessageReceived    = "message.received"
	EventNameMessageDelivered   = "message.delivered"
	EventNameMessageAck         = "message.ack"
	EventNameGroupMemberAdded   = "group.member.added"
	EventNameGroupMemberRemoved = "group.member.removed"
	EventNameSessionUpdate      = "session.update"
)

// Event is the JSON body posted to webhook endpoints.
type Event struct {
	Event     string                 `json:"event"`
	SessionID string                 `json:"sessionId"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSink is an additional best-effort consumer of bus events.
type EventSink interface {
	Deliver(ctx context.Context, evt Event) error
}
