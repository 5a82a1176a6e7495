package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventBackendRegistered   EventType = "backend.registered"
	EventBackendEvicted      EventType = "backend.evicted"
	EventBackendUnreachable  EventType = "backend.unreachable"
	EventBackendDisconnected EventType = "backend.disconnected"

	EventClientConnected     EventType = "client.connected"
	EventClientDisconnected  EventType = "client.disconnected"
	EventClientAuthenticated EventType = "client.authenticated"
	EventClientAuthFailed    EventType = "client.auth_failed"
	EventClientUnreachable   EventType = "client.unreachable"

	EventProxyRequest   EventType = "proxy.request"
	EventProxyCompleted EventType = "proxy.completed"
	EventProxyTimeout   EventType = "proxy.timeout"

	EventMessageRelayed EventType = "message.relayed"
	EventStreamAborted  EventType = "stream.aborted"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	BackendID string          `json:"backend_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for relay events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
