package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditBackendRegister AuditEventType = "backend_register"
	AuditBackendEvict    AuditEventType = "backend_evict"
	AuditClientConnect   AuditEventType = "client_connect"
	AuditClientAuth      AuditEventType = "client_auth"
	AuditAuthFailure     AuditEventType = "auth_failure"
	AuditProxyRequest    AuditEventType = "proxy_request"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor,omitempty"`   // backendId or clientId
	Outcome   string            `json:"outcome,omitempty"` // "ok" or "denied"
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger records security-relevant actions durably.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
