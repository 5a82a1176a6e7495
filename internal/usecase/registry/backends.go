package registry

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"portico/internal/domain"
)

// PeerRef pairs a peer identifier with its live connection, for callers
// (the heartbeat monitor) that need to probe without holding registry locks.
type PeerRef struct {
	ID   string
	Conn domain.PeerConn
}

type backendEntry struct {
	info domain.Backend
	conn domain.PeerConn
}

// Backends tracks currently-connected backend peers. It owns the
// backendId→connection map; all access goes through its methods. At most
// one live connection holds a given backendId at any time.
type Backends struct {
	mu     sync.RWMutex
	byID   map[string]*backendEntry
	secret []byte
	ids    domain.IdentityStore
	bus    domain.EventBus
	audit  domain.AuditLogger
	logger *slog.Logger
}

// NewBackends creates the backend registry. bus and audit may be nil.
func NewBackends(gatewaySecret string, ids domain.IdentityStore, bus domain.EventBus, audit domain.AuditLogger, logger *slog.Logger) *Backends {
	return &Backends{
		byID:   make(map[string]*backendEntry),
		secret: []byte(gatewaySecret),
		ids:    ids,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// Register admits a backend connection. The gateway secret is checked in
// constant time; the device is resolved to its stable backendId through the
// identity store; and any previous connection holding that backendId is
// forcibly closed before the new one is admitted.
func (b *Backends) Register(ctx context.Context, conn domain.PeerConn, gatewaySecret, deviceID, displayName string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(gatewaySecret), b.secret) != 1 {
		b.auditEvent(ctx, domain.AuditAuthFailure, deviceID, "denied", map[string]string{"reason": "bad gateway secret"})
		return "", domain.NewDomainError("Backends.Register", domain.ErrAuthInvalid, "")
	}

	backendID, err := b.ids.Resolve(ctx, deviceID, displayName)
	if err != nil {
		return "", domain.WrapOp("Backends.Register", err)
	}

	entry := &backendEntry{
		info: domain.Backend{
			BackendID:   backendID,
			DeviceID:    deviceID,
			DisplayName: displayName,
			Alive:       true,
			ConnectedAt: time.Now(),
		},
		conn: conn,
	}

	b.mu.Lock()
	prev := b.byID[backendID]
	b.byID[backendID] = entry
	b.mu.Unlock()

	if prev != nil {
		// Single-writer invariant: the stale connection goes away first.
		_ = prev.conn.Close("superseded by new registration")
		b.publish(ctx, domain.EventBackendEvicted, backendID, map[string]string{"reason": "re-registration"})
		b.auditEvent(ctx, domain.AuditBackendEvict, backendID, "ok", map[string]string{"reason": "re-registration"})
	}

	b.publish(ctx, domain.EventBackendRegistered, backendID, map[string]string{"name": displayName})
	b.auditEvent(ctx, domain.AuditBackendRegister, backendID, "ok", nil)
	b.logger.Info("backend registered", "backend_id", backendID, "name", displayName)
	return backendID, nil
}

// Lookup returns the backend record and connection for backendID.
func (b *Backends) Lookup(backendID string) (domain.Backend, domain.PeerConn, bool) {
	b.mu.RLock()
	entry, ok := b.byID[backendID]
	b.mu.RUnlock()

	if !ok {
		return domain.Backend{}, nil, false
	}
	return entry.info, entry.conn, true
}

// Disconnect removes backendID, but only while conn is still the live
// connection for it. A connection evicted by re-registration must not tear
// down its successor on the way out.
func (b *Backends) Disconnect(ctx context.Context, backendID string, conn domain.PeerConn) bool {
	b.mu.Lock()
	entry, ok := b.byID[backendID]
	if !ok || entry.conn != conn {
		b.mu.Unlock()
		return false
	}
	delete(b.byID, backendID)
	b.mu.Unlock()

	b.publish(ctx, domain.EventBackendDisconnected, backendID, nil)
	b.logger.Info("backend disconnected", "backend_id", backendID)
	return true
}

// Evict force-closes and removes backendID. Used by the heartbeat monitor
// when a backend stops answering probes. The persisted device mapping is
// untouched; the backend resumes its identity on reconnect.
func (b *Backends) Evict(ctx context.Context, backendID, reason string) bool {
	b.mu.Lock()
	entry, ok := b.byID[backendID]
	if ok {
		delete(b.byID, backendID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}

	_ = entry.conn.Close(reason)
	b.publish(ctx, domain.EventBackendEvicted, backendID, map[string]string{"reason": reason})
	b.auditEvent(ctx, domain.AuditBackendEvict, backendID, "ok", map[string]string{"reason": reason})
	b.logger.Warn("backend evicted", "backend_id", backendID, "reason", reason)
	return true
}

// List returns all connected backends.
func (b *Backends) List() []domain.Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.Backend, 0, len(b.byID))
	for _, entry := range b.byID {
		out = append(out, entry.info)
	}
	return out
}

// Conns snapshots the live connections for probing.
func (b *Backends) Conns() []PeerRef {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]PeerRef, 0, len(b.byID))
	for id, entry := range b.byID {
		out = append(out, PeerRef{ID: id, Conn: entry.conn})
	}
	return out
}

// Count returns the number of connected backends.
func (b *Backends) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

func (b *Backends) publish(ctx context.Context, eventType domain.EventType, backendID string, detail map[string]string) {
	if b.bus == nil {
		return
	}
	var payload json.RawMessage
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	b.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		BackendID: backendID,
		Payload:   payload,
	})
}

func (b *Backends) auditEvent(ctx context.Context, eventType domain.AuditEventType, actor, outcome string, detail map[string]string) {
	if b.audit == nil {
		return
	}
	_ = b.audit.Log(ctx, domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Actor:     actor,
		Outcome:   outcome,
		Detail:    detail,
	})
}
