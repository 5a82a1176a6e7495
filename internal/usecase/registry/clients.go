package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"portico/internal/domain"
)

type clientEntry struct {
	info   domain.Client
	conn   domain.PeerConn
	authed map[string]struct{}
}

// Clients tracks connected frontend clients and the per-backend
// authentication grants each has earned.
type Clients struct {
	mu     sync.RWMutex
	byID   map[string]*clientEntry
	bus    domain.EventBus
	logger *slog.Logger
}

// NewClients creates the client registry. bus may be nil.
func NewClients(bus domain.EventBus, logger *slog.Logger) *Clients {
	return &Clients{
		byID:   make(map[string]*clientEntry),
		bus:    bus,
		logger: logger,
	}
}

// Admit assigns a fresh clientId to conn and starts tracking it. Client
// identity is per-connection; a reconnecting client gets a new id.
func (c *Clients) Admit(ctx context.Context, conn domain.PeerConn) domain.Client {
	info := domain.Client{
		ClientID:    ulid.Make().String(),
		Alive:       true,
		ConnectedAt: time.Now(),
	}

	c.mu.Lock()
	c.byID[info.ClientID] = &clientEntry{
		info:   info,
		conn:   conn,
		authed: make(map[string]struct{}),
	}
	c.mu.Unlock()

	c.publish(ctx, domain.EventClientConnected, info.ClientID, "", nil)
	c.logger.Debug("client admitted", "client_id", info.ClientID)
	return info
}

// Remove drops clientID and all its grants.
func (c *Clients) Remove(ctx context.Context, clientID string) bool {
	c.mu.Lock()
	_, ok := c.byID[clientID]
	if ok {
		delete(c.byID, clientID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	c.publish(ctx, domain.EventClientDisconnected, clientID, "", nil)
	c.logger.Debug("client removed", "client_id", clientID)
	return true
}

// Lookup returns the client record and connection for clientID.
func (c *Clients) Lookup(clientID string) (domain.Client, domain.PeerConn, bool) {
	c.mu.RLock()
	entry, ok := c.byID[clientID]
	c.mu.RUnlock()

	if !ok {
		return domain.Client{}, nil, false
	}
	return entry.info, entry.conn, true
}

// MarkAuthenticated records that clientID passed backendID's key check.
func (c *Clients) MarkAuthenticated(ctx context.Context, clientID, backendID string) {
	c.mu.Lock()
	entry, ok := c.byID[clientID]
	if ok {
		entry.authed[backendID] = struct{}{}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.publish(ctx, domain.EventClientAuthenticated, clientID, backendID, nil)
	c.logger.Info("client authenticated", "client_id", clientID, "backend_id", backendID)
}

// IsAuthenticated reports whether clientID holds a grant for backendID.
// Grants are per-backend; authenticating against one backend confers
// nothing toward any other.
func (c *Clients) IsAuthenticated(clientID, backendID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.byID[clientID]
	if !ok {
		return false
	}
	_, granted := entry.authed[backendID]
	return granted
}

// DropBackend revokes every grant for backendID and returns the clientIds
// that held one. Called when a backend leaves, so clients must
// re-authenticate against its next incarnation.
func (c *Clients) DropBackend(backendID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var affected []string
	for id, entry := range c.byID {
		if _, ok := entry.authed[backendID]; ok {
			delete(entry.authed, backendID)
			affected = append(affected, id)
		}
	}
	return affected
}

// Conns snapshots the live connections for probing.
func (c *Clients) Conns() []PeerRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PeerRef, 0, len(c.byID))
	for id, entry := range c.byID {
		out = append(out, PeerRef{ID: id, Conn: entry.conn})
	}
	return out
}

// Count returns the number of connected clients.
func (c *Clients) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

func (c *Clients) publish(ctx context.Context, eventType domain.EventType, clientID, backendID string, detail map[string]string) {
	if c.bus == nil {
		return
	}
	var payload json.RawMessage
	if detail != nil {
		payload, _ = json.Marshal(detail)
	}
	c.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		ClientID:  clientID,
		BackendID: backendID,
		Payload:   payload,
	})
}
