package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"portico/internal/domain"
	"portico/internal/usecase/registry"
)

// HeartbeatMonitor probes every connected peer on a fixed interval and
// evicts the ones that stop answering. Eviction only tears down the live
// connection; persisted device mappings are untouched, so an evicted
// backend resumes its identity on reconnect.
type HeartbeatMonitor struct {
	backends *registry.Backends
	clients  *registry.Clients
	streams  *streamTracker
	server   *Server
	interval time.Duration
	bus      domain.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[domain.PeerConn]struct{}
}

// NewHeartbeatMonitor wires the monitor against the relay server's
// registries.
func NewHeartbeatMonitor(server *Server, interval time.Duration, bus domain.EventBus, logger *slog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		backends: server.backends,
		clients:  server.clients,
		streams:  server.streams,
		server:   server,
		interval: interval,
		bus:      bus,
		logger:   logger,
		inflight: make(map[domain.PeerConn]struct{}),
	}
}

// Run probes peers until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep pings every peer concurrently. A peer whose previous probe is
// still outstanding is skipped; the outstanding probe will evict it when
// its deadline fires.
func (m *HeartbeatMonitor) sweep(ctx context.Context) {
	for _, ref := range m.backends.Conns() {
		if m.begin(ref.Conn) {
			go m.probeBackend(ctx, ref)
		}
	}
	for _, ref := range m.clients.Conns() {
		if m.begin(ref.Conn) {
			go m.probeClient(ctx, ref)
		}
	}
}

func (m *HeartbeatMonitor) begin(conn domain.PeerConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[conn]; busy {
		return false
	}
	m.inflight[conn] = struct{}{}
	return true
}

func (m *HeartbeatMonitor) end(conn domain.PeerConn) {
	m.mu.Lock()
	delete(m.inflight, conn)
	m.mu.Unlock()
}

func (m *HeartbeatMonitor) probeBackend(ctx context.Context, ref registry.PeerRef) {
	defer m.end(ref.Conn)

	if m.ping(ctx, ref.Conn) == nil {
		return
	}

	m.publish(ctx, domain.EventBackendUnreachable, ref.ID, "")
	if m.backends.Evict(ctx, ref.ID, "heartbeat timeout") {
		m.clients.DropBackend(ref.ID)
		m.server.abortStreams(ctx, ref.ID, ref.Conn)
	}
}

func (m *HeartbeatMonitor) probeClient(ctx context.Context, ref registry.PeerRef) {
	defer m.end(ref.Conn)

	if m.ping(ctx, ref.Conn) == nil {
		return
	}

	m.publish(ctx, domain.EventClientUnreachable, "", ref.ID)
	if m.clients.Remove(ctx, ref.ID) {
		_ = ref.Conn.Close("heartbeat timeout")
		m.logger.Warn("client evicted", "client_id", ref.ID, "reason", "heartbeat timeout")
	}
}

func (m *HeartbeatMonitor) ping(ctx context.Context, conn domain.PeerConn) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	return conn.Ping(pingCtx)
}

func (m *HeartbeatMonitor) publish(ctx context.Context, eventType domain.EventType, backendID, clientID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		BackendID: backendID,
		ClientID:  clientID,
	})
}
