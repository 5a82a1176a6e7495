package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"portico/internal/domain"
	"portico/internal/infra/config"
	"portico/internal/infra/middleware"
	"portico/internal/usecase/registry"
)

// registerDeadline bounds how long a backend connection may sit idle before
// presenting its register frame.
const registerDeadline = 10 * time.Second

// Server is the relay gateway: WebSocket endpoints for backends (/backend)
// and clients (/client), the HTTP proxy bridge under /proxy/, and the
// status API.
type Server struct {
	cfg      config.GatewayConfig
	rateCfg  config.RateLimitConfig
	backends *registry.Backends
	clients  *registry.Clients
	pending  *pendingMap
	streams  *streamTracker
	breakers *breakerSet
	bus      domain.EventBus
	audit    domain.AuditLogger
	metrics  *Metrics
	logger   *slog.Logger

	httpSrv   *http.Server
	boundAddr string
	startTime time.Time
	stopOnce  sync.Once
}

// NewServer wires the relay together. bus and audit may be nil.
func NewServer(cfg *config.Config, backends *registry.Backends, clients *registry.Clients, bus domain.EventBus, audit domain.AuditLogger, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg.Gateway,
		rateCfg:  cfg.RateLimit,
		backends: backends,
		clients:  clients,
		pending:  newPendingMap(),
		streams:  newStreamTracker(),
		breakers: newBreakerSet(cfg.Breaker),
		bus:      bus,
		audit:    audit,
		metrics:  &Metrics{},
		logger:   logger,
	}
}

// Start begins accepting connections. Blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/backend", s.handleBackendUpgrade)
	mux.HandleFunc("/client", s.handleClientUpgrade)
	mux.HandleFunc("/proxy/{backendId}/{apiPath...}", s.handleProxy)
	mux.HandleFunc("/api/v1/status", s.handleStatus)

	var handler http.Handler = mux
	if s.rateCfg.Enabled {
		handler = middleware.RateLimit(ctx, s.rateCfg.RequestsPerMin, s.rateCfg.BurstSize)(handler)
	}
	handler = middleware.SecurityHeaders(handler)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.startTime = time.Now()

	s.httpSrv = &http.Server{Handler: handler}

	s.logger.Info("relay started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the relay down, closing every peer connection.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		for _, ref := range s.backends.Conns() {
			_ = ref.Conn.Close("server shutting down")
		}
		for _, ref := range s.clients.Conns() {
			_ = ref.Conn.Close("server shutting down")
		}
		if s.httpSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			err = s.httpSrv.Shutdown(shutdownCtx)
		}
	})
	return err
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// StatusMetrics exposes the relay counters for the status endpoint and
// in-process observers.
func (s *Server) StatusMetrics() *Metrics { return s.metrics }

func acceptOptions() *websocket.AcceptOptions {
	// Peers are programs, not browsers; origin checks add nothing here.
	return &websocket.AcceptOptions{InsecureSkipVerify: true}
}

// --- backend endpoint ---

func (s *Server) handleBackendUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, acceptOptions())
	if err != nil {
		s.logger.Warn("backend accept failed", "error", err)
		return
	}

	conn := newPeerConn(ws, s.cfg.SendQueueSize, s.logger)
	go conn.writeLoop()

	backendID, err := s.awaitRegister(r.Context(), ws, conn)
	if err != nil {
		conn.Close("registration failed")
		return
	}

	s.backendReadLoop(r.Context(), backendID, ws, conn)

	// Disconnect is a no-op when this connection was already superseded or
	// evicted; grants are only dropped when we were still the live holder.
	if s.backends.Disconnect(context.Background(), backendID, conn) {
		s.clients.DropBackend(backendID)
	}
	s.abortStreams(context.Background(), backendID, conn)
	conn.Close("")
}

// awaitRegister reads the first frame, which must be a register, and admits
// the backend. The result frame reports success or the failure code.
func (s *Server) awaitRegister(ctx context.Context, ws *websocket.Conn, conn *peerConn) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, registerDeadline)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(readCtx, ws, &frame); err != nil {
		return "", err
	}
	if frame.Type != FrameRegister || frame.DeviceID == "" {
		_ = conn.Send(ctx, Frame{
			Type:    FrameRegisterResult,
			Success: boolPtr(false),
			Error:   "expected register frame",
			Code:    string(domain.CodeMalformedMessage),
		})
		return "", domain.NewDomainError("relay.awaitRegister", domain.ErrMalformedMessage, frame.Type)
	}

	backendID, err := s.backends.Register(ctx, conn, frame.GatewaySecret, frame.DeviceID, frame.Name)
	if err != nil {
		_ = conn.Send(ctx, Frame{
			Type:    FrameRegisterResult,
			Success: boolPtr(false),
			Error:   "registration rejected",
			Code:    string(domain.ErrorCodeOf(err)),
		})
		s.logger.Warn("backend registration rejected", "device_id", frame.DeviceID, "error", err)
		return "", err
	}

	_ = conn.Send(ctx, Frame{
		Type:      FrameRegisterResult,
		Success:   boolPtr(true),
		BackendID: backendID,
	})
	return backendID, nil
}

func (s *Server) backendReadLoop(ctx context.Context, backendID string, ws *websocket.Conn, conn *peerConn) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameBackendResponse:
			s.relayBackendResponse(ctx, backendID, conn, frame)
		case FrameClientAuthResult:
			s.relayAuthResult(ctx, backendID, frame)
		case FrameProxyResponse:
			if !s.pending.Resolve(frame.RequestID, proxyResult{
				status:  frame.Status,
				headers: frame.Headers,
				body:    frame.Body,
			}) {
				s.logger.Debug("late proxy response discarded",
					"backend_id", backendID, "request_id", frame.RequestID)
			}
		default:
			s.logger.Warn("unexpected frame from backend dropped",
				"backend_id", backendID, "frame_type", frame.Type)
		}
	}
}

// relayBackendResponse delivers a backend_response to its client, dropping
// it when the client is gone. The inner message is opaque except for
// stream bookkeeping.
func (s *Server) relayBackendResponse(ctx context.Context, backendID string, conn *peerConn, frame Frame) {
	if env, kind, err := domain.ClassifyRaw(frame.Message); err == nil {
		s.streams.Observe(conn, frame.ClientID, env, kind)
	}

	_, clientConn, ok := s.clients.Lookup(frame.ClientID)
	if !ok {
		s.logger.Debug("backend response for gone client dropped",
			"backend_id", backendID, "client_id", frame.ClientID)
		return
	}

	out := Frame{
		Type:      FrameBackendResponse,
		BackendID: backendID,
		Message:   frame.Message,
	}
	if err := clientConn.Send(ctx, out); err != nil {
		s.logger.Warn("backend response delivery failed",
			"client_id", frame.ClientID, "error", err)
		return
	}
	s.metrics.MessagesRelayed.Add(1)
	s.publish(ctx, domain.EventMessageRelayed, backendID, frame.ClientID)
}

// relayAuthResult forwards a backend's client_auth_result verdict to the
// client and records the grant on success.
func (s *Server) relayAuthResult(ctx context.Context, backendID string, frame Frame) {
	success := frame.Success != nil && *frame.Success
	if success {
		s.clients.MarkAuthenticated(ctx, frame.ClientID, backendID)
	} else {
		s.metrics.AuthFailures.Add(1)
		s.publish(ctx, domain.EventClientAuthFailed, backendID, frame.ClientID)
	}

	_, clientConn, ok := s.clients.Lookup(frame.ClientID)
	if !ok {
		return
	}
	_ = clientConn.Send(ctx, Frame{
		Type:      FrameClientAuthResult,
		BackendID: backendID,
		Success:   frame.Success,
		Error:     frame.Error,
	})
}

// abortStreams terminates every stream still open on a dead backend
// connection by synthesizing a final error message toward each client.
func (s *Server) abortStreams(ctx context.Context, backendID string, conn domain.PeerConn) {
	for _, st := range s.streams.Drain(conn) {
		env := domain.NewStreamMessage("stream.aborted", st.RequestID, st.LastSeq+1, true, nil)
		env.Metadata = &domain.Metadata{Error: "backend disconnected"}

		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		_, clientConn, ok := s.clients.Lookup(st.ClientID)
		if !ok {
			continue
		}
		_ = clientConn.Send(ctx, Frame{
			Type:      FrameBackendResponse,
			BackendID: backendID,
			Message:   raw,
		})
		s.publish(ctx, domain.EventStreamAborted, backendID, st.ClientID)
	}
}

// --- client endpoint ---

func (s *Server) handleClientUpgrade(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) != 1 {
		s.metrics.AuthFailures.Add(1)
		s.auditEvent(r.Context(), domain.AuditAuthFailure, "", "denied", map[string]string{"endpoint": "/client"})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, acceptOptions())
	if err != nil {
		s.logger.Warn("client accept failed", "error", err)
		return
	}

	conn := newPeerConn(ws, s.cfg.SendQueueSize, s.logger)
	go conn.writeLoop()

	info := s.clients.Admit(r.Context(), conn)
	s.auditEvent(r.Context(), domain.AuditClientConnect, info.ClientID, "ok", nil)

	_ = conn.Send(r.Context(), Frame{Type: FrameConnected, ClientID: info.ClientID})

	s.clientReadLoop(r.Context(), info.ClientID, ws, conn)

	s.clients.Remove(context.Background(), info.ClientID)
	conn.Close("")
}

func (s *Server) clientReadLoop(ctx context.Context, clientID string, ws *websocket.Conn, conn *peerConn) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameConnectBackend:
			s.handleConnectBackend(ctx, clientID, conn, frame)
		case FrameSendToBackend:
			s.handleSendToBackend(ctx, clientID, conn, frame)
		default:
			s.logger.Warn("unexpected frame from client dropped",
				"client_id", clientID, "frame_type", frame.Type)
		}
	}
}

// handleConnectBackend starts the second auth tier: the client's API key is
// carried to the named backend for its own verdict. No live backend means
// an immediate failure result; the gateway never judges API keys itself.
func (s *Server) handleConnectBackend(ctx context.Context, clientID string, conn *peerConn, frame Frame) {
	if frame.BackendID == "" {
		s.sendError(ctx, conn, "", domain.ErrMalformedMessage, "connect_backend requires backendId")
		return
	}

	_, backendConn, ok := s.backends.Lookup(frame.BackendID)
	if !ok {
		_ = conn.Send(ctx, Frame{
			Type:      FrameClientAuthResult,
			BackendID: frame.BackendID,
			Success:   boolPtr(false),
			Error:     "backend not available",
		})
		return
	}

	err := backendConn.Send(ctx, Frame{
		Type:     FrameClientAuth,
		ClientID: clientID,
		APIKey:   frame.APIKey,
	})
	if err != nil {
		_ = conn.Send(ctx, Frame{
			Type:      FrameClientAuthResult,
			BackendID: frame.BackendID,
			Success:   boolPtr(false),
			Error:     "backend not available",
		})
	}
}

// handleSendToBackend relays an opaque message toward a backend the client
// has authenticated against.
func (s *Server) handleSendToBackend(ctx context.Context, clientID string, conn *peerConn, frame Frame) {
	if frame.BackendID == "" || len(frame.Message) == 0 {
		s.sendError(ctx, conn, frame.BackendID, domain.ErrMalformedMessage, "send_to_backend requires backendId and message")
		return
	}
	if !s.clients.IsAuthenticated(clientID, frame.BackendID) {
		s.sendError(ctx, conn, frame.BackendID, domain.ErrNotAuthenticated, "authenticate with connect_backend first")
		return
	}

	_, backendConn, ok := s.backends.Lookup(frame.BackendID)
	if !ok {
		s.sendError(ctx, conn, frame.BackendID, domain.ErrBackendUnavailable, "backend not connected")
		return
	}

	err := backendConn.Send(ctx, Frame{
		Type:     FrameForwarded,
		ClientID: clientID,
		Message:  frame.Message,
	})
	if err != nil {
		s.sendError(ctx, conn, frame.BackendID, domain.ErrBackendUnavailable, "backend send failed")
		return
	}
	s.metrics.MessagesRelayed.Add(1)
	s.publish(ctx, domain.EventMessageRelayed, frame.BackendID, clientID)
}

// sendError reports a routing failure back to the client as an error frame.
func (s *Server) sendError(ctx context.Context, conn *peerConn, backendID string, err error, detail string) {
	_ = conn.Send(ctx, Frame{
		Type:      FrameError,
		BackendID: backendID,
		Error:     detail,
		Code:      string(domain.ErrorCodeOf(err)),
	})
}

func (s *Server) publish(ctx context.Context, eventType domain.EventType, backendID, clientID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		BackendID: backendID,
		ClientID:  clientID,
	})
}

func (s *Server) auditEvent(ctx context.Context, eventType domain.AuditEventType, actor, outcome string, detail map[string]string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Log(ctx, domain.AuditEvent{
		Timestamp: time.Now(),
		Type:      eventType,
		Actor:     actor,
		Outcome:   outcome,
		Detail:    detail,
	})
}
