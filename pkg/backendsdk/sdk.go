// Package backendsdk provides a client SDK for processes that serve their
// API through a portico gateway.
//
// A backend dials the gateway from behind NAT, registers with its private
// device id, and then answers three kinds of traffic: client API key
// checks, relayed client messages, and bridged HTTP requests served by a
// local http.Handler.
//
// Example:
//
//	backend := backendsdk.New("device-1234", "Work Laptop",
//	    backendsdk.WithGatewayURL("ws://gw.example.com:8090"),
//	    backendsdk.WithSecret(os.Getenv("PORTICO_SECRET")),
//	    backendsdk.WithKeyValidator(func(_ context.Context, _, key string) error {
//	        if key != os.Getenv("API_KEY") {
//	            return errors.New("invalid api key")
//	        }
//	        return nil
//	    }),
//	    backendsdk.WithLocalHandler(apiMux),
//	)
//	if err := backend.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package backendsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// KeyValidator judges a client's API key. A nil error grants access.
type KeyValidator func(ctx context.Context, clientID, apiKey string) error

// MessageHandler receives messages relayed from authenticated clients.
type MessageHandler func(ctx context.Context, clientID string, message json.RawMessage)

// frame mirrors the gateway's relay wire format.
type frame struct {
	Type string `json:"type"`

	GatewaySecret string `json:"gatewaySecret,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	Name          string `json:"name,omitempty"`

	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`

	BackendID string `json:"backendId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`

	Message json.RawMessage `json:"message,omitempty"`

	RequestID string              `json:"requestId,omitempty"`
	Method    string              `json:"method,omitempty"`
	Path      string              `json:"path,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	Status    int                 `json:"status,omitempty"`
}

// Backend maintains one registered connection to a portico gateway.
type Backend struct {
	deviceID   string
	name       string
	gatewayURL string
	secret     string
	validator  KeyValidator
	onMessage  MessageHandler
	local      http.Handler
	logger     *slog.Logger

	mu        sync.RWMutex
	backendID string
	ws        *websocket.Conn
}

// New creates a Backend for the given device identity.
func New(deviceID, name string, opts ...Option) *Backend {
	b := &Backend{
		deviceID: deviceID,
		name:     name,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BackendID returns the public id assigned by the gateway. Empty until
// registration completes.
func (b *Backend) BackendID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backendID
}

// Run dials the gateway, registers, and serves gateway traffic until ctx
// is cancelled or the connection drops. WebSocket pings from the gateway's
// heartbeat are answered automatically while Run is reading.
func (b *Backend) Run(ctx context.Context) error {
	if b.gatewayURL == "" {
		return errors.New("backendsdk: gateway URL not configured")
	}

	ws, _, err := websocket.Dial(ctx, b.gatewayURL+"/backend", nil)
	if err != nil {
		return fmt.Errorf("backendsdk: dial gateway: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	b.mu.Lock()
	b.ws = ws
	b.mu.Unlock()

	if err := b.register(ctx, ws); err != nil {
		return err
	}
	b.logger.Info("registered with gateway", "backend_id", b.BackendID())

	for {
		var f frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("backendsdk: connection lost: %w", err)
		}

		switch f.Type {
		case "client_auth":
			b.handleClientAuth(ctx, ws, f)
		case "forwarded":
			if b.onMessage != nil {
				go b.onMessage(ctx, f.ClientID, f.Message)
			}
		case "http_proxy_request":
			go b.handleProxyRequest(ctx, ws, f)
		default:
			b.logger.Debug("unexpected frame ignored", "frame_type", f.Type)
		}
	}
}

// SendToClient pushes a message toward a connected client.
func (b *Backend) SendToClient(ctx context.Context, clientID string, message json.RawMessage) error {
	b.mu.RLock()
	ws := b.ws
	b.mu.RUnlock()
	if ws == nil {
		return errors.New("backendsdk: not connected")
	}
	return wsjson.Write(ctx, ws, frame{
		Type:     "backend_response",
		ClientID: clientID,
		Message:  message,
	})
}

func (b *Backend) register(ctx context.Context, ws *websocket.Conn) error {
	err := wsjson.Write(ctx, ws, frame{
		Type:          "register",
		GatewaySecret: b.secret,
		DeviceID:      b.deviceID,
		Name:          b.name,
	})
	if err != nil {
		return fmt.Errorf("backendsdk: send register: %w", err)
	}

	var res frame
	if err := wsjson.Read(ctx, ws, &res); err != nil {
		return fmt.Errorf("backendsdk: read register result: %w", err)
	}
	if res.Type != "register_result" {
		return fmt.Errorf("backendsdk: unexpected frame %q during registration", res.Type)
	}
	if res.Success == nil || !*res.Success {
		return fmt.Errorf("backendsdk: registration rejected: %s (%s)", res.Error, res.Code)
	}

	b.mu.Lock()
	b.backendID = res.BackendID
	b.mu.Unlock()
	return nil
}

func (b *Backend) handleClientAuth(ctx context.Context, ws *websocket.Conn, f frame) {
	res := frame{
		Type:     "client_auth_result",
		ClientID: f.ClientID,
	}
	var err error
	if b.validator == nil {
		err = errors.New("no key validator configured")
	} else {
		err = b.validator(ctx, f.ClientID, f.APIKey)
	}
	ok := err == nil
	res.Success = &ok
	if err != nil {
		res.Error = err.Error()
		b.logger.Warn("client auth rejected", "client_id", f.ClientID, "error", err)
	}
	if werr := wsjson.Write(ctx, ws, res); werr != nil {
		b.logger.Warn("auth result send failed", "error", werr)
	}
}

// handleProxyRequest replays a bridged HTTP request against the local
// handler and sends the captured response back with the same requestId.
func (b *Backend) handleProxyRequest(ctx context.Context, ws *websocket.Conn, f frame) {
	res := frame{
		Type:      "http_proxy_response",
		RequestID: f.RequestID,
	}

	if b.local == nil {
		res.Status = http.StatusBadGateway
		res.Body = []byte(`{"error":{"code":"BACKEND_UNAVAILABLE","message":"no local handler"}}`)
	} else {
		rec := newRecorder()
		req, err := newLocalRequest(ctx, f)
		if err != nil {
			res.Status = http.StatusBadRequest
			res.Body = []byte(err.Error())
		} else {
			b.local.ServeHTTP(rec, req)
			res.Status = rec.status
			res.Headers = rec.header
			res.Body = rec.body.Bytes()
		}
	}

	if err := wsjson.Write(ctx, ws, res); err != nil {
		b.logger.Warn("proxy response send failed", "request_id", f.RequestID, "error", err)
	}
}
