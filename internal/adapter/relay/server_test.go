package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"portico/internal/domain"
	"portico/internal/infra/config"
	"portico/internal/usecase/eventbus"
	"portico/internal/usecase/registry"
)

const testSecret = "test-secret"

// --- test doubles ---

type fakeIdentity struct {
	mu   sync.Mutex
	byID map[string]string
	next int
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{byID: make(map[string]string)}
}

func (f *fakeIdentity) Resolve(_ context.Context, deviceID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byID[deviceID]; ok {
		return id, nil
	}
	f.next++
	id := fmt.Sprintf("backend%02d", f.next)
	f.byID[deviceID] = id
	return id, nil
}

func (f *fakeIdentity) Lookup(_ context.Context, deviceID string) (*domain.DeviceMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byID[deviceID]; ok {
		return &domain.DeviceMapping{DeviceID: deviceID, BackendID: id}, nil
	}
	return nil, domain.ErrBackendNotFound
}

func (f *fakeIdentity) Close() error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- harness ---

func startTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Defaults()
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Gateway.Secret = testSecret
	if mutate != nil {
		mutate(cfg)
	}

	logger := testLogger()
	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	backends := registry.NewBackends(testSecret, newFakeIdentity(), bus, nil, logger)
	clients := registry.NewClients(bus, logger)
	srv := NewServer(cfg, backends, clients, bus, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		go func() {
			for srv.BoundAddr() == "" {
				time.Sleep(5 * time.Millisecond)
			}
			close(started)
		}()
		_ = srv.Start(ctx)
	}()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}

	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var frame Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, ws *websocket.Conn, frame Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, ws, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// registerBackend dials /backend and completes the register handshake.
func registerBackend(t *testing.T, srv *Server, deviceID string) (*websocket.Conn, string) {
	t.Helper()
	ws := dialWS(t, srv.BoundAddr(), "/backend")

	writeFrame(t, ws, Frame{
		Type:          FrameRegister,
		GatewaySecret: testSecret,
		DeviceID:      deviceID,
		Name:          "backend " + deviceID,
	})
	res := readFrame(t, ws)
	if res.Type != FrameRegisterResult {
		t.Fatalf("type = %q, want register_result", res.Type)
	}
	if res.Success == nil || !*res.Success {
		t.Fatalf("registration failed: %s (%s)", res.Error, res.Code)
	}
	if res.BackendID == "" {
		t.Fatal("register_result missing backendId")
	}
	return ws, res.BackendID
}

// connectClient dials /client and reads the connected frame.
func connectClient(t *testing.T, srv *Server) (*websocket.Conn, string) {
	t.Helper()
	ws := dialWS(t, srv.BoundAddr(), "/client?secret="+testSecret)

	frame := readFrame(t, ws)
	if frame.Type != FrameConnected {
		t.Fatalf("type = %q, want connected", frame.Type)
	}
	if frame.ClientID == "" {
		t.Fatal("connected frame missing clientId")
	}
	return ws, frame.ClientID
}

// authenticate completes the second auth tier: the client asks for the
// backend, the backend approves the key, the client reads the verdict.
func authenticate(t *testing.T, clientWS, backendWS *websocket.Conn, backendID, apiKey string) {
	t.Helper()
	writeFrame(t, clientWS, Frame{Type: FrameConnectBackend, BackendID: backendID, APIKey: apiKey})

	auth := readFrame(t, backendWS)
	if auth.Type != FrameClientAuth {
		t.Fatalf("backend got %q, want client_auth", auth.Type)
	}
	if auth.APIKey != apiKey {
		t.Fatalf("apiKey = %q, want %q", auth.APIKey, apiKey)
	}

	writeFrame(t, backendWS, Frame{
		Type:     FrameClientAuthResult,
		ClientID: auth.ClientID,
		Success:  boolPtr(true),
	})

	res := readFrame(t, clientWS)
	if res.Type != FrameClientAuthResult {
		t.Fatalf("client got %q, want client_auth_result", res.Type)
	}
	if res.Success == nil || !*res.Success {
		t.Fatalf("auth failed: %s", res.Error)
	}
	if res.BackendID != backendID {
		t.Fatalf("result backendId = %q, want %q", res.BackendID, backendID)
	}
}

// --- tests ---

func TestBackendRegistration(t *testing.T) {
	srv := startTestServer(t, nil)

	_, backendID := registerBackend(t, srv, "device-a")
	if srv.backends.Count() != 1 {
		t.Fatalf("backend count = %d", srv.backends.Count())
	}

	// Same device from a new connection resumes the same identity and
	// forces the old connection out.
	_, backendID2 := registerBackend(t, srv, "device-a")
	if backendID2 != backendID {
		t.Fatalf("backendId changed across reconnect: %q vs %q", backendID, backendID2)
	}
	if srv.backends.Count() != 1 {
		t.Fatalf("backend count after re-register = %d", srv.backends.Count())
	}

	if _, _, ok := srv.backends.Lookup(backendID); !ok {
		t.Fatal("backend gone after re-register")
	}
}

func TestBackendRegisterBadSecret(t *testing.T) {
	srv := startTestServer(t, nil)
	ws := dialWS(t, srv.BoundAddr(), "/backend")

	writeFrame(t, ws, Frame{Type: FrameRegister, GatewaySecret: "wrong", DeviceID: "device-a"})
	res := readFrame(t, ws)

	if res.Success == nil || *res.Success {
		t.Fatal("expected registration failure")
	}
	if res.Code != string(domain.CodeAuthInvalid) {
		t.Fatalf("code = %q, want %s", res.Code, domain.CodeAuthInvalid)
	}
	if srv.backends.Count() != 0 {
		t.Fatalf("backend count = %d", srv.backends.Count())
	}
}

func TestBackendFirstFrameMustBeRegister(t *testing.T) {
	srv := startTestServer(t, nil)
	ws := dialWS(t, srv.BoundAddr(), "/backend")

	writeFrame(t, ws, Frame{Type: FrameBackendResponse, ClientID: "nobody"})
	res := readFrame(t, ws)

	if res.Type != FrameRegisterResult || res.Success == nil || *res.Success {
		t.Fatalf("expected failed register_result, got %+v", res)
	}
	if res.Code != string(domain.CodeMalformedMessage) {
		t.Fatalf("code = %q", res.Code)
	}
}

func TestClientBadSecret(t *testing.T) {
	srv := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/client?secret=wrong", nil)
	if err == nil {
		t.Fatal("expected dial rejection")
	}
}

func TestClientAuthFlow(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, backendID := registerBackend(t, srv, "device-a")
	clientWS, clientID := connectClient(t, srv)

	authenticate(t, clientWS, backendWS, backendID, "api-key-1")

	if !srv.clients.IsAuthenticated(clientID, backendID) {
		t.Fatal("grant not recorded")
	}
}

func TestClientAuthRejected(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, backendID := registerBackend(t, srv, "device-a")
	clientWS, clientID := connectClient(t, srv)

	writeFrame(t, clientWS, Frame{Type: FrameConnectBackend, BackendID: backendID, APIKey: "bad-key"})

	auth := readFrame(t, backendWS)
	writeFrame(t, backendWS, Frame{
		Type:     FrameClientAuthResult,
		ClientID: auth.ClientID,
		Success:  boolPtr(false),
		Error:    "invalid api key",
	})

	res := readFrame(t, clientWS)
	if res.Success == nil || *res.Success {
		t.Fatal("expected auth rejection")
	}
	if res.Error != "invalid api key" {
		t.Fatalf("error = %q", res.Error)
	}
	if srv.clients.IsAuthenticated(clientID, backendID) {
		t.Fatal("rejected auth must not record a grant")
	}
}

func TestConnectBackendUnavailable(t *testing.T) {
	srv := startTestServer(t, nil)
	clientWS, _ := connectClient(t, srv)

	writeFrame(t, clientWS, Frame{Type: FrameConnectBackend, BackendID: "nope", APIKey: "k"})

	res := readFrame(t, clientWS)
	if res.Type != FrameClientAuthResult {
		t.Fatalf("type = %q", res.Type)
	}
	if res.Success == nil || *res.Success {
		t.Fatal("expected failure for unknown backend")
	}
	if res.Error != "backend not available" {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestSendToBackendRequiresAuth(t *testing.T) {
	srv := startTestServer(t, nil)

	_, backendID := registerBackend(t, srv, "device-a")
	clientWS, _ := connectClient(t, srv)

	writeFrame(t, clientWS, Frame{
		Type:      FrameSendToBackend,
		BackendID: backendID,
		Message:   json.RawMessage(`{"hello":true}`),
	})

	res := readFrame(t, clientWS)
	if res.Type != FrameError {
		t.Fatalf("type = %q, want error", res.Type)
	}
	if res.Code != string(domain.CodeNotAuthenticated) {
		t.Fatalf("code = %q", res.Code)
	}
}

func TestMessageRelayRoundTrip(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, backendID := registerBackend(t, srv, "device-a")
	clientWS, clientID := connectClient(t, srv)
	authenticate(t, clientWS, backendWS, backendID, "api-key-1")

	// Client → backend.
	payload := json.RawMessage(`{"id":"m1","type":"chat.send","payload":{"text":"hi"},"timestamp":"2026-01-01T00:00:00Z"}`)
	writeFrame(t, clientWS, Frame{Type: FrameSendToBackend, BackendID: backendID, Message: payload})

	fwd := readFrame(t, backendWS)
	if fwd.Type != FrameForwarded {
		t.Fatalf("backend got %q, want forwarded", fwd.Type)
	}
	if fwd.ClientID != clientID {
		t.Fatalf("forwarded clientId = %q, want %q", fwd.ClientID, clientID)
	}
	if string(fwd.Message) != string(payload) {
		t.Fatalf("message altered in transit: %s", fwd.Message)
	}

	// Backend → client.
	reply := json.RawMessage(`{"id":"m2","type":"chat.send","payload":{"ok":true},"timestamp":"2026-01-01T00:00:01Z","metadata":{"requestId":"m1","success":true}}`)
	writeFrame(t, backendWS, Frame{Type: FrameBackendResponse, ClientID: clientID, Message: reply})

	back := readFrame(t, clientWS)
	if back.Type != FrameBackendResponse {
		t.Fatalf("client got %q, want backend_response", back.Type)
	}
	if back.BackendID != backendID {
		t.Fatalf("backendId = %q", back.BackendID)
	}
	if string(back.Message) != string(reply) {
		t.Fatalf("message altered in transit: %s", back.Message)
	}
}

func TestBackendResponseForGoneClientDropped(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, _ := registerBackend(t, srv, "device-a")

	writeFrame(t, backendWS, Frame{
		Type:     FrameBackendResponse,
		ClientID: "long-gone",
		Message:  json.RawMessage(`{"id":"x","type":"t","timestamp":"2026-01-01T00:00:00Z"}`),
	})

	// Nothing to assert beyond the relay staying healthy.
	time.Sleep(50 * time.Millisecond)
	if srv.backends.Count() != 1 {
		t.Fatal("backend dropped by a dead-letter response")
	}
}

func TestStreamAbortOnBackendDisconnect(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, backendID := registerBackend(t, srv, "device-a")
	clientWS, clientID := connectClient(t, srv)
	authenticate(t, clientWS, backendWS, backendID, "api-key-1")

	// Backend opens a stream toward the client and dies mid-way.
	chunk := json.RawMessage(`{"id":"s1","type":"chat.stream","payload":{"text":"par"},"timestamp":"2026-01-01T00:00:00Z","requestId":"req-9","sequence":3,"final":false}`)
	writeFrame(t, backendWS, Frame{Type: FrameBackendResponse, ClientID: clientID, Message: chunk})

	got := readFrame(t, clientWS)
	if got.Type != FrameBackendResponse {
		t.Fatalf("type = %q", got.Type)
	}

	backendWS.Close(websocket.StatusNormalClosure, "crash")

	abort := readFrame(t, clientWS)
	if abort.Type != FrameBackendResponse {
		t.Fatalf("abort type = %q", abort.Type)
	}

	var env domain.Envelope
	if err := json.Unmarshal(abort.Message, &env); err != nil {
		t.Fatalf("unmarshal abort envelope: %v", err)
	}
	if !env.Final {
		t.Fatal("synthesized stream terminator must be final")
	}
	if env.RequestID != "req-9" {
		t.Fatalf("requestId = %q", env.RequestID)
	}
	if env.Sequence == nil || *env.Sequence != 4 {
		t.Fatalf("sequence = %v, want 4", env.Sequence)
	}
	if env.Metadata == nil || env.Metadata.Error == "" {
		t.Fatal("terminator must carry an error")
	}
}

func TestBackendDisconnectRevokesGrants(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, backendID := registerBackend(t, srv, "device-a")
	clientWS, clientID := connectClient(t, srv)
	authenticate(t, clientWS, backendWS, backendID, "api-key-1")

	backendWS.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for srv.clients.IsAuthenticated(clientID, backendID) {
		if time.Now().After(deadline) {
			t.Fatal("grant survived backend disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConcurrentClients(t *testing.T) {
	srv := startTestServer(t, nil)

	backendWS, backendID := registerBackend(t, srv, "device-a")

	// One reader drains the backend socket and answers auth requests.
	go func() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			var frame Frame
			err := wsjson.Read(ctx, backendWS, &frame)
			cancel()
			if err != nil {
				return
			}
			if frame.Type == FrameClientAuth {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = wsjson.Write(ctx, backendWS, Frame{
					Type:     FrameClientAuthResult,
					ClientID: frame.ClientID,
					Success:  boolPtr(true),
				})
				cancel()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clientWS, _ := connectClient(t, srv)
			writeFrame(t, clientWS, Frame{Type: FrameConnectBackend, BackendID: backendID, APIKey: "k"})
			res := readFrame(t, clientWS)
			if res.Type != FrameClientAuthResult || res.Success == nil || !*res.Success {
				t.Errorf("auth failed: %+v", res)
			}
		}()
	}
	wg.Wait()
}
