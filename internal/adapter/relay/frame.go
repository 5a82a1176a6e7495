package relay

import "encoding/json"

// Frame types exchanged over the relay WebSocket endpoints.
const (
	FrameRegister         = "register"
	FrameRegisterResult   = "register_result"
	FrameConnected        = "connected"
	FrameConnectBackend   = "connect_backend"
	FrameClientAuth       = "client_auth"
	FrameClientAuthResult = "client_auth_result"
	FrameSendToBackend    = "send_to_backend"
	FrameForwarded        = "forwarded"
	FrameBackendResponse  = "backend_response"
	FrameProxyRequest     = "http_proxy_request"
	FrameProxyResponse    = "http_proxy_response"
	FrameError            = "error"
)

// Frame is the wire format for both the /backend and /client endpoints.
// One flat struct; which fields are meaningful depends on Type.
type Frame struct {
	Type string `json:"type"`

	// register (backend → gateway)
	GatewaySecret string `json:"gatewaySecret,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	Name          string `json:"name,omitempty"`

	// results and error reporting
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`

	// routing
	BackendID string `json:"backendId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`

	// opaque relayed payload; never inspected beyond stream bookkeeping
	Message json.RawMessage `json:"message,omitempty"`

	// http proxy bridge
	RequestID string              `json:"requestId,omitempty"`
	Method    string              `json:"method,omitempty"`
	Path      string              `json:"path,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	Status    int                 `json:"status,omitempty"`
}

func boolPtr(v bool) *bool { return &v }
