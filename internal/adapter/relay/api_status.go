package relay

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Metrics tracks relay counters for the status API.
type Metrics struct {
	MessagesRelayed atomic.Int64
	ProxyRequests   atomic.Int64
	ProxyTimeouts   atomic.Int64
	AuthFailures    atomic.Int64
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Gateway  GatewayStatus `json:"gateway"`
	Backends PeerStatus    `json:"backends"`
	Clients  PeerStatus    `json:"clients"`
	Proxy    ProxyStatus   `json:"proxy"`
	Relay    RelayStatus   `json:"relay"`
}

// GatewayStatus holds process overview info.
type GatewayStatus struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// PeerStatus holds connection counts for one peer class.
type PeerStatus struct {
	Connected int `json:"connected"`
}

// ProxyStatus holds proxy bridge stats.
type ProxyStatus struct {
	Pending       int   `json:"pending"`
	RequestsTotal int64 `json:"requests_total"`
	TimeoutsTotal int64 `json:"timeouts_total"`
}

// RelayStatus holds message routing stats.
type RelayStatus struct {
	MessagesRelayed int64 `json:"messages_relayed"`
	StreamsOpen     int   `json:"streams_open"`
	AuthFailures    int64 `json:"auth_failures"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	resp := StatusResponse{
		Gateway: GatewayStatus{
			UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		},
		Backends: PeerStatus{Connected: s.backends.Count()},
		Clients:  PeerStatus{Connected: s.clients.Count()},
		Proxy: ProxyStatus{
			Pending:       s.pending.Len(),
			RequestsTotal: s.metrics.ProxyRequests.Load(),
			TimeoutsTotal: s.metrics.ProxyTimeouts.Load(),
		},
		Relay: RelayStatus{
			MessagesRelayed: s.metrics.MessagesRelayed.Load(),
			StreamsOpen:     s.streams.Count(),
			AuthFailures:    s.metrics.AuthFailures.Load(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
