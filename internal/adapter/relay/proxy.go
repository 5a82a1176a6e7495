package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"portico/internal/domain"
	"portico/internal/infra/config"
	"portico/internal/infra/tracer"
)

// breakerSet holds one circuit breaker per backend. Repeatedly unanswered
// proxy requests open the breaker so callers fail fast instead of queueing
// 30-second timeouts against a wedged backend.
type breakerSet struct {
	mu        sync.Mutex
	byBackend map[string]*gobreaker.CircuitBreaker[proxyResult]
	cfg       config.BreakerConfig
}

func newBreakerSet(cfg config.BreakerConfig) *breakerSet {
	return &breakerSet{
		byBackend: make(map[string]*gobreaker.CircuitBreaker[proxyResult]),
		cfg:       cfg,
	}
}

// Execute runs fn through backendID's breaker, or directly when breakers
// are disabled.
func (b *breakerSet) Execute(backendID string, fn func() (proxyResult, error)) (proxyResult, error) {
	if !b.cfg.Enabled {
		return fn()
	}
	return b.forBackend(backendID).Execute(fn)
}

func (b *breakerSet) forBackend(backendID string) *gobreaker.CircuitBreaker[proxyResult] {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.byBackend[backendID]
	if !ok {
		maxFailures := b.cfg.MaxFailures
		cb = gobreaker.NewCircuitBreaker[proxyResult](gobreaker.Settings{
			Name:     "proxy:" + backendID,
			Interval: b.cfg.Interval,
			Timeout:  b.cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			// A hung-up HTTP client says nothing about backend health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
		})
		b.byBackend[backendID] = cb
	}
	return cb
}

// handleProxy bridges ANY /proxy/{backendId}/{apiPath...} onto the named
// backend's WebSocket and replays the correlated answer. The compound
// bearer token carries the gateway secret and the backend's API key,
// separated by a colon; the key is passed through to the backend as its
// own Authorization header.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	backendID := r.PathValue("backendId")
	apiPath := "/" + r.PathValue("apiPath")
	if r.URL.RawQuery != "" {
		apiPath += "?" + r.URL.RawQuery
	}

	apiKey, ok := s.proxyAuth(r)
	if !ok {
		s.metrics.AuthFailures.Add(1)
		s.auditEvent(r.Context(), domain.AuditAuthFailure, backendID, "denied", map[string]string{"endpoint": "/proxy"})
		writeProxyError(w, http.StatusUnauthorized, domain.CodeAuthInvalid, "invalid or missing authorization")
		return
	}

	ctx, span := tracer.StartSpan(r.Context(), "relay.proxy")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("backend_id", backendID),
		tracer.StringAttr("http.method", r.Method),
		tracer.StringAttr("proxy.path", apiPath),
	)

	s.metrics.ProxyRequests.Add(1)
	s.publish(ctx, domain.EventProxyRequest, backendID, "")

	_, backendConn, live := s.backends.Lookup(backendID)
	if !live {
		tracer.RecordError(span, domain.ErrBackendUnavailable)
		writeProxyError(w, http.StatusBadGateway, domain.CodeBackendUnavailable, "backend not connected")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeProxyError(w, http.StatusRequestEntityTooLarge, domain.CodeMalformedMessage, "request body too large")
		return
	}

	headers := r.Header.Clone()
	headers.Set("Authorization", "Bearer "+apiKey)

	res, err := s.breakers.Execute(backendID, func() (proxyResult, error) {
		return s.roundTrip(ctx, backendConn, r.Method, apiPath, headers, body)
	})
	if err != nil {
		tracer.RecordError(span, err)
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			writeProxyError(w, http.StatusBadGateway, domain.CodeCircuitOpen, "backend circuit open")
		case errors.Is(err, domain.ErrRequestTimeout):
			s.metrics.ProxyTimeouts.Add(1)
			s.publish(ctx, domain.EventProxyTimeout, backendID, "")
			writeProxyError(w, http.StatusGatewayTimeout, domain.CodeRequestTimeout, "backend did not answer in time")
		default:
			writeProxyError(w, http.StatusBadGateway, domain.CodeBackendUnavailable, "backend unreachable")
		}
		return
	}

	tracer.SetOK(span)
	s.publish(ctx, domain.EventProxyCompleted, backendID, "")
	s.auditEvent(ctx, domain.AuditProxyRequest, backendID, "ok", map[string]string{"method": r.Method, "path": apiPath})

	for name, values := range res.headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if res.status == 0 {
		res.status = http.StatusOK
	}
	w.WriteHeader(res.status)
	_, _ = w.Write(res.body)
}

// roundTrip sends one http_proxy_request over conn and waits for the
// matching http_proxy_response, bounded by the configured proxy timeout.
func (s *Server) roundTrip(ctx context.Context, conn domain.PeerConn, method, path string, headers map[string][]string, body []byte) (proxyResult, error) {
	requestID := ulid.Make().String()
	ch := s.pending.Add(requestID)

	err := conn.Send(ctx, Frame{
		Type:      FrameProxyRequest,
		RequestID: requestID,
		Method:    method,
		Path:      path,
		Headers:   headers,
		Body:      body,
	})
	if err != nil {
		s.pending.Remove(requestID)
		return proxyResult{}, err
	}

	timer := time.NewTimer(s.cfg.ProxyTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		s.pending.Remove(requestID)
		return proxyResult{}, domain.NewDomainError("relay.roundTrip", domain.ErrRequestTimeout, requestID)
	case <-ctx.Done():
		s.pending.Remove(requestID)
		return proxyResult{}, ctx.Err()
	}
}

// proxyAuth validates the compound "Bearer {gatewaySecret}:{backendApiKey}"
// header and returns the backend API key.
func (s *Server) proxyAuth(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return "", false
	}
	secret, apiKey, found := strings.Cut(token, ":")
	if !found {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.Secret)) != 1 {
		return "", false
	}
	return apiKey, true
}

func writeProxyError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": message,
		},
	})
}
