package backendsdk

import (
	"log/slog"
	"net/http"
)

// Option configures a Backend.
type Option func(*Backend)

// WithGatewayURL sets the gateway base URL (e.g. "ws://gw.example.com:8090").
func WithGatewayURL(url string) Option {
	return func(b *Backend) { b.gatewayURL = url }
}

// WithSecret sets the shared gateway secret presented at registration.
func WithSecret(secret string) Option {
	return func(b *Backend) { b.secret = secret }
}

// WithKeyValidator sets the hook that judges client API keys. Without one,
// every key is rejected.
func WithKeyValidator(fn KeyValidator) Option {
	return func(b *Backend) { b.validator = fn }
}

// WithMessageHandler sets the callback for relayed client messages.
func WithMessageHandler(fn MessageHandler) Option {
	return func(b *Backend) { b.onMessage = fn }
}

// WithLocalHandler sets the HTTP handler that serves bridged proxy
// requests. Without one, proxied calls answer 502.
func WithLocalHandler(h http.Handler) Option {
	return func(b *Backend) { b.local = h }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}
