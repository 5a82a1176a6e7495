package domain

import (
	"context"
	"time"
)

// PeerConn is the transport handle held for a connected peer. The relay
// adapter implements it over a WebSocket with a buffered outbound queue;
// registries and the heartbeat monitor only ever see this interface.
type PeerConn interface {
	// Send enqueues a frame for delivery. It must not block on a slow peer;
	// implementations drop or fail instead.
	Send(ctx context.Context, frame any) error
	// Ping probes the peer and waits for the answer, bounded by ctx.
	Ping(ctx context.Context) error
	// Close tears the connection down with a reason. Idempotent.
	Close(reason string) error
}

// Backend is a live, registered backend connection. Backends are transient:
// one record per connection, destroyed on disconnect or failed heartbeat.
// Only the deviceId→backendId mapping outlives them.
type Backend struct {
	BackendID   string    `json:"backend_id"`
	DeviceID    string    `json:"-"` // private, never exposed to clients
	DisplayName string    `json:"display_name"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Client is a live client connection. ClientID is minted by the gateway,
// never supplied by the client.
type Client struct {
	ClientID    string    `json:"client_id"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
}

// DeviceMapping is the persisted association between a backend's private
// device identifier and its public backend identifier. Immutable once
// created: the same deviceId always resolves to the same backendId.
type DeviceMapping struct {
	DeviceID    string
	BackendID   string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IdentityStore persists device mappings. Writes happen only on first
// registration of a device; later registrations are read-only lookups.
type IdentityStore interface {
	// Resolve returns the stable backendId for deviceId, minting and
	// persisting a new one when the device is unknown.
	Resolve(ctx context.Context, deviceID, displayName string) (string, error)
	// Lookup returns the stored mapping without creating one.
	Lookup(ctx context.Context, deviceID string) (*DeviceMapping, error)
	Close() error
}
