package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"portico/internal/domain"
)

const writeTimeout = 5 * time.Second

// peerConn wraps a WebSocket connection with a buffered outbound queue and
// a single writer goroutine. It implements domain.PeerConn.
type peerConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newPeerConn(ws *websocket.Conn, queueSize int, logger *slog.Logger) *peerConn {
	return &peerConn{
		ws:     ws,
		sendCh: make(chan Frame, queueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send enqueues a frame. A full queue means the peer is too slow to keep
// up; the frame is dropped and an error returned rather than blocking the
// caller.
func (c *peerConn) Send(_ context.Context, frame any) error {
	f, ok := frame.(Frame)
	if !ok {
		return domain.NewDomainError("peerConn.Send", domain.ErrMalformedMessage, "not a relay frame")
	}
	select {
	case <-c.done:
		return domain.NewDomainError("peerConn.Send", domain.ErrBackendUnavailable, "connection closed")
	case c.sendCh <- f:
		return nil
	default:
		c.logger.Warn("relay: dropped frame for slow peer", "frame_type", f.Type)
		return domain.NewDomainError("peerConn.Send", domain.ErrBackendUnavailable, "send queue full")
	}
}

// Ping sends a WebSocket ping and waits for the pong, bounded by ctx.
func (c *peerConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Close tears down the connection. Idempotent.
func (c *peerConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

func (c *peerConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, frame)
			cancel()
			if err != nil {
				c.logger.Warn("relay: write failed, closing connection", "frame_type", frame.Type, "err", err)
				_ = c.Close("write failed")
				return
			}
		}
	}
}
