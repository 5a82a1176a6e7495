package relay

import (
	"sync"

	"portico/internal/domain"
)

type streamKey struct {
	clientID  string
	requestID string
}

// openStream is a stream the gateway has seen messages for but no final
// marker yet.
type openStream struct {
	ClientID  string
	RequestID string
	LastSeq   int64
}

// streamTracker remembers which relayed streams are still open on each
// connection, so that a dying backend's streams can be terminated cleanly
// toward their waiting clients.
type streamTracker struct {
	mu   sync.Mutex
	open map[domain.PeerConn]map[streamKey]int64
}

func newStreamTracker() *streamTracker {
	return &streamTracker{open: make(map[domain.PeerConn]map[streamKey]int64)}
}

// Observe inspects an envelope relayed from conn toward clientID and
// updates the open-stream bookkeeping. Non-stream envelopes are ignored.
func (t *streamTracker) Observe(conn domain.PeerConn, clientID string, env *domain.Envelope, kind domain.EnvelopeKind) {
	if kind != domain.KindStream {
		return
	}
	key := streamKey{clientID: clientID, requestID: env.RequestID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if env.Final {
		if streams, ok := t.open[conn]; ok {
			delete(streams, key)
			if len(streams) == 0 {
				delete(t.open, conn)
			}
		}
		return
	}

	streams, ok := t.open[conn]
	if !ok {
		streams = make(map[streamKey]int64)
		t.open[conn] = streams
	}
	if env.Sequence != nil {
		streams[key] = *env.Sequence
	}
}

// Drain removes and returns every stream still open on conn.
func (t *streamTracker) Drain(conn domain.PeerConn) []openStream {
	t.mu.Lock()
	streams := t.open[conn]
	delete(t.open, conn)
	t.mu.Unlock()

	out := make([]openStream, 0, len(streams))
	for key, seq := range streams {
		out = append(out, openStream{ClientID: key.clientID, RequestID: key.requestID, LastSeq: seq})
	}
	return out
}

// Count reports the number of open streams across all connections.
func (t *streamTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, streams := range t.open {
		n += len(streams)
	}
	return n
}
