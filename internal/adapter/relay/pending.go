package relay

import "sync"

// proxyResult is a backend's answer to one bridged HTTP request.
type proxyResult struct {
	status  int
	headers map[string][]string
	body    []byte
}

// pendingMap correlates in-flight proxy requests with the backend frames
// that answer them. Each requestId is resolved at most once; late or
// duplicate answers are discarded.
type pendingMap struct {
	mu      sync.Mutex
	waiters map[string]chan proxyResult
}

func newPendingMap() *pendingMap {
	return &pendingMap{waiters: make(map[string]chan proxyResult)}
}

// Add registers requestID and returns the channel its result will arrive on.
func (p *pendingMap) Add(requestID string) chan proxyResult {
	ch := make(chan proxyResult, 1)
	p.mu.Lock()
	p.waiters[requestID] = ch
	p.mu.Unlock()
	return ch
}

// Resolve delivers a result for requestID. The entry is removed before the
// send, so a concurrent duplicate sees no waiter and becomes a no-op.
// Returns false for unknown or already-resolved ids.
func (p *pendingMap) Resolve(requestID string, res proxyResult) bool {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	if ok {
		delete(p.waiters, requestID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// Remove abandons requestID, typically after its deadline fired.
func (p *pendingMap) Remove(requestID string) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// Len reports the number of requests still awaiting an answer.
func (p *pendingMap) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
