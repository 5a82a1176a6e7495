package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"portico/internal/domain"
)

// anyEvent is the subscription key for handlers that receive every event.
const anyEvent domain.EventType = "*"

type subscriber struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Registries, the heartbeat
// monitor and the relay server publish; metrics and tests subscribe.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType][]subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]subscriber),
		logger: logger,
	}
}

// Publish fans out an event to typed subscribers and all-event subscribers.
// Each handler runs in its own goroutine; panicking handlers are recovered
// so one bad subscriber cannot take the relay down.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs[event.Type])+len(b.subs[anyEvent]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[anyEvent]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.wg.Add(1)
		go func(sub subscriber) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", string(event.Type),
						"panic", r,
					)
				}
			}()
			sub.handler(ctx, event)
		}(sub)
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(anyEvent, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], subscriber{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[key]
		for i, s := range subs {
			if s.id == id {
				b.subs[key] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
