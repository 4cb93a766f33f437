// Package fanout broadcasts chat messages to registered listeners.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/types"
)

// Handler receives one published message. A returned error is logged and
// counted; it never affects other handlers.
type Handler func(ctx context.Context, msg types.ChatMessage) error

// Subscription identifies a registered handler.
type Subscription uint64

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the broadcaster logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Broadcaster) { b.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

// Broadcaster manages the listener set.
type Broadcaster struct {
	mu       sync.RWMutex
	handlers map[Subscription]Handler
	next     Subscription
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New creates an empty broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		handlers: make(map[Subscription]Handler),
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h and returns its handle.
func (b *Broadcaster) Subscribe(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.handlers[b.next] = h
	return b.next
}

// Unsubscribe removes a handler. Unknown handles are ignored.
func (b *Broadcaster) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, s)
}

// Len returns the number of registered handlers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish runs every currently registered handler on its own goroutine and
// waits for all of them. It returns the number of handlers that failed.
func (b *Broadcaster) Publish(ctx context.Context, msg types.ChatMessage) int {
	b.mu.RLock()
	snapshot := make(map[Subscription]Handler, len(b.handlers))
	for id, h := range b.handlers {
		snapshot[id] = h
	}
	b.mu.RUnlock()

	var (
		wg       sync.WaitGroup
		failMu   sync.Mutex
		failures int
	)
	for id, h := range snapshot {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.invoke(ctx, h, msg); err != nil {
				b.metrics.HandlerFailure()
				b.log.Warn().Err(err).Uint64("subscription", uint64(id)).
					Int64("timestamp", msg.Timestamp).Msg("Listener failed")
				failMu.Lock()
				failures++
				failMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return failures
}

func (b *Broadcaster) invoke(ctx context.Context, h Handler, msg types.ChatMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}
