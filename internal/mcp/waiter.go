package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/leonletto/tldrer/internal/fanout"
	"github.com/leonletto/tldrer/internal/types"
)

const (
	maxQueueSize       = 1000
	defaultWaitTimeout = 300 // seconds
	maxWaitTimeout     = 600 // seconds
)

// ErrWaitActive is returned when a second wait starts while one is running.
var ErrWaitActive = errors.New("another wait_for_message is already active")

// Publisher delivers published chat messages to subscribers.
type Publisher interface {
	Subscribe(h fanout.Handler) fanout.Subscription
	Unsubscribe(sub fanout.Subscription)
}

// Waiter queues published messages for the wait_for_message tool.
type Waiter struct {
	pub Publisher
	sub fanout.Subscription

	mu       sync.Mutex
	queue    []types.ChatMessage
	waiterCh chan struct{} // closed when a message arrives
	active   bool
}

// NewWaiter subscribes to pub. Close unsubscribes.
func NewWaiter(pub Publisher) *Waiter {
	w := &Waiter{pub: pub}
	w.sub = pub.Subscribe(w.enqueue)
	return w
}

func (w *Waiter) enqueue(ctx context.Context, msg types.ChatMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) >= maxQueueSize {
		w.queue = w.queue[1:]
	}
	w.queue = append(w.queue, msg)
	if w.waiterCh != nil {
		close(w.waiterCh)
		w.waiterCh = nil
	}
	return nil
}

// take removes the first queued message for conversationID (any when
// empty). The caller holds w.mu.
func (w *Waiter) take(conversationID string) (types.ChatMessage, bool) {
	for i, m := range w.queue {
		if conversationID == "" || m.ConversationID == conversationID {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return m, true
		}
	}
	return types.ChatMessage{}, false
}

// Wait blocks until a matching message is queued, the timeout expires or
// ctx is done.
func (w *Waiter) Wait(ctx context.Context, timeout time.Duration, conversationID string) (*WaitForMessageOutput, error) {
	w.mu.Lock()
	if w.active {
		w.mu.Unlock()
		return nil, ErrWaitActive
	}
	w.active = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.active = false
		w.waiterCh = nil
		w.mu.Unlock()
	}()

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		w.mu.Lock()
		if m, ok := w.take(conversationID); ok {
			w.mu.Unlock()
			return &WaitForMessageOutput{
				Status:        "message_received",
				Message:       &m,
				WaitedSeconds: int(time.Since(start).Seconds()),
			}, nil
		}
		ch := make(chan struct{})
		w.waiterCh = ch
		w.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return &WaitForMessageOutput{Status: "timeout", WaitedSeconds: int(timeout.Seconds())}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pending returns the number of queued messages.
func (w *Waiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Close stops queueing messages.
func (w *Waiter) Close() {
	w.pub.Unsubscribe(w.sub)
}

// waitTimeout clamps a requested timeout in seconds.
func waitTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = defaultWaitTimeout
	}
	if seconds > maxWaitTimeout {
		seconds = maxWaitTimeout
	}
	return time.Duration(seconds) * time.Second
}
