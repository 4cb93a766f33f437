package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/types"
)

func testMessage() types.ChatMessage {
	return types.ChatMessage{Kind: types.KindNewMessage, Timestamp: 42, SenderID: "+1", SenderName: "Alice", ConversationID: "+1", Text: "hi"}
}

func TestPublishDeliversToAll(t *testing.T) {
	b := New()

	var mu sync.Mutex
	got := make(map[string]types.ChatMessage)
	for _, name := range []string{"a", "b", "c"} {
		b.Subscribe(func(ctx context.Context, msg types.ChatMessage) error {
			mu.Lock()
			defer mu.Unlock()
			got[name] = msg
			return nil
		})
	}

	if failed := b.Publish(context.Background(), testMessage()); failed != 0 {
		t.Fatalf("Publish() failures = %d, want 0", failed)
	}
	if len(got) != 3 {
		t.Fatalf("delivered to %d handlers, want 3", len(got))
	}
	for name, msg := range got {
		if msg.Timestamp != 42 {
			t.Errorf("handler %s got timestamp %d", name, msg.Timestamp)
		}
	}
}

func TestPublishIsolatesFailures(t *testing.T) {
	tests := []struct {
		name    string
		failing Handler
	}{
		{"error", func(ctx context.Context, msg types.ChatMessage) error { return errors.New("boom") }},
		{"panic", func(ctx context.Context, msg types.ChatMessage) error { panic("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			b := New(WithLogger(zerolog.New(zerolog.NewTestWriter(t))), WithMetrics(metrics.New(reg)))

			var delivered atomic.Int32
			ok := func(ctx context.Context, msg types.ChatMessage) error {
				delivered.Add(1)
				return nil
			}
			b.Subscribe(ok)
			b.Subscribe(tt.failing)
			b.Subscribe(ok)

			if failed := b.Publish(context.Background(), testMessage()); failed != 1 {
				t.Errorf("Publish() failures = %d, want 1", failed)
			}
			if got := delivered.Load(); got != 2 {
				t.Errorf("healthy handlers called %d times, want 2", got)
			}
		})
	}
}

func TestPublishRunsHandlersConcurrently(t *testing.T) {
	b := New()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	for i := 0; i < 2; i++ {
		b.Subscribe(func(ctx context.Context, msg types.ChatMessage) error {
			started.Done()
			<-release
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), testMessage())
		close(done)
	}()

	waitStarted := make(chan struct{})
	go func() {
		started.Wait()
		close(waitStarted)
	}()
	select {
	case <-waitStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run concurrently")
	}

	select {
	case <-done:
		t.Fatal("Publish returned before handlers finished")
	default:
	}
	close(release)
	<-done
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	var calls atomic.Int32
	sub := b.Subscribe(func(ctx context.Context, msg types.ChatMessage) error {
		calls.Add(1)
		return nil
	})
	other := b.Subscribe(func(ctx context.Context, msg types.ChatMessage) error { return nil })
	if sub == other {
		t.Fatal("Subscribe returned duplicate handles")
	}

	b.Publish(context.Background(), testMessage())
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op
	b.Publish(context.Background(), testMessage())

	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestPublishWithoutHandlers(t *testing.T) {
	b := New()
	if failed := b.Publish(context.Background(), testMessage()); failed != 0 {
		t.Errorf("Publish() failures = %d, want 0", failed)
	}
}
