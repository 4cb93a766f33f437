package store

import (
	"context"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/types"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.New(zerolog.NewTestWriter(t)))}, opts...)
	s, err := Open(filepath.Join(t.TempDir(), "messages.db"), opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func header(ts int64, sender, conv string) types.Header {
	return types.Header{Timestamp: ts, SenderID: sender, SenderName: "Name " + sender, ConversationID: conv}
}

func newMessage(ts int64, sender, conv, text string) types.NewMessage {
	return types.NewMessage{Header: header(ts, sender, conv), Text: types.String(text)}
}

func mustApply(t *testing.T, s *Store, events ...types.Event) {
	t.Helper()
	for _, ev := range events {
		if err := s.Apply(context.Background(), ev); err != nil {
			t.Fatalf("Apply(%T) failed: %v", ev, err)
		}
	}
}

func countRows(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestNewMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := types.NewMessage{
		Header:             types.Header{Timestamp: 10, SenderID: "+1", SenderName: "Alice", ConversationID: "grp", FromSelf: true},
		Text:               types.String("hi"),
		QuoteID:            types.Int64(5),
		QuoteText:          types.String("earlier"),
		AttachmentsSummary: types.String("1 attachment: 'a.png'"),
	}
	mustApply(t, s, msg)

	got, err := s.Get(ctx, 10)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	want := &types.StoredMessage{
		Timestamp:          10,
		SenderID:           "+1",
		SenderName:         "Alice",
		ConversationID:     "grp",
		Text:               types.String("hi"),
		FromSelf:           true,
		QuoteID:            types.Int64(5),
		QuoteText:          types.String("earlier"),
		AttachmentsSummary: types.String("1 attachment: 'a.png'"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestEditReplacesMessage(t *testing.T) {
	s := openTestStore(t)

	mustApply(t, s,
		newMessage(100, "+1", "+1", "a"),
		types.Edit{NewMessage: newMessage(100, "+1", "+1", "b"), TargetTimestamp: 100},
	)

	if n := countRows(t, s); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	got, err := s.Get(context.Background(), 100)
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if types.Deref(got.Text) != "b" {
		t.Errorf("text = %q, want b", types.Deref(got.Text))
	}
}

func TestEditWithoutOriginalInserts(t *testing.T) {
	s := openTestStore(t)
	mustApply(t, s, types.Edit{NewMessage: newMessage(7, "+1", "+1", "late"), TargetTimestamp: 7})

	got, err := s.Get(context.Background(), 7)
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
}

func TestReactionDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		newMessage(50, "+2", "+2", "look"),
		types.ReactionAdd{Header: header(60, "+1", "+2"), TargetTimestamp: 50, Emoji: "👍"},
		types.ReactionAdd{Header: header(61, "+1", "+2"), TargetTimestamp: 50, Emoji: "🔥"},
	)

	msgs, err := s.GetMessages(ctx, "+2", Window{})
	if err != nil {
		t.Fatalf("GetMessages() failed: %v", err)
	}
	var reactions []types.StoredMessage
	for _, m := range msgs {
		if m.IsReaction() {
			reactions = append(reactions, m)
		}
	}
	if len(reactions) != 1 {
		t.Fatalf("reaction rows = %d, want 1", len(reactions))
	}
	r := reactions[0]
	if types.Deref(r.ReactionEmoji) != "🔥" || *r.ReactionTarget != 50 || r.Timestamp != 61 {
		t.Errorf("unexpected reaction row %+v", r)
	}
	if r.Text != nil {
		t.Errorf("reaction row has text %q", *r.Text)
	}
}

func TestReactionsFromDifferentSendersCoexist(t *testing.T) {
	s := openTestStore(t)
	mustApply(t, s,
		newMessage(50, "+2", "+2", "look"),
		types.ReactionAdd{Header: header(60, "+1", "+2"), TargetTimestamp: 50, Emoji: "👍"},
		types.ReactionAdd{Header: header(61, "+3", "+2"), TargetTimestamp: 50, Emoji: "👍"},
	)
	if n := countRows(t, s); n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}
}

func TestReactionRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		newMessage(50, "+2", "+2", "look"),
		types.ReactionAdd{Header: header(60, "+1", "+2"), TargetTimestamp: 50, Emoji: "👍"},
	)

	// A different emoji does not match.
	mustApply(t, s, types.ReactionRemove{Header: header(70, "+1", "+2"), TargetTimestamp: 50, Emoji: "🔥"})
	if got, _ := s.Get(ctx, 60); got == nil {
		t.Fatal("reaction removed by non-matching emoji")
	}

	mustApply(t, s, types.ReactionRemove{Header: header(71, "+1", "+2"), TargetTimestamp: 50, Emoji: "👍"})
	if got, _ := s.Get(ctx, 60); got != nil {
		t.Errorf("reaction still present: %+v", got)
	}
	if got, _ := s.Get(ctx, 50); got == nil {
		t.Error("target message removed with reaction")
	}
}

func TestRemoteDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		newMessage(100, "+1", "+1", "oops"),
		types.RemoteDelete{Header: header(200, "+1", "+1"), TargetTimestamp: 100},
	)

	got, err := s.Get(ctx, 100)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil after remote delete", got)
	}

	// Deleting something unknown is not an error.
	mustApply(t, s, types.RemoteDelete{Header: header(201, "+1", "+1"), TargetTimestamp: 999})
}

func TestGetMessagesOrderingAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for ts := int64(1); ts <= 300; ts++ {
		mustApply(t, s, newMessage(ts, "+1", "conv", fmt.Sprintf("m%d", ts)))
	}
	mustApply(t, s, newMessage(1000, "+1", "other", "elsewhere"))

	msgs, err := s.GetMessages(ctx, "conv", Window{})
	if err != nil {
		t.Fatalf("GetMessages() failed: %v", err)
	}
	if len(msgs) != DefaultLimit {
		t.Fatalf("len = %d, want %d", len(msgs), DefaultLimit)
	}
	// The most recent rows are selected.
	if msgs[0].Timestamp != 51 || msgs[len(msgs)-1].Timestamp != 300 {
		t.Errorf("range = [%d, %d], want [51, 300]", msgs[0].Timestamp, msgs[len(msgs)-1].Timestamp)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Timestamp >= msgs[i].Timestamp {
			t.Fatalf("not ascending at %d: %d >= %d", i, msgs[i-1].Timestamp, msgs[i].Timestamp)
		}
	}
}

func TestGetMessagesWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for ts := int64(10); ts <= 100; ts += 10 {
		mustApply(t, s, newMessage(ts, "+1", "conv", "x"))
	}

	tests := []struct {
		name   string
		window Window
		want   []int64
	}{
		{"since and before are exclusive", Window{Since: 30, Before: 70}, []int64{40, 50, 60}},
		{"before only", Window{Before: 30}, []int64{10, 20}},
		{"since only", Window{Since: 80}, []int64{90, 100}},
		{"limit keeps most recent", Window{Before: 100, Limit: 3}, []int64{70, 80, 90}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := s.GetMessages(ctx, "conv", tt.window)
			if err != nil {
				t.Fatalf("GetMessages() failed: %v", err)
			}
			var got []int64
			for _, m := range msgs {
				got = append(got, m.Timestamp)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("timestamps mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetLastMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mustApply(t, s,
		newMessage(10, "+1", "conv", "first"),
		newMessage(20, "+2", "conv", "other sender"),
		newMessage(30, "+1", "conv", "second"),
		types.ReactionAdd{Header: header(40, "+1", "conv"), TargetTimestamp: 20, Emoji: "👍"},
		newMessage(50, "+1", "elsewhere", "other conversation"),
	)

	got, err := s.GetLastMessage(ctx, "conv", "+1", 0)
	if err != nil {
		t.Fatalf("GetLastMessage() failed: %v", err)
	}
	if got == nil || got.Timestamp != 30 {
		t.Fatalf("GetLastMessage() = %+v, want timestamp 30", got)
	}

	got, err = s.GetLastMessage(ctx, "conv", "+1", 30)
	if err != nil {
		t.Fatalf("GetLastMessage() failed: %v", err)
	}
	if got == nil || got.Timestamp != 10 {
		t.Fatalf("GetLastMessage(before 30) = %+v, want timestamp 10", got)
	}

	got, err = s.GetLastMessage(ctx, "conv", "+9", 0)
	if err != nil || got != nil {
		t.Errorf("GetLastMessage(unknown) = %+v, %v; want nil, nil", got, err)
	}
}

func TestApplyCountsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	s := openTestStore(t, WithMetrics(m))

	mustApply(t, s, newMessage(1, "+1", "+1", "x"))

	var ev types.Event = types.ReactionAdd{Header: header(2, "+1", "+1"), TargetTimestamp: 1, Emoji: "👍"}
	mustApply(t, s, ev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Apply(ctx, newMessage(3, "+1", "+1", "y")); err == nil {
		t.Fatal("Apply() with cancelled context should fail")
	}

	if got, _ := s.Get(context.Background(), 3); got != nil {
		t.Error("failed Apply left a row behind")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`tldrer_events_applied_total{kind="new_message"} 1`,
		`tldrer_events_applied_total{kind="reaction_add"} 1`,
		`tldrer_store_failures_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestConcurrentApply(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(ts int64) {
			defer wg.Done()
			if err := s.Apply(ctx, newMessage(ts, "+1", "conv", "x")); err != nil {
				t.Errorf("Apply(%d) failed: %v", ts, err)
			}
			if _, err := s.GetMessages(ctx, "conv", Window{}); err != nil {
				t.Errorf("GetMessages() failed: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if n := countRows(t, s); n != 50 {
		t.Errorf("rows = %d, want 50", n)
	}
}
