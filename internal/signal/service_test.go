package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/fanout"
	"github.com/leonletto/tldrer/internal/jsonrpc"
	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/transport"
	"github.com/leonletto/tldrer/internal/types"
)

const testAccount = "+15559999999"

const contactsJSON = `[
	{"number":"+15559999999","uuid":"self","name":null,"profile":{"givenName":"Tldr","familyName":"Bot"}},
	{"number":"+15550000001","uuid":"u1","name":"Ali","profile":{"givenName":"Alice","familyName":"Smith"}}
]`

const groupsJSON = `[{"id":"Z3JvdXAx","name":"Book Club","description":"","isMember":true,"isBlocked":false}]`

// fakeSignal answers signal-cli methods over a pipe pair.
type fakeSignal struct {
	t      *testing.T
	stdout *io.PipeWriter
	wmu    sync.Mutex

	mu      sync.Mutex
	sent    []SendParams
	nextTS  int64
	sendErr bool
}

func newFakeSignal(t *testing.T) (*fakeSignal, *transport.Transport) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f := &fakeSignal{t: t, stdout: inW, nextTS: 1_700_000_000_000}

	go f.serve(outR)
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return f, transport.New(inR, outW, transport.WithLogger(zerolog.New(zerolog.NewTestWriter(t))))
}

func (f *fakeSignal) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		msg, err := jsonrpc.Decode(scanner.Bytes())
		if err != nil {
			continue
		}
		call, ok := msg.(*jsonrpc.Call)
		if !ok || call.IsNotification() {
			continue
		}
		switch call.Method {
		case MethodListContacts:
			f.reply(call.ID, contactsJSON)
		case MethodListGroups:
			f.reply(call.ID, groupsJSON)
		case MethodSendSyncRequest:
			f.reply(call.ID, `{}`)
		case MethodSend:
			var p SendParams
			_ = json.Unmarshal(call.Params, &p)
			f.mu.Lock()
			fail := f.sendErr
			f.nextTS++
			ts := f.nextTS
			if !fail {
				f.sent = append(f.sent, p)
			}
			f.mu.Unlock()
			if fail {
				f.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-1,"message":"Failed to send message"}}`, call.ID))
				continue
			}
			f.reply(call.ID, fmt.Sprintf(`{"timestamp":%d,"results":[]}`, ts))
		default:
			f.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32601,"message":"Method not implemented"}}`, call.ID))
		}
	}
}

func (f *fakeSignal) reply(id, result string) {
	f.write(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result))
}

func (f *fakeSignal) write(line string) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, _ = io.WriteString(f.stdout, line+"\n")
}

func (f *fakeSignal) receive(envelope string) {
	f.write(fmt.Sprintf(`{"jsonrpc":"2.0","method":"receive","params":{"envelope":%s,"account":%q}}`, envelope, testAccount))
}

type harness struct {
	svc       *Service
	peer      *fakeSignal
	store     *store.Store
	published chan types.ChatMessage
}

func startService(t *testing.T) *harness {
	t.Helper()
	peer, tr := newFakeSignal(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.New(zerolog.NewTestWriter(t))
	svc := NewService(Config{Account: testAccount}, tr, st, fanout.New(fanout.WithLogger(logger)), WithLogger(logger))

	h := &harness{svc: svc, peer: peer, store: st, published: make(chan types.ChatMessage, 16)}
	svc.Subscribe(func(ctx context.Context, msg types.ChatMessage) error {
		h.published <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = svc.Run(ctx)
		close(runDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.Resolver().Index().Candidates) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial conversation refresh did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h
}

func (h *harness) next(t *testing.T) types.ChatMessage {
	t.Helper()
	select {
	case msg := <-h.published:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
		return types.ChatMessage{}
	}
}

func (h *harness) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case msg := <-h.published:
		t.Fatalf("unexpected published message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServiceResolvesAfterStart(t *testing.T) {
	h := startService(t)

	if id, ok := h.svc.Resolve("book club"); !ok || id != "Z3JvdXAx" {
		t.Errorf("Resolve(book club) = (%q, %v)", id, ok)
	}
	if id, ok := h.svc.Resolve("alice"); !ok || id != "+15550000001" {
		t.Errorf("Resolve(alice) = (%q, %v)", id, ok)
	}
	if _, ok := h.svc.Resolve("zzzzzzzz"); ok {
		t.Error("Resolve(zzzzzzzz) matched")
	}
}

func TestServiceIngestsNewMessage(t *testing.T) {
	h := startService(t)

	h.peer.receive(`{"sourceNumber":"+15550000001","sourceName":"Alice Smith","timestamp":100,
		"dataMessage":{"message":"hello","quote":{"id":90,"text":"earlier"}}}`)

	msg := h.next(t)
	if msg.Kind != types.KindNewMessage || msg.Text != "hello" || msg.ReplyText != "earlier" {
		t.Errorf("unexpected published message %+v", msg)
	}
	// Display name comes from the contact list.
	if msg.SenderName != "Alice" {
		t.Errorf("SenderName = %q, want Alice", msg.SenderName)
	}

	stored, err := h.store.Get(context.Background(), 100)
	if err != nil || stored == nil {
		t.Fatalf("store.Get() = %v, %v", stored, err)
	}
	if stored.SenderName != "Alice Smith" {
		t.Errorf("stored SenderName = %q", stored.SenderName)
	}
}

func TestServiceIngestsHiddenNumberSender(t *testing.T) {
	h := startService(t)

	h.peer.receive(`{"sourceNumber":null,"sourceUuid":"u1","sourceName":"Alice Smith","timestamp":120,
		"dataMessage":{"message":"from the group","groupInfo":{"groupId":"Z3JvdXAx","type":"DELIVER"}}}`)

	msg := h.next(t)
	if msg.SenderID != "u1" || msg.ConversationID != "Z3JvdXAx" || msg.Text != "from the group" {
		t.Errorf("unexpected published message %+v", msg)
	}
	// The contact is found by uuid.
	if msg.SenderName != "Alice" {
		t.Errorf("SenderName = %q, want Alice", msg.SenderName)
	}
}

func TestServicePublishesEditsAndReactions(t *testing.T) {
	h := startService(t)

	h.peer.receive(`{"sourceNumber":"+15550000002","sourceName":"Bob Jones","timestamp":200,
		"dataMessage":{"message":"lunch?","groupInfo":{"groupId":"Z3JvdXAx"}}}`)
	first := h.next(t)
	if first.SenderName != "Bob" || first.ConversationID != "Z3JvdXAx" {
		t.Errorf("unexpected first message %+v", first)
	}

	h.peer.receive(`{"sourceNumber":"+15550000002","sourceName":"Bob Jones","timestamp":201,
		"dataMessage":{"editMessage":{"targetSentTimestamp":200,"dataMessage":{"message":"lunch at noon?","groupInfo":{"groupId":"Z3JvdXAx"}}}}}`)
	edit := h.next(t)
	if edit.Kind != types.KindEdit || edit.Timestamp != 200 || edit.Text != "lunch at noon?" {
		t.Errorf("unexpected edit %+v", edit)
	}

	h.peer.receive(`{"sourceNumber":"+15550000001","sourceName":"Alice Smith","timestamp":202,
		"dataMessage":{"reaction":{"emoji":"👍","targetSentTimestamp":200,"isRemove":false},"groupInfo":{"groupId":"Z3JvdXAx"}}}`)
	reaction := h.next(t)
	if reaction.Kind != types.KindReactionAdd || reaction.ReactionEmoji != "👍" || reaction.ReactionText != "lunch at noon?" {
		t.Errorf("unexpected reaction %+v", reaction)
	}
}

func TestServiceDoesNotPublishRemovals(t *testing.T) {
	h := startService(t)
	ctx := context.Background()

	h.peer.receive(`{"sourceNumber":"+15550000001","sourceName":"Alice","timestamp":300,"dataMessage":{"message":"oops"}}`)
	h.next(t)
	h.peer.receive(`{"sourceNumber":"+15550000002","sourceName":"Bob","timestamp":301,
		"dataMessage":{"reaction":{"emoji":"😂","targetSentTimestamp":300}}}`)
	h.next(t)

	h.peer.receive(`{"sourceNumber":"+15550000002","sourceName":"Bob","timestamp":302,
		"dataMessage":{"reaction":{"emoji":"😂","targetSentTimestamp":300,"isRemove":true}}}`)
	h.peer.receive(`{"sourceNumber":"+15550000001","sourceName":"Alice","timestamp":303,"dataMessage":{"remoteDelete":{"timestamp":300}}}`)
	h.peer.receive(`{"sourceNumber":"+15550000001","timestamp":304,"receiptMessage":{"isRead":true,"timestamps":[300]}}`)
	h.peer.receive(`{"sourceNumber":"+15550000001","timestamp":"bad","dataMessage":{}}`)
	h.expectQuiet(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		orig, _ := h.store.Get(ctx, 300)
		react, _ := h.store.Get(ctx, 301)
		if orig == nil && react == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("removals not applied: message=%v reaction=%v", orig, react)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceSendMessage(t *testing.T) {
	h := startService(t)
	ctx := context.Background()

	ts, err := h.svc.SendMessage(ctx, "Z3JvdXAx", "TLDR; nothing happened")
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	h.peer.mu.Lock()
	sent := append([]SendParams(nil), h.peer.sent...)
	h.peer.mu.Unlock()
	if len(sent) != 1 || sent[0].GroupID != "Z3JvdXAx" || sent[0].Recipient != nil {
		t.Fatalf("sent = %+v", sent)
	}

	msg := h.next(t)
	if msg.Timestamp != ts || !msg.FromSelf || !msg.FromBot || msg.Text != "TLDR; nothing happened" {
		t.Errorf("unexpected published message %+v", msg)
	}

	stored, err := h.store.Get(ctx, ts)
	if err != nil || stored == nil {
		t.Fatalf("store.Get() = %v, %v", stored, err)
	}
	if stored.SenderID != testAccount || stored.SenderName != "Tldr Bot" || !stored.FromBot {
		t.Errorf("unexpected stored row %+v", stored)
	}

	if _, err := h.svc.SendMessage(ctx, "+15550000001", "direct"); err != nil {
		t.Fatalf("SendMessage(direct) failed: %v", err)
	}
	h.next(t)
	h.peer.mu.Lock()
	direct := h.peer.sent[1]
	h.peer.mu.Unlock()
	if len(direct.Recipient) != 1 || direct.Recipient[0] != "+15550000001" || direct.GroupID != "" {
		t.Errorf("direct send params = %+v", direct)
	}
}

func TestServiceSendMessageRPCError(t *testing.T) {
	h := startService(t)
	h.peer.mu.Lock()
	h.peer.sendErr = true
	h.peer.mu.Unlock()

	_, err := h.svc.SendMessage(context.Background(), "+15550000001", "x")
	var rpcErr *jsonrpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("SendMessage() error = %v, want *jsonrpc.Error", err)
	}
	h.expectQuiet(t)
}

func TestServiceHistoryReads(t *testing.T) {
	h := startService(t)
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		h.peer.receive(fmt.Sprintf(`{"sourceNumber":"+15550000001","sourceName":"Alice","timestamp":%d,"dataMessage":{"message":%q}}`, 400+i, text))
		h.next(t)
	}

	msgs, err := h.svc.GetMessages(ctx, "+15550000001", store.Window{Before: 402})
	if err != nil {
		t.Fatalf("GetMessages() failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "one" || msgs[1].Text != "two" {
		t.Errorf("GetMessages() = %+v", msgs)
	}

	last, err := h.svc.GetLastMessage(ctx, "+15550000001", "+15550000001", 0)
	if err != nil || last == nil || last.Text != "three" {
		t.Errorf("GetLastMessage() = %+v, %v", last, err)
	}

	one, err := h.svc.GetMessage(ctx, 400)
	if err != nil || one == nil || one.SenderName != "Alice" {
		t.Errorf("GetMessage() = %+v, %v", one, err)
	}
	missing, err := h.svc.GetMessage(ctx, 1)
	if err != nil || missing != nil {
		t.Errorf("GetMessage(missing) = %+v, %v", missing, err)
	}
}

func TestServiceRunReturnsErrClosed(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, outR) }()

	st, err := store.Open(filepath.Join(t.TempDir(), "messages.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer func() { _ = st.Close() }()

	svc := NewService(Config{Account: testAccount}, transport.New(inR, outW), st, fanout.New())
	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	_ = inW.Close()
	select {
	case err := <-done:
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("Run() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after the stream ended")
	}
}
