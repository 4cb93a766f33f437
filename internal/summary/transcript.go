// Package summary builds conversation transcripts and the history window
// handed to a summarizer.
package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/types"
)

// MaxLimit caps an explicit history limit.
const MaxLimit = 500

const unknownMessage = "Unknown message"

// History reads stored conversation messages. signal.View satisfies it.
type History interface {
	GetMessages(ctx context.Context, conversationID string, w store.Window) ([]types.ChatMessage, error)
	GetLastMessage(ctx context.Context, conversationID, senderID string, before int64) (*types.ChatMessage, error)
}

// Request describes which history to collect.
type Request struct {
	ConversationID string
	// RequesterID is the sender asking for the summary. Without a limit the
	// window starts after their previous message.
	RequesterID string
	// At is the timestamp of the request; only earlier messages count.
	At int64
	// Limit is the number of most recent messages to include. Zero means
	// no explicit limit.
	Limit int
}

// ClampLimit bounds an explicit limit to 1..MaxLimit.
func ClampLimit(n int) int {
	return min(max(n, 1), MaxLimit)
}

// Window computes the store window for req.
func Window(ctx context.Context, h History, req Request) (store.Window, error) {
	w := store.Window{Before: req.At}
	if req.Limit != 0 {
		w.Limit = ClampLimit(req.Limit)
		return w, nil
	}
	last, err := h.GetLastMessage(ctx, req.ConversationID, req.RequesterID, req.At)
	if err != nil {
		return w, fmt.Errorf("get last message: %w", err)
	}
	if last != nil {
		w.Since = last.Timestamp
	}
	return w, nil
}

// Collect returns the messages req covers, oldest first.
func Collect(ctx context.Context, h History, req Request) ([]types.ChatMessage, error) {
	w, err := Window(ctx, h, req)
	if err != nil {
		return nil, err
	}
	return h.GetMessages(ctx, req.ConversationID, w)
}

// Build collects the history for req and renders it as a transcript.
func Build(ctx context.Context, h History, req Request) (string, error) {
	msgs, err := Collect(ctx, h, req)
	if err != nil {
		return "", err
	}
	return Transcript(msgs), nil
}

// Content renders the body of one transcript line: the text, else the
// attachments summary, else the reaction and what it reacted to.
func Content(m types.ChatMessage) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.Attachments != "":
		return m.Attachments
	case m.ReactionEmoji != "":
		target := m.ReactionText
		if target == "" {
			target = unknownMessage
		}
		return fmt.Sprintf("%s to '%s'", m.ReactionEmoji, target)
	default:
		return unknownMessage
	}
}

// Transcript renders one `<sender>: "<content>"` line per message.
func Transcript(msgs []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: \"%s\"\n", m.SenderName, Content(m))
	}
	return strings.TrimSpace(b.String())
}
