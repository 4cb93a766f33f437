package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/types"
)

// Request methods served to clients.
const (
	MethodGetMessages    = "messages.get"
	MethodGetLastMessage = "messages.last"
	MethodResolve        = "conversation.resolve"
	MethodSend           = "message.send"
)

// Backend is what the request methods call. signal.Service satisfies it.
type Backend interface {
	GetMessages(ctx context.Context, conversationID string, w store.Window) ([]types.ChatMessage, error)
	GetLastMessage(ctx context.Context, conversationID, senderID string, before int64) (*types.ChatMessage, error)
	Resolve(query string) (string, bool)
	SendMessage(ctx context.Context, conversationID, text string) (int64, error)
}

// GetMessagesParams selects a conversation window.
type GetMessagesParams struct {
	ConversationID string `json:"conversation_id"`
	Since          int64  `json:"since,omitempty"`
	Before         int64  `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// GetLastMessageParams selects a sender's latest message.
type GetLastMessageParams struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Before         int64  `json:"before,omitempty"`
}

// ResolveParams names a conversation.
type ResolveParams struct {
	Name string `json:"name"`
}

// ResolveResult is the outcome of a resolve request.
type ResolveResult struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Found          bool   `json:"found"`
}

// SendParams addresses a message.
type SendParams struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

// SendResult carries the timestamp the message was sent under.
type SendResult struct {
	Timestamp int64 `json:"timestamp"`
}

// RegisterMethods adds the backend request methods to r.
func RegisterMethods(r *Registry, b Backend) {
	r.Register(MethodGetMessages, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p GetMessagesParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, errors.New("conversation_id is required")
		}
		return b.GetMessages(ctx, p.ConversationID, store.Window{Since: p.Since, Before: p.Before, Limit: p.Limit})
	})

	r.Register(MethodGetLastMessage, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p GetLastMessageParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" || p.SenderID == "" {
			return nil, errors.New("conversation_id and sender_id are required")
		}
		return b.GetLastMessage(ctx, p.ConversationID, p.SenderID, p.Before)
	})

	r.Register(MethodResolve, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p ResolveParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		id, ok := b.Resolve(p.Name)
		return ResolveResult{ConversationID: id, Found: ok}, nil
	})

	r.Register(MethodSend, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p SendParams
		if err := decode(raw, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" || p.Text == "" {
			return nil, errors.New("conversation_id and text are required")
		}
		ts, err := b.SendMessage(ctx, p.ConversationID, p.Text)
		if err != nil {
			return nil, err
		}
		return SendResult{Timestamp: ts}, nil
	})
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
