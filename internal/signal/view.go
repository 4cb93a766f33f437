package signal

import (
	"context"
	"fmt"

	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/types"
)

// ContactLookup finds a contact by number or account uuid.
type ContactLookup interface {
	Contact(id string) (types.Contact, bool)
}

// View reads stored messages as ChatMessages. It needs only the store, so
// offline commands can use it without a running transport.
type View struct {
	store    *store.Store
	contacts ContactLookup
}

// NewView creates a view. contacts may be nil.
func NewView(s *store.Store, contacts ContactLookup) *View {
	return &View{store: s, contacts: contacts}
}

// senderName prefers the contact's display name, then the first word of
// the name the sender presented.
func (v *View) senderName(m *types.StoredMessage) string {
	if v.contacts != nil {
		if c, ok := v.contacts.Contact(m.SenderID); ok {
			return c.DisplayName()
		}
	}
	return types.FirstWord(m.SenderName)
}

// ChatMessage builds the listener view of a stored row. For reactions the
// text of the reacted-to message is looked up in the store.
func (v *View) ChatMessage(ctx context.Context, kind types.Kind, m *types.StoredMessage) types.ChatMessage {
	msg := types.ChatMessage{
		Kind:           kind,
		Timestamp:      m.Timestamp,
		SenderID:       m.SenderID,
		SenderName:     v.senderName(m),
		ConversationID: m.ConversationID,
		Text:           types.Deref(m.Text),
		FromSelf:       m.FromSelf,
		FromBot:        m.FromBot,
		ReplyText:      types.Deref(m.QuoteText),
		ReactionEmoji:  types.Deref(m.ReactionEmoji),
		Attachments:    types.Deref(m.AttachmentsSummary),
	}
	if m.ReactionTarget != nil {
		target, err := v.store.Get(ctx, *m.ReactionTarget)
		if err == nil && target != nil {
			msg.ReactionText = types.Deref(target.Text)
		}
	}
	return msg
}

func rowKind(m *types.StoredMessage) types.Kind {
	if m.IsReaction() {
		return types.KindReactionAdd
	}
	return types.KindNewMessage
}

// GetMessage returns the message stored under ts, or nil.
func (v *View) GetMessage(ctx context.Context, ts int64) (*types.ChatMessage, error) {
	m, err := v.store.Get(ctx, ts)
	if err != nil || m == nil {
		return nil, err
	}
	msg := v.ChatMessage(ctx, rowKind(m), m)
	return &msg, nil
}

// GetMessages returns the conversation window oldest first.
func (v *View) GetMessages(ctx context.Context, conversationID string, w store.Window) ([]types.ChatMessage, error) {
	rows, err := v.store.GetMessages(ctx, conversationID, w)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	out := make([]types.ChatMessage, 0, len(rows))
	for i := range rows {
		out = append(out, v.ChatMessage(ctx, rowKind(&rows[i]), &rows[i]))
	}
	return out, nil
}

// GetLastMessage returns the sender's most recent non-reaction message in
// the conversation before the given time, or nil.
func (v *View) GetLastMessage(ctx context.Context, conversationID, senderID string, before int64) (*types.ChatMessage, error) {
	m, err := v.store.GetLastMessage(ctx, conversationID, senderID, before)
	if err != nil || m == nil {
		return nil, err
	}
	msg := v.ChatMessage(ctx, types.KindNewMessage, m)
	return &msg, nil
}

// storedFromEvent renders the row an event writes.
func storedFromEvent(ev types.Event) (*types.StoredMessage, bool) {
	switch e := ev.(type) {
	case types.NewMessage:
		return storedFromMessage(e), true
	case types.Edit:
		return storedFromMessage(e.NewMessage), true
	case types.ReactionAdd:
		h := e.Header
		return &types.StoredMessage{
			Timestamp:      h.Timestamp,
			SenderID:       h.SenderID,
			SenderName:     h.SenderName,
			ConversationID: h.ConversationID,
			FromSelf:       h.FromSelf,
			FromBot:        h.FromBot,
			ReactionEmoji:  types.String(e.Emoji),
			ReactionTarget: types.Int64(e.TargetTimestamp),
		}, true
	}
	return nil, false
}

func storedFromMessage(m types.NewMessage) *types.StoredMessage {
	return &types.StoredMessage{
		Timestamp:          m.Timestamp,
		SenderID:           m.SenderID,
		SenderName:         m.SenderName,
		ConversationID:     m.ConversationID,
		Text:               m.Text,
		FromSelf:           m.FromSelf,
		FromBot:            m.FromBot,
		QuoteID:            m.QuoteID,
		QuoteText:          m.QuoteText,
		AttachmentsSummary: m.AttachmentsSummary,
	}
}
