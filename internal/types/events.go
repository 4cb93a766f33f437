// Package types holds the canonical chat events and the records derived
// from them.
package types

import "strings"

// Kind names a canonical event variant.
type Kind string

const (
	KindNewMessage     Kind = "new_message"
	KindEdit           Kind = "edit"
	KindReactionAdd    Kind = "reaction_add"
	KindReactionRemove Kind = "reaction_remove"
	KindRemoteDelete   Kind = "remote_delete"
)

// Event is one normalized chat event.
type Event interface {
	Kind() Kind
	EventHeader() Header
}

// Header is carried by every event so a reaction row can be stored with
// complete columns.
type Header struct {
	Timestamp      int64  `json:"timestamp"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	ConversationID string `json:"conversation_id"`
	FromSelf       bool   `json:"from_self"`
	FromBot        bool   `json:"from_bot"`
}

// EventHeader returns the common header.
func (h Header) EventHeader() Header { return h }

// NewMessage is an ordinary message.
type NewMessage struct {
	Header
	Text               *string `json:"text,omitempty"`
	QuoteID            *int64  `json:"quote_id,omitempty"`
	QuoteText          *string `json:"quote_text,omitempty"`
	AttachmentsSummary *string `json:"attachments_summary,omitempty"`
}

func (NewMessage) Kind() Kind { return KindNewMessage }

// Edit replaces the message sent at TargetTimestamp. Header.Timestamp equals
// TargetTimestamp so that storing the edit overwrites the original row.
type Edit struct {
	NewMessage
	TargetTimestamp int64 `json:"target_timestamp"`
}

func (Edit) Kind() Kind { return KindEdit }

// ReactionAdd attaches an emoji to the message sent at TargetTimestamp.
type ReactionAdd struct {
	Header
	TargetTimestamp int64  `json:"target_timestamp"`
	Emoji           string `json:"emoji"`
}

func (ReactionAdd) Kind() Kind { return KindReactionAdd }

// ReactionRemove withdraws a previously added reaction.
type ReactionRemove struct {
	Header
	TargetTimestamp int64  `json:"target_timestamp"`
	Emoji           string `json:"emoji"`
}

func (ReactionRemove) Kind() Kind { return KindReactionRemove }

// RemoteDelete removes the message sent at TargetTimestamp.
type RemoteDelete struct {
	Header
	TargetTimestamp int64 `json:"target_timestamp"`
}

func (RemoteDelete) Kind() Kind { return KindRemoteDelete }

// StoredMessage is one row of the message store. A reaction is its own row
// with ReactionTarget set.
type StoredMessage struct {
	Timestamp          int64   `json:"timestamp"`
	SenderID           string  `json:"sender_id"`
	SenderName         string  `json:"sender_name"`
	ConversationID     string  `json:"conversation_id"`
	Text               *string `json:"text,omitempty"`
	FromSelf           bool    `json:"from_self"`
	FromBot            bool    `json:"from_bot"`
	QuoteID            *int64  `json:"quote_id,omitempty"`
	QuoteText          *string `json:"quote_text,omitempty"`
	ReactionEmoji      *string `json:"reaction_emoji,omitempty"`
	ReactionTarget     *int64  `json:"reaction_target,omitempty"`
	AttachmentsSummary *string `json:"attachments_summary,omitempty"`
}

// IsReaction reports whether the row records a reaction.
func (m *StoredMessage) IsReaction() bool { return m.ReactionTarget != nil }

// Contact is a snapshot of one entry in the account's contact list.
type Contact struct {
	Number      string `json:"number"`
	UUID        string `json:"uuid"`
	ContactName string `json:"contact_name,omitempty"`
	ProfileName string `json:"profile_name,omitempty"`
}

// DisplayName prefers the first word of the profile name when it is longer
// than one character, then the first word of the saved name, then the number.
func (c Contact) DisplayName() string {
	if first := firstWord(c.ProfileName); len([]rune(first)) > 1 {
		return first
	}
	if c.ContactName != "" {
		return firstWord(c.ContactName)
	}
	return c.Number
}

// Group is a snapshot of one group the account knows about.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsMember    bool   `json:"is_member"`
	IsBlocked   bool   `json:"is_blocked"`
}

// ChatMessage is the view of a stored message handed to listeners.
type ChatMessage struct {
	Kind           Kind   `json:"kind"`
	Timestamp      int64  `json:"timestamp"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text,omitempty"`
	FromSelf       bool   `json:"from_self"`
	FromBot        bool   `json:"from_bot"`
	ReplyText      string `json:"reply_text,omitempty"`
	ReactionEmoji  string `json:"reaction_emoji,omitempty"`
	ReactionText   string `json:"reaction_text,omitempty"`
	Attachments    string `json:"attachments,omitempty"`
}

// FirstWord returns the text before the first space.
func FirstWord(s string) string { return firstWord(s) }

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Int64 returns a pointer to n.
func Int64(n int64) *int64 { return &n }

// Deref returns *s, or "" when s is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
