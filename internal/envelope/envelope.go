// Package envelope decodes inbound "receive" notifications from the chat
// transport and normalizes them into canonical events.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/leonletto/tldrer/internal/types"
)

// ErrIgnored is returned for envelopes that carry no chat content, such as
// receipts and typing indicators.
var ErrIgnored = errors.New("envelope carries no chat content")

// ShapeError reports a missing or mistyped field in an envelope.
type ShapeError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ShapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("envelope field %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("envelope field %s: %s", e.Field, e.Reason)
}

func (e *ShapeError) Unwrap() error { return e.Err }

func missing(field string) error {
	return &ShapeError{Field: field, Reason: "missing"}
}

// Params is the params object of a "receive" notification.
type Params struct {
	Envelope *Envelope `json:"envelope"`
	Account  string    `json:"account,omitempty"`
}

// Envelope is one delivery from the transport.
type Envelope struct {
	Source         string          `json:"source,omitempty"`
	SourceNumber   *string         `json:"sourceNumber"`
	SourceUUID     string          `json:"sourceUuid,omitempty"`
	SourceName     *string         `json:"sourceName"`
	Timestamp      *int64          `json:"timestamp"`
	DataMessage    *DataMessage    `json:"dataMessage,omitempty"`
	SyncMessage    *SyncMessage    `json:"syncMessage,omitempty"`
	EditMessage    *EditMessage    `json:"editMessage,omitempty"`
	ReceiptMessage json.RawMessage `json:"receiptMessage,omitempty"`
	TypingMessage  json.RawMessage `json:"typingMessage,omitempty"`
}

// sender identifies who sent the envelope: the phone number, or the
// account uuid when the sender hides their number.
func (e *Envelope) sender() string {
	if n := types.Deref(e.SourceNumber); n != "" {
		return n
	}
	if e.SourceUUID != "" {
		return e.SourceUUID
	}
	return e.Source
}

// SyncMessage mirrors activity from the account's other devices.
type SyncMessage struct {
	SentMessage  *DataMessage    `json:"sentMessage,omitempty"`
	ReadMessages json.RawMessage `json:"readMessages,omitempty"`
}

// DataMessage is the content of a message, received or sent.
type DataMessage struct {
	Timestamp         *int64        `json:"timestamp,omitempty"`
	Message           *string       `json:"message"`
	Destination       *string       `json:"destination,omitempty"`
	DestinationNumber *string       `json:"destinationNumber,omitempty"`
	GroupInfo         *GroupInfo    `json:"groupInfo,omitempty"`
	Quote             *Quote        `json:"quote,omitempty"`
	Reaction          *Reaction     `json:"reaction,omitempty"`
	RemoteDelete      *RemoteDelete `json:"remoteDelete,omitempty"`
	Attachments       []Attachment  `json:"attachments,omitempty"`
	EditMessage       *EditMessage  `json:"editMessage,omitempty"`
}

// EditMessage wraps the replacement content of an earlier message.
type EditMessage struct {
	TargetSentTimestamp *int64       `json:"targetSentTimestamp"`
	DataMessage         *DataMessage `json:"dataMessage"`
}

// GroupInfo names the group a message belongs to.
type GroupInfo struct {
	GroupID *string `json:"groupId"`
	Type    string  `json:"type,omitempty"`
}

// Quote is the message a reply quotes.
type Quote struct {
	ID     *int64  `json:"id"`
	Author string  `json:"author,omitempty"`
	Text   *string `json:"text"`
}

// Reaction adds or removes an emoji on an earlier message.
type Reaction struct {
	Emoji               *string `json:"emoji"`
	TargetAuthor        string  `json:"targetAuthor,omitempty"`
	TargetSentTimestamp *int64  `json:"targetSentTimestamp"`
	IsRemove            bool    `json:"isRemove"`
}

// RemoteDelete retracts an earlier message.
type RemoteDelete struct {
	Timestamp *int64 `json:"timestamp"`
}

// Attachment describes one attached file.
type Attachment struct {
	ContentType string  `json:"contentType,omitempty"`
	Filename    *string `json:"filename"`
	ID          string  `json:"id,omitempty"`
	Size        int64   `json:"size,omitempty"`
}

// Normalize decodes the params of a "receive" notification into a canonical
// event. It returns ErrIgnored for envelopes without chat content and a
// *ShapeError for anything malformed. It never panics.
func Normalize(params json.RawMessage) (ev types.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = nil
			err = &ShapeError{Field: "envelope", Reason: fmt.Sprintf("panic while decoding: %v", r)}
		}
	}()

	var p Params
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, decodeError(err)
	}
	if p.Envelope == nil {
		return nil, missing("envelope")
	}
	return normalizeEnvelope(p.Envelope)
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "params"
		}
		return &ShapeError{Field: field, Reason: "expected " + typeErr.Type.String() + ", got " + typeErr.Value, Err: err}
	}
	return &ShapeError{Field: "params", Reason: "invalid json", Err: err}
}

func normalizeEnvelope(env *Envelope) (types.Event, error) {
	var (
		payload  *DataMessage
		fromSelf bool
		edit     *EditMessage
	)
	switch {
	case env.SyncMessage != nil && env.SyncMessage.SentMessage != nil:
		payload = env.SyncMessage.SentMessage
		fromSelf = true
	case env.DataMessage != nil:
		payload = env.DataMessage
	case env.EditMessage != nil:
		edit = env.EditMessage
	default:
		return nil, ErrIgnored
	}
	if payload != nil && payload.EditMessage != nil {
		edit = payload.EditMessage
	}

	if env.Timestamp == nil {
		return nil, missing("envelope.timestamp")
	}
	sender := env.sender()
	if sender == "" {
		return nil, missing("envelope.source")
	}

	h := types.Header{
		Timestamp:  *env.Timestamp,
		SenderID:   sender,
		SenderName: types.Deref(env.SourceName),
		FromSelf:   fromSelf,
	}

	content := payload
	if edit != nil {
		if edit.TargetSentTimestamp == nil {
			return nil, missing("editMessage.targetSentTimestamp")
		}
		if edit.DataMessage == nil {
			return nil, missing("editMessage.dataMessage")
		}
		content = edit.DataMessage
	}

	conv, err := conversationID(sender, payload, content, fromSelf)
	if err != nil {
		return nil, err
	}
	h.ConversationID = conv

	// A remote delete wins over every other interpretation.
	if rd := content.RemoteDelete; rd != nil {
		if rd.Timestamp == nil {
			return nil, missing("remoteDelete.timestamp")
		}
		return types.RemoteDelete{Header: h, TargetTimestamp: *rd.Timestamp}, nil
	}

	if r := content.Reaction; r != nil {
		if r.TargetSentTimestamp == nil {
			return nil, missing("reaction.targetSentTimestamp")
		}
		if r.Emoji == nil || *r.Emoji == "" {
			return nil, missing("reaction.emoji")
		}
		if r.IsRemove {
			return types.ReactionRemove{Header: h, TargetTimestamp: *r.TargetSentTimestamp, Emoji: *r.Emoji}, nil
		}
		return types.ReactionAdd{Header: h, TargetTimestamp: *r.TargetSentTimestamp, Emoji: *r.Emoji}, nil
	}

	msg := types.NewMessage{Header: h, Text: content.Message}
	if q := content.Quote; q != nil {
		if q.ID == nil {
			return nil, missing("quote.id")
		}
		msg.QuoteID = q.ID
		msg.QuoteText = q.Text
	}
	if len(content.Attachments) > 0 {
		msg.AttachmentsSummary = types.String(SummarizeAttachments(content.Attachments))
	}

	if edit != nil {
		msg.Timestamp = *edit.TargetSentTimestamp
		return types.Edit{NewMessage: msg, TargetTimestamp: *edit.TargetSentTimestamp}, nil
	}
	return msg, nil
}

// conversationID picks the group id when the message belongs to a group,
// the destination when the account sent it, and the sender otherwise.
// Edits may carry group info only on the inner message.
func conversationID(sender string, outer, inner *DataMessage, fromSelf bool) (string, error) {
	for _, dm := range []*DataMessage{outer, inner} {
		if dm == nil || dm.GroupInfo == nil {
			continue
		}
		if dm.GroupInfo.GroupID == nil || *dm.GroupInfo.GroupID == "" {
			return "", missing("groupInfo.groupId")
		}
		return *dm.GroupInfo.GroupID, nil
	}

	if !fromSelf {
		return sender, nil
	}
	for _, dm := range []*DataMessage{outer, inner} {
		if dm == nil {
			continue
		}
		if dm.DestinationNumber != nil && *dm.DestinationNumber != "" {
			return *dm.DestinationNumber, nil
		}
		if dm.Destination != nil && *dm.Destination != "" {
			return *dm.Destination, nil
		}
	}
	return "", missing("sentMessage.destinationNumber")
}

// SummarizeAttachments renders "<n> attachment[s]: 'a', 'b'".
func SummarizeAttachments(atts []Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d attachment", len(atts))
	if len(atts) > 1 {
		b.WriteString("s")
	}
	b.WriteString(": ")
	for i, a := range atts {
		if i > 0 {
			b.WriteString(", ")
		}
		name := types.Deref(a.Filename)
		if name == "" {
			name = "unnamed"
		}
		b.WriteString("'" + name + "'")
	}
	return b.String()
}
