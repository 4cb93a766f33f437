// Package signal talks to signal-cli in jsonRpc mode and wires inbound
// events through normalization, storage and fanout.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/leonletto/tldrer/internal/types"
)

// RPC method names.
const (
	MethodSend            = "send"
	MethodListContacts    = "listContacts"
	MethodListGroups      = "listGroups"
	MethodSendSyncRequest = "sendSyncRequest"
	MethodReceive         = "receive"
)

// Caller issues one correlated RPC call.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Client is a typed wrapper over the signal-cli methods.
type Client struct {
	rpc     Caller
	timeout time.Duration
}

// NewClient wraps rpc. A positive timeout bounds every call; zero leaves
// calls bounded only by their context.
func NewClient(rpc Caller, timeout time.Duration) *Client {
	return &Client{rpc: rpc, timeout: timeout}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.rpc.Call(ctx, method, params)
}

// SendParams is the params object of a send call. Exactly one of
// Recipient or GroupID is set.
type SendParams struct {
	Message   string   `json:"message"`
	Recipient []string `json:"recipient,omitempty"`
	GroupID   string   `json:"groupId,omitempty"`
}

// NewSendParams addresses a phone number (leading "+") directly and
// anything else as a group.
func NewSendParams(conversationID, text string) SendParams {
	if strings.HasPrefix(conversationID, "+") {
		return SendParams{Message: text, Recipient: []string{conversationID}}
	}
	return SendParams{Message: text, GroupID: conversationID}
}

type sendResult struct {
	Timestamp *int64 `json:"timestamp"`
}

// Send delivers text to a conversation and returns the timestamp the
// message was sent under.
func (c *Client) Send(ctx context.Context, conversationID, text string) (int64, error) {
	raw, err := c.call(ctx, MethodSend, NewSendParams(conversationID, text))
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode send result: %w", err)
	}
	if res.Timestamp == nil {
		return 0, fmt.Errorf("send result has no timestamp")
	}
	return *res.Timestamp, nil
}

type wireProfile struct {
	GivenName  *string `json:"givenName"`
	FamilyName *string `json:"familyName"`
}

type wireContact struct {
	Number  *string      `json:"number"`
	UUID    *string      `json:"uuid"`
	Name    *string      `json:"name"`
	Profile *wireProfile `json:"profile"`
}

// ListContacts returns the account's contacts. Entries without a number
// or uuid are skipped.
func (c *Client) ListContacts(ctx context.Context) ([]types.Contact, error) {
	raw, err := c.call(ctx, MethodListContacts, nil)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return DecodeContacts(raw)
}

// DecodeContacts decodes a listContacts result.
func DecodeContacts(raw json.RawMessage) ([]types.Contact, error) {
	var wire []wireContact
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}

	contacts := make([]types.Contact, 0, len(wire))
	for _, w := range wire {
		if w.Number == nil || *w.Number == "" || w.UUID == nil || *w.UUID == "" {
			continue
		}
		c := types.Contact{Number: *w.Number, UUID: *w.UUID, ContactName: types.Deref(w.Name)}
		if w.Profile != nil {
			c.ProfileName = strings.TrimSpace(types.Deref(w.Profile.GivenName) + " " + types.Deref(w.Profile.FamilyName))
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

type wireGroup struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsMember    bool    `json:"isMember"`
	IsBlocked   bool    `json:"isBlocked"`
}

// ListGroups returns the groups the account knows about.
func (c *Client) ListGroups(ctx context.Context) ([]types.Group, error) {
	raw, err := c.call(ctx, MethodListGroups, nil)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return DecodeGroups(raw)
}

// DecodeGroups decodes a listGroups result. Groups without an id are
// skipped.
func DecodeGroups(raw json.RawMessage) ([]types.Group, error) {
	var wire []wireGroup
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}

	groups := make([]types.Group, 0, len(wire))
	for _, w := range wire {
		if w.ID == "" {
			continue
		}
		groups = append(groups, types.Group{
			ID:          w.ID,
			Name:        types.Deref(w.Name),
			Description: types.Deref(w.Description),
			IsMember:    w.IsMember,
			IsBlocked:   w.IsBlocked,
		})
	}
	return groups, nil
}

// SendSyncRequest asks the primary device to resend contacts and groups.
func (c *Client) SendSyncRequest(ctx context.Context) error {
	if _, err := c.call(ctx, MethodSendSyncRequest, nil); err != nil {
		return fmt.Errorf("send sync request: %w", err)
	}
	return nil
}
