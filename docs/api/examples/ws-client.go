// Event stream client example.
//
// Connects to a running "tldrer run", prints the last messages of a
// conversation and then every message.received notification.
//
// Usage:
//
//	go run ./docs/api/examples --addr 127.0.0.1:8787 --conversation +15551234567
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	ossignal "os/signal"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/leonletto/tldrer/internal/jsonrpc"
	"github.com/leonletto/tldrer/internal/types"
	tws "github.com/leonletto/tldrer/internal/websocket"
)

type client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Response
}

func dial(ctx context.Context, addr string, log zerolog.Logger) (*client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/events"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	c := &client{conn: conn, log: log, pending: make(map[string]chan jsonrpc.Response)}
	go c.read()
	return c, nil
}

func (c *client) read() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Warn().Err(err).Msg("Connection closed")
			return
		}
		msg, err := jsonrpc.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Undecodable frame")
			continue
		}
		switch m := msg.(type) {
		case *jsonrpc.Call:
			c.notify(m)
		case jsonrpc.Response:
			c.mu.Lock()
			ch, ok := c.pending[m.ResponseID()]
			delete(c.pending, m.ResponseID())
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		}
	}
}

func (c *client) notify(call *jsonrpc.Call) {
	if call.Method != tws.MethodMessageReceived {
		return
	}
	var msg types.ChatMessage
	if err := json.Unmarshal(call.Params, &msg); err != nil {
		c.log.Warn().Err(err).Msg("Bad notification")
		return
	}
	fmt.Printf("[%s] %s: %s\n", msg.ConversationID, msg.SenderName, show(msg))
}

func (c *client) call(ctx context.Context, method string, params, result any) error {
	call, err := jsonrpc.NewCall(method, params)
	if err != nil {
		return err
	}
	ch := make(chan jsonrpc.Response, 1)
	c.mu.Lock()
	c.pending[call.ID] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(call); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp := <-ch:
		switch r := resp.(type) {
		case *jsonrpc.Error:
			return r
		case *jsonrpc.Result:
			return json.Unmarshal(r.Result, result)
		}
		return fmt.Errorf("unexpected response %T", resp)
	}
}

func show(m types.ChatMessage) string {
	switch {
	case m.Text != "":
		return m.Text
	case m.ReactionEmoji != "":
		return fmt.Sprintf("%s to %q", m.ReactionEmoji, m.ReactionText)
	case m.Attachments != "":
		return m.Attachments
	}
	return "(empty)"
}

func main() {
	addr := pflag.String("addr", "127.0.0.1:8787", "tldrer HTTP address")
	conversation := pflag.String("conversation", "", "Conversation to print history for")
	limit := pflag.Int("limit", 20, "History size")
	pflag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c, err := dial(ctx, *addr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Connect failed")
	}
	defer func() { _ = c.conn.Close() }()
	log.Info().Str("addr", *addr).Msg("Connected")

	if *conversation != "" {
		var history []types.ChatMessage
		err := c.call(ctx, tws.MethodGetMessages, tws.GetMessagesParams{ConversationID: *conversation, Limit: *limit}, &history)
		if err != nil {
			log.Fatal().Err(err).Msg("messages.get failed")
		}
		for _, m := range history {
			fmt.Printf("%s: %s\n", m.SenderName, show(m))
		}
	}

	<-ctx.Done()
}
