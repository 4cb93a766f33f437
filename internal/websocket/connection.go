package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// DefaultSendBuffer is the number of outgoing messages queued per client.
const DefaultSendBuffer = 256

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// ErrSendBufferFull is returned by Send when the client is not keeping up.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnectionClosed is returned by Send after Close.
var ErrConnectionClosed = errors.New("connection closed")

// Connection wraps one websocket client.
type Connection struct {
	id       string
	conn     *websocket.Conn
	registry HandlerRegistry
	log      zerolog.Logger
	sendCh   chan []byte
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
}

// NewConnection wraps conn. Requests are dispatched to registry, which may
// be nil for a notification-only stream.
func NewConnection(conn *websocket.Conn, registry HandlerRegistry, log zerolog.Logger, buffer int) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	id := ulid.Make().String()
	return &Connection{
		id:       id,
		conn:     conn,
		registry: registry,
		log:      log.With().Str("client", id).Logger(),
		sendCh:   make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// ReadLoop reads requests until the client goes away.
func (c *Connection) ReadLoop(ctx context.Context) error {
	defer func() {
		_ = c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return fmt.Errorf("read error: %w", err)
			}
			return nil
		}

		if err := c.handleRequest(ctx, message); err != nil {
			c.log.Warn().Err(err).Msg("Error handling websocket request")
		}
	}
}

// WriteLoop drains the send buffer and keeps the connection alive with
// pings.
func (c *Connection) WriteLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.done:
			return nil

		case message := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return fmt.Errorf("write error: %w", err)
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping error: %w", err)
			}
		}
	}
}

// Send queues a message without blocking.
func (c *Connection) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return c.conn.Close()
}

// handleRequest processes a JSON-RPC request (single or batch).
func (c *Connection) handleRequest(ctx context.Context, data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return c.handleBatchRequest(ctx, data)
	}
	return c.handleSingleRequest(ctx, data)
}

func (c *Connection) handleSingleRequest(ctx context.Context, data []byte) error {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return c.sendJSON(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error", Data: err.Error()}})
	}
	resp, ok := c.process(ctx, req)
	if !ok {
		return nil
	}
	return c.sendJSON(resp)
}

func (c *Connection) handleBatchRequest(ctx context.Context, data []byte) error {
	var reqs []request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return c.sendJSON(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error", Data: err.Error()}})
	}
	if len(reqs) == 0 {
		return c.sendJSON(response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "Invalid request", Data: "batch request cannot be empty"}})
	}

	responses := make([]response, 0, len(reqs))
	for _, req := range reqs {
		if resp, ok := c.process(ctx, req); ok {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	return c.sendJSON(responses)
}

// process runs one request. Notifications (no id) produce no response.
func (c *Connection) process(ctx context.Context, req request) (response, bool) {
	reply := req.ID != nil
	if req.JSONRPC != "2.0" {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "Invalid request", Data: "jsonrpc field must be '2.0'"}}, reply
	}

	var handler Handler
	ok := false
	if c.registry != nil {
		handler, ok = c.registry.GetHandler(req.Method)
	}
	if !ok {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "Method not found", Data: fmt.Sprintf("method '%s' is not registered", req.Method)}}, reply
	}

	params := req.Params
	if params == nil {
		params = json.RawMessage("{}")
	}

	result, err := handler(ctx, params)
	if err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeServerError, Message: err.Error()}}, reply
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInternalError, Message: "Internal error", Data: err.Error()}}, reply
	}
	return response{JSONRPC: "2.0", ID: req.ID, Result: resultJSON}, reply
}

func (c *Connection) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.Send(data)
}

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
	codeServerError    = -32000
)

type request struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

type response struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}
