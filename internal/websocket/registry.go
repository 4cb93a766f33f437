package websocket

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/metrics"
)

// ClientRegistry tracks connected websocket clients by connection id.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Connection
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry(log zerolog.Logger, m *metrics.Metrics) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Connection),
		log:     log,
		metrics: m,
	}
}

// Add registers a connection.
func (r *ClientRegistry) Add(conn *Connection) {
	r.mu.Lock()
	r.clients[conn.ID()] = conn
	n := len(r.clients)
	r.mu.Unlock()
	r.metrics.SetWebsocketClients(n)
}

// Remove unregisters a connection.
func (r *ClientRegistry) Remove(conn *Connection) {
	r.mu.Lock()
	delete(r.clients, conn.ID())
	n := len(r.clients)
	r.mu.Unlock()
	r.metrics.SetWebsocketClients(n)
}

// Get returns a connection by id.
func (r *ClientRegistry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.clients[id]
	return conn, ok
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every client connection.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.clients = make(map[string]*Connection)
	r.mu.Unlock()
	r.metrics.SetWebsocketClients(0)

	for _, c := range conns {
		_ = c.Close()
	}
}

// Broadcast sends a JSON-RPC notification to every client and returns how
// many received it. A client whose send buffer is full is disconnected.
func (r *ClientRegistry) Broadcast(method string, params any) (int, error) {
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return 0, fmt.Errorf("marshal notification: %w", err)
	}

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			r.log.Warn().Err(err).Str("client", c.ID()).Msg("Dropping slow websocket client")
			r.Remove(c)
			_ = c.Close()
			continue
		}
		sent++
	}
	return sent, nil
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}
