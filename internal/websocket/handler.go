// Package websocket serves the live event stream and a small JSON-RPC
// request surface over websocket connections.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
)

// Handler handles one JSON-RPC request.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// HandlerRegistry provides access to registered RPC handlers.
type HandlerRegistry interface {
	// GetHandler returns the handler for method and whether it exists.
	GetHandler(method string) (Handler, bool)
}

// Registry is an in-memory HandlerRegistry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for method, replacing any previous one.
func (r *Registry) Register(method string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// GetHandler retrieves a handler by method name.
func (r *Registry) GetHandler(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}
