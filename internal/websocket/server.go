package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/fanout"
	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/types"
)

// MethodMessageReceived is the notification pushed for every published
// chat message.
const MethodMessageReceived = "message.received"

// Source publishes chat messages. signal.Service satisfies it.
type Source interface {
	Subscribe(h fanout.Handler) fanout.Subscription
	Unsubscribe(sub fanout.Subscription)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics serves m on /metrics and records the client count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithSendBuffer sets the per-client send buffer.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// Server serves /events, /metrics and /healthz.
type Server struct {
	addr       string
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	registry   HandlerRegistry
	clients    *ClientRegistry
	sendBuffer int
	log        zerolog.Logger
	metrics    *metrics.Metrics
	mu         sync.RWMutex
	shutdown   bool
	wg         sync.WaitGroup
	startTime  time.Time
}

// NewServer creates a server for addr ("host:port"). registry handles
// requests sent by clients and may be nil.
func NewServer(addr string, registry HandlerRegistry, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		registry:   registry,
		sendBuffer: DefaultSendBuffer,
		log:        zerolog.Nop(),
		startTime:  time.Now(),
		// CheckOrigin is left nil: gorilla then refuses browser upgrades whose
		// Origin host differs from the request host. Non-browser clients
		// send no Origin and are accepted.
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clients = NewClientRegistry(s.log, s.metrics)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWebSocket)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Clients returns the connected client registry.
func (s *Server) Clients() *ClientRegistry {
	return s.clients
}

// Follow pushes every message src publishes to all clients until the
// returned function is called.
func (s *Server) Follow(src Source) func() {
	sub := src.Subscribe(func(ctx context.Context, msg types.ChatMessage) error {
		_, err := s.clients.Broadcast(MethodMessageReceived, msg)
		return err
	})
	return func() { src.Unsubscribe(sub) }
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return errors.New("server is shutting down")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	s.log.Info().Str("addr", s.addr).Msg("Event stream listening")
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.clients.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("Timed out waiting for websocket connections")
	}
	return nil
}

// Addr returns the listen address, resolved once Start has run.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d,"clients":%d}`,
		int64(time.Since(s.startTime).Seconds()), s.clients.Count())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Hold the read lock across the shutdown check and wg.Add so Stop
	// cannot reach wg.Wait in between.
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.wg.Done()
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	go s.handleConnection(context.Background(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()

	c := NewConnection(conn, s.registry, s.log, s.sendBuffer)
	s.clients.Add(c)
	defer s.clients.Remove(c)
	c.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Websocket client connected")

	errCh := make(chan error, 2)
	go func() { errCh <- c.ReadLoop(ctx) }()
	go func() { errCh <- c.WriteLoop(ctx) }()

	if err := <-errCh; err != nil {
		c.log.Debug().Err(err).Msg("Websocket client disconnected")
	}
	_ = c.Close()
}
