package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/leonletto/tldrer/internal/envelope"
	"github.com/leonletto/tldrer/internal/fanout"
	"github.com/leonletto/tldrer/internal/jsonrpc"
	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/resolver"
	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/transport"
	"github.com/leonletto/tldrer/internal/types"
)

// RPC is the running JSON-RPC connection to signal-cli.
type RPC interface {
	Caller
	OnNotification(h transport.NotificationHandler)
	Run(ctx context.Context) error
}

// Config holds the service settings.
type Config struct {
	Account         string
	CallTimeout     time.Duration
	RefreshInterval time.Duration
	SendRate        float64 // messages per second; zero disables throttling
	SendBurst       int
}

// Service ties the transport, normalizer, store, resolver and fanout
// together.
type Service struct {
	*View

	account  string
	rpc      RPC
	client   *Client
	store    *store.Store
	resolver *resolver.Resolver
	fanout   *fanout.Broadcaster
	limiter  *rate.Limiter
	refresh  time.Duration

	resolverOpts []resolver.Option

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithResolverOptions passes options to the conversation resolver.
func WithResolverOptions(opts ...resolver.Option) Option {
	return func(s *Service) { s.resolverOpts = append(s.resolverOpts, opts...) }
}

// NewService wires a service around an RPC connection and a store. The
// inbound notification handler is registered immediately.
func NewService(cfg Config, rpc RPC, st *store.Store, fan *fanout.Broadcaster, opts ...Option) *Service {
	s := &Service{
		account: cfg.Account,
		rpc:     rpc,
		client:  NewClient(rpc, cfg.CallTimeout),
		store:   st,
		fanout:  fan,
		refresh: cfg.RefreshInterval,
		log:     zerolog.Nop(),
	}

	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)

	for _, opt := range opts {
		opt(s)
	}
	s.resolver = resolver.New(s.client, append([]resolver.Option{
		resolver.WithLogger(s.log.With().Str("component", "resolver").Logger()),
		resolver.WithMetrics(s.metrics),
	}, s.resolverOpts...)...)
	s.View = NewView(st, s.resolver)

	rpc.OnNotification(s.handleNotification)
	return s
}

// Client returns the typed RPC client.
func (s *Service) Client() *Client { return s.client }

// Resolver returns the conversation resolver.
func (s *Service) Resolver() *resolver.Resolver { return s.resolver }

// Subscribe registers a listener for published chat messages.
func (s *Service) Subscribe(h fanout.Handler) fanout.Subscription {
	return s.fanout.Subscribe(h)
}

// Unsubscribe removes a listener.
func (s *Service) Unsubscribe(sub fanout.Subscription) {
	s.fanout.Unsubscribe(sub)
}

// Run reads from the transport until it closes or ctx is done. Contacts
// and groups are fetched once at start and then every refresh interval.
// The returned error wraps transport.ErrClosed.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.rpc.Run(gctx)
	})

	g.Go(func() error {
		if err := s.resolver.Refresh(gctx); err != nil && gctx.Err() == nil {
			s.log.Warn().Err(err).Msg("Initial conversation refresh failed")
		}
		s.resolver.RefreshEvery(gctx, s.refresh)
		return nil
	})

	return g.Wait()
}

// Refresh re-fetches contacts and groups.
func (s *Service) Refresh(ctx context.Context) error {
	return s.resolver.Refresh(ctx)
}

// Resolve maps a conversation name to its id.
func (s *Service) Resolve(query string) (string, bool) {
	return s.resolver.Resolve(query)
}

// Match returns the best candidate for query with its score.
func (s *Service) Match(query string) (resolver.Match, bool) {
	return s.resolver.Best(query)
}

// Index returns the current conversation directory snapshot.
func (s *Service) Index() *resolver.Index {
	return s.resolver.Index()
}

// SendSyncRequest asks the primary device to resend its state.
func (s *Service) SendSyncRequest(ctx context.Context) error {
	return s.client.SendSyncRequest(ctx)
}

func (s *Service) handleNotification(ctx context.Context, call *jsonrpc.Call) {
	if call.Method != MethodReceive {
		s.log.Debug().Str("method", call.Method).Msg("Ignoring notification")
		return
	}

	ev, err := envelope.Normalize(call.Params)
	if err != nil {
		var shapeErr *envelope.ShapeError
		switch {
		case errors.Is(err, envelope.ErrIgnored):
			s.metrics.EnvelopeDropped("ignored")
			s.log.Trace().RawJSON("params", rawOrNull(call.Params)).Msg("Ignoring envelope without chat content")
		case errors.As(err, &shapeErr):
			s.metrics.EnvelopeDropped("shape")
			s.log.Warn().Err(err).RawJSON("params", rawOrNull(call.Params)).Msg("Dropping malformed envelope")
		default:
			s.metrics.EnvelopeDropped("decode")
			s.log.Warn().Err(err).Msg("Dropping envelope")
		}
		return
	}

	if err := s.store.Apply(ctx, ev); err != nil {
		s.metrics.EnvelopeDropped("store")
		return
	}
	s.log.Debug().Str("kind", string(ev.Kind())).Int64("timestamp", ev.EventHeader().Timestamp).
		Str("conversation", ev.EventHeader().ConversationID).Msg("Event applied")

	s.publish(ctx, ev)
}

// publish notifies listeners of new messages, edits and added reactions.
func (s *Service) publish(ctx context.Context, ev types.Event) {
	row, ok := storedFromEvent(ev)
	if !ok {
		return
	}
	s.fanout.Publish(ctx, s.ChatMessage(ctx, ev.Kind(), row))
}

// SendMessage sends text to a conversation, stores it as a bot message
// from the account and publishes it. Ids starting with "+" are phone
// numbers; anything else is a group id.
func (s *Service) SendMessage(ctx context.Context, conversationID, text string) (int64, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("send throttled: %w", err)
	}

	ts, err := s.client.Send(ctx, conversationID, text)
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("Error sending message")
		return 0, err
	}

	name := s.account
	if c, ok := s.resolver.Contact(s.account); ok && c.ProfileName != "" {
		name = c.ProfileName
	}
	msg := types.NewMessage{
		Header: types.Header{
			Timestamp:      ts,
			SenderID:       s.account,
			SenderName:     name,
			ConversationID: conversationID,
			FromSelf:       true,
			FromBot:        true,
		},
		Text: types.String(text),
	}
	if err := s.store.Apply(ctx, msg); err != nil {
		return ts, err
	}
	s.publish(ctx, msg)
	return ts, nil
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage("null")
	}
	return raw
}
