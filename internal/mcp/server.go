// Package mcp exposes the conversation store, resolver and sender as MCP
// tools over stdio.
package mcp

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/resolver"
	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/summary"
	"github.com/leonletto/tldrer/internal/types"
)

// Core is what the tools call. signal.Service satisfies it.
type Core interface {
	Publisher
	GetMessages(ctx context.Context, conversationID string, w store.Window) ([]types.ChatMessage, error)
	GetLastMessage(ctx context.Context, conversationID, senderID string, before int64) (*types.ChatMessage, error)
	Match(query string) (resolver.Match, bool)
	SendMessage(ctx context.Context, conversationID, text string) (int64, error)
	Refresh(ctx context.Context) error
	SendSyncRequest(ctx context.Context) error
	Index() *resolver.Index
}

// Server is the tldrer MCP server.
type Server struct {
	core     Core
	version  string
	log      zerolog.Logger
	server   *gomcp.Server
	waiter   *Waiter
	sampler  *Sampler
	sessions *summary.Sessions
	now      func() int64
}

// Option configures the MCP server.
type Option func(*Server)

// WithVersion sets the server version string.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates an MCP server backed by core and starts queueing
// published messages for wait_for_message.
func NewServer(core Core, opts ...Option) *Server {
	s := &Server{
		core:    core,
		version: "dev",
		log:     zerolog.Nop(),
		now:     nowMillis,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = gomcp.NewServer(
		&gomcp.Implementation{
			Name:    "tldrer",
			Version: s.version,
		},
		nil,
	)
	s.waiter = NewWaiter(core)
	s.sampler = NewSampler(0)
	s.sessions = summary.NewSessions(s.sampler, s.log.With().Str("component", "summary").Logger())
	s.registerTools()
	return s
}

// Run serves MCP on stdin/stdout until the client disconnects or ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	defer s.waiter.Close()
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// Connect serves one session on t. It is used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t gomcp.Transport) (*gomcp.ServerSession, error) {
	return s.server.Connect(ctx, t, nil)
}

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_messages",
		Description: "List stored messages of a conversation, oldest first",
	}, s.handleGetMessages)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_last_message",
		Description: "Get a sender's most recent message in a conversation, ignoring reactions",
	}, s.handleGetLastMessage)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "resolve_conversation",
		Description: "Fuzzy match a contact or group name to its conversation id",
	}, s.handleResolve)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "send_message",
		Description: "Send a text message to a conversation",
	}, s.handleSendMessage)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "refresh_conversations",
		Description: "Re-fetch contacts and groups and rebuild the name index",
	}, s.handleRefresh)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "build_transcript",
		Description: "Render recent conversation history as a summarization transcript",
	}, s.handleBuildTranscript)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "summarize_conversation",
		Description: "Summarize recent conversation history with the client's model and start a follow-up session",
	}, s.handleSummarize)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "ask_followup",
		Description: "Ask a question about the last summary of a conversation",
	}, s.handleAskFollowup)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "wait_for_message",
		Description: "Block until a new message arrives or the timeout expires",
	}, s.handleWaitForMessage)
}
