package summary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSession is returned by Ask before a conversation has a summary.
var ErrNoSession = errors.New("no summary session for conversation")

// Summarizer generates summaries and answers follow-up questions. It keeps
// its own context per conversation.
type Summarizer interface {
	Summarize(ctx context.Context, conversationID, transcript string) (string, error)
	Ask(ctx context.Context, conversationID, question string) (string, error)
}

// Session records the transcript a conversation was last summarized from.
type Session struct {
	ConversationID string
	Transcript     string
	Summary        string
	CreatedAt      time.Time
}

// Sessions tracks summary sessions by conversation id and only forwards
// questions for conversations that have been summarized.
type Sessions struct {
	summarizer Summarizer
	log        zerolog.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessions wraps s.
func NewSessions(s Summarizer, log zerolog.Logger) *Sessions {
	return &Sessions{summarizer: s, log: log, sessions: make(map[string]Session)}
}

// Summarize starts a new session for the conversation, replacing any
// previous one.
func (s *Sessions) Summarize(ctx context.Context, conversationID, transcript string) (string, error) {
	out, err := s.summarizer.Summarize(ctx, conversationID, transcript)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	s.mu.Lock()
	s.sessions[conversationID] = Session{
		ConversationID: conversationID,
		Transcript:     transcript,
		Summary:        out,
		CreatedAt:      time.Now(),
	}
	s.mu.Unlock()
	s.log.Debug().Str("conversation", conversationID).Int("transcript_bytes", len(transcript)).Msg("Summary session started")
	return out, nil
}

// Ask forwards a follow-up question for a summarized conversation.
func (s *Sessions) Ask(ctx context.Context, conversationID, question string) (string, error) {
	if _, ok := s.Get(conversationID); !ok {
		return "", ErrNoSession
	}
	out, err := s.summarizer.Ask(ctx, conversationID, question)
	if err != nil {
		return "", fmt.Errorf("ask: %w", err)
	}
	return out, nil
}

// Get returns the session for a conversation.
func (s *Sessions) Get(conversationID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	return sess, ok
}

// Forget drops a conversation's session.
func (s *Sessions) Forget(conversationID string) {
	s.mu.Lock()
	delete(s.sessions, conversationID)
	s.mu.Unlock()
}
