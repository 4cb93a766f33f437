package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	systemPrompt = `You are TLDRer, a bot that generates succinct but still informational TLDR summaries for text threads.
Every time you receive a transcript without instruction, you will generate a TLDR.
Every TLDR you generate starts with "TLDR;".
You can also answer specific questions regarding the text threads.`
	summaryHeader = "Generate a TLDR for the following text thread:\n"

	defaultMaxTokens = 1024
)

// ErrNoSampling is returned when a summary is requested outside a tool call.
var ErrNoSampling = errors.New("no MCP session to sample from")

type sessionKey struct{}

func withSession(ctx context.Context, ss *gomcp.ServerSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, ss)
}

// Sampler implements summary.Summarizer by asking the connected client's
// model through MCP sampling. Each conversation keeps its message history
// so follow-up questions see the transcript and earlier answers.
type Sampler struct {
	maxTokens int64

	mu      sync.Mutex
	history map[string][]*gomcp.SamplingMessage
}

// NewSampler creates a sampler. maxTokens <= 0 uses the default.
func NewSampler(maxTokens int64) *Sampler {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Sampler{maxTokens: maxTokens, history: make(map[string][]*gomcp.SamplingMessage)}
}

// Summarize starts a fresh history for the conversation.
func (s *Sampler) Summarize(ctx context.Context, conversationID, transcript string) (string, error) {
	msgs := []*gomcp.SamplingMessage{userMessage(summaryHeader + transcript)}
	return s.exchange(ctx, conversationID, msgs)
}

// Ask appends a question to the conversation's history.
func (s *Sampler) Ask(ctx context.Context, conversationID, question string) (string, error) {
	s.mu.Lock()
	prior := s.history[conversationID]
	s.mu.Unlock()

	msgs := make([]*gomcp.SamplingMessage, 0, len(prior)+1)
	msgs = append(msgs, prior...)
	msgs = append(msgs, userMessage(question))
	return s.exchange(ctx, conversationID, msgs)
}

func (s *Sampler) exchange(ctx context.Context, conversationID string, msgs []*gomcp.SamplingMessage) (string, error) {
	ss, _ := ctx.Value(sessionKey{}).(*gomcp.ServerSession)
	if ss == nil {
		return "", ErrNoSampling
	}
	res, err := ss.CreateMessage(ctx, &gomcp.CreateMessageParams{
		SystemPrompt: systemPrompt,
		Messages:     msgs,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("sampling: %w", err)
	}
	text, ok := res.Content.(*gomcp.TextContent)
	if !ok {
		return "", fmt.Errorf("sampling returned %T, want text", res.Content)
	}

	s.mu.Lock()
	s.history[conversationID] = append(msgs, &gomcp.SamplingMessage{Role: "assistant", Content: text})
	s.mu.Unlock()
	return text.Text, nil
}

func userMessage(text string) *gomcp.SamplingMessage {
	return &gomcp.SamplingMessage{Role: "user", Content: &gomcp.TextContent{Text: text}}
}
