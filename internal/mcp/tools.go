package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/leonletto/tldrer/internal/store"
	"github.com/leonletto/tldrer/internal/summary"
	"github.com/leonletto/tldrer/internal/types"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

func (s *Server) handleGetMessages(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetMessagesInput,
) (*gomcp.CallToolResult, GetMessagesOutput, error) {
	if input.ConversationID == "" {
		return nil, GetMessagesOutput{}, errors.New("'conversation_id' is required")
	}
	msgs, err := s.core.GetMessages(ctx, input.ConversationID, store.Window{
		Since:  input.Since,
		Before: input.Before,
		Limit:  input.Limit,
	})
	if err != nil {
		return nil, GetMessagesOutput{}, err
	}
	if msgs == nil {
		msgs = []types.ChatMessage{}
	}
	return nil, GetMessagesOutput{Messages: msgs, Count: len(msgs)}, nil
}

func (s *Server) handleGetLastMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input GetLastMessageInput,
) (*gomcp.CallToolResult, GetLastMessageOutput, error) {
	if input.ConversationID == "" || input.SenderID == "" {
		return nil, GetLastMessageOutput{}, errors.New("'conversation_id' and 'sender_id' are required")
	}
	msg, err := s.core.GetLastMessage(ctx, input.ConversationID, input.SenderID, input.Before)
	if err != nil {
		return nil, GetLastMessageOutput{}, err
	}
	if msg == nil {
		return nil, GetLastMessageOutput{Status: "empty"}, nil
	}
	return nil, GetLastMessageOutput{Status: "found", Message: msg}, nil
}

func (s *Server) handleResolve(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input ResolveInput,
) (*gomcp.CallToolResult, ResolveOutput, error) {
	if input.Name == "" {
		return nil, ResolveOutput{}, errors.New("'name' is required")
	}
	m, ok := s.core.Match(input.Name)
	if !ok {
		return nil, ResolveOutput{Status: "not_found", MatchedName: m.Name, Score: m.Score}, nil
	}
	return nil, ResolveOutput{
		Status:         "found",
		ConversationID: m.ID,
		MatchedName:    m.Name,
		Score:          m.Score,
	}, nil
}

func (s *Server) handleSendMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SendMessageInput,
) (*gomcp.CallToolResult, SendMessageOutput, error) {
	if input.ConversationID == "" {
		return nil, SendMessageOutput{}, errors.New("'conversation_id' is required")
	}
	if input.Text == "" {
		return nil, SendMessageOutput{}, errors.New("'text' is required")
	}
	ts, err := s.core.SendMessage(ctx, input.ConversationID, input.Text)
	if err != nil {
		return nil, SendMessageOutput{}, fmt.Errorf("send message: %w", err)
	}
	return nil, SendMessageOutput{Status: "sent", Timestamp: ts}, nil
}

func (s *Server) handleRefresh(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input RefreshInput,
) (*gomcp.CallToolResult, RefreshOutput, error) {
	if input.SyncRequest {
		if err := s.core.SendSyncRequest(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Sync request failed")
		}
	}
	if err := s.core.Refresh(ctx); err != nil {
		return nil, RefreshOutput{}, fmt.Errorf("refresh conversations: %w", err)
	}
	idx := s.core.Index()
	return nil, RefreshOutput{
		Contacts: len(idx.Contacts),
		Groups:   len(idx.Groups),
		Names:    len(idx.Candidates),
	}, nil
}

// conversation resolves an id or a fuzzy name.
func (s *Server) conversation(id, name string) (string, error) {
	if id != "" {
		return id, nil
	}
	if name == "" {
		return "", errors.New("'conversation_id' or 'conversation_name' is required")
	}
	m, ok := s.core.Match(name)
	if !ok {
		return "", fmt.Errorf("no conversation matches %q", name)
	}
	return m.ID, nil
}

func (s *Server) collect(ctx context.Context, conv, requester string, before int64, limit int) ([]types.ChatMessage, error) {
	if before <= 0 {
		before = s.now()
	}
	return summary.Collect(ctx, s.core, summary.Request{
		ConversationID: conv,
		RequesterID:    requester,
		At:             before,
		Limit:          limit,
	})
}

func (s *Server) handleBuildTranscript(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input BuildTranscriptInput,
) (*gomcp.CallToolResult, BuildTranscriptOutput, error) {
	conv, err := s.conversation(input.ConversationID, input.Conversation)
	if err != nil {
		return nil, BuildTranscriptOutput{}, err
	}
	msgs, err := s.collect(ctx, conv, input.RequesterID, input.Before, input.Limit)
	if err != nil {
		return nil, BuildTranscriptOutput{}, err
	}
	return nil, BuildTranscriptOutput{
		ConversationID: conv,
		Transcript:     summary.Transcript(msgs),
		Messages:       len(msgs),
	}, nil
}

func (s *Server) handleSummarize(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input SummarizeInput,
) (*gomcp.CallToolResult, SummarizeOutput, error) {
	conv, err := s.conversation(input.ConversationID, input.Conversation)
	if err != nil {
		return nil, SummarizeOutput{}, err
	}
	msgs, err := s.collect(ctx, conv, input.RequesterID, input.Before, input.Limit)
	if err != nil {
		return nil, SummarizeOutput{}, err
	}
	if len(msgs) == 0 {
		return nil, SummarizeOutput{}, fmt.Errorf("no messages to summarize in %s", conv)
	}

	text, err := s.sessions.Summarize(withSession(ctx, req.Session), conv, summary.Transcript(msgs))
	if err != nil {
		return nil, SummarizeOutput{}, err
	}
	out := SummarizeOutput{ConversationID: conv, Summary: text, Messages: len(msgs)}
	if input.Send {
		if out.SentTimestamp, err = s.core.SendMessage(ctx, conv, text); err != nil {
			return nil, SummarizeOutput{}, err
		}
	}
	return nil, out, nil
}

func (s *Server) handleAskFollowup(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input AskFollowupInput,
) (*gomcp.CallToolResult, AskFollowupOutput, error) {
	if input.ConversationID == "" || input.Question == "" {
		return nil, AskFollowupOutput{}, errors.New("'conversation_id' and 'question' are required")
	}
	answer, err := s.sessions.Ask(withSession(ctx, req.Session), input.ConversationID, input.Question)
	if errors.Is(err, summary.ErrNoSession) {
		return nil, AskFollowupOutput{}, fmt.Errorf("conversation %s has not been summarized yet", input.ConversationID)
	}
	if err != nil {
		return nil, AskFollowupOutput{}, err
	}
	out := AskFollowupOutput{Answer: answer}
	if input.Send {
		if out.SentTimestamp, err = s.core.SendMessage(ctx, input.ConversationID, answer); err != nil {
			return nil, AskFollowupOutput{}, err
		}
	}
	return nil, out, nil
}

func (s *Server) handleWaitForMessage(
	ctx context.Context,
	req *gomcp.CallToolRequest,
	input WaitForMessageInput,
) (*gomcp.CallToolResult, WaitForMessageOutput, error) {
	out, err := s.waiter.Wait(ctx, waitTimeout(input.Timeout), input.ConversationID)
	if err != nil {
		return nil, WaitForMessageOutput{}, err
	}
	return nil, *out, nil
}
