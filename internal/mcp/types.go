package mcp

import "github.com/leonletto/tldrer/internal/types"

// GetMessagesInput is the input for the get_messages tool.
type GetMessagesInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation id: a phone number starting with + or a group id"`
	Since          int64  `json:"since,omitempty" jsonschema:"Only messages after this timestamp (ms). Default: unbounded"`
	Before         int64  `json:"before,omitempty" jsonschema:"Only messages before this timestamp (ms). Default: unbounded"`
	Limit          int    `json:"limit,omitempty" jsonschema:"Max messages, most recent kept. Default 250"`
}

// GetMessagesOutput is the output for the get_messages tool.
type GetMessagesOutput struct {
	Messages []types.ChatMessage `json:"messages" jsonschema:"Messages oldest first"`
	Count    int                 `json:"count"`
}

// GetLastMessageInput is the input for the get_last_message tool.
type GetLastMessageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation id"`
	SenderID       string `json:"sender_id" jsonschema:"Sender phone number"`
	Before         int64  `json:"before,omitempty" jsonschema:"Only messages before this timestamp (ms). Default: unbounded"`
}

// GetLastMessageOutput is the output for the get_last_message tool.
type GetLastMessageOutput struct {
	Status  string             `json:"status" jsonschema:"Result: found or empty"`
	Message *types.ChatMessage `json:"message,omitempty"`
}

// ResolveInput is the input for the resolve_conversation tool.
type ResolveInput struct {
	Name string `json:"name" jsonschema:"Contact or group name, fuzzy matched"`
}

// ResolveOutput is the output for the resolve_conversation tool.
type ResolveOutput struct {
	Status         string `json:"status" jsonschema:"Result: found or not_found"`
	ConversationID string `json:"conversation_id,omitempty"`
	MatchedName    string `json:"matched_name,omitempty" jsonschema:"Directory name that matched best"`
	Score          int    `json:"score" jsonschema:"Match score 0-100"`
}

// SendMessageInput is the input for the send_message tool.
type SendMessageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation id: a phone number starting with + or a group id"`
	Text           string `json:"text" jsonschema:"Message text"`
}

// SendMessageOutput is the output for the send_message tool.
type SendMessageOutput struct {
	Status    string `json:"status" jsonschema:"Delivery status: sent"`
	Timestamp int64  `json:"timestamp" jsonschema:"Timestamp the message was sent under"`
}

// RefreshInput is the input for the refresh_conversations tool.
type RefreshInput struct {
	SyncRequest bool `json:"sync_request,omitempty" jsonschema:"Ask the primary device to resend contacts and groups first"`
}

// RefreshOutput is the output for the refresh_conversations tool.
type RefreshOutput struct {
	Contacts int `json:"contacts"`
	Groups   int `json:"groups"`
	Names    int `json:"names" jsonschema:"Names in the conversation index"`
}

// BuildTranscriptInput is the input for the build_transcript tool.
type BuildTranscriptInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"Conversation id. Either this or conversation_name is required"`
	Conversation   string `json:"conversation_name,omitempty" jsonschema:"Conversation name, fuzzy matched"`
	RequesterID    string `json:"requester_id,omitempty" jsonschema:"Without a limit the transcript starts after this sender's previous message"`
	Before         int64  `json:"before,omitempty" jsonschema:"Request timestamp (ms). Default: now"`
	Limit          int    `json:"limit,omitempty" jsonschema:"Number of recent messages, clamped to 1-500"`
}

// BuildTranscriptOutput is the output for the build_transcript tool.
type BuildTranscriptOutput struct {
	ConversationID string `json:"conversation_id"`
	Transcript     string `json:"transcript" jsonschema:"One line per message: <sender>: \"<content>\""`
	Messages       int    `json:"messages"`
}

// WaitForMessageInput is the input for the wait_for_message tool.
type WaitForMessageInput struct {
	Timeout        int    `json:"timeout,omitempty" jsonschema:"Max seconds to wait. Default 300, max 600"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"Only wake for this conversation"`
}

// WaitForMessageOutput is the output for the wait_for_message tool.
type WaitForMessageOutput struct {
	Status        string             `json:"status" jsonschema:"Result: message_received or timeout"`
	Message       *types.ChatMessage `json:"message,omitempty"`
	WaitedSeconds int                `json:"waited_seconds"`
}

// SummarizeInput selects the history to summarize.
type SummarizeInput struct {
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"Conversation id. Either this or conversation_name is required"`
	Conversation   string `json:"conversation_name,omitempty" jsonschema:"Conversation name, fuzzy matched"`
	RequesterID    string `json:"requester_id,omitempty" jsonschema:"Without a limit the summary covers messages after this sender's previous message"`
	Before         int64  `json:"before,omitempty" jsonschema:"Request timestamp (ms). Default: now"`
	Limit          int    `json:"limit,omitempty" jsonschema:"Number of recent messages, clamped to 1-500"`
	Send           bool   `json:"send,omitempty" jsonschema:"Also post the summary to the conversation"`
}

// SummarizeOutput is the generated summary.
type SummarizeOutput struct {
	ConversationID string `json:"conversation_id"`
	Summary        string `json:"summary"`
	Messages       int    `json:"messages" jsonschema:"Messages in the summarized transcript"`
	SentTimestamp  int64  `json:"sent_timestamp,omitempty"`
}

// AskFollowupInput is a question about a summarized conversation.
type AskFollowupInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"Conversation id that was summarized"`
	Question       string `json:"question"`
	Send           bool   `json:"send,omitempty" jsonschema:"Also post the answer to the conversation"`
}

// AskFollowupOutput is the answer.
type AskFollowupOutput struct {
	Answer        string `json:"answer"`
	SentTimestamp int64  `json:"sent_timestamp,omitempty"`
}
