// Package agent provides the LLM agent abstraction shared by the Team,
// Office and Panel drivers: conversation types, the streaming LLM client
// collaborator interface, role configuration and cost tracking.
package agent

import "time"

// ConversationRole is the wire-level role of a conversation message.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

// AuthorRole classifies the author of a session message.
type AuthorRole string

const (
	AuthorUser        AuthorRole = "user"
	AuthorCoordinator AuthorRole = "coordinator" // Head / Manager / Orchestrator
	AuthorContributor AuthorRole = "contributor" // Panelist / Worker / Assistant
	AuthorSystem      AuthorRole = "system"
)

// MessageType classifies a session message's content.
type MessageType string

const (
	TypeUserMessage   MessageType = "user_message"
	TypeClarification MessageType = "clarification"
	TypePlan          MessageType = "plan"
	TypeArgument      MessageType = "argument"
	TypeToolResult    MessageType = "tool_result"
	TypeCommentary    MessageType = "commentary"
	TypeSynthesis     MessageType = "synthesis"
	TypeError         MessageType = "error"
)

// Message is one immutable entry in a session's transcript.
type Message struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	AgentID    string           `json:"agent_id,omitempty"`
	AuthorRole AuthorRole       `json:"author_role"`
	Type       MessageType      `json:"type"`
	Content    string           `json:"content"`
	ReplyTo    string           `json:"reply_to,omitempty"`
	ToolCalls  []ToolCallRecord `json:"tool_calls,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ConversationMessage is one turn in an LLM conversation.
type ConversationMessage struct {
	Role       ConversationRole `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []ToolCall       `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"` // set on RoleTool messages
	ToolName   string           `json:"tool_name,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON
}

// ToolCallRecord is the completed record of one tool invocation, including
// denied and breaker-rejected calls. The executor never loses an outcome.
type ToolCallRecord struct {
	CallID     string        `json:"call_id"`
	Name       string        `json:"name"`
	Input      string        `json:"input"`
	Output     string        `json:"output"`
	Succeeded  bool          `json:"succeeded"`
	Duration   time.Duration `json:"duration"`
	RetryAfter time.Time     `json:"retry_after,omitzero"` // set on breaker-open rejections
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	ParametersSchema string `json:"parameters_schema"` // JSON Schema
}

// TokenUsage aggregates token consumption across LLM calls.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}
