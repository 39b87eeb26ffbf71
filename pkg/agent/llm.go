package agent

import (
	"context"
	"fmt"
	"strings"
)

// ModelID identifies a provider and model name, e.g. "openai/gpt-4o".
type ModelID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
}

// ParseModelID splits "provider/name". A bare name defaults to "openai".
func ParseModelID(s string) ModelID {
	if provider, name, ok := strings.Cut(s, "/"); ok {
		return ModelID{Provider: provider, Name: name}
	}
	return ModelID{Provider: "openai", Name: s}
}

func (m ModelID) String() string { return m.Provider + "/" + m.Name }

// GenerateInput is one LLM request. The full conversation (including the
// system prompt as the first message) is passed on every call; the client is
// stateless with respect to conversation history.
type GenerateInput struct {
	SessionID   string
	AgentID     string
	Messages    []ConversationMessage
	Tools       []ToolDefinition // nil forces a text-only response
	Model       ModelID
	Temperature *float32
	MaxTokens   int
}

// Chunk is one streamed element of an LLM response.
type Chunk interface{ chunk() }

// TextChunk is a streamed fragment of assistant text.
type TextChunk struct{ Content string }

// ThinkingChunk is a streamed fragment of model reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk is a complete tool invocation request.
type ToolCallChunk struct {
	CallID    string
	Name      string
	Arguments string
}

// UsageChunk reports token consumption; arrives at most once, at stream end.
type UsageChunk struct{ Usage TokenUsage }

// ErrorChunk reports a mid-stream failure.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (TextChunk) chunk()     {}
func (ThinkingChunk) chunk() {}
func (ToolCallChunk) chunk() {}
func (UsageChunk) chunk()    {}
func (ErrorChunk) chunk()    {}

// LLMClient is the LLM transport collaborator. Implementations may use a
// subprocess, a socket or an in-process SDK; the core only consumes the
// chunk stream. The returned channel is closed when the response completes.
type LLMClient interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
	Close() error
}

// LLMResponse is a fully collected (non-streaming) view of one response.
type LLMResponse struct {
	Text         string
	ThinkingText string
	ToolCalls    []ToolCall
	Usage        TokenUsage
}

// ChunkSink observes streamed chunks as they arrive. Used to surface
// commentary events while the response is still streaming. May be nil.
type ChunkSink func(Chunk)

// CollectStream drains a chunk stream into an LLMResponse, forwarding each
// chunk to sink first. An ErrorChunk aborts collection and is returned as an
// error; context cancellation is honoured between chunks.
func CollectStream(ctx context.Context, chunks <-chan Chunk, sink ChunkSink) (*LLMResponse, error) {
	resp := &LLMResponse{}
	var text, thinking strings.Builder

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				resp.Text = text.String()
				resp.ThinkingText = thinking.String()
				return resp, nil
			}
			if sink != nil {
				sink(c)
			}
			switch v := c.(type) {
			case TextChunk:
				text.WriteString(v.Content)
			case ThinkingChunk:
				thinking.WriteString(v.Content)
			case ToolCallChunk:
				resp.ToolCalls = append(resp.ToolCalls, ToolCall{
					ID:        v.CallID,
					Name:      v.Name,
					Arguments: v.Arguments,
				})
			case UsageChunk:
				resp.Usage = resp.Usage.Add(v.Usage)
			case ErrorChunk:
				return nil, fmt.Errorf("llm stream error (%s): %s", v.Code, v.Message)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
