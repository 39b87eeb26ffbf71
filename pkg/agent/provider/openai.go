// Package provider implements agent.LLMClient over OpenAI-compatible chat
// APIs. One client serves any endpoint speaking the protocol (OpenAI itself,
// proxies, local runtimes) via a base-URL override.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentdesk/conductor/pkg/agent"
)

// Config holds the provider connection settings.
type Config struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl,omitempty"` // empty means the OpenAI default
}

// OpenAIClient streams chat completions through the go-openai SDK. Safe for
// concurrent use; each Generate call owns its stream.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client for the configured endpoint.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm provider: api key is required")
	}
	sdkCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(sdkCfg)}, nil
}

// Generate opens a completion stream and converts it to the chunk contract.
// The returned channel closes when the response completes.
func (c *OpenAIClient) Generate(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	req := openai.ChatCompletionRequest{
		Model:    input.Model.Name,
		Messages: convertMessages(input.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if input.MaxTokens > 0 {
		req.MaxTokens = input.MaxTokens
	}
	if input.Temperature != nil {
		req.Temperature = *input.Temperature
	}
	if len(input.Tools) > 0 {
		req.Tools = convertTools(input.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opening completion stream: %w", err)
	}

	chunks := make(chan agent.Chunk)
	go pumpStream(ctx, stream, chunks)
	return chunks, nil
}

// Close is a no-op; the SDK client holds no persistent connection.
func (c *OpenAIClient) Close() error { return nil }

// pumpStream drains the SDK stream into the chunk channel. Tool calls arrive
// as deltas keyed by index and are emitted once complete.
func pumpStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- agent.Chunk) {
	defer close(chunks)
	defer stream.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int]*pendingCall)
	emitted := make(map[int]bool)

	emit := func(c agent.Chunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	flushCalls := func() bool {
		indices := make([]int, 0, len(pending))
		for i := range pending {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			pc := pending[i]
			if emitted[i] || pc.id == "" || pc.name == "" {
				continue
			}
			emitted[i] = true
			if !emit(agent.ToolCallChunk{CallID: pc.id, Name: pc.name, Arguments: pc.args.String()}) {
				return false
			}
		}
		return true
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushCalls()
			return
		}
		if err != nil {
			emit(agent.ErrorChunk{Message: err.Error(), Code: apiErrorCode(err), Retryable: isRetryable(err)})
			return
		}

		// The final usage frame has no choices.
		if resp.Usage != nil {
			if !emit(agent.UsageChunk{Usage: agent.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}}) {
				return
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(agent.TextChunk{Content: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := pending[index]
			if pc == nil {
				pc = &pendingCall{}
				pending[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushCalls() {
				return
			}
		}
	}
}

func convertMessages(msgs []agent.ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		if m.Role == agent.RoleTool {
			oaiMsg.ToolCallID = m.ToolCallID
			oaiMsg.Name = m.ToolName
		}
		for _, tc := range m.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, oaiMsg)
	}
	return out
}

func convertTools(tools []agent.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		fn := &openai.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
		}
		if t.ParametersSchema != "" {
			fn.Parameters = rawSchema(t.ParametersSchema)
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return out
}

// rawSchema passes a pre-serialised JSON Schema through without re-encoding.
type rawSchema string

func (s rawSchema) MarshalJSON() ([]byte, error) { return []byte(s), nil }

func apiErrorCode(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%d", apiErr.HTTPStatusCode)
	}
	return ""
}

// isRetryable reports whether the stream error is a rate limit or a server
// fault worth retrying.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
