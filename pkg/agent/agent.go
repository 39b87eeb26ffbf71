package agent

import (
	"context"
	"fmt"
	"log/slog"
)

// ProcessInput is one turn's worth of context handed to an agent.
type ProcessInput struct {
	// History is the full conversation so far, excluding the system prompt.
	History []ConversationMessage
	// SystemPrompt overrides the role's built-in instructions when non-empty.
	SystemPrompt string
	// Turn is the 1-based turn number within the agent's session.
	Turn int
	// Tools lists the tool definitions exposed to the model this turn.
	Tools []ToolDefinition
}

// ProcessOutput is the result of one agent turn.
type ProcessOutput struct {
	// Message is the assistant text produced this turn.
	Message string
	// ToolCalls records every tool invocation the agent made, including
	// denied and failed ones.
	ToolCalls []ToolCallRecord
	// RequestsMoreTurns is set when the agent needs another turn, typically
	// because it invoked tools and wants to see their results.
	RequestsMoreTurns bool
	// Reasoning is the model's internal thinking, when the provider streams it.
	Reasoning string
	// Usage is this turn's token consumption.
	Usage TokenUsage
}

// Agent is the single contract every driver works against. Implementations
// may stream; streamed chunks surface as commentary through the sink wired at
// construction. Dispose releases the underlying model session.
type Agent interface {
	Process(ctx context.Context, input *ProcessInput) (*ProcessOutput, error)
	Instance() *Instance
	Dispose()
}

// ToolExecutor runs one tool call on behalf of an agent. Implementations
// never return an error: denial, breaker rejection and execution failure are
// all reported through the record's Succeeded flag and Output text.
type ToolExecutor interface {
	ExecuteCall(ctx context.Context, agentID string, call ToolCall) ToolCallRecord
}

// LLMAgent drives a streaming LLM client through the Agent contract. One
// Process call is one LLM turn: generate, surface chunks, execute any tool
// calls, report.
type LLMAgent struct {
	instance *Instance
	client   LLMClient
	executor ToolExecutor // nil disables tool use
	config   RoleConfig
	sink     ChunkSink
	logger   *slog.Logger

	sessionID   string
	temperature *float32
	maxTokens   int
}

// LLMAgentOpts configures NewLLMAgent beyond its required collaborators.
type LLMAgentOpts struct {
	SessionID string
	Executor  ToolExecutor
	Sink      ChunkSink
	MaxTokens int
	Logger    *slog.Logger
}

// NewLLMAgent creates an agent named for its role, resolving model and
// temperature overrides from the role config.
func NewLLMAgent(name string, role Role, model ModelID, client LLMClient, opts LLMAgentOpts) *LLMAgent {
	cfg := ConfigForRole(role)
	if cfg.ModelOverride != "" {
		model = ParseModelID(cfg.ModelOverride)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inst := NewInstance(name, role, model)
	return &LLMAgent{
		instance:    inst,
		client:      client,
		executor:    opts.Executor,
		config:      cfg,
		sink:        opts.Sink,
		logger:      logger.With("agent", name, "role", string(role)),
		sessionID:   opts.SessionID,
		temperature: cfg.TemperatureOverride,
		maxTokens:   opts.MaxTokens,
	}
}

// Instance returns the agent's lifecycle record.
func (a *LLMAgent) Instance() *Instance { return a.instance }

// Process runs one LLM turn. Tool calls returned by the model are executed
// immediately and their records attached to the output; RequestsMoreTurns is
// set so the caller can feed the results back in the next turn's history.
func (a *LLMAgent) Process(ctx context.Context, input *ProcessInput) (*ProcessOutput, error) {
	if a.instance.Disposed() {
		return nil, fmt.Errorf("agent %s: process after dispose", a.instance.ID)
	}
	if err := a.instance.Transition(StatusThinking); err != nil {
		return nil, err
	}

	system := input.SystemPrompt
	if system == "" {
		system = a.config.Instructions
	}
	messages := make([]ConversationMessage, 0, len(input.History)+1)
	messages = append(messages, ConversationMessage{Role: RoleSystem, Content: system})
	messages = append(messages, input.History...)

	chunks, err := a.client.Generate(ctx, &GenerateInput{
		SessionID:   a.sessionID,
		AgentID:     a.instance.ID,
		Messages:    messages,
		Tools:       input.Tools,
		Model:       a.instance.Model,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("agent %s: generate: %w", a.instance.ID, err)
	}

	resp, err := CollectStream(ctx, chunks, a.sink)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.instance.ID, err)
	}

	out := &ProcessOutput{
		Message:   resp.Text,
		Reasoning: resp.ThinkingText,
		Usage:     resp.Usage,
	}
	for _, call := range resp.ToolCalls {
		if a.executor == nil {
			a.logger.Warn("model requested tool with no executor wired", "tool", call.Name)
			out.ToolCalls = append(out.ToolCalls, ToolCallRecord{
				CallID:    call.ID,
				Name:      call.Name,
				Input:     call.Arguments,
				Output:    "tool execution is not available for this agent",
				Succeeded: false,
			})
			continue
		}
		out.ToolCalls = append(out.ToolCalls, a.executor.ExecuteCall(ctx, a.instance.ID, call))
	}
	out.RequestsMoreTurns = len(resp.ToolCalls) > 0

	a.instance.CompleteTurn()
	if err := a.instance.Transition(StatusContributed); err != nil {
		a.logger.Warn("status transition failed after turn", "error", err)
	}
	return out, nil
}

// Dispose moves the instance to its terminal state. The LLM client is shared
// and is not closed here.
func (a *LLMAgent) Dispose() {
	if err := a.instance.Transition(StatusDisposed); err != nil {
		a.logger.Warn("dispose transition failed", "error", err)
	}
}

// ToolResultMessages converts completed tool records into the RoleTool
// messages a follow-up turn expects in its history.
func ToolResultMessages(records []ToolCallRecord) []ConversationMessage {
	out := make([]ConversationMessage, 0, len(records))
	for _, rec := range records {
		out = append(out, ConversationMessage{
			Role:       RoleTool,
			Content:    rec.Output,
			ToolCallID: rec.CallID,
			ToolName:   rec.Name,
		})
	}
	return out
}

// AssistantMessage converts a turn's output into the assistant history entry
// for the next turn, preserving the tool calls the model issued.
func AssistantMessage(out *ProcessOutput) ConversationMessage {
	msg := ConversationMessage{Role: RoleAssistant, Content: out.Message}
	for _, rec := range out.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        rec.CallID,
			Name:      rec.Name,
			Arguments: rec.Input,
		})
	}
	return msg
}
