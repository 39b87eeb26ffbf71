package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelID(t *testing.T) {
	assert.Equal(t, ModelID{Provider: "openai", Name: "gpt-4o"}, ParseModelID("openai/gpt-4o"))
	assert.Equal(t, ModelID{Provider: "openai", Name: "gpt-4o-mini"}, ParseModelID("gpt-4o-mini"))
	assert.Equal(t, "openai/gpt-4o", ModelID{Provider: "openai", Name: "gpt-4o"}.String())
}

func TestCollectStreamAggregates(t *testing.T) {
	ch := make(chan Chunk, 6)
	ch <- ThinkingChunk{Content: "considering"}
	ch <- TextChunk{Content: "hello "}
	ch <- TextChunk{Content: "world"}
	ch <- ToolCallChunk{CallID: "c1", Name: "fs.read", Arguments: `{"path":"a"}`}
	ch <- UsageChunk{Usage: TokenUsage{InputTokens: 3, OutputTokens: 7, TotalTokens: 10}}
	close(ch)

	var seen int
	resp, err := CollectStream(context.Background(), ch, func(Chunk) { seen++ })
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, "considering", resp.ThinkingText)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "fs.read", resp.ToolCalls[0].Name)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
	assert.Equal(t, 5, seen)
}

func TestCollectStreamErrorChunkAborts(t *testing.T) {
	ch := make(chan Chunk, 2)
	ch <- TextChunk{Content: "partial"}
	ch <- ErrorChunk{Message: "rate limited", Code: "429", Retryable: true}
	close(ch)

	_, err := CollectStream(context.Background(), ch, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCollectStreamHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan Chunk) // never fed
	_, err := CollectStream(ctx, ch, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestInstanceTransitions(t *testing.T) {
	inst := NewInstance("worker-1", RoleImplementation, ParseModelID("gpt-4o"))
	assert.Equal(t, StatusCreated, inst.Status())

	require.NoError(t, inst.Transition(StatusActive))
	require.NoError(t, inst.Transition(StatusThinking))
	require.Error(t, inst.Transition(StatusActive), "backwards move rejected")

	require.NoError(t, inst.Transition(StatusPaused))
	require.Error(t, inst.Transition(StatusContributed), "must resume before advancing")
	require.NoError(t, inst.Transition(StatusActive))

	require.NoError(t, inst.Transition(StatusDisposed))
	require.Error(t, inst.Transition(StatusActive), "disposed is terminal")
	assert.True(t, inst.Disposed())
}

func TestInstanceTurnCycle(t *testing.T) {
	inst := NewInstance("worker-1", RoleImplementation, ParseModelID("gpt-4o"))
	require.NoError(t, inst.Transition(StatusThinking))
	require.NoError(t, inst.Transition(StatusContributed))
	require.NoError(t, inst.Transition(StatusThinking), "a new turn re-enters thinking")
	require.NoError(t, inst.Transition(StatusContributed))
}

func TestCostEstimateMonotone(t *testing.T) {
	pricing := PricingFor(ParseModelID("gpt-4o"))
	var est CostEstimate
	for i := 0; i < 5; i++ {
		next := est.AddTurn(TokenUsage{InputTokens: 1000, OutputTokens: 500, TotalTokens: 1500}, pricing)
		assert.GreaterOrEqual(t, next.Usage.TotalTokens, est.Usage.TotalTokens)
		assert.GreaterOrEqual(t, next.EstimateUSD, est.EstimateUSD)
		assert.Equal(t, est.Turns+1, next.Turns)
		est = next
	}
	assert.Equal(t, 7500, est.Usage.TotalTokens)
	assert.InDelta(t, 5*(0.0025+0.005*1.0), est.EstimateUSD, 1e-9)
}

func TestConfigForRoleFallsBackToGeneric(t *testing.T) {
	cfg := ConfigForRole(Role("archaeology"))
	assert.Equal(t, Role("archaeology"), cfg.Role)
	assert.Equal(t, roleConfigs[RoleGeneric].Instructions, cfg.Instructions)

	syn := ConfigForRole(RoleSynthesis)
	assert.Contains(t, syn.Instructions, "[ACTION:")
}

func TestMergeRoleConfig(t *testing.T) {
	base := ConfigForRole(RoleImplementation)
	temp := float32(0.2)
	merged := MergeRoleConfig(base, RoleConfig{
		ModelOverride:       "openai/o3-mini",
		TemperatureOverride: &temp,
	})
	assert.Equal(t, base.Instructions, merged.Instructions)
	assert.Equal(t, base.PreferredTools, merged.PreferredTools)
	assert.Equal(t, "openai/o3-mini", merged.ModelOverride)
	require.NotNil(t, merged.TemperatureOverride)
	assert.Equal(t, temp, *merged.TemperatureOverride)
}

func TestLLMAgentTextTurn(t *testing.T) {
	client := NewStubLLMClient().ScriptText("all done")
	a := NewLLMAgent("worker-1", RoleImplementation, ParseModelID("gpt-4o"), client, LLMAgentOpts{
		SessionID: "sess-1",
	})

	out, err := a.Process(context.Background(), &ProcessInput{
		History: []ConversationMessage{{Role: RoleUser, Content: "refactor module X"}},
		Turn:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, "all done", out.Message)
	assert.False(t, out.RequestsMoreTurns)
	assert.Equal(t, 15, out.Usage.TotalTokens)
	assert.Equal(t, StatusContributed, a.Instance().Status())
	assert.Equal(t, 1, a.Instance().Turns())

	calls := client.Calls()
	require.Len(t, calls, 1)
	require.NotEmpty(t, calls[0].Messages)
	assert.Equal(t, RoleSystem, calls[0].Messages[0].Role)
	assert.Equal(t, ConfigForRole(RoleImplementation).Instructions, calls[0].Messages[0].Content)
	assert.Equal(t, "sess-1", calls[0].SessionID)
}

func TestLLMAgentExecutesToolCalls(t *testing.T) {
	client := NewStubLLMClient().Script(
		TextChunk{Content: "reading the file"},
		ToolCallChunk{CallID: "c1", Name: "fs.read", Arguments: `{"path":"main.go"}`},
	)
	exec := NewStubToolExecutor(map[string]string{"fs.read": "package main"})
	a := NewLLMAgent("worker-2", RoleCodeAnalysis, ParseModelID("gpt-4o"), client, LLMAgentOpts{
		Executor: exec,
	})

	out, err := a.Process(context.Background(), &ProcessInput{Turn: 1})
	require.NoError(t, err)
	assert.True(t, out.RequestsMoreTurns)
	require.Len(t, out.ToolCalls, 1)
	assert.True(t, out.ToolCalls[0].Succeeded)
	assert.Equal(t, "package main", out.ToolCalls[0].Output)
	require.Len(t, exec.Calls(), 1)
}

func TestLLMAgentWithoutExecutorFailsToolCalls(t *testing.T) {
	client := NewStubLLMClient().Script(
		ToolCallChunk{CallID: "c1", Name: "fs.read", Arguments: "{}"},
	)
	a := NewLLMAgent("worker-3", RoleGeneric, ParseModelID("gpt-4o"), client, LLMAgentOpts{})

	out, err := a.Process(context.Background(), &ProcessInput{Turn: 1})
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	assert.False(t, out.ToolCalls[0].Succeeded)
}

func TestLLMAgentProcessAfterDispose(t *testing.T) {
	client := NewStubLLMClient()
	a := NewLLMAgent("worker-4", RoleGeneric, ParseModelID("gpt-4o"), client, LLMAgentOpts{})
	a.Dispose()

	_, err := a.Process(context.Background(), &ProcessInput{Turn: 1})
	require.Error(t, err)
}

func TestHistoryHelpers(t *testing.T) {
	out := &ProcessOutput{
		Message: "looking",
		ToolCalls: []ToolCallRecord{
			{CallID: "c1", Name: "fs.read", Input: "{}", Output: "data", Succeeded: true},
		},
	}

	asst := AssistantMessage(out)
	assert.Equal(t, RoleAssistant, asst.Role)
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "c1", asst.ToolCalls[0].ID)

	results := ToolResultMessages(out.ToolCalls)
	require.Len(t, results, 1)
	assert.Equal(t, RoleTool, results[0].Role)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "data", results[0].Content)
}
