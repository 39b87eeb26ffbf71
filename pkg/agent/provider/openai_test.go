package provider

import (
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/conductor/pkg/agent"
)

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(Config{})
	require.Error(t, err)

	c, err := NewOpenAIClient(Config{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestConvertMessages(t *testing.T) {
	msgs := []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: "be helpful"},
		{Role: agent.RoleUser, Content: "hi"},
		{
			Role:    agent.RoleAssistant,
			Content: "checking",
			ToolCalls: []agent.ToolCall{
				{ID: "c1", Name: "fs.read", Arguments: `{"path":"a"}`},
			},
		},
		{Role: agent.RoleTool, Content: "data", ToolCallID: "c1", ToolName: "fs.read"},
	}

	out := convertMessages(msgs)
	require.Len(t, out, 4)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "user", out[1].Role)

	require.Len(t, out[2].ToolCalls, 1)
	assert.Equal(t, "c1", out[2].ToolCalls[0].ID)
	assert.Equal(t, openai.ToolTypeFunction, out[2].ToolCalls[0].Type)
	assert.Equal(t, "fs.read", out[2].ToolCalls[0].Function.Name)

	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "c1", out[3].ToolCallID)
	assert.Equal(t, "fs.read", out[3].Name)
}

func TestConvertTools(t *testing.T) {
	tools := []agent.ToolDefinition{
		{Name: "fs.read", Description: "read a file", ParametersSchema: `{"type":"object","properties":{"path":{"type":"string"}}}`},
		{Name: "noop", Description: "no parameters"},
	}

	out := convertTools(tools)
	require.Len(t, out, 2)
	assert.Equal(t, openai.ToolTypeFunction, out[0].Type)
	assert.Equal(t, "fs.read", out[0].Function.Name)

	// Schema passes through byte-for-byte.
	data, err := json.Marshal(out[0].Function.Parameters)
	require.NoError(t, err)
	assert.JSONEq(t, tools[0].ParametersSchema, string(data))

	assert.Nil(t, out[1].Function.Parameters)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(errors.New("plain")))
	assert.False(t, isRetryable(&openai.APIError{HTTPStatusCode: 400}))
	assert.True(t, isRetryable(&openai.APIError{HTTPStatusCode: 429}))
	assert.True(t, isRetryable(&openai.APIError{HTTPStatusCode: 503}))
}

func TestAPIErrorCode(t *testing.T) {
	assert.Equal(t, "", apiErrorCode(errors.New("plain")))
	assert.Equal(t, "429", apiErrorCode(&openai.APIError{HTTPStatusCode: 429}))
}
