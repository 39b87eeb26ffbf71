package agent

import (
	"context"
	"fmt"
	"sync"
)

// StubLLMClient replays scripted chunk sequences in order. Tests queue one
// script per expected Generate call and can inspect the inputs afterwards.
type StubLLMClient struct {
	mu      sync.Mutex
	scripts [][]Chunk
	calls   []*GenerateInput
	closed  bool
}

// NewStubLLMClient creates an empty stub; queue responses with Script.
func NewStubLLMClient() *StubLLMClient {
	return &StubLLMClient{}
}

// Script queues one response as the chunk sequence to stream.
func (s *StubLLMClient) Script(chunks ...Chunk) *StubLLMClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, chunks)
	return s
}

// ScriptText queues a plain text response.
func (s *StubLLMClient) ScriptText(text string) *StubLLMClient {
	return s.Script(TextChunk{Content: text}, UsageChunk{Usage: TokenUsage{
		InputTokens: 10, OutputTokens: 5, TotalTokens: 15,
	}})
}

// Generate pops the next script and streams it on a fresh channel.
func (s *StubLLMClient) Generate(_ context.Context, input *GenerateInput) (<-chan Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.scripts) == 0 {
		return nil, fmt.Errorf("stub llm: no scripted response for call %d", len(s.calls)+1)
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]
	s.calls = append(s.calls, input)

	ch := make(chan Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Calls returns every GenerateInput seen so far.
func (s *StubLLMClient) Calls() []*GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*GenerateInput(nil), s.calls...)
}

// Close marks the stub closed.
func (s *StubLLMClient) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *StubLLMClient) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// StubToolExecutor resolves tool calls from a fixed answer map; unknown tools
// fail with a not-found record.
type StubToolExecutor struct {
	mu      sync.Mutex
	answers map[string]string
	calls   []ToolCall
}

// NewStubToolExecutor creates an executor answering from the given map.
func NewStubToolExecutor(answers map[string]string) *StubToolExecutor {
	if answers == nil {
		answers = map[string]string{}
	}
	return &StubToolExecutor{answers: answers}
}

// ExecuteCall records the call and answers from the map.
func (s *StubToolExecutor) ExecuteCall(_ context.Context, _ string, call ToolCall) ToolCallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if out, ok := s.answers[call.Name]; ok {
		return ToolCallRecord{CallID: call.ID, Name: call.Name, Input: call.Arguments, Output: out, Succeeded: true}
	}
	return ToolCallRecord{
		CallID: call.ID, Name: call.Name, Input: call.Arguments,
		Output: fmt.Sprintf("tool %q not found", call.Name), Succeeded: false,
	}
}

// Calls returns every tool call seen so far.
func (s *StubToolExecutor) Calls() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolCall(nil), s.calls...)
}
