package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agentdesk/conductor/pkg/agent"
)

// ErrUnknownTool is returned by Call for names the source does not serve.
var ErrUnknownTool = fmt.Errorf("unknown tool")

// Handler runs one in-process tool.
type Handler func(ctx context.Context, input string) (string, error)

// StaticSource serves a fixed set of in-process tools. Used for builtins and
// as the test double for the MCP source.
type StaticSource struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]agent.ToolDefinition
}

// NewStaticSource creates an empty source; add tools with Register.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		handlers: make(map[string]Handler),
		defs:     make(map[string]agent.ToolDefinition),
	}
}

// Register adds or replaces a tool.
func (s *StaticSource) Register(def agent.ToolDefinition, h Handler) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[def.Name] = h
	s.defs[def.Name] = def
	return s
}

// Definitions lists the registered tools in name order.
func (s *StaticSource) Definitions(context.Context) ([]agent.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.ToolDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Call dispatches to the registered handler.
func (s *StaticSource) Call(ctx context.Context, name, input string) (string, error) {
	s.mu.RLock()
	h, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return h(ctx, input)
}
