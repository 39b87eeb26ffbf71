package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentdesk/conductor/pkg/agent"
)

// ToolName formats the executor-facing name for a server tool. The
// "server(tool)" form lines up with the approval gate's wildcard patterns.
func ToolName(serverID, tool string) string {
	return serverID + "(" + tool + ")"
}

// SplitToolName parses a "server(tool)" name.
func SplitToolName(name string) (serverID, tool string, err error) {
	open := strings.IndexByte(name, '(')
	if open <= 0 || !strings.HasSuffix(name, ")") {
		return "", "", fmt.Errorf("malformed tool name %q: want server(tool)", name)
	}
	return name[:open], name[open+1 : len(name)-1], nil
}

// Source adapts a Client to the tool executor's source contract. An optional
// per-server tool filter restricts what the agents see.
type Source struct {
	client  *Client
	servers []string            // allowed servers; nil means all connected
	filter  map[string][]string // serverID → allowed tool names
	logger  *slog.Logger
}

// NewSource creates a source over the client. servers narrows the allowed
// set; nil allows every connected server.
func NewSource(client *Client, servers []string, filter map[string][]string) *Source {
	return &Source{
		client:  client,
		servers: servers,
		filter:  filter,
		logger:  slog.Default().With("component", "mcp_source"),
	}
}

func (s *Source) serverIDs() []string {
	if s.servers != nil {
		return s.servers
	}
	return s.client.ServerIDs()
}

// Definitions lists tools from every allowed server. Partial results are
// returned when some servers fail.
func (s *Source) Definitions(ctx context.Context) ([]agent.ToolDefinition, error) {
	var defs []agent.ToolDefinition
	for _, serverID := range s.serverIDs() {
		tools, err := s.client.ListTools(ctx, serverID)
		if err != nil {
			s.logger.Warn("listing tools failed", "server", serverID, "error", err)
			continue
		}
		for _, tool := range tools {
			if allowed, ok := s.filter[serverID]; ok && len(allowed) > 0 && !slices.Contains(allowed, tool.Name) {
				continue
			}
			defs = append(defs, agent.ToolDefinition{
				Name:             ToolName(serverID, tool.Name),
				Description:      tool.Description,
				ParametersSchema: marshalSchema(tool.InputSchema),
			})
		}
	}
	return defs, nil
}

// Call runs one "server(tool)" call with a JSON-object argument string.
func (s *Source) Call(ctx context.Context, name, input string) (string, error) {
	serverID, tool, err := SplitToolName(name)
	if err != nil {
		return "", err
	}
	if s.servers != nil && !slices.Contains(s.servers, serverID) {
		return "", fmt.Errorf("server %q is not available: allowed servers are %s",
			serverID, strings.Join(s.servers, ", "))
	}
	if allowed, ok := s.filter[serverID]; ok && len(allowed) > 0 && !slices.Contains(allowed, tool) {
		return "", fmt.Errorf("tool %q is not available on server %q", tool, serverID)
	}

	args := map[string]any{}
	if strings.TrimSpace(input) != "" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	result, err := s.client.CallTool(ctx, serverID, tool, args)
	if err != nil {
		return "", err
	}
	content := extractTextContent(result)
	if result.IsError {
		return "", fmt.Errorf("tool %q reported an error: %s", name, content)
	}
	return content, nil
}

// extractTextContent concatenates the text items of a result. Non-text
// content is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}
