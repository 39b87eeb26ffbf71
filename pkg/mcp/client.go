// Package mcp connects the tool executor to MCP (Model Context Protocol)
// servers. A Client holds one SDK session per configured server; the Source
// type adapts the client to the executor's tool source contract with
// "server(tool)" names.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Operation timeouts.
const (
	InitTimeout      = 30 * time.Second
	OperationTimeout = 60 * time.Second
)

// clientName identifies this client to MCP servers.
const clientName = "conductor"

// Client manages MCP SDK sessions for multiple servers. Thread-safe: sessions
// are called from concurrent workers during stage execution.
type Client struct {
	servers map[string]ServerConfig

	mu            sync.RWMutex
	sessions      map[string]*mcpsdk.ClientSession
	failedServers map[string]string

	// Tool cache, populated on first list per server. Clients are scoped to
	// one session, so the cache is naturally fresh.
	toolCacheMu sync.RWMutex
	toolCache   map[string][]*mcpsdk.Tool

	logger *slog.Logger
}

// NewClient creates a client for the given server configs. Call Initialize
// before use.
func NewClient(servers []ServerConfig) *Client {
	byID := make(map[string]ServerConfig, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	return &Client{
		servers:       byID,
		sessions:      make(map[string]*mcpsdk.ClientSession),
		failedServers: make(map[string]string),
		toolCache:     make(map[string][]*mcpsdk.Tool),
		logger:        slog.Default().With("component", "mcp"),
	}
}

// Initialize connects to every configured server. Connection failures are
// recorded, not fatal; the caller checks FailedServers when partial
// availability is unacceptable.
func (c *Client) Initialize(ctx context.Context) {
	for id := range c.servers {
		if err := c.initializeServer(ctx, id); err != nil {
			c.mu.Lock()
			c.failedServers[id] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("mcp server failed to initialize", "server", id, "error", err)
		}
	}
}

func (c *Client) initializeServer(ctx context.Context, serverID string) error {
	c.mu.RLock()
	_, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if exists {
		return nil
	}

	cfg, ok := c.servers[serverID]
	if !ok {
		return fmt.Errorf("server %q is not configured", serverID)
	}
	transport, err := createTransport(cfg)
	if err != nil {
		return fmt.Errorf("creating transport for %q: %w", serverID, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: clientName, Version: "dev"}, nil)
	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connecting to %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failedServers, serverID)
	c.mu.Unlock()

	c.logger.Info("mcp server connected", "server", serverID)
	return nil
}

// ListTools returns a server's tools, cached after the first call.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.toolCacheMu.RLock()
	if cached, ok := c.toolCache[serverID]; ok {
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools from %q: %w", serverID, err)
	}
	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}

	c.toolCacheMu.Lock()
	c.toolCache[serverID] = tools
	c.toolCacheMu.Unlock()
	return tools, nil
}

// ServerIDs returns the ids of all connected servers.
func (c *Client) ServerIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	return out
}

// CallTool executes one tool call on a server.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	c.mu.RLock()
	session, exists := c.sessions[serverID]
	c.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("no session for server %q", serverID)
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	return session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
}

// FailedServers returns servers that failed to initialize, with the error.
func (c *Client) FailedServers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.failedServers))
	for k, v := range c.failedServers {
		out[k] = v
	}
	return out
}

// Close shuts down every session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.failedServers = make(map[string]string)

	c.toolCacheMu.Lock()
	c.toolCache = make(map[string][]*mcpsdk.Tool)
	c.toolCacheMu.Unlock()
	return firstErr
}
