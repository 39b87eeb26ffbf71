package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var emptySchema = json.RawMessage(`{"type":"object"}`)

// startTestServer runs an in-memory MCP server and returns the client-side
// transport.
func startTestServer(t *testing.T, tools map[string]mcpsdk.ToolHandler) *mcpsdk.InMemoryTransport {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-server", Version: "test"}, nil)
	for name, handler := range tools {
		server.AddTool(&mcpsdk.Tool{
			Name:        name,
			Description: "test tool: " + name,
			InputSchema: emptySchema,
		}, handler)
	}

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = server.Run(context.Background(), serverTransport)
	}()
	return clientTransport
}

// connectDirect wires an in-memory session into a Client, bypassing the
// transport factory.
func connectDirect(t *testing.T, serverID string, transport *mcpsdk.InMemoryTransport) *Client {
	t.Helper()

	client := NewClient(nil)
	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "conductor-test", Version: "test"}, nil)
	session, err := sdkClient.Connect(context.Background(), transport, nil)
	require.NoError(t, err)

	client.mu.Lock()
	client.sessions[serverID] = session
	client.mu.Unlock()

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func echoHandler(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args map[string]any
	_ = json.Unmarshal(req.Params.Arguments, &args)
	msg, _ := args["message"].(string)
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "echo: " + msg}},
	}, nil
}

func TestToolNameRoundTrip(t *testing.T) {
	name := ToolName("fs", "read")
	assert.Equal(t, "fs(read)", name)

	server, tool, err := SplitToolName(name)
	require.NoError(t, err)
	assert.Equal(t, "fs", server)
	assert.Equal(t, "read", tool)

	_, _, err = SplitToolName("no-parens")
	require.Error(t, err)
	_, _, err = SplitToolName("(tool)")
	require.Error(t, err)
}

func TestSourceDefinitions(t *testing.T) {
	transport := startTestServer(t, map[string]mcpsdk.ToolHandler{
		"echo":  echoHandler,
		"other": echoHandler,
	})
	client := connectDirect(t, "utils", transport)
	src := NewSource(client, nil, nil)

	defs, err := src.Definitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)

	names := []string{defs[0].Name, defs[1].Name}
	assert.Contains(t, names, "utils(echo)")
	assert.Contains(t, names, "utils(other)")
	assert.NotEmpty(t, defs[0].ParametersSchema)
}

func TestSourceDefinitionsFiltered(t *testing.T) {
	transport := startTestServer(t, map[string]mcpsdk.ToolHandler{
		"echo":  echoHandler,
		"other": echoHandler,
	})
	client := connectDirect(t, "utils", transport)
	src := NewSource(client, []string{"utils"}, map[string][]string{"utils": {"echo"}})

	defs, err := src.Definitions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "utils(echo)", defs[0].Name)
}

func TestSourceCall(t *testing.T) {
	transport := startTestServer(t, map[string]mcpsdk.ToolHandler{"echo": echoHandler})
	client := connectDirect(t, "utils", transport)
	src := NewSource(client, nil, nil)

	out, err := src.Call(context.Background(), "utils(echo)", `{"message":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)
}

func TestSourceCallRejectsUnknownServer(t *testing.T) {
	transport := startTestServer(t, map[string]mcpsdk.ToolHandler{"echo": echoHandler})
	client := connectDirect(t, "utils", transport)
	src := NewSource(client, []string{"utils"}, nil)

	_, err := src.Call(context.Background(), "elsewhere(echo)", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestSourceCallRejectsBadArguments(t *testing.T) {
	transport := startTestServer(t, map[string]mcpsdk.ToolHandler{"echo": echoHandler})
	client := connectDirect(t, "utils", transport)
	src := NewSource(client, nil, nil)

	_, err := src.Call(context.Background(), "utils(echo)", "not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON object")
}

func TestSourceCallToolError(t *testing.T) {
	transport := startTestServer(t, map[string]mcpsdk.ToolHandler{
		"broken": func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "disk on fire"}},
			}, nil
		},
	})
	client := connectDirect(t, "utils", transport)
	src := NewSource(client, nil, nil)

	_, err := src.Call(context.Background(), "utils(broken)", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestCreateTransportValidation(t *testing.T) {
	_, err := createTransport(ServerConfig{ID: "a", Transport: TransportStdio})
	require.Error(t, err)

	_, err = createTransport(ServerConfig{ID: "a", Transport: TransportHTTP})
	require.Error(t, err)

	_, err = createTransport(ServerConfig{ID: "a", Transport: "pigeon"})
	require.Error(t, err)

	tr, err := createTransport(ServerConfig{ID: "a", Transport: TransportHTTP, URL: "http://localhost:1"})
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestClientFailedServers(t *testing.T) {
	client := NewClient([]ServerConfig{{ID: "ghost", Transport: "pigeon"}})
	client.Initialize(context.Background())

	failed := client.FailedServers()
	require.Contains(t, failed, "ghost")
	assert.Contains(t, failed["ghost"], "unsupported transport")
}
