package mcp

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	ID        string            `json:"id" yaml:"id"`
	Transport TransportType     `json:"transport" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Token     string            `json:"token,omitempty" yaml:"token,omitempty"`
	TimeoutS  int               `json:"timeout_seconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

// createTransport builds the SDK transport for a server config.
func createTransport(cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if client := buildHTTPClient(cfg); client != nil {
			t.HTTPClient = client
		}
		return t, nil
	case TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires a url")
		}
		t := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
		if client := buildHTTPClient(cfg); client != nil {
			t.HTTPClient = client
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", cfg.Transport)
	}
}

// buildHTTPClient returns an http.Client carrying auth and timeout settings,
// or nil when the defaults suffice.
func buildHTTPClient(cfg ServerConfig) *http.Client {
	if cfg.Token == "" && cfg.TimeoutS <= 0 {
		return nil
	}
	client := &http.Client{Transport: http.DefaultTransport}
	if cfg.Token != "" {
		client.Transport = &bearerTokenTransport{base: client.Transport, token: cfg.Token}
	}
	if cfg.TimeoutS > 0 {
		client.Timeout = time.Duration(cfg.TimeoutS) * time.Second
	}
	return client
}

type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
