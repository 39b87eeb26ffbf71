// Package config loads and validates the conductor configuration file:
// server settings, LLM provider credentials, MCP servers and the per-driver
// option sets. User values are merged over built-in defaults.
package config

import (
	"time"

	"github.com/agentdesk/conductor/pkg/agent"
	"github.com/agentdesk/conductor/pkg/mcp"
	"github.com/agentdesk/conductor/pkg/sched"
)

// CommentaryMode selects how Office assistant commentary is streamed.
type CommentaryMode string

const (
	CommentaryCompleteThought CommentaryMode = "CompleteThought"
	CommentaryStreamingTokens CommentaryMode = "StreamingTokens"
)

// Depth presets for Panel discussions.
type Depth string

const (
	DepthAuto     Depth = "Auto"
	DepthQuick    Depth = "Quick"
	DepthStandard Depth = "Standard"
	DepthDeep     Depth = "Deep"
)

// PanelistPreset selects the panelist line-up.
type PanelistPreset string

const (
	PresetQuick    PanelistPreset = "Quick"
	PresetBalanced PanelistPreset = "Balanced"
	PresetAll      PanelistPreset = "All"
	PresetCustom   PanelistPreset = "Custom"
)

// Config is the full conductor configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Database   DatabaseConfig              `yaml:"database"`
	LLM        LLMConfig                   `yaml:"llm"`
	MCPServers []mcp.ServerConfig          `yaml:"mcpServers"`
	Approval   ApprovalConfig              `yaml:"approval"`
	Team       TeamSettings                `yaml:"team"`
	Office     OfficeSettings              `yaml:"office"`
	Panel      PanelSettings               `yaml:"panel"`
	Retry      RetrySettings               `yaml:"retry"`
	Breaker    BreakerSettings             `yaml:"breaker"`
	Roles      map[string]agent.RoleConfig `yaml:"roles"` // per-role overrides keyed by role name
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// DatabaseConfig holds the persistence settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LLMConfig holds provider credentials.
type LLMConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl,omitempty"`
}

// ApprovalConfig tunes the tool approval gate.
type ApprovalConfig struct {
	// AutoApprovePatterns are approved without prompting, typically
	// read-only tools ("fs(*)" style patterns).
	AutoApprovePatterns []string `yaml:"autoApprovePatterns"`
}

// RetrySettings configures the shared retry policy.
type RetrySettings struct {
	MaxRetries   int           `yaml:"maxRetries"`
	BaseDelay    time.Duration `yaml:"baseDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	JitterFactor float64       `yaml:"jitterFactor"`
}

// BreakerSettings configures the per-tool circuit breakers.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`
	SuccessThreshold int           `yaml:"successThreshold"`
}

// TeamSettings are the Team driver options.
type TeamSettings struct {
	MaxParallelSessions      int            `yaml:"maxParallelSessions"`
	WorkspaceStrategy        sched.Strategy `yaml:"workspaceStrategy"`
	OrchestratorModelID      string         `yaml:"orchestratorModelId"`
	WorkerModelID            string         `yaml:"workerModelId"`
	WorkingDirectory         string         `yaml:"workingDirectory"`
	EnabledMCPServers        []string       `yaml:"enabledMcpServers"`
	DisabledSkills           []string       `yaml:"disabledSkills"`
	AutoApproveReadOnlyTools *bool          `yaml:"autoApproveReadOnlyTools"`
	WorkerTimeout            time.Duration  `yaml:"workerTimeout"`
	OrchestratorLLMTimeout   time.Duration  `yaml:"orchestratorLlmTimeout"`
	MaintainFollowUpContext  *bool          `yaml:"maintainFollowUpContext"`
	MaxRetriesPerChunk       int            `yaml:"maxRetriesPerChunk"`
	RetryDelay               time.Duration  `yaml:"retryDelay"`
	AbortFailureThreshold    int            `yaml:"abortFailureThreshold"`
}

// OfficeSettings are the Office driver options.
type OfficeSettings struct {
	Objective                string         `yaml:"objective"`
	WorkspacePath            string         `yaml:"workspacePath"`
	CheckIntervalMinutes     int            `yaml:"checkIntervalMinutes"`
	MaxAssistants            int            `yaml:"maxAssistants"`
	MaxQueueDepth            int            `yaml:"maxQueueDepth"`
	ManagerModel             string         `yaml:"managerModel"`
	AssistantModel           string         `yaml:"assistantModel"`
	AssistantTimeoutSeconds  int            `yaml:"assistantTimeoutSeconds"`
	ManagerLLMTimeoutSeconds int            `yaml:"managerLlmTimeoutSeconds"`
	MaxRetries               int            `yaml:"maxRetries"`
	RequirePlanApproval      *bool          `yaml:"requirePlanApproval"`
	CommentaryStreamingMode  CommentaryMode `yaml:"commentaryStreamingMode"`
}

// PanelSettings are the Panel driver options.
type PanelSettings struct {
	MaxTurns              int            `yaml:"maxTurns"`
	MaxTotalTokens        int            `yaml:"maxTotalTokens"`
	MaxTokensPerTurn      int            `yaml:"maxTokensPerTurn"`
	MaxDurationMinutes    int            `yaml:"maxDurationMinutes"`
	MaxToolCalls          int            `yaml:"maxToolCalls"`
	MaxToolCallsPerTurn   int            `yaml:"maxToolCallsPerTurn"`
	MaxSingleTurnMinutes  int            `yaml:"maxSingleTurnMinutes"`
	AllowFileSystemAccess bool           `yaml:"allowFileSystemAccess"`
	Depth                 Depth          `yaml:"depth"`
	PanelistPreset        PanelistPreset `yaml:"panelistPreset"`
	// Panelists names the personas used by the Custom preset.
	Panelists             []string       `yaml:"panelists"`
	ConvergenceThreshold  int            `yaml:"convergenceThreshold"`
	HeadModel             string         `yaml:"headModel"`
	ModeratorModel        string         `yaml:"moderatorModel"`
	PanelistModel         string         `yaml:"panelistModel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	yes := true
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8714,
		},
		LLM: LLMConfig{},
		Team: TeamSettings{
			MaxParallelSessions:      5,
			WorkspaceStrategy:        sched.InMemory,
			OrchestratorModelID:      "openai/gpt-4o",
			WorkerModelID:            "openai/gpt-4o-mini",
			AutoApproveReadOnlyTools: &yes,
			WorkerTimeout:            10 * time.Minute,
			OrchestratorLLMTimeout:   5 * time.Minute,
			MaintainFollowUpContext:  &yes,
			MaxRetriesPerChunk:       2,
			RetryDelay:               5 * time.Second,
			AbortFailureThreshold:    3,
		},
		Office: OfficeSettings{
			CheckIntervalMinutes:     5,
			MaxAssistants:            3,
			MaxQueueDepth:            20,
			ManagerModel:             "openai/gpt-4o",
			AssistantModel:           "openai/gpt-4o-mini",
			AssistantTimeoutSeconds:  120,
			ManagerLLMTimeoutSeconds: 60,
			MaxRetries:               2,
			RequirePlanApproval:      &yes,
			CommentaryStreamingMode:  CommentaryCompleteThought,
		},
		Panel: PanelSettings{
			MaxTurns:             30,
			MaxTotalTokens:       100_000,
			MaxTokensPerTurn:     4000,
			MaxDurationMinutes:   30,
			MaxToolCalls:         50,
			MaxToolCallsPerTurn:  5,
			MaxSingleTurnMinutes: 3,
			Depth:                DepthAuto,
			PanelistPreset:       PresetQuick,
			ConvergenceThreshold: 80,
			HeadModel:            "openai/gpt-4o",
			ModeratorModel:       "openai/gpt-4o-mini",
			PanelistModel:        "openai/gpt-4o",
		},
		Retry: RetrySettings{
			MaxRetries:   3,
			BaseDelay:    time.Second,
			MaxDelay:     60 * time.Second,
			JitterFactor: 0.25,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 1,
		},
	}
}

// BoolOr dereferences an optional bool with a fallback.
func BoolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}
