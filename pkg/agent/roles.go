package agent

// Role is the domain tag an agent is instantiated under. Team workers carry
// skill roles, the Panel carries debate roles and the Office carries its
// manager/assistant pair.
type Role string

const (
	RolePlanning          Role = "planning"
	RoleCodeAnalysis      Role = "code_analysis"
	RoleMemoryDiagnostics Role = "memory_diagnostics"
	RolePerformance       Role = "performance"
	RoleTesting           Role = "testing"
	RoleImplementation    Role = "implementation"
	RoleSynthesis         Role = "synthesis"
	RoleGeneric           Role = "generic"

	RoleHead      Role = "head"
	RoleModerator Role = "moderator"
	RolePanelist  Role = "panelist"

	RoleManager         Role = "manager"
	RoleOfficeAssistant Role = "assistant"
)

// RoleConfig carries the per-role defaults applied when an agent is spawned.
// Zero-valued override fields fall back to the driver's settings.
type RoleConfig struct {
	Role                Role     `json:"role" yaml:"role"`
	Instructions        string   `json:"instructions" yaml:"instructions"`
	PreferredTools      []string `json:"preferred_tools,omitempty" yaml:"preferredTools,omitempty"`
	MCPServers          []string `json:"mcp_servers,omitempty" yaml:"mcpServers,omitempty"`
	ModelOverride       string   `json:"model_override,omitempty" yaml:"modelOverride,omitempty"`
	TemperatureOverride *float32 `json:"temperature_override,omitempty" yaml:"temperatureOverride,omitempty"`
}

var roleConfigs = map[Role]RoleConfig{
	RolePlanning: {
		Role: RolePlanning,
		Instructions: "You decompose a task into self-contained work chunks with explicit dependencies. " +
			"Each chunk must be executable by a worker with no context beyond its prompt.",
	},
	RoleCodeAnalysis: {
		Role: RoleCodeAnalysis,
		Instructions: "You analyse existing code for structure, defects and risk. " +
			"Report findings; do not modify files.",
		PreferredTools: []string{"fs.read", "fs.search"},
	},
	RoleMemoryDiagnostics: {
		Role: RoleMemoryDiagnostics,
		Instructions: "You investigate memory usage: allocation hot paths, leaks and retention. " +
			"Base every claim on evidence from the tools available to you.",
		PreferredTools: []string{"fs.read", "fs.search"},
	},
	RolePerformance: {
		Role: RolePerformance,
		Instructions: "You investigate runtime performance: latency, throughput and contention. " +
			"Quantify findings where possible.",
		PreferredTools: []string{"fs.read", "fs.search"},
	},
	RoleTesting: {
		Role: RoleTesting,
		Instructions: "You write and run tests for the assigned scope. " +
			"Prefer extending existing suites over creating parallel ones.",
		PreferredTools: []string{"fs.read", "fs.write", "shell.exec"},
	},
	RoleImplementation: {
		Role: RoleImplementation,
		Instructions: "You implement the assigned change within your working scope. " +
			"Keep edits minimal and consistent with the surrounding code.",
		PreferredTools: []string{"fs.read", "fs.write", "fs.search"},
	},
	RoleSynthesis: {
		Role: RoleSynthesis,
		Instructions: "You consolidate worker results into one conversational report. " +
			"Mark concrete follow-up items as [ACTION:<text>] tokens inline.",
	},
	RoleGeneric: {
		Role:         RoleGeneric,
		Instructions: "You complete the assigned task and report the outcome concisely.",
	},
	RoleHead: {
		Role: RoleHead,
		Instructions: "You lead a panel discussion. Frame the question, keep panelists on topic " +
			"and produce the final synthesis when the debate converges.",
	},
	RoleModerator: {
		Role: RoleModerator,
		Instructions: "You moderate a panel turn by turn. Respond with a single JSON object: " +
			`{"nextSpeaker": string, "convergenceScore": int, "stopDiscussion": bool, ` +
			`"allowParallelThinking": bool, "parallelGroup": [string], ` +
			`"redirectMessage": string, "reasoning": string}. ` +
			"Set allowParallelThinking with a parallelGroup of 2-3 panelists to let them " +
			"argue the same turn; set redirectMessage to steer a drifting discussion.",
	},
	RolePanelist: {
		Role: RolePanelist,
		Instructions: "You argue from your assigned perspective. Engage with prior arguments " +
			"directly; concede points when warranted.",
	},
	RoleManager: {
		Role: RoleManager,
		Instructions: "You run an ongoing objective iteration by iteration. Each cycle, produce a " +
			"prioritised task list for your assistants, then aggregate their results into a report.",
	},
	RoleOfficeAssistant: {
		Role: RoleOfficeAssistant,
		Instructions: "You execute one delegated task and report the result. You are ephemeral: " +
			"include everything the manager needs in your final message.",
		PreferredTools: []string{"fs.read", "fs.search"},
	},
}

// ConfigForRole returns the built-in config for a role; unknown roles get the
// Generic config.
func ConfigForRole(r Role) RoleConfig {
	if cfg, ok := roleConfigs[r]; ok {
		return cfg
	}
	cfg := roleConfigs[RoleGeneric]
	cfg.Role = r
	return cfg
}

// MergeRoleConfig overlays a user-supplied override onto the built-in config.
// Only non-zero override fields take effect.
func MergeRoleConfig(base, override RoleConfig) RoleConfig {
	out := base
	if override.Instructions != "" {
		out.Instructions = override.Instructions
	}
	if len(override.PreferredTools) > 0 {
		out.PreferredTools = override.PreferredTools
	}
	if len(override.MCPServers) > 0 {
		out.MCPServers = override.MCPServers
	}
	if override.ModelOverride != "" {
		out.ModelOverride = override.ModelOverride
	}
	if override.TemperatureOverride != nil {
		out.TemperatureOverride = override.TemperatureOverride
	}
	return out
}
