package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax ({{.VAR_NAME}}). The template form avoids collisions with literal $
// characters in regex patterns and passwords. Missing variables expand to
// the empty string.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}
	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if key, value, ok := strings.Cut(env, "="); ok {
			envMap[key] = value
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}

// Load reads the config file, expands environment variables, merges the
// result over the built-in defaults and validates it. A missing path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, cfg.Validate()
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and numeric ranges.
func (c *Config) Validate() error {
	switch c.Office.CommentaryStreamingMode {
	case CommentaryCompleteThought, CommentaryStreamingTokens:
	default:
		return fmt.Errorf("office.commentaryStreamingMode: unknown mode %q", c.Office.CommentaryStreamingMode)
	}
	switch c.Panel.Depth {
	case DepthAuto, DepthQuick, DepthStandard, DepthDeep:
	default:
		return fmt.Errorf("panel.depth: unknown depth %q", c.Panel.Depth)
	}
	switch c.Panel.PanelistPreset {
	case PresetQuick, PresetBalanced, PresetAll, PresetCustom:
	default:
		return fmt.Errorf("panel.panelistPreset: unknown preset %q", c.Panel.PanelistPreset)
	}
	if c.Panel.ConvergenceThreshold < 0 || c.Panel.ConvergenceThreshold > 100 {
		return fmt.Errorf("panel.convergenceThreshold: %d is outside 0-100", c.Panel.ConvergenceThreshold)
	}
	if c.Team.MaxParallelSessions <= 0 {
		return fmt.Errorf("team.maxParallelSessions must be positive")
	}
	// Zero is allowed: the office loop then queues every task and no
	// execution happens until the cap is raised.
	if c.Office.MaxAssistants < 0 {
		return fmt.Errorf("office.maxAssistants must not be negative")
	}
	if c.Office.MaxQueueDepth < 0 {
		return fmt.Errorf("office.maxQueueDepth must not be negative")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry.jitterFactor: %v is outside 0-1", c.Retry.JitterFactor)
	}
	seen := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if s.ID == "" {
			return fmt.Errorf("mcpServers: server with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("mcpServers: duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}
