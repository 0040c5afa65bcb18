// Package config loads avva configuration from defaults, a YAML file, an
// optional profile overlay, AVVA_ environment variables and --set overrides,
// in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AVVA_"

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Assistant    AssistantConfig    `koanf:"assistant"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Filter       FilterConfig       `koanf:"filter"`
	Providers    []ProviderConfig   `koanf:"providers"`
	Storage      StorageConfig      `koanf:"storage"`
	Skills       SkillsConfig       `koanf:"skills"`
	Governance   GovernanceConfig   `koanf:"governance"`
	Server       ServerConfig       `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

type AssistantConfig struct {
	Name                string  `koanf:"name"`
	Requester           string  `koanf:"requester"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
	ReasoningPermission string  `koanf:"reasoning_permission"`
	Stream              bool    `koanf:"stream"`
}

type OrchestratorConfig struct {
	HealthTTL       time.Duration `koanf:"health_ttl"`
	HealthTimeout   time.Duration `koanf:"health_timeout"`
	RulesOnly       bool          `koanf:"rules_only"`
	AutoSelection   bool          `koanf:"auto_selection"`
	BreakerFailures int           `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

type FilterConfig struct {
	DefaultLevel string `koanf:"default_level"`
	HomeDir      string `koanf:"home_dir"`
}

// ProviderConfig declares a reasoning provider. Settings carry
// kind-specific keys such as model, base_url, api_key and max_tokens.
type ProviderConfig struct {
	ID           string         `koanf:"id"`
	Name         string         `koanf:"name"`
	Kind         string         `koanf:"kind"`
	Active       bool           `koanf:"active"`
	Fallback     bool           `koanf:"fallback"`
	FilterLevel  string         `koanf:"filter_level"`
	PrivacyLevel string         `koanf:"privacy_level"`
	Settings     map[string]any `koanf:"settings"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	Path   string `koanf:"path"`
}

type SkillsConfig struct {
	Enabled []string          `koanf:"enabled"`
	Dir     string            `koanf:"dir"`
	MCP     []MCPServerConfig `koanf:"mcp"`
}

// MCPServerConfig attaches a Model Context Protocol server as a skill
// plugin. Exactly one of Command (stdio subprocess) or URL (streamable
// HTTP) is set.
type MCPServerConfig struct {
	Name        string         `koanf:"name"`
	Description string         `koanf:"description"`
	Command     string         `koanf:"command"`
	Args        []string       `koanf:"args"`
	Env         []string       `koanf:"env"`
	URL         string         `koanf:"url"`
	Timeout     time.Duration  `koanf:"timeout"`
	Permissions []string       `koanf:"permissions"`
	Tools       []string       `koanf:"tools"`
	Intents     []IntentConfig `koanf:"intents"`
}

// IntentConfig maps a phrase to a call string. Phrases starting with
// "regex:" are regular expressions.
type IntentConfig struct {
	Phrase string `koanf:"phrase"`
	Call   string `koanf:"call"`
}

type GovernanceConfig struct {
	AutoApprove     bool               `koanf:"auto_approve"`
	ApprovalTimeout time.Duration      `koanf:"approval_timeout"`
	Rules           []PolicyRuleConfig `koanf:"rules"`
}

// PolicyRuleConfig is a static allow/deny rule. Tool is a glob.
type PolicyRuleConfig struct {
	ID     string `koanf:"id"`
	Effect string `koanf:"effect"`
	Type   string `koanf:"type"`
	Tool   string `koanf:"tool"`
	Reason string `koanf:"reason"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LoadOptions selects the sources Load reads.
type LoadOptions struct {
	Path      string
	Profile   string
	Overrides []string // key=value
}

var defaults = map[string]any{
	"log.level":                      "info",
	"log.format":                     "text",
	"telemetry.enabled":              false,
	"telemetry.exporter":             "stdout",
	"telemetry.service_name":         "avva",
	"assistant.name":                 "Avva",
	"assistant.requester":            "user",
	"assistant.confidence_threshold": 0.7,
	"assistant.reasoning_permission": "ai.generate",
	"assistant.stream":               false,
	"orchestrator.health_ttl":        "30s",
	"orchestrator.health_timeout":    "5s",
	"orchestrator.rules_only":        false,
	"orchestrator.auto_selection":    true,
	"orchestrator.breaker_failures":  3,
	"orchestrator.breaker_timeout":   "30s",
	"filter.default_level":           "auto",
	"storage.driver":                 "sqlite",
	"storage.path":                   defaultDataPath(),
	"skills.enabled":                 []string{"clock", "security", "launcher", "memory", "system_stats"},
	"governance.auto_approve":        false,
	"governance.approval_timeout":    "0s",
	"server.addr":                    "127.0.0.1:8765",
	"server.path":                    "/ws",
}

func defaultDataPath() string {
	return filepath.Join(xdg.DataHome, "avva", "avva.db")
}

// Load reads path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	return LoadWith(LoadOptions{Path: path})
}

// LoadWith reads every source named by opts. The profile defaults to
// AVVA_PROFILE.
func LoadWith(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if opts.Path != "" {
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", opts.Path, err)
		}
		profile := opts.Profile
		if profile == "" {
			profile = os.Getenv(EnvPrefix + "PROFILE")
		}
		if profile != "" {
			pp := ProfilePath(opts.Path, profile)
			if _, err := os.Stat(pp); err == nil {
				if err := k.Load(file.Provider(pp), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("load profile %s: %w", pp, err)
				}
			}
		}
	}

	// AVVA_ORCHESTRATOR__RULES_ONLY -> orchestrator.rules_only
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	for _, raw := range opts.Overrides {
		key, value, err := parseOverride(raw)
		if err != nil {
			return nil, err
		}
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "profile" {
		return ""
	}
	return strings.ReplaceAll(s, "__", ".")
}

// ProfilePath returns the overlay path for profile: config.yaml with profile
// dev gives config.dev.yaml.
func ProfilePath(path, profile string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + profile + ext
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Assistant.ConfidenceThreshold < 0 || c.Assistant.ConfidenceThreshold > 1 {
		return fmt.Errorf("assistant.confidence_threshold must be within [0,1], got %v", c.Assistant.ConfidenceThreshold)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	seen := make(map[string]bool, len(c.Providers))
	active := 0
	for i, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if p.Kind == "" {
			return fmt.Errorf("provider %q: kind is required", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %q declared twice", p.ID)
		}
		seen[p.ID] = true
		if p.Active {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("at most one provider may be active, got %d", active)
	}
	for i, m := range c.Skills.MCP {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("skills.mcp[%d]: name is required", i)
		}
		if (m.Command == "") == (m.URL == "") {
			return fmt.Errorf("skills.mcp %q: set exactly one of command or url", m.Name)
		}
	}
	return nil
}

// Setting returns a string setting of the provider, or def.
func (p ProviderConfig) Setting(key, def string) string {
	if v, ok := p.Settings[key]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return def
}
