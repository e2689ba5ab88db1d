// Package config loads and validates the multi-agent configuration file.
// Invalid configuration is fatal at load time; nothing here is consulted
// again once the system is running.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
	"github.com/rcs/ollama-discord/internal/pattern"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Agents            []AgentConfig      `yaml:"agents"`
	Coordination      CoordinationConfig `yaml:"coordination"`
	Session           SessionConfig      `yaml:"session"`
	Storage           StorageConfig      `yaml:"storage"`
	Provider          ProviderConfig     `yaml:"provider"`
	Telemetry         TelemetryConfig    `yaml:"telemetry"`
	GenerationTimeout Duration           `yaml:"generation_timeout"`
	LogLevel          string             `yaml:"log_level"`
}

// AgentConfig declares one conversational personality and its connection.
// Declaration order is the coordination tie-break order.
type AgentConfig struct {
	Name         string   `yaml:"name"`
	Transport    string   `yaml:"transport"` // "discord" | "telegram"
	Token        string   `yaml:"token"`
	GuildID      string   `yaml:"guild_id,omitempty"`
	Channels     []string `yaml:"channels"`
	Cooldown     Duration `yaml:"cooldown"`
	MaxInFlight  int      `yaml:"max_in_flight"`
	Model        string   `yaml:"model,omitempty"`
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	Enabled      *bool    `yaml:"enabled,omitempty"` // nil = enabled
}

func (a AgentConfig) IsEnabled() bool { return a.Enabled == nil || *a.Enabled }

// Identity converts the agent declaration to its runtime identity.
func (a AgentConfig) Identity() domain.AgentIdentity {
	return domain.AgentIdentity{
		Name:            a.Name,
		ChannelPatterns: a.Channels,
		Cooldown:        time.Duration(a.Cooldown),
		MaxInFlight:     a.MaxInFlight,
		Model:           a.Model,
		SystemPrompt:    a.SystemPrompt,
	}
}

type CoordinationConfig struct {
	MaxConcurrentResponses int `yaml:"max_concurrent_responses"`
	MaxInFlight            int `yaml:"max_in_flight"`
	MessageHistory         int `yaml:"message_history"`
}

type SessionConfig struct {
	Gap          Duration `yaml:"gap"`
	Timeout      Duration `yaml:"timeout"`
	ContextDepth int      `yaml:"context_depth"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"` // "file" | "sqlite"
	Path          string `yaml:"path"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

type ProviderConfig struct {
	APIBase      string `yaml:"api_base"`
	DefaultModel string `yaml:"default_model"`
}

type TelemetryConfig struct {
	AuditSize int `yaml:"audit_size"`
}

// Duration is a time.Duration that unmarshals from "30s"/"5m" strings or
// plain integer seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration: expected a scalar, got %v", node.Kind)
	}
	raw := node.Value
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Defaults returns a config with every tuning knob at its default.
func Defaults() *Config {
	return &Config{
		Coordination: CoordinationConfig{
			MaxConcurrentResponses: 1,
			MaxInFlight:            4,
			MessageHistory:         4096,
		},
		Session: SessionConfig{
			Gap:          Duration(5 * time.Minute),
			Timeout:      Duration(time.Hour),
			ContextDepth: 10,
		},
		Storage: StorageConfig{
			Backend:       "file",
			Path:          "./data/conversations",
			DBPath:        "./data/conversations.db",
			RetentionDays: 30,
		},
		Provider: ProviderConfig{
			APIBase: "http://localhost:11434",
		},
		Telemetry:         TelemetryConfig{AuditSize: 1024},
		GenerationTimeout: Duration(2 * time.Minute),
		LogLevel:          "info",
	}
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ollama-discord.yaml"
	}
	return filepath.Join(home, ".ollama-discord", "config.yaml")
}

// Load reads, expands and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Save writes the config, mostly for `init`.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value,
// falling back to the ${VAR:-default} default when the variable is unset.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}
		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// EnabledAgents returns the enabled agent declarations in declaration order.
func (c *Config) EnabledAgents() []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks the whole configuration, collecting every problem.
func Validate(cfg *Config) error {
	var errs []string

	enabled := cfg.EnabledAgents()
	if len(enabled) == 0 {
		errs = append(errs, "at least one enabled agent is required")
	}

	names := make(map[string]struct{})
	// Duplicate connection identities silently break the one-connection-
	// per-agent assumption behind duplicate prevention, so they are rejected
	// here instead of compensated for in coordination.
	connections := make(map[string]string)

	for i, a := range cfg.Agents {
		where := fmt.Sprintf("agents[%d]", i)
		if a.Name != "" {
			where = fmt.Sprintf("agents[%d] (%s)", i, a.Name)
		}

		if a.Name == "" {
			errs = append(errs, where+": name is required")
		} else if _, dup := names[a.Name]; dup {
			errs = append(errs, where+": duplicate agent name")
		}
		names[a.Name] = struct{}{}

		switch a.Transport {
		case "discord", "telegram":
		default:
			errs = append(errs, where+": transport must be one of: discord, telegram")
		}

		if !a.IsEnabled() {
			continue
		}

		if a.Token == "" {
			errs = append(errs, where+": token is required")
		} else {
			connKey := a.Transport + "|" + a.Token
			if other, dup := connections[connKey]; dup {
				errs = append(errs, fmt.Sprintf(
					"%s: shares a connection identity with agent %s; each agent needs its own token", where, other))
			}
			connections[connKey] = a.Name
		}

		if len(a.Channels) == 0 {
			errs = append(errs, where+": at least one channel pattern is required")
		} else if _, err := pattern.Compile(a.Channels); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", where, err))
		}

		if a.Cooldown < 0 {
			errs = append(errs, where+": cooldown must not be negative")
		}
		if a.MaxInFlight < 0 {
			errs = append(errs, where+": max_in_flight must not be negative")
		}
	}

	if cfg.Coordination.MaxConcurrentResponses < 1 {
		errs = append(errs, "coordination.max_concurrent_responses must be >= 1")
	}
	if cfg.Coordination.MaxInFlight < 0 {
		errs = append(errs, "coordination.max_in_flight must not be negative")
	}
	if cfg.Session.Gap <= 0 {
		errs = append(errs, "session.gap must be positive")
	}
	if cfg.Session.Timeout < cfg.Session.Gap {
		errs = append(errs, "session.timeout must be at least session.gap")
	}
	if cfg.Session.ContextDepth < 1 {
		errs = append(errs, "session.context_depth must be >= 1")
	}

	switch cfg.Storage.Backend {
	case "file":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the file backend")
		}
	case "sqlite":
		if cfg.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path is required for the sqlite backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: file, sqlite")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, "storage.retention_days must be >= 1")
	}

	if cfg.GenerationTimeout <= 0 {
		errs = append(errs, "generation_timeout must be positive")
	}
	if cfg.Telemetry.AuditSize < 1 {
		errs = append(errs, "telemetry.audit_size must be >= 1")
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log_level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
