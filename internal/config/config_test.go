package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
agents:
  - name: helper
    transport: discord
    token: token-a
    channels: ["general", "help-*"]
    cooldown: 30s
  - name: researcher
    transport: telegram
    token: token-b
    channels: ["research-"]
    cooldown: 60
session:
  gap: 5m
  timeout: 1h
  context_depth: 10
storage:
  backend: file
  path: ./data
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(cfg.Agents))
	}
	if got := time.Duration(cfg.Agents[0].Cooldown); got != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", got)
	}
	// bare integers are seconds
	if got := time.Duration(cfg.Agents[1].Cooldown); got != time.Minute {
		t.Errorf("cooldown = %v, want 1m", got)
	}
	if got := time.Duration(cfg.Session.Gap); got != 5*time.Minute {
		t.Errorf("gap = %v, want 5m", got)
	}
	// defaults fill the rest
	if cfg.Coordination.MaxConcurrentResponses != 1 {
		t.Errorf("max_concurrent_responses = %d, want default 1", cfg.Coordination.MaxConcurrentResponses)
	}
	if cfg.Provider.APIBase == "" {
		t.Error("provider api_base default missing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() on missing file, want error")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no agents",
			mutate:  func(c *Config) { c.Agents = nil },
			wantErr: "at least one enabled agent",
		},
		{
			name: "duplicate names",
			mutate: func(c *Config) {
				c.Agents[1].Name = c.Agents[0].Name
			},
			wantErr: "duplicate agent name",
		},
		{
			name: "shared connection identity",
			mutate: func(c *Config) {
				c.Agents[1].Transport = c.Agents[0].Transport
				c.Agents[1].Token = c.Agents[0].Token
			},
			wantErr: "connection identity",
		},
		{
			name: "missing token",
			mutate: func(c *Config) {
				c.Agents[0].Token = ""
			},
			wantErr: "token is required",
		},
		{
			name: "no channel patterns",
			mutate: func(c *Config) {
				c.Agents[0].Channels = nil
			},
			wantErr: "channel pattern",
		},
		{
			name: "bad transport",
			mutate: func(c *Config) {
				c.Agents[0].Transport = "irc"
			},
			wantErr: "transport",
		},
		{
			name: "timeout below gap",
			mutate: func(c *Config) {
				c.Session.Timeout = c.Session.Gap / 2
			},
			wantErr: "session.timeout",
		},
		{
			name: "bad backend",
			mutate: func(c *Config) {
				c.Storage.Backend = "postgres"
			},
			wantErr: "storage.backend",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want to contain %q", err, tt.wantErr)
			}
		})
	}
}

func testConfig() *Config {
	cfg := Defaults()
	cfg.Agents = []AgentConfig{
		{Name: "a", Transport: "discord", Token: "ta", Channels: []string{"general"}},
		{Name: "b", Transport: "telegram", Token: "tb", Channels: []string{"dev-*"}},
	}
	return cfg
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Agents[0].Token = ""
	cfg.Storage.Backend = "postgres"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"token is required", "storage.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %q, want to contain %q", err, want)
		}
	}
}

func TestDisabledAgentSkipsConnectionChecks(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Agents[1].Enabled = &off
	cfg.Agents[1].Token = ""
	cfg.Agents[1].Channels = nil

	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := len(cfg.EnabledAgents()); got != 1 {
		t.Errorf("EnabledAgents() = %d, want 1", got)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("OD_TEST_TOKEN", "secret")

	tests := []struct {
		in, want string
	}{
		{"token: ${OD_TEST_TOKEN}", "token: secret"},
		{"token: ${OD_UNSET_VAR:-fallback}", "token: fallback"},
		{"token: ${OD_UNSET_VAR}", "token: ${OD_UNSET_VAR}"},
		{"plain text", "plain text"},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExampleValidatesAndRoundTrips(t *testing.T) {
	t.Setenv("HELPER_DISCORD_TOKEN", "x")
	t.Setenv("RESEARCHER_DISCORD_TOKEN", "y")

	cfg := Example()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Agents) != len(cfg.Agents) {
		t.Errorf("agents = %d, want %d", len(loaded.Agents), len(cfg.Agents))
	}
	if loaded.Agents[0].Token != "x" {
		t.Errorf("token = %q, want env-expanded %q", loaded.Agents[0].Token, "x")
	}
}

func TestIdentityConversion(t *testing.T) {
	a := AgentConfig{
		Name:        "helper",
		Channels:    []string{"general"},
		Cooldown:    Duration(45 * time.Second),
		MaxInFlight: 2,
		Model:       "llama3.2",
	}
	id := a.Identity()
	if id.Name != "helper" || id.Cooldown != 45*time.Second || id.MaxInFlight != 2 {
		t.Errorf("Identity() = %+v", id)
	}
}
