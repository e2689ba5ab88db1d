package config

import "time"

// Example returns a starter configuration with two agents on one server,
// suitable for writing out with `init`.
func Example() *Config {
	cfg := Defaults()
	cfg.Agents = []AgentConfig{
		{
			Name:         "helper",
			Transport:    "discord",
			Token:        "${HELPER_DISCORD_TOKEN}",
			Channels:     []string{"general", "help-*"},
			Cooldown:     Duration(30 * time.Second),
			Model:        "llama3.2",
			SystemPrompt: "You are a concise, helpful assistant.",
		},
		{
			Name:         "researcher",
			Transport:    "discord",
			Token:        "${RESEARCHER_DISCORD_TOKEN}",
			Channels:     []string{"research-"},
			Cooldown:     Duration(time.Minute),
			Model:        "llama3.2",
			SystemPrompt: "You answer with sources and caveats.",
		},
	}
	return cfg
}
