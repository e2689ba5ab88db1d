package domain

import "time"

// AgentIdentity is one configured conversational personality. Loaded once at
// startup and never mutated afterwards; each agent holds its own transport
// connection.
type AgentIdentity struct {
	Name            string
	ChannelPatterns []string
	Cooldown        time.Duration
	MaxInFlight     int // concurrent generations for this agent; 0 = unlimited

	// Persona settings consumed by the generation collaborator.
	Model        string
	SystemPrompt string
}
