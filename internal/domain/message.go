package domain

import "time"

// Role of a stored conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// InboundMessage is one platform event as delivered by a transport adapter.
// It is immutable; only the ID outlives processing (in the audit trail).
type InboundMessage struct {
	ID          string
	ChannelID   string
	ChannelName string
	AuthorID    string
	Content     string
	Timestamp   time.Time
}

// Scope returns the participant scope a message belongs to: one conversation
// per (channel, author) pair, matching the persisted record layout.
func (m InboundMessage) Scope() string {
	return m.ChannelID + ":" + m.AuthorID
}

// StoredMessage is one persisted conversation message. Append-only: once
// written it is never mutated.
type StoredMessage struct {
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	AgentName string    `json:"agent_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a time-bounded run of messages between one participant scope and
// one agent. Two sessions for the same (agent, scope) never overlap.
type Session struct {
	ID           string    `json:"id"`
	Agent        string    `json:"agent"`
	Scope        string    `json:"scope"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Active       bool      `json:"active"`
}
