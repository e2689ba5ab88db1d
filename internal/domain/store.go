package domain

import (
	"context"
	"time"
)

// Store is the durable conversation store. Implementations must preserve
// append order within a session and guarantee read-after-write visibility on
// the same instance.
type Store interface {
	// ActiveSession returns the open session for (agent, scope), or nil when
	// none exists.
	ActiveSession(ctx context.Context, agent, scope string) (*Session, error)

	// CreateSession records a new open session. The previous session for the
	// same (agent, scope), if any, must already be closed.
	CreateSession(ctx context.Context, sess Session) error

	// CloseSession marks a session inactive. Idempotent.
	CloseSession(ctx context.Context, sessionID string, at time.Time) error

	// Append durably adds one message to a session and advances the session's
	// last-activity time. A failed append returns ErrStorageWrite, never a
	// silent drop.
	Append(ctx context.Context, sessionID string, msg StoredMessage) error

	// ReadRecent returns the last n messages of a session in original append
	// order. n <= 0 returns an empty slice.
	ReadRecent(ctx context.Context, sessionID string, n int) ([]StoredMessage, error)

	// ListActiveSessions enumerates the not-yet-closed sessions for an agent,
	// for recovery and telemetry.
	ListActiveSessions(ctx context.Context, agent string) ([]Session, error)

	// PurgeBefore removes sessions (and their messages) whose last activity
	// precedes cutoff. Returns the number of sessions removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
