// Package session computes time-gap-bounded conversation sessions on top of
// the storage backend. A session for an (agent, participant scope) pair stays
// open while messages keep arriving within the configured gap; the first
// message past the gap closes it and starts a fresh one. Closing is lazy:
// there is no background timer, the boundary is evaluated on the next read or
// write.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

// ID derives the deterministic session id from its identifying fields. Stable
// across restarts: the same agent, scope and start instant always produce the
// same id, so no external counter is needed.
func ID(agent, scope string, start time.Time) string {
	h := sha256.Sum256([]byte(agent + "|" + scope + "|" + strconv.FormatInt(start.UnixNano(), 10)))
	return hex.EncodeToString(h[:8])
}

// Manager owns session lifecycle for all (agent, scope) pairs. Operations on
// different pairs run fully concurrently; operations on the same pair are
// serialized to preserve append ordering.
type Manager struct {
	store        domain.Store
	gap          time.Duration
	timeout      time.Duration
	contextDepth int
	now          func() time.Time
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config configures a Manager.
type Config struct {
	Store        domain.Store
	Gap          time.Duration // idle time that starts a new session
	Timeout      time.Duration // idle time after which a session counts as stale for recovery
	ContextDepth int           // messages returned by Context
	Clock        func() time.Time
	Logger       *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ContextDepth <= 0 {
		cfg.ContextDepth = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Gap
	}
	return &Manager{
		store:        cfg.Store,
		gap:          cfg.Gap,
		timeout:      cfg.Timeout,
		contextDepth: cfg.ContextDepth,
		now:          cfg.Clock,
		logger:       cfg.Logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(agent, scope string) *sync.Mutex {
	key := agent + "|" + scope
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// current returns the open session as of instant at, lazily closing it when
// its idle time has reached the gap (or the recovery timeout). Returns nil
// when no session is open.
func (m *Manager) current(ctx context.Context, agent, scope string, at time.Time) (*domain.Session, error) {
	sess, err := m.store.ActiveSession(ctx, agent, scope)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	idle := at.Sub(sess.LastActivity)
	if idle >= m.gap {
		if err := m.store.CloseSession(ctx, sess.ID, sess.LastActivity); err != nil {
			return nil, fmt.Errorf("close expired session %s: %w", sess.ID, err)
		}
		m.logger.Debug("session closed",
			"agent", agent, "scope", scope, "session", sess.ID, "idle", idle)
		return nil, nil
	}
	return sess, nil
}

// Observe records one message for (agent, scope), rolling the session over
// first when the gap has elapsed. Returns the session the message landed in.
func (m *Manager) Observe(ctx context.Context, agent, scope string, msg domain.StoredMessage) (domain.Session, error) {
	l := m.lockFor(agent, scope)
	l.Lock()
	defer l.Unlock()

	sess, err := m.current(ctx, agent, scope, msg.Timestamp)
	if err != nil {
		return domain.Session{}, err
	}
	if sess == nil {
		fresh := domain.Session{
			ID:           ID(agent, scope, msg.Timestamp),
			Agent:        agent,
			Scope:        scope,
			StartedAt:    msg.Timestamp,
			LastActivity: msg.Timestamp,
			Active:       true,
		}
		if err := m.store.CreateSession(ctx, fresh); err != nil {
			return domain.Session{}, err
		}
		m.logger.Info("session started",
			"agent", agent, "scope", scope, "session", fresh.ID)
		sess = &fresh
	}

	if err := m.store.Append(ctx, sess.ID, msg); err != nil {
		return domain.Session{}, err
	}
	sess.LastActivity = msg.Timestamp
	sess.MessageCount++
	return *sess, nil
}

// Context assembles model input: the last contextDepth messages of the
// current session only. Content from a closed session never leaks into a
// newer one; when no session is open the context is empty.
func (m *Manager) Context(ctx context.Context, agent, scope string) ([]domain.StoredMessage, error) {
	l := m.lockFor(agent, scope)
	l.Lock()
	defer l.Unlock()

	sess, err := m.current(ctx, agent, scope, m.now())
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return []domain.StoredMessage{}, nil
	}
	return m.store.ReadRecent(ctx, sess.ID, m.contextDepth)
}

// ActiveSessions reports the agent's open sessions, dropping any that have
// been idle past the recovery timeout (those are closed on the way out).
func (m *Manager) ActiveSessions(ctx context.Context, agent string) ([]domain.Session, error) {
	sessions, err := m.store.ListActiveSessions(ctx, agent)
	if err != nil {
		return nil, err
	}

	now := m.now()
	live := sessions[:0]
	for _, sess := range sessions {
		if now.Sub(sess.LastActivity) >= m.timeout {
			if err := m.store.CloseSession(ctx, sess.ID, sess.LastActivity); err != nil {
				return nil, fmt.Errorf("close stale session %s: %w", sess.ID, err)
			}
			continue
		}
		live = append(live, sess)
	}
	return live, nil
}

// Summary aggregates an agent's open sessions for status reporting.
type Summary struct {
	Agent          string           `json:"agent"`
	ActiveSessions []domain.Session `json:"active_sessions"`
	MessageCount   int              `json:"message_count"`
	OldestStart    time.Time        `json:"oldest_start"`
}

// Summarize reports the agent's live sessions and their combined message
// count, closing stale sessions along the way like ActiveSessions.
func (m *Manager) Summarize(ctx context.Context, agent string) (Summary, error) {
	live, err := m.ActiveSessions(ctx, agent)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Agent: agent, ActiveSessions: live}
	for _, sess := range live {
		sum.MessageCount += sess.MessageCount
		if sum.OldestStart.IsZero() || sess.StartedAt.Before(sum.OldestStart) {
			sum.OldestStart = sess.StartedAt
		}
	}
	return sum, nil
}
