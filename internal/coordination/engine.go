// Package coordination decides, per inbound message and per agent, whether
// that agent responds. The admission check and the in-flight slot reservation
// execute under one mutex, which is the sole mechanism preventing two agents
// from being admitted past the cap for the same message.
package coordination

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
	"github.com/rcs/ollama-discord/internal/pattern"
)

// registered is one agent as the engine sees it: identity, compiled patterns
// and its position in declaration order (the tie-break when the per-message
// cap truncates the candidate set).
type registered struct {
	identity domain.AgentIdentity
	matcher  *pattern.Matcher
	order    int
}

// messageState tracks admissions already granted for one message id.
type messageState struct {
	selected map[string]struct{}
}

// Engine holds the only state shared across agent workers: per-agent cooldown
// clocks, in-flight counters and per-message selection sets. All of it lives
// behind a single mutex so independent engines can coexist under test.
type Engine struct {
	maxPerMessage int
	maxInFlight   int
	now           func() time.Time
	logger        *slog.Logger

	mu            sync.Mutex
	agents        map[string]*registered
	order         []string
	inFlight      map[string]int       // agent -> active generations
	totalInFlight int
	cooldownUntil map[string]time.Time // agent|channel -> end of cooldown
	messages      map[string]*messageState
	messageOrder  []string // oldest first, for eviction
	maxMessages   int
}

// Config configures an Engine.
type Config struct {
	// MaxPerMessage caps how many agents may answer one inbound message.
	MaxPerMessage int
	// MaxInFlight caps concurrent generations across all agents. 0 = unlimited.
	MaxInFlight int
	// MessageHistory bounds the per-message admission table (oldest evicted).
	MessageHistory int
	Clock          func() time.Time
	Logger         *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxPerMessage <= 0 {
		cfg.MaxPerMessage = 1
	}
	if cfg.MessageHistory <= 0 {
		cfg.MessageHistory = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		maxPerMessage: cfg.MaxPerMessage,
		maxInFlight:   cfg.MaxInFlight,
		now:           cfg.Clock,
		logger:        cfg.Logger,
		agents:        make(map[string]*registered),
		inFlight:      make(map[string]int),
		cooldownUntil: make(map[string]time.Time),
		messages:      make(map[string]*messageState),
		maxMessages:   cfg.MessageHistory,
	}
}

// Register adds an agent in declaration order. Must be called before any
// Admit; duplicate names and empty pattern sets are configuration errors.
func (e *Engine) Register(identity domain.AgentIdentity) error {
	m, err := pattern.Compile(identity.ChannelPatterns)
	if err != nil {
		return fmt.Errorf("agent %s: %w", identity.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agents[identity.Name]; ok {
		return fmt.Errorf("agent %s registered twice", identity.Name)
	}
	e.agents[identity.Name] = &registered{
		identity: identity,
		matcher:  m,
		order:    len(e.order),
	}
	e.order = append(e.order, identity.Name)
	return nil
}

// Agents returns the registered identities in declaration order.
func (e *Engine) Agents() []domain.AgentIdentity {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AgentIdentity, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.agents[name].identity)
	}
	return out
}

func cooldownKey(agent, channelID string) string { return agent + "|" + channelID }

// Admit decides whether the given agent responds to the message, reserving an
// in-flight slot when it does. Check and reservation are one atomic unit; a
// selected agent must later call Release exactly once.
func (e *Engine) Admit(agentName string, msg domain.InboundMessage) domain.Decision {
	d := domain.Decision{MessageID: msg.ID, Agent: agentName}

	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.agents[agentName]
	if !ok || !agent.matcher.Match(msg.ChannelName) {
		d.Reason = domain.ReasonNotACandidate
		return d
	}

	now := e.now()
	if until, ok := e.cooldownUntil[cooldownKey(agentName, msg.ChannelID)]; ok && now.Before(until) {
		d.Reason = domain.ReasonCooldown
		return d
	}

	state := e.stateFor(msg)
	if len(state.selected) >= e.maxPerMessage {
		d.Reason = domain.ReasonConcurrencyCap
		return d
	}
	if e.maxInFlight > 0 && e.totalInFlight >= e.maxInFlight {
		d.Reason = domain.ReasonConcurrencyCap
		return d
	}
	if agent.identity.MaxInFlight > 0 && e.inFlight[agentName] >= agent.identity.MaxInFlight {
		d.Reason = domain.ReasonConcurrencyCap
		return d
	}

	// Earlier-declared agents that are still eligible take precedence: a
	// later agent only claims one of the remaining slots if every eligible
	// agent ahead of it still fits too. This keeps selection deterministic
	// regardless of worker arrival order.
	ahead := 0
	for _, name := range e.order {
		other := e.agents[name]
		if other.order >= agent.order {
			break
		}
		if _, done := state.selected[name]; done {
			continue
		}
		if e.eligibleLocked(other, msg, now) {
			ahead++
		}
	}
	if len(state.selected)+ahead >= e.maxPerMessage {
		d.Reason = domain.ReasonConcurrencyCap
		return d
	}

	state.selected[agentName] = struct{}{}
	e.inFlight[agentName]++
	e.totalInFlight++
	d.Selected = true
	d.Reason = domain.ReasonSelected

	e.logger.Debug("agent admitted",
		"agent", agentName, "message", msg.ID, "channel", msg.ChannelName)
	return d
}

// eligibleLocked reports whether an agent would pass the cooldown and
// concurrency checks for msg right now. Caller holds e.mu.
func (e *Engine) eligibleLocked(agent *registered, msg domain.InboundMessage, now time.Time) bool {
	if !agent.matcher.Match(msg.ChannelName) {
		return false
	}
	if until, ok := e.cooldownUntil[cooldownKey(agent.identity.Name, msg.ChannelID)]; ok && now.Before(until) {
		return false
	}
	if agent.identity.MaxInFlight > 0 && e.inFlight[agent.identity.Name] >= agent.identity.MaxInFlight {
		return false
	}
	return true
}

// stateFor returns the admission state for a message id, evicting the oldest
// entries when the table is full. Caller holds e.mu.
func (e *Engine) stateFor(msg domain.InboundMessage) *messageState {
	state, ok := e.messages[msg.ID]
	if ok {
		return state
	}
	for len(e.messageOrder) >= e.maxMessages {
		oldest := e.messageOrder[0]
		e.messageOrder = e.messageOrder[1:]
		delete(e.messages, oldest)
	}
	state = &messageState{selected: make(map[string]struct{})}
	e.messages[msg.ID] = state
	e.messageOrder = append(e.messageOrder, msg.ID)
	return state
}

// Release frees the slot reserved by a successful Admit. responded starts the
// agent's cooldown clock for the channel; failures and timeouts release the
// slot without one.
func (e *Engine) Release(agentName, channelID string, responded bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.agents[agentName]
	if !ok || e.inFlight[agentName] == 0 {
		return
	}
	e.inFlight[agentName]--
	if e.totalInFlight > 0 {
		e.totalInFlight--
	}
	if responded && agent.identity.Cooldown > 0 {
		e.cooldownUntil[cooldownKey(agentName, channelID)] = e.now().Add(agent.identity.Cooldown)
	}
}

// InFlight reports the number of currently reserved slots.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalInFlight
}
