// Package agent is the top-level message pipeline: receive an inbound event,
// consult the coordination engine, generate through the model provider, and
// route the reply through the session manager into storage and back out to
// the transport.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcs/ollama-discord/internal/coordination"
	"github.com/rcs/ollama-discord/internal/domain"
	"github.com/rcs/ollama-discord/internal/session"
	"github.com/rcs/ollama-discord/internal/telemetry"
)

const defaultGenerationTimeout = 2 * time.Minute

// Orchestrator processes inbound messages for every configured agent. Each
// agent has its own worker, all sharing one coordination engine.
type Orchestrator struct {
	coordinator *coordination.Engine
	sessions    *session.Manager
	collector   *telemetry.Collector
	generator   domain.Generator
	sender      domain.Sender
	logger      *slog.Logger
	genTimeout  time.Duration
	now         func() time.Time

	identities map[string]domain.AgentIdentity

	mu       sync.Mutex
	draining bool
	inFlight sync.WaitGroup
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Coordinator       *coordination.Engine
	Sessions          *session.Manager
	Collector         *telemetry.Collector
	Generator         domain.Generator
	Sender            domain.Sender
	Logger            *slog.Logger
	GenerationTimeout time.Duration
	Clock             func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	identities := make(map[string]domain.AgentIdentity)
	for _, id := range cfg.Coordinator.Agents() {
		identities[id.Name] = id
	}

	return &Orchestrator{
		coordinator: cfg.Coordinator,
		sessions:    cfg.Sessions,
		collector:   cfg.Collector,
		generator:   cfg.Generator,
		sender:      cfg.Sender,
		logger:      cfg.Logger,
		genTimeout:  cfg.GenerationTimeout,
		now:         cfg.Clock,
		identities:  identities,
	}
}

// OnInbound is the entry point for one agent's view of one platform message.
// It returns the eligibility decision; for a selected agent the reply has
// been generated, sent and stored by the time it returns.
func (o *Orchestrator) OnInbound(ctx context.Context, agentName string, msg domain.InboundMessage) (domain.Decision, error) {
	o.collector.Received(agentName, msg)

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return domain.Decision{MessageID: msg.ID, Agent: agentName, Reason: domain.ReasonNotACandidate},
			domain.ErrShuttingDown
	}
	o.inFlight.Add(1)
	o.mu.Unlock()
	defer o.inFlight.Done()

	// Admission and slot reservation are one atomic step inside the engine;
	// everything after this line runs outside the coordination lock.
	decision := o.coordinator.Admit(agentName, msg)
	o.collector.Decided(msg, decision)
	if !decision.Selected {
		return decision, nil
	}

	if err := o.respond(ctx, agentName, msg); err != nil {
		o.collector.Failed(agentName, msg, err)
		o.coordinator.Release(agentName, msg.ChannelID, false)
		o.logger.Error("message processing failed",
			"agent", agentName, "message", msg.ID, "error", err)
		return decision, err
	}

	o.coordinator.Release(agentName, msg.ChannelID, true)
	return decision, nil
}

// respond runs the post-admission pipeline: store the user message, assemble
// context, generate, send, store the reply.
func (o *Orchestrator) respond(ctx context.Context, agentName string, msg domain.InboundMessage) error {
	identity := o.identities[agentName]
	scope := msg.Scope()

	_, err := o.sessions.Observe(ctx, agentName, scope, domain.StoredMessage{
		Role:      domain.RoleUser,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("store inbound message: %w", err)
	}

	history, err := o.sessions.Context(ctx, agentName, scope)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	defer cancel()

	reply, err := o.generator.Generate(genCtx, identity, history)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: agent %s, message %s", domain.ErrGenerationTimeout, agentName, msg.ID)
		}
		return fmt.Errorf("generate reply: %w", err)
	}

	// A shutdown between issuance and completion cancels the reply: nothing
	// is sent or stored for it.
	if ctx.Err() != nil {
		return fmt.Errorf("generation cancelled: %w", ctx.Err())
	}

	if err := o.sender.Send(ctx, agentName, msg.ChannelID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	o.collector.Responded(agentName, msg, len(reply))

	_, err = o.sessions.Observe(ctx, agentName, scope, domain.StoredMessage{
		Role:      domain.RoleAssistant,
		Content:   reply,
		AgentName: agentName,
		Timestamp: o.now(),
	})
	if err != nil {
		return fmt.Errorf("store reply: %w", err)
	}

	o.logger.Info("reply sent",
		"agent", agentName, "message", msg.ID,
		"channel", msg.ChannelName, "reply_len", len(reply))
	return nil
}

// RunWorker consumes one agent's inbound queue until the context ends or the
// queue closes. One goroutine per agent.
func (o *Orchestrator) RunWorker(ctx context.Context, agentName string, inbound <-chan domain.InboundMessage) {
	o.logger.Info("agent worker started", "agent", agentName)
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("agent worker stopping", "agent", agentName)
			return
		case msg, ok := <-inbound:
			if !ok {
				o.logger.Info("agent worker queue closed", "agent", agentName)
				return
			}
			if _, err := o.OnInbound(ctx, agentName, msg); err != nil && !errors.Is(err, context.Canceled) {
				// Already logged and audited; the worker keeps going.
				continue
			}
		}
	}
}

// Drain stops accepting new messages and waits for in-flight processing to
// finish, up to the given timeout.
func (o *Orchestrator) Drain(timeout time.Duration) {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator drained")
	case <-time.After(timeout):
		o.logger.Warn("orchestrator drain timed out", "timeout", timeout)
	}
}
