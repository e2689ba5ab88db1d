// Package bus connects each agent's transport connection to its worker. Every
// agent owns an independent inbound queue, so one slow agent never stalls the
// others; outbound replies are routed back to the handler the agent's
// transport registered.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus implements domain.MessageBus for a single process.
type InMemoryBus struct {
	bufferSize int
	logger     *slog.Logger

	mu       sync.RWMutex
	inbound  map[string]chan domain.InboundMessage
	handlers map[string]func(domain.OutboundMessage)
	closed   bool
}

// New creates a bus whose per-agent queues hold bufferSize messages.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		bufferSize: bufferSize,
		logger:     logger,
		inbound:    make(map[string]chan domain.InboundMessage),
		handlers:   make(map[string]func(domain.OutboundMessage)),
	}
}

func (b *InMemoryBus) queueFor(agent string) chan domain.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.inbound[agent]
	if !ok {
		q = make(chan domain.InboundMessage, b.bufferSize)
		b.inbound[agent] = q
	}
	return q
}

// Publish enqueues a message for one agent's worker. Blocks up to ten seconds
// when the agent's queue is full instead of dropping straight away. The read
// lock is held across the send so Close cannot close the queue underneath a
// publisher; Close waits for in-progress publishes instead.
func (b *InMemoryBus) Publish(agent string, msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "agent", agent)
		return
	}

	q, ok := b.inbound[agent]
	if !ok {
		// First message for this agent: create the queue under the write
		// lock, then re-check closed once the read lock is back.
		b.mu.RUnlock()
		q = b.queueFor(agent)
		b.mu.RLock()
		if b.closed {
			b.logger.Warn("attempted to publish to closed bus", "agent", agent)
			return
		}
	}

	select {
	case q <- msg:
	default:
		b.logger.Warn("agent queue full, waiting",
			"agent", agent, "message", msg.ID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case q <- msg:
		case <-timer.C:
			b.logger.Error("message dropped: agent queue full",
				"agent", agent, "message", msg.ID, "channel", msg.ChannelName)
		}
	}
}

// Subscribe returns the agent's inbound queue.
func (b *InMemoryBus) Subscribe(agent string) <-chan domain.InboundMessage {
	return b.queueFor(agent)
}

// SendOutbound routes a reply to the handler the agent's transport registered.
func (b *InMemoryBus) SendOutbound(agent string, msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[agent]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no outbound handler registered for agent", "agent", agent)
		return
	}
	handler(msg)
}

// OnOutbound registers the agent's outbound delivery handler.
func (b *InMemoryBus) OnOutbound(agent string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[agent] = handler
}

// Close closes every agent queue; workers drain what remains and exit.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.inbound {
		close(q)
	}
}
