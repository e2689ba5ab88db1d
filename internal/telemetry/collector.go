// Package telemetry observes orchestrator decisions: live counters plus a
// bounded per-message audit trail. Purely observational — nothing here feeds
// back into coordination.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

// AgentTrace is one agent's view of one message in the audit trail.
type AgentTrace struct {
	Agent       string
	ReceivedAt  time.Time
	Decision    domain.Reason
	DecidedAt   time.Time
	Responded   bool
	RespondedAt time.Time
	ReplyLen    int
	Error       string
}

// AuditRecord collects everything that happened to one inbound message.
type AuditRecord struct {
	MessageID   string
	ChannelName string
	AuthorID    string
	FirstSeen   time.Time
	Traces      []AgentTrace
}

// Responders returns the names of agents that sent a reply to this message.
func (r *AuditRecord) Responders() []string {
	var out []string
	for _, tr := range r.Traces {
		if tr.Responded {
			out = append(out, tr.Agent)
		}
	}
	return out
}

func (r *AuditRecord) trace(agent string) *AgentTrace {
	for i := range r.Traces {
		if r.Traces[i].Agent == agent {
			return &r.Traces[i]
		}
	}
	r.Traces = append(r.Traces, AgentTrace{Agent: agent})
	return &r.Traces[len(r.Traces)-1]
}

// Counters is a point-in-time snapshot of the live counters.
type Counters struct {
	MessagesSeen   int64
	ResponsesSent  int64
	Duplicates     int64
	Errors         int64
	UptimeSeconds  int64
	TrackedInAudit int
}

// Collector tracks per-message audit records in an oldest-evicted ring and a
// set of atomic counters.
type Collector struct {
	messagesSeen  atomic.Int64
	responsesSent atomic.Int64
	duplicates    atomic.Int64
	errorCount    atomic.Int64
	startTime     time.Time
	now           func() time.Time

	mu      sync.Mutex
	records map[string]*AuditRecord
	ring    []string // message ids, oldest first
	maxSize int
}

// NewCollector creates a collector retaining at most maxSize audit records.
func NewCollector(maxSize int) *Collector {
	return newCollector(maxSize, time.Now)
}

func newCollector(maxSize int, clock func() time.Time) *Collector {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Collector{
		startTime: clock(),
		now:       clock,
		records:   make(map[string]*AuditRecord),
		ring:      make([]string, 0, maxSize),
		maxSize:   maxSize,
	}
}

// recordFor returns (creating if needed) the audit record for a message id.
// Caller holds c.mu.
func (c *Collector) recordFor(msg domain.InboundMessage) *AuditRecord {
	rec, ok := c.records[msg.ID]
	if ok {
		return rec
	}
	for len(c.ring) >= c.maxSize {
		oldest := c.ring[0]
		c.ring = c.ring[1:]
		delete(c.records, oldest)
	}
	rec = &AuditRecord{
		MessageID:   msg.ID,
		ChannelName: msg.ChannelName,
		AuthorID:    msg.AuthorID,
		FirstSeen:   c.now(),
	}
	c.records[msg.ID] = rec
	c.ring = append(c.ring, msg.ID)
	c.messagesSeen.Add(1)
	return rec
}

// Received marks a message as delivered to an agent's worker.
func (c *Collector) Received(agent string, msg domain.InboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := c.recordFor(msg).trace(agent)
	tr.ReceivedAt = c.now()
}

// Decided records the eligibility decision for one (message, agent) pair.
func (c *Collector) Decided(msg domain.InboundMessage, d domain.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := c.recordFor(msg).trace(d.Agent)
	tr.Decision = d.Reason
	tr.DecidedAt = c.now()
}

// Responded records a sent reply and detects duplicate answers.
func (c *Collector) Responded(agent string, msg domain.InboundMessage, replyLen int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.recordFor(msg)
	before := len(rec.Responders())
	tr := rec.trace(agent)
	tr.Responded = true
	tr.RespondedAt = c.now()
	tr.ReplyLen = replyLen

	c.responsesSent.Add(1)
	if before == 1 {
		// This reply made the message a duplicate.
		c.duplicates.Add(1)
	}
}

// Failed attaches an error to the triggering message's audit record, so
// failures can be examined without reproduction.
func (c *Collector) Failed(agent string, msg domain.InboundMessage, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tr := c.recordFor(msg).trace(agent)
	tr.Error = err.Error()
	c.errorCount.Add(1)
}

// Lookup returns a copy of the audit record for one message id.
func (c *Collector) Lookup(messageID string) (AuditRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[messageID]
	if !ok {
		return AuditRecord{}, false
	}
	return copyRecord(rec), true
}

// DuplicateReport returns the retained messages answered by more than one
// agent.
func (c *Collector) DuplicateReport() []AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []AuditRecord
	for _, id := range c.ring {
		rec := c.records[id]
		if len(rec.Responders()) > 1 {
			out = append(out, copyRecord(rec))
		}
	}
	return out
}

func copyRecord(rec *AuditRecord) AuditRecord {
	cp := *rec
	cp.Traces = make([]AgentTrace, len(rec.Traces))
	copy(cp.Traces, rec.Traces)
	return cp
}

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Counters {
	c.mu.Lock()
	tracked := len(c.records)
	c.mu.Unlock()

	return Counters{
		MessagesSeen:   c.messagesSeen.Load(),
		ResponsesSent:  c.responsesSent.Load(),
		Duplicates:     c.duplicates.Load(),
		Errors:         c.errorCount.Load(),
		UptimeSeconds:  int64(c.now().Sub(c.startTime).Seconds()),
		TrackedInAudit: tracked,
	}
}
