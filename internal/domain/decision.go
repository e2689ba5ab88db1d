package domain

// Reason explains an eligibility decision.
type Reason string

const (
	ReasonSelected       Reason = "selected"
	ReasonCooldown       Reason = "cooldown"
	ReasonConcurrencyCap Reason = "concurrency-cap"
	ReasonNotACandidate  Reason = "not-a-candidate"
)

// Decision is the per-message, per-agent verdict on whether the agent will
// respond, with the reason it was (not) chosen.
type Decision struct {
	MessageID string
	Agent     string
	Selected  bool
	Reason    Reason
}
