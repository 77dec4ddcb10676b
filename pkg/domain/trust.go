package domain

import (
	"strings"
	"time"
)

// DecayReason names the crossing outcome that triggered a trust decay.
type DecayReason string

const (
	DecayDenied       DecayReason = "denied"
	DecayFailed       DecayReason = "failed"
	DecayUnauthorized DecayReason = "unauthorized_attempt"
)

// IsValid reports whether the decay reason is recognised.
func (r DecayReason) IsValid() bool {
	switch r {
	case DecayDenied, DecayFailed, DecayUnauthorized:
		return true
	default:
		return false
	}
}

// ParseDecayReason converts a textual representation into a DecayReason.
func ParseDecayReason(value string) (DecayReason, bool) {
	reason := DecayReason(strings.TrimSpace(strings.ToLower(value)))
	return reason, reason.IsValid()
}

// TrustDecayEvent records one penalty applied to the trust standing of a
// single boundary. A denied or failed crossing emits one event per involved
// boundary.
type TrustDecayEvent struct {
	EntityID   string      `json:"entity_id"`
	Magnitude  float64     `json:"magnitude"`
	Reason     DecayReason `json:"reason"`
	RequestID  string      `json:"request_id"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// DecaySink receives trust decay events emitted by the crossing lifecycle.
// Implementations must tolerate events for entities they have never seen.
type DecaySink interface {
	RecordDecay(event TrustDecayEvent)
}
