// Package trust maintains per-entity trust scores fed by decay events from
// the crossing lifecycle.
package trust

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// InitialScore is the trust every entity starts with before any decay.
const InitialScore = 1.0

// Ledger tracks trust scores in [0,1] per entity and keeps the decay events
// behind them. It implements domain.DecaySink and is safe for concurrent use.
type Ledger struct {
	logger *slog.Logger

	mu     sync.RWMutex
	scores map[string]float64
	events []domain.TrustDecayEvent
}

var _ domain.DecaySink = (*Ledger)(nil)

// NewLedger builds an empty ledger.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger: logger,
		scores: make(map[string]float64),
	}
}

// RecordDecay applies one decay event. Scores clamp at zero; events with a
// non-positive magnitude or no entity are ignored.
func (l *Ledger) RecordDecay(event domain.TrustDecayEvent) {
	if event.EntityID == "" || event.Magnitude <= 0 {
		return
	}

	l.mu.Lock()
	score, ok := l.scores[event.EntityID]
	if !ok {
		score = InitialScore
	}
	score -= event.Magnitude
	if score < 0 {
		score = 0
	}
	l.scores[event.EntityID] = score
	l.events = append(l.events, event)
	l.mu.Unlock()

	l.logger.Info("trust decay recorded",
		"entity_id", event.EntityID,
		"magnitude", event.Magnitude,
		"reason", event.Reason,
		"request_id", event.RequestID,
		"score", score,
	)
}

// Score returns the entity's current trust. Entities without recorded decay
// hold the initial score.
func (l *Ledger) Score(entityID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if score, ok := l.scores[entityID]; ok {
		return score
	}
	return InitialScore
}

// Scores returns a copy of every tracked entity's score.
func (l *Ledger) Scores() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]float64, len(l.scores))
	for id, score := range l.scores {
		out[id] = score
	}
	return out
}

// Events returns the entity's decay events in arrival order, or every event
// when entityID is empty.
func (l *Ledger) Events(entityID string) []domain.TrustDecayEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.TrustDecayEvent, 0, len(l.events))
	for _, event := range l.events {
		if entityID == "" || event.EntityID == entityID {
			out = append(out, event)
		}
	}
	return out
}

// TrackedEntities returns the ids of entities with at least one decay,
// sorted for stable output.
func (l *Ledger) TrackedEntities() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.scores))
	for id := range l.scores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
