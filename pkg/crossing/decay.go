package crossing

import (
	"time"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// ImpliedDecay returns the trust decay events a request's current status
// implies under the given magnitudes. The coordinator emits exactly these
// events when it drives the transition itself; observers replaying a
// persisted store call ImpliedDecay per record to rebuild the same trust
// state without re-running the lifecycle.
//
// Denied and failed crossings decay both involved boundaries. A request
// turned away by a working authorization control decays only the source, as
// an unauthorized crossing attempt. Every other status implies no decay.
func ImpliedDecay(request *domain.CrossingRequest, cfg Config) []domain.TrustDecayEvent {
	if request == nil {
		return nil
	}
	cfg = cfg.normalized()

	switch request.Status {
	case domain.CrossingDenied:
		return decayEvents(request, domain.DecayDenied, cfg.DecayDenied,
			request.SourceBoundaryID, request.TargetBoundaryID)
	case domain.CrossingFailed:
		return decayEvents(request, domain.DecayFailed, cfg.DecayFailed,
			request.SourceBoundaryID, request.TargetBoundaryID)
	case domain.CrossingValidationFailed:
		for _, result := range request.ControlResults {
			if result.Status == domain.ControlIneffective && result.Kind == domain.ControlAuthorization {
				return decayEvents(request, domain.DecayUnauthorized, cfg.DecayUnauthorized,
					request.SourceBoundaryID)
			}
		}
	}
	return nil
}

func decayEvents(request *domain.CrossingRequest, reason domain.DecayReason, magnitude float64, entityIDs ...string) []domain.TrustDecayEvent {
	if magnitude <= 0 {
		return nil
	}
	occurred := request.UpdatedAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	events := make([]domain.TrustDecayEvent, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		if entityID == "" {
			continue
		}
		events = append(events, domain.TrustDecayEvent{
			EntityID:   entityID,
			Magnitude:  magnitude,
			Reason:     reason,
			RequestID:  request.ID,
			OccurredAt: occurred,
		})
	}
	return events
}
