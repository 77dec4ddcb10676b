package crossing

import (
	"time"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// impactRank orders impact levels for merging.
var impactRank = map[domain.ImpactLevel]int{
	domain.ImpactNone:   0,
	domain.ImpactLow:    1,
	domain.ImpactMedium: 2,
	domain.ImpactHigh:   3,
}

func maxImpact(a, b domain.ImpactLevel) domain.ImpactLevel {
	if impactRank[b] > impactRank[a] {
		return b
	}
	return a
}

// assessImpact derives the governance impact of a crossing from its request
// kind and payload classification. The assessment describes the inherent
// weight of the crossing, not its outcome, so a successfully completed
// critical transfer still carries a negative trust impact.
func assessImpact(request *domain.CrossingRequest) *domain.ImpactAssessment {
	impact := &domain.ImpactAssessment{
		SecurityImpact:    domain.ImpactNone,
		GovernanceImpact:  domain.ImpactNone,
		PerformanceImpact: domain.ImpactLow,
		AssessedAt:        time.Now().UTC(),
	}

	switch request.Payload.Classification {
	case domain.ClassificationCritical:
		impact.TrustImpact = -0.1
		impact.SecurityImpact = domain.ImpactHigh
		impact.GovernanceImpact = domain.ImpactHigh
	case domain.ClassificationRestricted:
		impact.TrustImpact = -0.05
		impact.SecurityImpact = domain.ImpactMedium
		impact.GovernanceImpact = domain.ImpactMedium
	case domain.ClassificationConfidential:
		impact.TrustImpact = -0.02
		impact.SecurityImpact = domain.ImpactLow
		impact.GovernanceImpact = domain.ImpactLow
	}

	switch request.Kind {
	case domain.RequestControlTransfer:
		// Handing control across a boundary is high impact no matter what
		// the payload says.
		impact.SecurityImpact = domain.ImpactHigh
		impact.GovernanceImpact = domain.ImpactHigh
		impact.PerformanceImpact = maxImpact(impact.PerformanceImpact, domain.ImpactMedium)
	case domain.RequestConfiguration:
		impact.GovernanceImpact = maxImpact(impact.GovernanceImpact, domain.ImpactMedium)
	}

	return impact
}
