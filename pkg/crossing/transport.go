package crossing

import (
	"context"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// SimulatedTransport is the default crossing transport. It performs no
// external effect and reports success, echoing enough of the request for the
// execution record to be meaningful. Deployments bridge to a real transport
// by implementing domain.Transport.
type SimulatedTransport struct{}

var _ domain.Transport = SimulatedTransport{}

// Deliver simulates the crossing.
func (SimulatedTransport) Deliver(_ context.Context, request *domain.CrossingRequest) (map[string]any, error) {
	return map[string]any{
		"simulated":          true,
		"request_kind":       string(request.Kind),
		"target_boundary_id": request.TargetBoundaryID,
	}, nil
}
