package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// AdvisorConfig holds dependencies for creating an Advisor.
type AdvisorConfig struct {
	Evaluator Evaluator
	Registry  domain.BoundaryRegistry
	Logger    *slog.Logger
}

// Advisor resolves the target boundary of a crossing request and evaluates
// policy against the live definition. Its decisions are advisory: recording
// the single-assignment authorization stays with the crossing coordinator.
type Advisor struct {
	evaluator Evaluator
	registry  domain.BoundaryRegistry
	logger    *slog.Logger
}

// NewAdvisor constructs an Advisor from its dependencies.
func NewAdvisor(cfg AdvisorConfig) (*Advisor, error) {
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("%w: policy evaluator is required", domain.ErrValidation)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: boundary registry is required", domain.ErrValidation)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{evaluator: cfg.Evaluator, registry: cfg.Registry, logger: logger}, nil
}

// Advise returns the policy decision for the request against its target
// boundary as currently registered.
func (a *Advisor) Advise(ctx context.Context, request *domain.CrossingRequest) (Decision, error) {
	if request == nil {
		return Decision{}, fmt.Errorf("%w: crossing request is required", domain.ErrValidation)
	}

	boundary, err := a.registry.Get(ctx, request.TargetBoundaryID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve target boundary: %w", err)
	}

	decision, err := a.evaluator.Evaluate(ctx, Input{Request: request, Boundary: boundary})
	if err != nil {
		return Decision{}, err
	}

	a.logger.Info("crossing policy evaluated",
		"request_id", request.ID,
		"boundary_id", boundary.ID,
		"allow", decision.Allow,
		"reason", decision.Reason)

	return decision, nil
}
