package authz

import (
	"context"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Decision captures the verdict from a policy evaluation.
type Decision struct {
	Allow    bool
	Reason   string
	Metadata map[string]string
}

// Input provides context for evaluating one crossing request.
type Input struct {
	Request      *domain.CrossingRequest
	Boundary     *domain.Boundary
	Entrypoint   string
	DisableCache bool
}

// Evaluator evaluates a policy decision for a given input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Chain composes multiple evaluators, short-circuiting on the first denial.
type Chain struct {
	evaluators []Evaluator
}

// NewChain constructs an evaluator chain.
func NewChain(evaluators ...Evaluator) Chain {
	return Chain{evaluators: append([]Evaluator(nil), evaluators...)}
}

// Evaluate executes the chain until a denial is produced. A crossing is
// admitted only when every evaluator allows it; an empty chain denies,
// because policy must grant a crossing explicitly.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	if len(c.evaluators) == 0 {
		return Decision{Reason: "no policy evaluators configured", Metadata: map[string]string{}}, nil
	}

	var last Decision
	for _, evaluator := range c.evaluators {
		decision, err := evaluator.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		if !decision.Allow {
			return decision, nil
		}
		last = decision
	}

	return last, nil
}
