package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perimetra/perimetra-oss/pkg/authz"
)

// RecordPolicyDecision annotates the provided span with the policy decision outcome.
func RecordPolicyDecision(span trace.Span, decision authz.Decision) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Bool("policy.decision.allow", decision.Allow),
	)

	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}

	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}

	if !decision.Allow {
		span.AddEvent("policy.denied")
	}
}
