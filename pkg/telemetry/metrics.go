package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	crossingCounter         metric.Int64Counter
	controlFailureCounter   metric.Int64Counter
	trustDecayCounter       metric.Int64Counter
	crossingLatencyHist     metric.Float64Histogram
	verificationCounter     metric.Int64Counter
	verificationConfidence  metric.Float64Histogram
	verificationLatencyHist metric.Float64Histogram
)

// CrossingMetrics captures the fields needed to record crossing lifecycle metrics.
type CrossingMetrics struct {
	BoundaryID      string
	Kind            domain.RequestKind
	Status          domain.CrossingStatus
	Duration        time.Duration
	ControlFailures int
}

// RecordCrossingMetrics emits counters and histograms that describe one
// crossing reaching a status.
func RecordCrossingMetrics(ctx context.Context, metrics CrossingMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("boundary.target", metrics.BoundaryID),
		attribute.String("crossing.kind", string(metrics.Kind)),
		attribute.String("crossing.status", string(metrics.Status)),
	}

	crossingCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		crossingLatencyHist.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.ControlFailures > 0 {
		controlFailureCounter.Add(ctx, int64(metrics.ControlFailures), metric.WithAttributes(attrs...))
	}
}

// VerificationMetrics captures the fields needed to record one integrity
// verification run.
type VerificationMetrics struct {
	BoundaryID string
	Kind       domain.VerificationKind
	Status     domain.IntegrityStatus
	Confidence float64
	Duration   time.Duration
}

// RecordVerificationMetrics emits counters and histograms describing one
// verification run.
func RecordVerificationMetrics(ctx context.Context, metrics VerificationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("boundary.id", metrics.BoundaryID),
		attribute.String("verification.kind", string(metrics.Kind)),
		attribute.String("verification.status", string(metrics.Status)),
	}

	verificationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	verificationConfidence.Record(ctx, metrics.Confidence, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		verificationLatencyHist.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordTrustDecay counts one trust decay event against an entity.
func RecordTrustDecay(ctx context.Context, event domain.TrustDecayEvent) {
	if err := ensureMetrics(); err != nil {
		return
	}

	trustDecayCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity.id", event.EntityID),
		attribute.String("decay.reason", string(event.Reason)),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("perimetra.governance")

		crossingCounter, metricsInitErr = meter.Int64Counter(
			"perimetra.crossing.requests_total",
			metric.WithDescription("Crossing requests partitioned by status and kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		controlFailureCounter, metricsInitErr = meter.Int64Counter(
			"perimetra.control.failures_total",
			metric.WithDescription("Ineffective control evaluations observed during crossings"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		trustDecayCounter, metricsInitErr = meter.Int64Counter(
			"perimetra.trust.decay_total",
			metric.WithDescription("Trust decay events emitted by the crossing lifecycle"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		crossingLatencyHist, metricsInitErr = meter.Float64Histogram(
			"perimetra.crossing.duration_ms",
			metric.WithDescription("Observed crossing lifecycle latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		verificationCounter, metricsInitErr = meter.Int64Counter(
			"perimetra.verification.runs_total",
			metric.WithDescription("Integrity verification runs partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		verificationConfidence, metricsInitErr = meter.Float64Histogram(
			"perimetra.verification.confidence",
			metric.WithDescription("Confidence scores produced by verification runs"),
			metric.WithUnit("1"),
		)
		if metricsInitErr != nil {
			return
		}

		verificationLatencyHist, metricsInitErr = meter.Float64Histogram(
			"perimetra.verification.duration_ms",
			metric.WithDescription("Observed verification run latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
