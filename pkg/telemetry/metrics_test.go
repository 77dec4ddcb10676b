package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func withTestMeterProvider(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordCrossingMetrics(t *testing.T) {
	reader := withTestMeterProvider(t)

	RecordCrossingMetrics(context.Background(), CrossingMetrics{
		BoundaryID:      "b-data",
		Kind:            domain.RequestDataTransfer,
		Status:          domain.CrossingCompleted,
		Duration:        150 * time.Millisecond,
		ControlFailures: 1,
	})

	metrics := collectMetrics(t, reader)

	sumCrossings, ok := metrics["perimetra.crossing.requests_total"]
	if !ok {
		t.Fatalf("missing crossing requests metric")
	}
	crossingData, ok := sumCrossings.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for crossing requests metric")
	}
	if len(crossingData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(crossingData.DataPoints))
	}
	if crossingData.DataPoints[0].Value != 1 {
		t.Fatalf("expected crossing count 1, got %d", crossingData.DataPoints[0].Value)
	}
	if value, ok := crossingData.DataPoints[0].Attributes.Value(attribute.Key("crossing.status")); !ok || value.AsString() != "completed" {
		t.Fatalf("expected crossing.status attribute completed, got %v", value)
	}

	sumFailures, ok := metrics["perimetra.control.failures_total"]
	if !ok {
		t.Fatalf("missing control failures metric")
	}
	failureData := sumFailures.Data.(metricdata.Sum[int64])
	if failureData.DataPoints[0].Value != 1 {
		t.Fatalf("expected control failure count 1, got %d", failureData.DataPoints[0].Value)
	}

	hist, ok := metrics["perimetra.crossing.duration_ms"]
	if !ok {
		t.Fatalf("missing crossing duration metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordVerificationMetrics(t *testing.T) {
	reader := withTestMeterProvider(t)

	RecordVerificationMetrics(context.Background(), VerificationMetrics{
		BoundaryID: "b-data",
		Kind:       domain.VerificationComprehensive,
		Status:     domain.IntegrityWarning,
		Confidence: 0.75,
	})

	metrics := collectMetrics(t, reader)

	runs, ok := metrics["perimetra.verification.runs_total"]
	if !ok {
		t.Fatalf("missing verification runs metric")
	}
	runData := runs.Data.(metricdata.Sum[int64])
	if runData.DataPoints[0].Value != 1 {
		t.Fatalf("expected verification count 1, got %d", runData.DataPoints[0].Value)
	}
	if value, ok := runData.DataPoints[0].Attributes.Value(attribute.Key("verification.status")); !ok || value.AsString() != "warning" {
		t.Fatalf("expected verification.status warning, got %v", value)
	}

	confidence, ok := metrics["perimetra.verification.confidence"]
	if !ok {
		t.Fatalf("missing verification confidence metric")
	}
	confidenceData := confidence.Data.(metricdata.Histogram[float64])
	if confidenceData.DataPoints[0].Sum != 0.75 {
		t.Fatalf("expected confidence sum 0.75, got %v", confidenceData.DataPoints[0].Sum)
	}
}

func TestRecordTrustDecay(t *testing.T) {
	reader := withTestMeterProvider(t)

	RecordTrustDecay(context.Background(), domain.TrustDecayEvent{
		EntityID: "b-src", Reason: domain.DecayDenied, Magnitude: 0.05,
	})
	RecordTrustDecay(context.Background(), domain.TrustDecayEvent{
		EntityID: "b-src", Reason: domain.DecayDenied, Magnitude: 0.05,
	})

	metrics := collectMetrics(t, reader)

	decay, ok := metrics["perimetra.trust.decay_total"]
	if !ok {
		t.Fatalf("missing trust decay metric")
	}
	decayData := decay.Data.(metricdata.Sum[int64])
	if decayData.DataPoints[0].Value != 2 {
		t.Fatalf("expected decay count 2, got %d", decayData.DataPoints[0].Value)
	}
}

func TestRecordIntegrityEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "verify")
	RecordIntegrityEvent(span, domain.IntegrityCompromised, 0.25, 3)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 integrity event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "integrity.verdict" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("integrity.status")); !ok || value.AsString() != "compromised" {
		t.Fatalf("expected integrity.status compromised, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("integrity.violations.count")); !ok || value.AsInt64() != 3 {
		t.Fatalf("expected violations count 3, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
