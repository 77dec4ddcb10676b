package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName  string
	Endpoint     string
	Environment  string
	Insecure     bool
	Headers      map[string]string
	ResourceTags map[string]string
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No endpoint configured, return no-op shutdown
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Redaction directs how one span attribute is transformed before export.
type Redaction struct {
	Attribute string
	Strategy  string // drop, mask, hash, replace/redact
}

// RedactAttributes applies a conservative redaction policy to telemetry
// attributes before export.
//
// A default deny-list removes payload content and credential material
// outright; callers add per-attribute redactions for runs that touch
// classified payloads. Unlisted attributes pass through unchanged.
func RedactAttributes(redactions []Redaction, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	dropKeys := map[string]struct{}{
		"payload.data":          {},
		"payload.content":       {},
		"requester.credentials": {},
		"seal.key":              {},
	}

	redactionStrategies := map[string]string{}
	for _, redaction := range redactions {
		strategy := strings.ToLower(redaction.Strategy)
		if strategy == "" {
			strategy = "drop"
		}
		redactionStrategies[redaction.Attribute] = strategy
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if _, drop := dropKeys[key]; drop {
			continue
		}

		switch redactionStrategies[key] {
		case "drop":
			continue
		case "mask":
			// Mask: show partial data (e.g., first/last chars)
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.AsString())))
		case "hash":
			// Hash: produce deterministic hash for correlation without exposing data
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.AsString())))
		case "replace", "redact":
			// Replace/Redact: complete removal with placeholder
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// EnrichCrossingSpan annotates the span with the crossing's governance
// metadata. Payload content never reaches the span; crossings carrying a
// classified payload also hash the requester identity so traces stay
// correlatable without exposing who moved sensitive content.
func EnrichCrossingSpan(span trace.Span, request *domain.CrossingRequest) {
	if span == nil || !span.IsRecording() || request == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("crossing.id", request.ID),
		attribute.String("crossing.kind", string(request.Kind)),
		attribute.String("crossing.direction", string(request.Direction)),
		attribute.String("crossing.status", string(request.Status)),
		attribute.String("boundary.source", request.SourceBoundaryID),
		attribute.String("boundary.target", request.TargetBoundaryID),
		attribute.String("requester.id", request.RequesterID),
	}

	var redactions []Redaction
	switch request.Payload.Classification {
	case domain.ClassificationConfidential, domain.ClassificationRestricted, domain.ClassificationCritical:
		redactions = append(redactions, Redaction{Attribute: "requester.id", Strategy: "hash"})
	}

	span.SetAttributes(RedactAttributes(redactions, attrs)...)
}

// RecordIntegrityEvent attaches a coarse-grained integrity verdict to the
// provided span without leaking check evidence.
func RecordIntegrityEvent(span trace.Span, status domain.IntegrityStatus, confidence float64, violations int) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("integrity.verdict", trace.WithAttributes(
		attribute.String("integrity.status", string(status)),
		attribute.Float64("integrity.confidence", confidence),
		attribute.Int("integrity.violations.count", violations),
	))
}

// maskValue shows partial data for debugging while protecting sensitive portions.
// Shows first 4 and last 4 characters with *** in between (e.g., "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***" // Too short to mask meaningfully
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic hex hash for correlation tracking.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	// Simple hash for demonstration - use crypto-secure hash in production
	hash := 0
	for _, ch := range s {
		hash = hash*31 + int(ch)
	}
	return fmt.Sprintf("[REDACTED:hash:%08x]", hash&0xFFFFFFFF)
}
