package e2e

import (
	"context"
	"net"
	"sync"
	"testing"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

// mockTraceCollector receives OTLP trace exports over gRPC so tests can
// assert on the spans the governance components emit.
type mockTraceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	t             *testing.T
	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

func startMockTraceCollector(t *testing.T) (*mockTraceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start OTLP listener: %v", err)
	}

	collector := &mockTraceCollector{
		notify: make(chan struct{}, 1),
		t:      t,
	}

	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)

	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockTraceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.mu.Unlock()

	if m.t != nil {
		m.t.Logf("received %d resource spans", len(req.ResourceSpans))
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

// WaitForSpans blocks until at least minSpans spans have arrived or the
// context expires, then returns everything received so far.
func (m *mockTraceCollector) WaitForSpans(ctx context.Context, minSpans int) []*tracepb.Span {
	for {
		m.mu.Lock()
		if countSpans(m.resourceSpans) >= minSpans {
			spans := flattenResourceSpans(m.resourceSpans)
			m.mu.Unlock()
			return spans
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.mu.Lock()
			spans := flattenResourceSpans(m.resourceSpans)
			m.mu.Unlock()
			return spans
		case <-m.notify:
		}
	}
}

func countSpans(resSpans []*tracepb.ResourceSpans) int {
	total := 0
	for _, rs := range resSpans {
		for _, scope := range rs.ScopeSpans {
			total += len(scope.Spans)
		}
	}
	return total
}

func flattenResourceSpans(resSpans []*tracepb.ResourceSpans) []*tracepb.Span {
	var spans []*tracepb.Span
	for _, rs := range resSpans {
		for _, scope := range rs.ScopeSpans {
			spans = append(spans, scope.Spans...)
		}
	}
	return spans
}

// findSpan returns the first exported span with the given name, or nil.
func findSpan(spans []*tracepb.Span, name string) *tracepb.Span {
	for _, span := range spans {
		if span.Name == name {
			return span
		}
	}
	return nil
}

// stringAttr returns the value of a string attribute on the span, or "".
func stringAttr(span *tracepb.Span, key string) string {
	if span == nil {
		return ""
	}
	for _, attr := range span.Attributes {
		if attr.Key == key {
			return attr.GetValue().GetStringValue()
		}
	}
	return ""
}

// hasEvent reports whether the span carries an event with the given name.
func hasEvent(span *tracepb.Span, name string) bool {
	if span == nil {
		return false
	}
	for _, event := range span.Events {
		if event.Name == name {
			return true
		}
	}
	return false
}
