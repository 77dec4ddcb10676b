package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

func activeBoundary() *domain.Boundary {
	stamp := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	return &domain.Boundary{
		ID:             "b-dst",
		Name:           "Settlement Core",
		Description:    "clears and settles payment instructions",
		Kind:           domain.BoundaryModule,
		Classification: domain.ClassificationInternal,
		Status:         domain.BoundaryActive,
		Version:        "1.4.0",
		CreatedAt:      stamp,
		UpdatedAt:      stamp,
	}
}

func pendingRequest() *domain.CrossingRequest {
	return &domain.CrossingRequest{
		ID:               "req-1",
		SourceBoundaryID: "b-src",
		TargetBoundaryID: "b-dst",
		Kind:             domain.RequestDataTransfer,
		Direction:        domain.DirectionInbound,
		RequesterID:      "svc-orders",
		Payload:          domain.Payload{Classification: domain.ClassificationInternal},
		Status:           domain.CrossingAuthorizationPending,
	}
}

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{Modules: DefaultModules()})
	require.NoError(t, err)
	return engine
}

func TestDefaultModuleDecisions(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		mutate     func(request *domain.CrossingRequest, boundary *domain.Boundary)
		wantAllow  bool
		wantReason string
	}{
		{
			name:       "pending request against active boundary is admitted",
			mutate:     func(*domain.CrossingRequest, *domain.Boundary) {},
			wantAllow:  true,
			wantReason: "crossing admitted by policy",
		},
		{
			name: "request not yet validated is refused",
			mutate: func(request *domain.CrossingRequest, _ *domain.Boundary) {
				request.Status = domain.CrossingRequested
			},
			wantAllow:  false,
			wantReason: "request is not awaiting authorization",
		},
		{
			name: "deprecated boundary refuses crossings",
			mutate: func(_ *domain.CrossingRequest, boundary *domain.Boundary) {
				boundary.Status = domain.BoundaryDeprecated
			},
			wantAllow:  false,
			wantReason: "target boundary is not active",
		},
		{
			name: "control transfer into critical boundary stays manual",
			mutate: func(request *domain.CrossingRequest, boundary *domain.Boundary) {
				request.Kind = domain.RequestControlTransfer
				boundary.Classification = domain.ClassificationCritical
			},
			wantAllow:  false,
			wantReason: "control transfer into a critical boundary requires a human authorizer",
		},
		{
			name: "data transfer into critical boundary is admitted",
			mutate: func(_ *domain.CrossingRequest, boundary *domain.Boundary) {
				boundary.Classification = domain.ClassificationCritical
			},
			wantAllow:  true,
			wantReason: "crossing admitted by policy",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			request := pendingRequest()
			boundary := activeBoundary()
			tc.mutate(request, boundary)

			decision, err := engine.Evaluate(ctx, Input{Request: request, Boundary: boundary})
			require.NoError(t, err)

			assert.Equal(t, tc.wantAllow, decision.Allow)
			assert.Equal(t, tc.wantReason, decision.Reason)
			assert.Equal(t, "builtin-crossing", decision.Metadata["policy"])
		})
	}
}

func TestEvaluateCustomEntrypoint(t *testing.T) {
	const auditModule = `package perimetra.audit

decision := {"allow": false, "reason": "audit hold in effect"}
`

	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Modules: map[string]string{
			DefaultModuleName: DefaultModule,
			"audit.rego":      auditModule,
		},
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, Input{
		Request:    pendingRequest(),
		Boundary:   activeBoundary(),
		Entrypoint: "perimetra/audit/decision",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "audit hold in effect", decision.Reason)

	// The default entrypoint still serves the crossing policy.
	decision, err = engine.Evaluate(ctx, Input{Request: pendingRequest(), Boundary: activeBoundary()})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestEvaluateUndefinedDecisionDenies(t *testing.T) {
	const shadowModule = `package shadow

decision := {"allow": true, "reason": "unreachable"} if {
	input.request.kind == "teleport"
}
`

	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "shadow/decision",
		Modules:    map[string]string{"shadow.rego": shadowModule},
	})
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, Input{Request: pendingRequest(), Boundary: activeBoundary()})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "policy produced no decision", decision.Reason)
}

func TestEvaluateRejectsMalformedDecisions(t *testing.T) {
	const scalarModule = `package scalar

decision := "nope"
`
	const looseModule = `package loose

decision := {"allow": "yes"}
`

	ctx := context.Background()

	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "scalar/decision",
		Modules:    map[string]string{"scalar.rego": scalarModule},
	})
	require.NoError(t, err)
	_, err = engine.Evaluate(ctx, Input{Request: pendingRequest(), Boundary: activeBoundary()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected result type")

	engine, err = NewEngine(ctx, EngineOptions{
		Entrypoint: "loose/decision",
		Modules:    map[string]string{"loose.rego": looseModule},
	})
	require.NoError(t, err)
	_, err = engine.Evaluate(ctx, Input{Request: pendingRequest(), Boundary: activeBoundary()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow must be boolean")
}

func TestNewEngineValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewEngine(ctx, EngineOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one rego module")

	_, err = NewEngine(ctx, EngineOptions{
		Modules: map[string]string{"broken.rego": "package broken\n\nallow :="},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.rego")
}

func TestEvaluateValidatesInput(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, Input{Boundary: activeBoundary()})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = engine.Evaluate(ctx, Input{Request: pendingRequest()})
	require.ErrorIs(t, err, domain.ErrValidation)
}

// The probe module echoes the request ID, which is deliberately outside the
// cache key, so a cache hit is observable as a stale reason.
const probeModule = `package probe

decision := {"allow": true, "reason": input.request.id}
`

func TestEvaluateCachesByBoundaryRevision(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "probe/decision",
		Modules:    map[string]string{"probe.rego": probeModule},
	})
	require.NoError(t, err)

	boundary := activeBoundary()

	first := pendingRequest()
	first.ID = "req-a"
	decision, err := engine.Evaluate(ctx, Input{Request: first, Boundary: boundary})
	require.NoError(t, err)
	require.Equal(t, "req-a", decision.Reason)

	// Same semantic fields, different request ID: served from cache.
	second := pendingRequest()
	second.ID = "req-b"
	decision, err = engine.Evaluate(ctx, Input{Request: second, Boundary: boundary})
	require.NoError(t, err)
	assert.Equal(t, "req-a", decision.Reason)

	// DisableCache bypasses both lookup and store.
	decision, err = engine.Evaluate(ctx, Input{Request: second, Boundary: boundary, DisableCache: true})
	require.NoError(t, err)
	assert.Equal(t, "req-b", decision.Reason)

	// A boundary revision invalidates prior decisions by changing the key.
	revised := activeBoundary()
	revised.Version = "1.5.0"
	revised.UpdatedAt = revised.UpdatedAt.Add(time.Minute)
	third := pendingRequest()
	third.ID = "req-c"
	decision, err = engine.Evaluate(ctx, Input{Request: third, Boundary: revised})
	require.NoError(t, err)
	assert.Equal(t, "req-c", decision.Reason)

	// FlushCache drops the original entry too.
	engine.FlushCache()
	decision, err = engine.Evaluate(ctx, Input{Request: second, Boundary: boundary})
	require.NoError(t, err)
	assert.Equal(t, "req-b", decision.Reason)
}

func TestEvaluateSkipsCacheForAnonymousRequesters(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint: "probe/decision",
		Modules:    map[string]string{"probe.rego": probeModule},
	})
	require.NoError(t, err)

	boundary := activeBoundary()

	anonymous := pendingRequest()
	anonymous.RequesterID = ""
	anonymous.ID = "req-x"
	decision, err := engine.Evaluate(ctx, Input{Request: anonymous, Boundary: boundary})
	require.NoError(t, err)
	require.Equal(t, "req-x", decision.Reason)

	anonymous.ID = "req-y"
	decision, err = engine.Evaluate(ctx, Input{Request: anonymous, Boundary: boundary})
	require.NoError(t, err)
	assert.Equal(t, "req-y", decision.Reason, "anonymous requests must not share cached decisions")

	// An unversioned boundary snapshot is likewise uncacheable.
	unversioned := activeBoundary()
	unversioned.Version = ""
	named := pendingRequest()
	named.ID = "req-m"
	decision, err = engine.Evaluate(ctx, Input{Request: named, Boundary: unversioned})
	require.NoError(t, err)
	require.Equal(t, "req-m", decision.Reason)

	named.ID = "req-n"
	decision, err = engine.Evaluate(ctx, Input{Request: named, Boundary: unversioned})
	require.NoError(t, err)
	assert.Equal(t, "req-n", decision.Reason)
}

func TestEvaluateWithCacheDisabledByCapacity(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, EngineOptions{
		Entrypoint:      "probe/decision",
		Modules:         map[string]string{"probe.rego": probeModule},
		CacheMaxEntries: -1,
	})
	require.NoError(t, err)

	boundary := activeBoundary()

	request := pendingRequest()
	request.ID = "req-1"
	decision, err := engine.Evaluate(ctx, Input{Request: request, Boundary: boundary})
	require.NoError(t, err)
	require.Equal(t, "req-1", decision.Reason)

	request.ID = "req-2"
	decision, err = engine.Evaluate(ctx, Input{Request: request, Boundary: boundary})
	require.NoError(t, err)
	assert.Equal(t, "req-2", decision.Reason)
}

func TestCachedDecisionsAreIsolatedFromCallers(t *testing.T) {
	engine := newDefaultEngine(t)
	ctx := context.Background()

	first, err := engine.Evaluate(ctx, Input{Request: pendingRequest(), Boundary: activeBoundary()})
	require.NoError(t, err)
	first.Metadata["policy"] = "tampered"

	second, err := engine.Evaluate(ctx, Input{Request: pendingRequest(), Boundary: activeBoundary()})
	require.NoError(t, err)
	assert.Equal(t, "builtin-crossing", second.Metadata["policy"])
}

type scriptedEvaluator struct {
	decision Decision
	err      error
	calls    int
}

func (s *scriptedEvaluator) Evaluate(context.Context, Input) (Decision, error) {
	s.calls++
	if s.err != nil {
		return Decision{}, s.err
	}
	return s.decision, nil
}

func TestChainShortCircuitsOnDenial(t *testing.T) {
	ctx := context.Background()
	input := Input{Request: pendingRequest(), Boundary: activeBoundary()}

	empty := NewChain()
	decision, err := empty.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "no policy evaluators configured", decision.Reason)

	pass := &scriptedEvaluator{decision: Decision{Allow: true, Reason: "first"}}
	admit := &scriptedEvaluator{decision: Decision{Allow: true, Reason: "second"}}
	all := NewChain(pass, admit)
	decision, err = all.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, "second", decision.Reason)
	assert.Equal(t, 1, pass.calls)
	assert.Equal(t, 1, admit.calls)

	refuse := &scriptedEvaluator{decision: Decision{Reason: "quota exhausted"}}
	unreached := &scriptedEvaluator{decision: Decision{Allow: true}}
	chain := NewChain(pass, refuse, unreached)
	decision, err = chain.Evaluate(ctx, input)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, "quota exhausted", decision.Reason)
	assert.NotNil(t, decision.Metadata)
	assert.Equal(t, 0, unreached.calls)

	broken := &scriptedEvaluator{err: errors.New("bundle unavailable")}
	failing := NewChain(broken)
	_, err = failing.Evaluate(ctx, input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundle unavailable")
}
