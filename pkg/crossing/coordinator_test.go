package crossing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimetra/perimetra-oss/pkg/attest"
	"github.com/perimetra/perimetra-oss/pkg/control"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/registry"
	"github.com/perimetra/perimetra-oss/pkg/seal"
	"github.com/perimetra/perimetra-oss/pkg/storage"
)

type decayRecorder struct {
	mu     sync.Mutex
	events []domain.TrustDecayEvent
}

func (r *decayRecorder) RecordDecay(event domain.TrustDecayEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *decayRecorder) all() []domain.TrustDecayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TrustDecayEvent(nil), r.events...)
}

type failingTransport struct{ err error }

func (t failingTransport) Deliver(context.Context, *domain.CrossingRequest) (map[string]any, error) {
	return nil, t.err
}

type harness struct {
	coordinator *Coordinator
	registry    *registry.Memory
	store       *storage.MemoryCrossingStore
	decay       *decayRecorder
}

func newHarness(t *testing.T, opts ...func(*CoordinatorConfig)) *harness {
	t.Helper()

	sealer, err := seal.New([]byte("crossing-test-key"))
	require.NoError(t, err)

	reg := registry.NewMemory()
	store := storage.NewMemoryCrossingStore(sealer)
	decay := &decayRecorder{}

	cfg := CoordinatorConfig{
		Registry:  reg,
		Store:     store,
		Evaluator: control.NewEvaluator(control.Hooks{}),
		DecaySink: decay,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	coordinator, err := NewCoordinator(cfg)
	require.NoError(t, err)
	return &harness{coordinator: coordinator, registry: reg, store: store, decay: decay}
}

func testBoundary(id string, classification domain.Classification, controls ...domain.Control) *domain.Boundary {
	now := time.Now().UTC()
	return &domain.Boundary{
		ID:             id,
		Name:           "Boundary " + id,
		Classification: classification,
		Kind:           domain.BoundaryModule,
		Status:         domain.BoundaryActive,
		Version:        "1.0.0",
		Controls:       controls,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newRequest(id string) *domain.CrossingRequest {
	return &domain.CrossingRequest{
		ID:               id,
		SourceBoundaryID: "b-src",
		TargetBoundaryID: "b-dst",
		Kind:             domain.RequestDataTransfer,
		Direction:        domain.DirectionInbound,
		RequesterID:      "svc-orders",
	}
}

// assertTrailSound checks the audit trail invariants every crossing must hold:
// timestamps never go backwards, and a terminal request's last event carries
// the terminal status name.
func assertTrailSound(t *testing.T, request *domain.CrossingRequest) {
	t.Helper()

	require.NotEmpty(t, request.AuditTrail)
	for i := 1; i < len(request.AuditTrail); i++ {
		prev, cur := request.AuditTrail[i-1], request.AuditTrail[i]
		assert.False(t, cur.Timestamp.Before(prev.Timestamp),
			"event %d (%s) timestamp precedes event %d (%s)", i, cur.EventType, i-1, prev.EventType)
	}
	if request.Status.Terminal() {
		last := request.AuditTrail[len(request.AuditTrail)-1]
		assert.Equal(t, string(request.Status), string(last.EventType))
	}
}

func TestSubmitRejectionTrailIsMinimal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-src", domain.ClassificationInternal)))
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal,
		domain.Control{ID: "ctl-authn", Kind: domain.ControlAuthentication},
		domain.Control{ID: "ctl-valid", Kind: domain.ControlValidation},
	)))

	request := newRequest("req-anon")
	request.RequesterID = ""
	got, err := h.coordinator.Submit(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, domain.CrossingValidationFailed, got.Status)
	require.Len(t, got.AuditTrail, 2)
	assert.Equal(t, domain.EventRequestReceived, got.AuditTrail[0].EventType)
	assert.Equal(t, domain.EventValidationFailed, got.AuditTrail[1].EventType)
	assert.Equal(t, "ctl-authn", got.AuditTrail[1].Details["control_id"])

	// Evaluation stops at the first rejecting control.
	require.Len(t, got.ControlResults, 1)
	assert.Equal(t, domain.ControlIneffective, got.ControlResults[0].Status)

	// An authentication failure is not an unauthorized attempt.
	assert.Empty(t, h.decay.all())

	stored, err := h.store.Get(context.Background(), "req-anon")
	require.NoError(t, err)
	assert.Equal(t, got, stored)
	assertTrailSound(t, got)
}

func TestSubmitAllControlsPass(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-src", domain.ClassificationInternal)))
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal,
		domain.Control{ID: "ctl-authn", Kind: domain.ControlAuthentication},
		domain.Control{ID: "ctl-valid", Kind: domain.ControlValidation},
	)))

	got, err := h.coordinator.Submit(context.Background(), newRequest("req-ok"))
	require.NoError(t, err)

	assert.Equal(t, domain.CrossingAuthorizationPending, got.Status)
	require.Len(t, got.AuditTrail, 2)
	assert.Equal(t, domain.EventRequestReceived, got.AuditTrail[0].EventType)
	assert.Equal(t, domain.EventValidationPassed, got.AuditTrail[1].EventType)
	assert.Equal(t, "ctl-authn,ctl-valid", got.AuditTrail[1].Details["applied_controls"])
	assert.Equal(t, "2", got.AuditTrail[1].Details["control_count"])

	require.Len(t, got.ControlResults, 2)
	for _, result := range got.ControlResults {
		assert.Equal(t, domain.ControlEffective, result.Status)
	}
	assertTrailSound(t, got)
}

func TestSubmitUnknownTargetBoundary(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-src", domain.ClassificationInternal)))

	request := newRequest("req-ghost")
	request.TargetBoundaryID = "b-ghost"
	got, err := h.coordinator.Submit(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, domain.CrossingFailed, got.Status)
	require.NotNil(t, got.Execution)
	assert.False(t, got.Execution.Success)
	assert.Equal(t, domain.CodeBoundaryNotFound, got.Execution.ErrorCode)

	require.Len(t, got.AuditTrail, 2)
	assert.Equal(t, domain.EventRequestReceived, got.AuditTrail[0].EventType)
	assert.Equal(t, domain.EventFailed, got.AuditTrail[1].EventType)
	assertTrailSound(t, got)

	// The attempt stays on record even though it never reached validation.
	stored, err := h.store.Get(context.Background(), "req-ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.CrossingFailed, stored.Status)
}

func TestSubmitUnauthorizedAttemptDecaysSource(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-src", domain.ClassificationInternal)))
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationRestricted,
		domain.Control{
			ID:     "ctl-authz",
			Kind:   domain.ControlAuthorization,
			Params: map[string]any{"allowed_requesters": []string{"svc-billing"}},
		},
	)))

	got, err := h.coordinator.Submit(context.Background(), newRequest("req-intruder"))
	require.NoError(t, err)
	assert.Equal(t, domain.CrossingValidationFailed, got.Status)

	events := h.decay.all()
	require.Len(t, events, 1)
	assert.Equal(t, "b-src", events[0].EntityID)
	assert.Equal(t, domain.DecayUnauthorized, events[0].Reason)
	assert.InDelta(t, DefaultDecayUnauthorized, events[0].Magnitude, 1e-9)
	assert.Equal(t, "req-intruder", events[0].RequestID)
}

func TestSubmitValidatesInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.coordinator.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSubmitAssignsRequestID(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	request := newRequest("")
	got, err := h.coordinator.Submit(context.Background(), request)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Empty(t, request.ID, "caller's request must stay untouched")
}

func TestAuthorizeGrantIsSingleAssignment(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	submitted, err := h.coordinator.Submit(context.Background(), newRequest("req-grant"))
	require.NoError(t, err)
	require.Equal(t, domain.CrossingAuthorizationPending, submitted.Status)

	got, err := h.coordinator.Authorize(context.Background(), "req-grant", "admin-1", true, "routine transfer")
	require.NoError(t, err)
	assert.Equal(t, domain.CrossingAuthorized, got.Status)
	require.NotNil(t, got.Authorization)
	assert.True(t, got.Authorization.Authorized)
	assert.Equal(t, "admin-1", got.Authorization.AuthorizerID)
	assert.Equal(t, domain.EventAuthorizationGranted, got.AuditTrail[len(got.AuditTrail)-1].EventType)

	_, err = h.coordinator.Authorize(context.Background(), "req-grant", "admin-2", false, "second opinion")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// The recorded decision is untouched by the rejected second call.
	stored, err := h.store.Get(context.Background(), "req-grant")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", stored.Authorization.AuthorizerID)
}

func TestAuthorizeDenialDecaysBothBoundaries(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err := h.coordinator.Submit(context.Background(), newRequest("req-deny"))
	require.NoError(t, err)

	got, err := h.coordinator.Authorize(context.Background(), "req-deny", "admin-1", false, "out of audit window")
	require.NoError(t, err)
	assert.Equal(t, domain.CrossingDenied, got.Status)
	assert.True(t, got.Status.Terminal())
	assert.Equal(t, domain.EventDenied, got.AuditTrail[len(got.AuditTrail)-1].EventType)
	assertTrailSound(t, got)

	events := h.decay.all()
	require.Len(t, events, 2)
	entities := map[string]bool{}
	for _, event := range events {
		entities[event.EntityID] = true
		assert.Equal(t, domain.DecayDenied, event.Reason)
		assert.InDelta(t, DefaultDecayDenied, event.Magnitude, 1e-9)
		assert.Equal(t, "req-deny", event.RequestID)
	}
	assert.True(t, entities["b-src"])
	assert.True(t, entities["b-dst"])
}

func TestAuthorizeGuards(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err := h.coordinator.Authorize(context.Background(), "req-missing", "admin-1", true, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.coordinator.Authorize(context.Background(), "req-any", "  ", true, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	// A rejected request is terminal and takes no decision.
	rejected := newRequest("req-rejected")
	rejected.RequesterID = ""
	require.NoError(t, h.registry.Put(testBoundary("b-gate", domain.ClassificationInternal,
		domain.Control{ID: "ctl-authn", Kind: domain.ControlAuthentication},
	)))
	rejected.TargetBoundaryID = "b-gate"
	_, err = h.coordinator.Submit(context.Background(), rejected)
	require.NoError(t, err)
	_, err = h.coordinator.Authorize(context.Background(), "req-rejected", "admin-1", true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestExecuteCompletesCriticalCrossing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationCritical,
		domain.Control{ID: "ctl-authn", Kind: domain.ControlAuthentication},
	)))

	_, err := h.coordinator.Submit(context.Background(), newRequest("req-critical"))
	require.NoError(t, err)
	_, err = h.coordinator.Authorize(context.Background(), "req-critical", "admin-1", true, "approved change")
	require.NoError(t, err)

	got, err := h.coordinator.Execute(context.Background(), "req-critical")
	require.NoError(t, err)

	assert.Equal(t, domain.CrossingCompleted, got.Status)
	require.NotNil(t, got.Execution)
	assert.True(t, got.Execution.Success)
	assert.Equal(t, true, got.Execution.ResultData["simulated"])

	require.NotNil(t, got.Impact)
	assert.InDelta(t, -0.1, got.Impact.TrustImpact, 1e-9)
	assert.Equal(t, domain.ImpactHigh, got.Impact.SecurityImpact)
	assert.Equal(t, domain.ImpactHigh, got.Impact.GovernanceImpact)

	types := make([]domain.AuditEventType, 0, len(got.AuditTrail))
	for _, event := range got.AuditTrail {
		types = append(types, event.EventType)
	}
	assert.Equal(t, []domain.AuditEventType{
		domain.EventRequestReceived,
		domain.EventValidationPassed,
		domain.EventAuthorizationGranted,
		domain.EventExecutionStarted,
		domain.EventImpactAssessed,
		domain.EventCompleted,
	}, types)
	assertTrailSound(t, got)

	assert.Empty(t, h.decay.all(), "a completed crossing must not decay trust")
}

func TestExecuteFailureDecaysBothBoundaries(t *testing.T) {
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Transport = failingTransport{err: errors.New("link down")}
	})
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err := h.coordinator.Submit(context.Background(), newRequest("req-broken"))
	require.NoError(t, err)
	_, err = h.coordinator.Authorize(context.Background(), "req-broken", "admin-1", true, "")
	require.NoError(t, err)

	got, err := h.coordinator.Execute(context.Background(), "req-broken")
	require.NoError(t, err)

	assert.Equal(t, domain.CrossingFailed, got.Status)
	require.NotNil(t, got.Execution)
	assert.False(t, got.Execution.Success)
	assert.Equal(t, domain.CodeExecutionError, got.Execution.ErrorCode)
	assert.Equal(t, "link down", got.Execution.ErrorMessage)

	// Impact is assessed for failed executions too, ahead of the terminal event.
	require.NotNil(t, got.Impact)
	last, secondLast := got.AuditTrail[len(got.AuditTrail)-1], got.AuditTrail[len(got.AuditTrail)-2]
	assert.Equal(t, domain.EventFailed, last.EventType)
	assert.Equal(t, domain.EventImpactAssessed, secondLast.EventType)
	assertTrailSound(t, got)

	events := h.decay.all()
	require.Len(t, events, 2)
	for _, event := range events {
		assert.Equal(t, domain.DecayFailed, event.Reason)
		assert.InDelta(t, DefaultDecayFailed, event.Magnitude, 1e-9)
	}
}

func TestExecuteRequiresAuthorizedState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err := h.coordinator.Submit(context.Background(), newRequest("req-pending"))
	require.NoError(t, err)

	_, err = h.coordinator.Execute(context.Background(), "req-pending")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.coordinator.Execute(context.Background(), "req-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.coordinator.Authorize(context.Background(), "req-pending", "admin-1", true, "")
	require.NoError(t, err)
	_, err = h.coordinator.Execute(context.Background(), "req-pending")
	require.NoError(t, err)

	// Completed crossings cannot run twice.
	_, err = h.coordinator.Execute(context.Background(), "req-pending")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAttestPendingRequestAppendsEvent(t *testing.T) {
	sealer, err := seal.New([]byte("attester-key"))
	require.NoError(t, err)
	attester := attest.New(sealer)

	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Attestations = attester
	})
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err = h.coordinator.Submit(context.Background(), newRequest("req-att"))
	require.NoError(t, err)

	got, err := h.coordinator.Attest(context.Background(), "req-att", "auditor-1", map[string]string{"review": "passed"})
	require.NoError(t, err)

	require.Len(t, got.AttestationRefs, 1)
	last := got.AuditTrail[len(got.AuditTrail)-1]
	assert.Equal(t, domain.EventAttestationAttached, last.EventType)
	assert.Equal(t, got.AttestationRefs[0], last.Details["attestation_id"])

	ok, err := attester.Verify(context.Background(), got.AttestationRefs[0])
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttestTerminalRequestKeepsTrailClosed(t *testing.T) {
	sealer, err := seal.New([]byte("attester-key"))
	require.NoError(t, err)

	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Attestations = attest.New(sealer)
	})
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err = h.coordinator.Submit(context.Background(), newRequest("req-done"))
	require.NoError(t, err)
	_, err = h.coordinator.Authorize(context.Background(), "req-done", "admin-1", true, "")
	require.NoError(t, err)
	done, err := h.coordinator.Execute(context.Background(), "req-done")
	require.NoError(t, err)
	trailLen := len(done.AuditTrail)

	got, err := h.coordinator.Attest(context.Background(), "req-done", "auditor-1", nil)
	require.NoError(t, err)

	require.Len(t, got.AttestationRefs, 1)
	assert.Len(t, got.AuditTrail, trailLen, "terminal trail must not grow")
	assertTrailSound(t, got)
}

func TestAttestGuards(t *testing.T) {
	h := newHarness(t)
	_, err := h.coordinator.Attest(context.Background(), "req-any", "auditor-1", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	sealer, sealErr := seal.New(nil)
	require.NoError(t, sealErr)
	h = newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Attestations = attest.New(sealer)
	})
	_, err = h.coordinator.Attest(context.Background(), "req-any", " ", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.coordinator.Attest(context.Background(), "req-missing", "auditor-1", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListAndAuditTrail(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))
	require.NoError(t, h.registry.Put(testBoundary("b-alt", domain.ClassificationInternal)))

	first := newRequest("req-1")
	_, err := h.coordinator.Submit(context.Background(), first)
	require.NoError(t, err)

	second := newRequest("req-2")
	second.TargetBoundaryID = "b-alt"
	_, err = h.coordinator.Submit(context.Background(), second)
	require.NoError(t, err)

	all, err := h.coordinator.List(context.Background(), storage.CrossingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	alt, err := h.coordinator.List(context.Background(), storage.CrossingFilter{BoundaryID: "b-alt"})
	require.NoError(t, err)
	require.Len(t, alt, 1)
	assert.Equal(t, "req-2", alt[0].ID)

	trail, err := h.coordinator.AuditTrail(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, domain.EventRequestReceived, trail[0].EventType)

	_, err = h.coordinator.AuditTrail(context.Background(), "req-nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecayConfigOverrides(t *testing.T) {
	h := newHarness(t, func(cfg *CoordinatorConfig) {
		cfg.Decay = Config{DecayDenied: 0.2}
	})
	require.NoError(t, h.registry.Put(testBoundary("b-dst", domain.ClassificationInternal)))

	_, err := h.coordinator.Submit(context.Background(), newRequest("req-tuned"))
	require.NoError(t, err)
	_, err = h.coordinator.Authorize(context.Background(), "req-tuned", "admin-1", false, "nope")
	require.NoError(t, err)

	events := h.decay.all()
	require.Len(t, events, 2)
	assert.InDelta(t, 0.2, events[0].Magnitude, 1e-9)
}
