// Package crossing implements the boundary crossing protocol: a forward-only
// state machine that validates, authorizes, executes, and audits every
// operation that crosses a trust boundary.
//
// One Coordinator owns the lifecycle of all crossing requests. Requests move
// requested -> validating -> (validation_failed | validated) ->
// authorization_pending -> (denied | authorized) -> executing ->
// (completed | failed), and every lifecycle step appends to the request's
// audit trail before the new state is persisted. Denied and failed crossings
// emit trust decay events against the involved boundaries.
package crossing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/perimetra/perimetra-oss/pkg/control"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/telemetry"
)

// Default trust decay magnitudes applied when the config leaves them unset.
const (
	DefaultDecayDenied       = 0.05
	DefaultDecayFailed       = 0.02
	DefaultDecayUnauthorized = 0.1
)

// Config tunes the trust decay magnitudes the lifecycle emits. Zero values
// fall back to the defaults.
type Config struct {
	DecayDenied       float64
	DecayFailed       float64
	DecayUnauthorized float64
}

func (c Config) normalized() Config {
	if c.DecayDenied <= 0 {
		c.DecayDenied = DefaultDecayDenied
	}
	if c.DecayFailed <= 0 {
		c.DecayFailed = DefaultDecayFailed
	}
	if c.DecayUnauthorized <= 0 {
		c.DecayUnauthorized = DefaultDecayUnauthorized
	}
	return c
}

// CoordinatorConfig holds dependencies for creating a Coordinator.
type CoordinatorConfig struct {
	Registry  domain.BoundaryRegistry
	Store     storage.CrossingStore
	Evaluator *control.Evaluator

	// Transport performs the crossing during Execute. Defaults to the
	// no-effect SimulatedTransport.
	Transport domain.Transport
	// Attestations backs the Attest operation. Optional.
	Attestations domain.AttestationService
	// DecaySink receives trust decay events. Optional.
	DecaySink domain.DecaySink

	Decay  Config
	Logger *slog.Logger
}

// Coordinator drives crossing requests through the boundary crossing
// protocol. All mutating operations persist through the store, whose
// contract-tether check runs before any state is touched.
type Coordinator struct {
	registry  domain.BoundaryRegistry
	store     storage.CrossingStore
	evaluator *control.Evaluator
	transport domain.Transport
	attester  domain.AttestationService
	decay     domain.DecaySink
	cfg       Config
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator with the given dependencies.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Evaluator == nil {
		return nil, fmt.Errorf("%w: registry, store and evaluator are required", domain.ErrValidation)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = SimulatedTransport{}
	}

	return &Coordinator{
		registry:  cfg.Registry,
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		transport: transport,
		attester:  cfg.Attestations,
		decay:     cfg.DecaySink,
		cfg:       cfg.Decay.normalized(),
		logger:    logger,
	}, nil
}

// Submit admits a new crossing request and runs it through validation. The
// returned request reflects how far it travelled: failed when the target
// boundary is unknown, validation_failed when a control rejected it, or
// authorization_pending when every control passed. A rejected validation is
// normal protocol outcome, not an error.
func (c *Coordinator) Submit(ctx context.Context, request *domain.CrossingRequest) (*domain.CrossingRequest, error) {
	if request == nil {
		return nil, fmt.Errorf("%w: request is required", domain.ErrValidation)
	}

	tracer := otel.Tracer("perimetra.crossing")
	ctx, span := tracer.Start(ctx, "crossing.submit")
	defer span.End()
	started := time.Now()

	admitted := request.Clone()
	if admitted.ID == "" {
		admitted.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if admitted.CreatedAt.IsZero() {
		admitted.CreatedAt = now
	}
	admitted.UpdatedAt = now

	// The coordinator owns lifecycle state. Whatever the caller pre-filled
	// beyond the intent fields is discarded on admission.
	admitted.Status = domain.CrossingRequested
	admitted.AuditTrail = nil
	admitted.ControlResults = nil
	admitted.Authorization = nil
	admitted.Execution = nil
	admitted.Impact = nil

	admitted.AuditTrail = append(admitted.AuditTrail, newEvent(domain.EventRequestReceived, admitted.RequesterID, map[string]string{
		"source_boundary_id": admitted.SourceBoundaryID,
		"target_boundary_id": admitted.TargetBoundaryID,
		"request_kind":       string(admitted.Kind),
		"direction":          string(admitted.Direction),
	}))

	boundary, err := c.registry.Get(ctx, admitted.TargetBoundaryID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("looking up boundary %s: %w", admitted.TargetBoundaryID, err)
		}
		return c.closeUnroutable(ctx, span, admitted, started)
	}

	if err := c.advance(admitted, domain.CrossingValidating); err != nil {
		return nil, err
	}

	failures := 0
	evalCtx := control.Context{Request: admitted, Boundary: boundary}
	for _, ctl := range boundary.Controls {
		result := c.evaluator.Evaluate(ctx, ctl, evalCtx)
		admitted.ControlResults = append(admitted.ControlResults, result)
		if result.Status != domain.ControlIneffective {
			continue
		}

		failures++
		if err := c.advance(admitted, domain.CrossingValidationFailed); err != nil {
			return nil, err
		}
		admitted.AuditTrail = append(admitted.AuditTrail, newEvent(domain.EventValidationFailed, admitted.RequesterID, map[string]string{
			"control_id": result.ControlID,
			"reason":     result.Detail,
		}))
		if err := c.persistNew(ctx, span, admitted); err != nil {
			return nil, err
		}

		// A working authorization control turning the request away is an
		// unauthorized crossing attempt by the source side. ImpliedDecay
		// resolves that from the recorded control results.
		c.emitEvents(ctx, ImpliedDecay(admitted, c.cfg))

		c.logger.Info("crossing rejected by control",
			"request_id", admitted.ID,
			"control_id", result.ControlID,
			"detail", result.Detail,
		)
		c.finishSpan(ctx, span, admitted, started, failures)
		return admitted.Clone(), nil
	}

	if err := c.advance(admitted, domain.CrossingValidated); err != nil {
		return nil, err
	}
	if err := c.advance(admitted, domain.CrossingAuthorizationPending); err != nil {
		return nil, err
	}
	admitted.AuditTrail = append(admitted.AuditTrail, newEvent(domain.EventValidationPassed, admitted.RequesterID, map[string]string{
		"applied_controls": joinControlIDs(admitted.ControlResults),
		"control_count":    strconv.Itoa(len(admitted.ControlResults)),
	}))
	if err := c.persistNew(ctx, span, admitted); err != nil {
		return nil, err
	}

	c.logger.Info("crossing awaiting authorization",
		"request_id", admitted.ID,
		"target_boundary_id", admitted.TargetBoundaryID,
		"controls_applied", len(admitted.ControlResults),
	)
	c.finishSpan(ctx, span, admitted, started, failures)
	return admitted.Clone(), nil
}

// closeUnroutable records a request whose target boundary is not registered.
// The request is persisted as a complete terminal record so the attempt
// remains auditable.
func (c *Coordinator) closeUnroutable(ctx context.Context, span trace.Span, admitted *domain.CrossingRequest, started time.Time) (*domain.CrossingRequest, error) {
	if err := c.advance(admitted, domain.CrossingFailed); err != nil {
		return nil, err
	}
	admitted.Execution = &domain.ExecutionResult{
		Success:      false,
		ErrorCode:    domain.CodeBoundaryNotFound,
		ErrorMessage: fmt.Sprintf("target boundary %s is not registered", admitted.TargetBoundaryID),
		CompletedAt:  time.Now().UTC(),
	}
	admitted.AuditTrail = append(admitted.AuditTrail, newEvent(domain.EventFailed, admitted.RequesterID, map[string]string{
		"error_code":         domain.CodeBoundaryNotFound,
		"target_boundary_id": admitted.TargetBoundaryID,
	}))
	if err := c.persistNew(ctx, span, admitted); err != nil {
		return nil, err
	}

	c.logger.Warn("crossing failed, target boundary not registered",
		"request_id", admitted.ID,
		"target_boundary_id", admitted.TargetBoundaryID,
	)
	c.finishSpan(ctx, span, admitted, started, 0)
	return admitted.Clone(), nil
}

// Authorize records the single authorization decision for a pending request.
// A second decision, or a decision on a request in any other state, is
// rejected without side effects. Denial moves the request to its terminal
// denied state and decays trust on both involved boundaries.
func (c *Coordinator) Authorize(ctx context.Context, requestID, authorizerID string, allow bool, reason string) (*domain.CrossingRequest, error) {
	if strings.TrimSpace(authorizerID) == "" {
		return nil, fmt.Errorf("%w: authorizer id is required", domain.ErrValidation)
	}

	tracer := otel.Tracer("perimetra.crossing")
	ctx, span := tracer.Start(ctx, "crossing.authorize")
	defer span.End()
	started := time.Now()

	request, err := c.store.Get(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if request.Authorization != nil {
		return nil, fmt.Errorf("%w: authorization for %s already recorded", domain.ErrInvalidState, requestID)
	}
	if request.Status != domain.CrossingAuthorizationPending {
		return nil, fmt.Errorf("%w: request %s is %s, not awaiting authorization",
			domain.ErrInvalidState, requestID, request.Status)
	}

	request.Authorization = &domain.AuthorizationDecision{
		Authorized:   allow,
		AuthorizerID: authorizerID,
		Reason:       reason,
		DecidedAt:    time.Now().UTC(),
	}

	if allow {
		if err := c.advance(request, domain.CrossingAuthorized); err != nil {
			return nil, err
		}
		request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventAuthorizationGranted, authorizerID, map[string]string{
			"reason": reason,
		}))
	} else {
		if err := c.advance(request, domain.CrossingDenied); err != nil {
			return nil, err
		}
		request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventDenied, authorizerID, map[string]string{
			"reason":      reason,
			"trust_decay": formatMagnitude(c.cfg.DecayDenied),
		}))
	}

	if err := c.store.Update(ctx, request); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persisting authorization for %s: %w", requestID, err)
	}

	if !allow {
		c.emitEvents(ctx, ImpliedDecay(request, c.cfg))
	}

	c.logger.Info("crossing authorization recorded",
		"request_id", requestID,
		"authorizer_id", authorizerID,
		"authorized", allow,
		"reason", reason,
	)
	c.finishSpan(ctx, span, request, started, 0)
	return request.Clone(), nil
}

// Execute performs an authorized crossing through the transport, records the
// execution result and impact assessment, and closes the request as
// completed or failed. Execution failure decays trust on both boundaries.
func (c *Coordinator) Execute(ctx context.Context, requestID string) (*domain.CrossingRequest, error) {
	tracer := otel.Tracer("perimetra.crossing")
	ctx, span := tracer.Start(ctx, "crossing.execute")
	defer span.End()
	started := time.Now()

	request, err := c.store.Get(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if request.Status != domain.CrossingAuthorized {
		return nil, fmt.Errorf("%w: request %s is %s, not authorized for execution",
			domain.ErrInvalidState, requestID, request.Status)
	}

	if err := c.advance(request, domain.CrossingExecuting); err != nil {
		return nil, err
	}
	request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventExecutionStarted, request.RequesterID, map[string]string{
		"target_boundary_id": request.TargetBoundaryID,
	}))

	resultData, deliverErr := c.transport.Deliver(ctx, request.Clone())
	completedAt := time.Now().UTC()
	if deliverErr == nil {
		request.Execution = &domain.ExecutionResult{
			Success:     true,
			ResultData:  resultData,
			CompletedAt: completedAt,
		}
	} else {
		request.Execution = &domain.ExecutionResult{
			Success:      false,
			ErrorCode:    domain.ErrorCode(deliverErr, domain.CodeExecutionError),
			ErrorMessage: deliverErr.Error(),
			CompletedAt:  completedAt,
		}
	}

	// The impact assessment always runs and lands in the trail ahead of the
	// terminal event, keeping the terminal event last.
	request.Impact = assessImpact(request)
	request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventImpactAssessed, request.RequesterID, map[string]string{
		"trust_impact":       formatMagnitude(request.Impact.TrustImpact),
		"security_impact":    string(request.Impact.SecurityImpact),
		"governance_impact":  string(request.Impact.GovernanceImpact),
		"performance_impact": string(request.Impact.PerformanceImpact),
	}))

	if request.Execution.Success {
		if err := c.advance(request, domain.CrossingCompleted); err != nil {
			return nil, err
		}
		request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventCompleted, request.RequesterID, nil))
	} else {
		if err := c.advance(request, domain.CrossingFailed); err != nil {
			return nil, err
		}
		request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventFailed, request.RequesterID, map[string]string{
			"error_code":    request.Execution.ErrorCode,
			"error_message": request.Execution.ErrorMessage,
			"trust_decay":   formatMagnitude(c.cfg.DecayFailed),
		}))
	}

	if err := c.store.Update(ctx, request); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persisting execution of %s: %w", requestID, err)
	}

	if !request.Execution.Success {
		c.emitEvents(ctx, ImpliedDecay(request, c.cfg))
	}

	c.logger.Info("crossing executed",
		"request_id", requestID,
		"status", request.Status,
		"success", request.Execution.Success,
	)
	c.finishSpan(ctx, span, request, started, 0)
	return request.Clone(), nil
}

// Attest issues an attestation over the request through the attestation
// service and attaches its reference. Attest works in any state and never
// changes crossing status; attaching to a terminal request records the
// reference without a trail event so the trail keeps its terminal event last.
func (c *Coordinator) Attest(ctx context.Context, requestID, attesterID string, claims map[string]string) (*domain.CrossingRequest, error) {
	if c.attester == nil {
		return nil, fmt.Errorf("%w: no attestation service configured", domain.ErrValidation)
	}
	if strings.TrimSpace(attesterID) == "" {
		return nil, fmt.Errorf("%w: attester id is required", domain.ErrValidation)
	}

	request, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	attestation, err := c.attester.Issue(ctx, requestID, attesterID, claims)
	if err != nil {
		return nil, fmt.Errorf("issuing attestation for %s: %w", requestID, err)
	}

	request.AttestationRefs = append(request.AttestationRefs, attestation.ID)
	request.UpdatedAt = time.Now().UTC()
	if !request.Status.Terminal() {
		request.AuditTrail = append(request.AuditTrail, newEvent(domain.EventAttestationAttached, attesterID, map[string]string{
			"attestation_id": attestation.ID,
			"claim_count":    strconv.Itoa(len(claims)),
		}))
	}

	if err := c.store.Update(ctx, request); err != nil {
		return nil, fmt.Errorf("persisting attestation ref on %s: %w", requestID, err)
	}

	c.logger.Info("attestation attached to crossing",
		"request_id", requestID,
		"attestation_id", attestation.ID,
		"attester_id", attesterID,
	)
	return request.Clone(), nil
}

// Get returns one crossing request.
func (c *Coordinator) Get(ctx context.Context, requestID string) (*domain.CrossingRequest, error) {
	return c.store.Get(ctx, requestID)
}

// List returns crossing requests matching the filter in creation order.
func (c *Coordinator) List(ctx context.Context, filter storage.CrossingFilter) ([]*domain.CrossingRequest, error) {
	return c.store.List(ctx, filter)
}

// AuditTrail returns the request's audit trail.
func (c *Coordinator) AuditTrail(ctx context.Context, requestID string) ([]domain.AuditEvent, error) {
	request, err := c.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return request.AuditTrail, nil
}

// advance moves the request to the next status, enforcing the forward-only
// state machine.
func (c *Coordinator) advance(request *domain.CrossingRequest, next domain.CrossingStatus) error {
	if !request.Status.CanAdvanceTo(next) {
		return fmt.Errorf("%w: cannot advance %s from %s to %s",
			domain.ErrInvalidState, request.ID, request.Status, next)
	}
	request.Status = next
	request.UpdatedAt = time.Now().UTC()
	return nil
}

// persistNew appends the fully-formed request to the store.
func (c *Coordinator) persistNew(ctx context.Context, span trace.Span, request *domain.CrossingRequest) error {
	if err := c.store.Append(ctx, request); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persisting request %s: %w", request.ID, err)
	}
	return nil
}

// emitEvents forwards decay events to the sink and the telemetry layer.
func (c *Coordinator) emitEvents(ctx context.Context, events []domain.TrustDecayEvent) {
	if c.decay == nil {
		return
	}
	for _, event := range events {
		c.decay.RecordDecay(event)
		telemetry.RecordTrustDecay(ctx, event)
	}
}

// finishSpan enriches the span and records lifecycle metrics for one
// operation reaching a status.
func (c *Coordinator) finishSpan(ctx context.Context, span trace.Span, request *domain.CrossingRequest, started time.Time, failures int) {
	telemetry.EnrichCrossingSpan(span, request)
	telemetry.RecordCrossingMetrics(ctx, telemetry.CrossingMetrics{
		BoundaryID:      request.TargetBoundaryID,
		Kind:            request.Kind,
		Status:          request.Status,
		Duration:        time.Since(started),
		ControlFailures: failures,
	})
}

func newEvent(eventType domain.AuditEventType, actorID string, details map[string]string) domain.AuditEvent {
	return domain.AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		ActorID:   actorID,
		Details:   details,
	}
}

func joinControlIDs(results []domain.ControlResult) string {
	ids := make([]string, 0, len(results))
	for _, result := range results {
		ids = append(ids, result.ControlID)
	}
	return strings.Join(ids, ",")
}

func formatMagnitude(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
