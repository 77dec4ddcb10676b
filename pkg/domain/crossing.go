package domain

import (
	"strings"
	"time"
)

// CrossingStatus is the lifecycle state of one crossing request. Statuses only
// advance through the state machine; there are no backward transitions.
type CrossingStatus string

const (
	CrossingRequested            CrossingStatus = "requested"
	CrossingValidating           CrossingStatus = "validating"
	CrossingValidationFailed     CrossingStatus = "validation_failed"
	CrossingValidated            CrossingStatus = "validated"
	CrossingAuthorizationPending CrossingStatus = "authorization_pending"
	CrossingDenied               CrossingStatus = "denied"
	CrossingAuthorized           CrossingStatus = "authorized"
	CrossingExecuting            CrossingStatus = "executing"
	CrossingCompleted            CrossingStatus = "completed"
	CrossingFailed               CrossingStatus = "failed"
)

// crossingTransitions is the forward transition table. An empty slice marks a
// terminal state.
var crossingTransitions = map[CrossingStatus][]CrossingStatus{
	CrossingRequested:            {CrossingValidating, CrossingFailed},
	CrossingValidating:           {CrossingValidationFailed, CrossingValidated},
	CrossingValidationFailed:     {},
	CrossingValidated:            {CrossingAuthorizationPending},
	CrossingAuthorizationPending: {CrossingDenied, CrossingAuthorized},
	CrossingDenied:               {},
	CrossingAuthorized:           {CrossingExecuting},
	CrossingExecuting:            {CrossingCompleted, CrossingFailed},
	CrossingCompleted:            {},
	CrossingFailed:               {},
}

// Terminal reports whether the status admits no further transitions.
func (s CrossingStatus) Terminal() bool {
	next, ok := crossingTransitions[s]
	return ok && len(next) == 0
}

// CanAdvanceTo reports whether the state machine permits moving directly from
// s to next. No transition may skip a state.
func (s CrossingStatus) CanAdvanceTo(next CrossingStatus) bool {
	for _, candidate := range crossingTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// IsValid reports whether the crossing status is recognised.
func (s CrossingStatus) IsValid() bool {
	_, ok := crossingTransitions[s]
	return ok
}

// RequestKind categorises what a crossing moves across the boundary.
type RequestKind string

const (
	RequestDataTransfer    RequestKind = "data_transfer"
	RequestControlTransfer RequestKind = "control_transfer"
	RequestAuthentication  RequestKind = "authentication"
	RequestAuthorization   RequestKind = "authorization"
	RequestQuery           RequestKind = "query"
	RequestConfiguration   RequestKind = "configuration"
)

// IsValid reports whether the request kind is recognised.
func (k RequestKind) IsValid() bool {
	switch k {
	case RequestDataTransfer, RequestControlTransfer, RequestAuthentication,
		RequestAuthorization, RequestQuery, RequestConfiguration:
		return true
	default:
		return false
	}
}

// ParseRequestKind converts a textual representation into a RequestKind.
func ParseRequestKind(value string) (RequestKind, bool) {
	kind := RequestKind(strings.TrimSpace(strings.ToLower(value)))
	return kind, kind.IsValid()
}

// Direction states which way a crossing moves relative to the target boundary.
type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

// IsValid reports whether the direction is recognised.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionInbound, DirectionOutbound, DirectionBidirectional:
		return true
	default:
		return false
	}
}

// Payload is the opaque content a crossing carries. Classification tags the
// sensitivity of the content; ContentHash, when present, lets the encryption
// control attest payload integrity.
type Payload struct {
	Classification Classification `json:"classification,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// AuditEventType names one entry in a crossing audit trail. Terminal
// transition events carry the terminal status name itself so the trail's last
// event always matches the request's final status.
type AuditEventType string

const (
	EventRequestReceived      AuditEventType = "request_received"
	EventValidationPassed     AuditEventType = "validation_passed"
	EventValidationFailed     AuditEventType = "validation_failed"
	EventAuthorizationGranted AuditEventType = "authorization_granted"
	EventDenied               AuditEventType = "denied"
	EventExecutionStarted     AuditEventType = "execution_started"
	EventImpactAssessed       AuditEventType = "impact_assessed"
	EventCompleted            AuditEventType = "completed"
	EventFailed               AuditEventType = "failed"
	EventAttestationAttached  AuditEventType = "attestation_attached"
)

// AuditEvent is one timestamped entry in the append-only audit trail of a
// crossing request.
type AuditEvent struct {
	EventID   string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType AuditEventType    `json:"event_type"`
	ActorID   string            `json:"actor_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// ControlEffect classifies the outcome of evaluating one control.
type ControlEffect string

const (
	ControlEffective   ControlEffect = "effective"
	ControlIneffective ControlEffect = "ineffective"
	ControlDegraded    ControlEffect = "degraded"
	ControlWarning     ControlEffect = "warning"
)

// IsValid reports whether the control effect is recognised.
func (e ControlEffect) IsValid() bool {
	switch e {
	case ControlEffective, ControlIneffective, ControlDegraded, ControlWarning:
		return true
	default:
		return false
	}
}

// ControlResult records the evaluation of a single control against a request.
type ControlResult struct {
	ControlID   string        `json:"control_id"`
	Kind        ControlKind   `json:"kind"`
	Status      ControlEffect `json:"status"`
	Detail      string        `json:"detail,omitempty"`
	Evidence    string        `json:"evidence,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// AuthorizationDecision is the single-assignment outcome of the authorization
// step. Once recorded it is never replaced.
type AuthorizationDecision struct {
	Authorized   bool      `json:"authorized"`
	AuthorizerID string    `json:"authorizer_id"`
	Reason       string    `json:"reason,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

// ExecutionResult records the outcome of performing the crossing.
type ExecutionResult struct {
	Success      bool           `json:"success"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// ImpactLevel grades collateral impact of an executed crossing.
type ImpactLevel string

const (
	ImpactNone   ImpactLevel = "none"
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// ImpactAssessment captures the computed impact of an executed crossing on
// the trust relationship and the surrounding platform.
type ImpactAssessment struct {
	TrustImpact       float64     `json:"trust_impact"`
	SecurityImpact    ImpactLevel `json:"security_impact"`
	GovernanceImpact  ImpactLevel `json:"governance_impact"`
	PerformanceImpact ImpactLevel `json:"performance_impact"`
	AssessedAt        time.Time   `json:"assessed_at"`
}

// CrossingRequest is one gated operation across a trust boundary. Created on
// submission, mutated only by the crossing coordinator, never deleted.
type CrossingRequest struct {
	ID               string                 `json:"id"`
	SourceBoundaryID string                 `json:"source_boundary_id"`
	TargetBoundaryID string                 `json:"target_boundary_id"`
	Kind             RequestKind            `json:"kind"`
	Direction        Direction              `json:"direction"`
	Payload          Payload                `json:"payload"`
	RequesterID      string                 `json:"requester_id,omitempty"`
	Status           CrossingStatus         `json:"status"`
	AuditTrail       []AuditEvent           `json:"audit_trail"`
	ControlResults   []ControlResult        `json:"control_results,omitempty"`
	Authorization    *AuthorizationDecision `json:"authorization,omitempty"`
	Execution        *ExecutionResult       `json:"execution,omitempty"`
	Impact           *ImpactAssessment      `json:"impact,omitempty"`
	AttestationRefs  []string               `json:"attestation_refs,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out requests without sharing
// mutable state with the coordinator.
func (r *CrossingRequest) Clone() *CrossingRequest {
	if r == nil {
		return nil
	}

	clone := *r
	clone.AuditTrail = make([]AuditEvent, len(r.AuditTrail))
	for i, event := range r.AuditTrail {
		clone.AuditTrail[i] = event
		if event.Details != nil {
			details := make(map[string]string, len(event.Details))
			for k, v := range event.Details {
				details[k] = v
			}
			clone.AuditTrail[i].Details = details
		}
	}
	clone.ControlResults = append([]ControlResult(nil), r.ControlResults...)
	clone.AttestationRefs = append([]string(nil), r.AttestationRefs...)
	if r.Authorization != nil {
		auth := *r.Authorization
		clone.Authorization = &auth
	}
	if r.Execution != nil {
		exec := *r.Execution
		if exec.ResultData != nil {
			data := make(map[string]any, len(exec.ResultData))
			for k, v := range exec.ResultData {
				data[k] = v
			}
			exec.ResultData = data
		}
		clone.Execution = &exec
	}
	if r.Impact != nil {
		impact := *r.Impact
		clone.Impact = &impact
	}
	if r.Payload.Data != nil {
		data := make(map[string]any, len(r.Payload.Data))
		for k, v := range r.Payload.Data {
			data[k] = v
		}
		clone.Payload.Data = data
	}
	return &clone
}
