// Package control evaluates boundary controls against crossing requests.
//
// Each control kind has a fixed check. Some kinds consult caller-supplied
// hooks: monitoring and logging report against observer sinks, filtering and
// isolation against named predicates, rate_limiting against a shared
// per-boundary limiter. Hook absence is reported as a degraded control, never
// as an error, so evaluation always yields a complete report.
package control

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/perimetra/perimetra-oss/internal/governance"
	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Observer receives every crossing request a monitoring or logging control
// inspects.
type Observer interface {
	Observe(request *domain.CrossingRequest)
}

// ObserverFunc adapts a plain function to an Observer.
type ObserverFunc func(request *domain.CrossingRequest)

// Observe calls the wrapped function.
func (f ObserverFunc) Observe(request *domain.CrossingRequest) { f(request) }

// Predicate decides whether a request passes a filtering or isolation
// control. Predicates must not mutate the request.
type Predicate func(request *domain.CrossingRequest) bool

// Hooks supplies the caller-side collaborators that some control kinds
// consult. Any field may be nil; the corresponding kinds then evaluate as
// degraded.
type Hooks struct {
	// Monitor observes requests for monitoring controls.
	Monitor Observer
	// AuditLog observes requests for logging controls.
	AuditLog Observer
	// Predicates resolves filtering and isolation predicates by name. A
	// control names its predicate in the "predicate" param, defaulting to
	// the control name.
	Predicates map[string]Predicate
	// Limiter is consulted per target boundary by rate_limiting controls.
	Limiter *governance.RateLimiter
}

// Context carries the request and target boundary one evaluation inspects.
type Context struct {
	Request  *domain.CrossingRequest
	Boundary *domain.Boundary
}

// Evaluator applies control checks. It is stateless apart from the hooks it
// was built with and safe for concurrent use.
type Evaluator struct {
	hooks Hooks
}

// NewEvaluator builds an evaluator around the given hooks.
func NewEvaluator(hooks Hooks) *Evaluator {
	return &Evaluator{hooks: hooks}
}

// Evaluate runs one control against the evaluation context. It never returns
// an error: a failing or unsatisfiable check is reported in the result
// status so callers always receive a complete report.
func (e *Evaluator) Evaluate(_ context.Context, control domain.Control, evalCtx Context) domain.ControlResult {
	if evalCtx.Request == nil || evalCtx.Boundary == nil {
		return result(control, domain.ControlIneffective,
			"evaluation context is missing the request or boundary", "")
	}

	switch control.Kind {
	case domain.ControlAuthentication:
		return e.evaluateAuthentication(control, evalCtx)
	case domain.ControlAuthorization:
		return e.evaluateAuthorization(control, evalCtx)
	case domain.ControlEncryption:
		return e.evaluateEncryption(control, evalCtx)
	case domain.ControlValidation:
		return e.evaluateValidation(control, evalCtx)
	case domain.ControlMonitoring:
		return e.evaluateObserver(control, evalCtx, e.hooks.Monitor, "monitor")
	case domain.ControlLogging:
		return e.evaluateObserver(control, evalCtx, e.hooks.AuditLog, "audit log")
	case domain.ControlFiltering, domain.ControlIsolation:
		return e.evaluatePredicate(control, evalCtx)
	case domain.ControlRateLimiting:
		return e.evaluateRateLimit(control, evalCtx)
	default:
		return result(control, domain.ControlIneffective,
			fmt.Sprintf("unrecognised control kind %q", control.Kind), "")
	}
}

func (e *Evaluator) evaluateAuthentication(control domain.Control, evalCtx Context) domain.ControlResult {
	requester := strings.TrimSpace(evalCtx.Request.RequesterID)
	if requester == "" {
		return result(control, domain.ControlIneffective,
			"request carries no requester identity", "")
	}
	return result(control, domain.ControlEffective, "",
		fmt.Sprintf("requester %s presented an identity", requester))
}

func (e *Evaluator) evaluateAuthorization(control domain.Control, evalCtx Context) domain.ControlResult {
	requester := strings.TrimSpace(evalCtx.Request.RequesterID)
	if requester == "" {
		return result(control, domain.ControlIneffective,
			"no requester identity to authorize", "")
	}

	classification := evalCtx.Boundary.Classification
	allowed := paramStringList(control.Params, "allowed_requesters")
	if len(allowed) > 0 && requiresAllowlist(classification) {
		for _, candidate := range allowed {
			if candidate == requester {
				return result(control, domain.ControlEffective, "",
					fmt.Sprintf("requester %s allowlisted for %s boundary", requester, classification))
			}
		}
		return result(control, domain.ControlIneffective,
			fmt.Sprintf("requester %s not allowlisted for %s boundary", requester, classification), "")
	}

	return result(control, domain.ControlEffective, "",
		fmt.Sprintf("requester %s authorized against %s boundary", requester, classification))
}

// requiresAllowlist reports whether the boundary classification restricts
// who may cross when an allowlist is configured.
func requiresAllowlist(classification domain.Classification) bool {
	return classification == domain.ClassificationRestricted ||
		classification == domain.ClassificationCritical
}

// AllowedRequesters reads the allowlist an authorization control carries in
// its params, sorted. Empty when the control declares none.
func AllowedRequesters(ctl domain.Control) []string {
	return paramStringList(ctl.Params, "allowed_requesters")
}

func (e *Evaluator) evaluateEncryption(control domain.Control, evalCtx Context) domain.ControlResult {
	payload := evalCtx.Request.Payload
	if len(payload.Data) == 0 {
		return result(control, domain.ControlEffective, "",
			"payload carries no data requiring a content hash")
	}
	if payload.ContentHash != "" {
		return result(control, domain.ControlEffective, "",
			fmt.Sprintf("payload content hash %s present", payload.ContentHash))
	}
	if classifiedPayload(payload.Classification) {
		return result(control, domain.ControlDegraded,
			fmt.Sprintf("%s payload carries data without a content hash", payload.Classification), "")
	}
	return result(control, domain.ControlWarning,
		"payload carries data without a content hash", "")
}

// classifiedPayload reports whether the payload classification marks content
// that must not travel without integrity evidence.
func classifiedPayload(classification domain.Classification) bool {
	switch classification {
	case domain.ClassificationConfidential, domain.ClassificationRestricted, domain.ClassificationCritical:
		return true
	default:
		return false
	}
}

func (e *Evaluator) evaluateValidation(control domain.Control, evalCtx Context) domain.ControlResult {
	request := evalCtx.Request

	var problems []string
	if strings.TrimSpace(request.SourceBoundaryID) == "" {
		problems = append(problems, "source boundary id missing")
	}
	if strings.TrimSpace(request.TargetBoundaryID) == "" {
		problems = append(problems, "target boundary id missing")
	}
	if !request.Kind.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown request kind %q", request.Kind))
	}
	if !request.Direction.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown direction %q", request.Direction))
	}

	if len(problems) > 0 {
		return result(control, domain.ControlIneffective, strings.Join(problems, "; "), "")
	}
	return result(control, domain.ControlEffective, "",
		"request shape, kind and direction are well-formed")
}

func (e *Evaluator) evaluateObserver(control domain.Control, evalCtx Context, sink Observer, name string) domain.ControlResult {
	if sink == nil {
		return result(control, domain.ControlDegraded,
			fmt.Sprintf("no %s sink attached", name), "")
	}
	sink.Observe(evalCtx.Request)
	return result(control, domain.ControlEffective, "",
		fmt.Sprintf("request %s observed by %s", evalCtx.Request.ID, name))
}

func (e *Evaluator) evaluatePredicate(control domain.Control, evalCtx Context) domain.ControlResult {
	name := paramString(control.Params, "predicate")
	if name == "" {
		name = control.Name
	}

	predicate, ok := e.hooks.Predicates[name]
	if !ok || predicate == nil {
		return result(control, domain.ControlDegraded,
			fmt.Sprintf("no predicate %q registered", name), "")
	}
	if !predicate(evalCtx.Request) {
		return result(control, domain.ControlIneffective,
			fmt.Sprintf("predicate %q rejected the request", name), "")
	}
	return result(control, domain.ControlEffective, "",
		fmt.Sprintf("predicate %q admitted the request", name))
}

func (e *Evaluator) evaluateRateLimit(control domain.Control, evalCtx Context) domain.ControlResult {
	if e.hooks.Limiter == nil {
		return result(control, domain.ControlDegraded, "no rate limiter attached", "")
	}

	boundaryID := evalCtx.Boundary.ID
	e.hooks.Limiter.EnsureBoundary(boundaryID, governance.RateLimiterConfig{
		RequestsPerSecond: paramInt(control.Params, "requests_per_second", 0),
		BurstSize:         paramInt(control.Params, "burst", 0),
	})

	if !e.hooks.Limiter.Allow(boundaryID) {
		return result(control, domain.ControlIneffective,
			fmt.Sprintf("rate limit exhausted for boundary %s", boundaryID), "")
	}
	return result(control, domain.ControlEffective, "",
		fmt.Sprintf("rate limit admitted crossing into boundary %s", boundaryID))
}

func result(control domain.Control, status domain.ControlEffect, detail, evidence string) domain.ControlResult {
	return domain.ControlResult{
		ControlID:   control.ID,
		Kind:        control.Kind,
		Status:      status,
		Detail:      detail,
		Evidence:    evidence,
		EvaluatedAt: time.Now().UTC(),
	}
}

// paramString reads a string param, trimming whitespace. Missing or non-string
// values read as empty.
func paramString(params map[string]any, key string) string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return ""
	}
	value := strings.TrimSpace(fmt.Sprint(raw))
	if value == "<nil>" {
		return ""
	}
	return value
}

// paramStringList reads a list param. Accepts []string, []any of printable
// values, or a comma-separated string. The result is sorted for stable
// evaluation output.
func paramStringList(params map[string]any, key string) []string {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil
	}

	var values []string
	switch typed := raw.(type) {
	case []string:
		values = append(values, typed...)
	case []any:
		for _, item := range typed {
			values = append(values, fmt.Sprint(item))
		}
	case string:
		values = strings.Split(typed, ",")
	default:
		return nil
	}

	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	sort.Strings(out)
	return out
}

// paramInt reads an integer param, tolerating the numeric types YAML and JSON
// decoding produce.
func paramInt(params map[string]any, key string, fallback int) int {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
