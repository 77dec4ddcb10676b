package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra-oss/pkg/control"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/schema"
)

// probeRequest synthesizes the crossing the evaluator exercises controls
// against. The probe targets the boundary itself and carries no payload.
// When the boundary restricts crossings to an allowlist, the probe borrows
// the first allowlisted identity so a correctly configured authorization
// control verifies as effective instead of rejecting the probe.
func probeRequest(boundary *domain.Boundary) *domain.CrossingRequest {
	requester := "integrity-verifier"
	if boundary.Classification == domain.ClassificationRestricted ||
		boundary.Classification == domain.ClassificationCritical {
		for _, ctl := range boundary.Controls {
			if ctl.Kind != domain.ControlAuthorization {
				continue
			}
			if allowed := control.AllowedRequesters(ctl); len(allowed) > 0 {
				requester = allowed[0]
				break
			}
		}
	}

	now := time.Now().UTC()
	return &domain.CrossingRequest{
		ID:               "probe-" + boundary.ID,
		SourceBoundaryID: boundary.ID,
		TargetBoundaryID: boundary.ID,
		Kind:             domain.RequestQuery,
		Direction:        domain.DirectionInbound,
		RequesterID:      requester,
		Status:           domain.CrossingRequested,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// verifyControls evaluates every control against a synthetic probe crossing.
// Only an effective evaluation passes; an ineffective one is a bypassable
// control and therefore a violation.
func (v *Verifier) verifyControls(ctx context.Context, boundary *domain.Boundary) (domain.CategoryResult, []domain.Violation) {
	result := domain.CategoryResult{Category: domain.VerificationControls}
	if len(boundary.Controls) == 0 {
		return result, nil
	}

	evalCtx := control.Context{Request: probeRequest(boundary), Boundary: boundary}
	var violations []domain.Violation
	for _, ctl := range boundary.Controls {
		evaluation := v.evaluator.Evaluate(ctx, ctl, evalCtx)
		result.Checks = append(result.Checks, domain.CheckOutcome{
			Name:     "control:" + ctl.ID,
			Passed:   evaluation.Status == domain.ControlEffective,
			Detail:   evaluation.Detail,
			Evidence: evaluation.Evidence,
		})
		if evaluation.Status == domain.ControlIneffective {
			violations = append(violations, domain.Violation{
				ID:          uuid.NewString(),
				Kind:        domain.ViolationControlBypass,
				Severity:    domain.SeverityHigh,
				Evidence:    fmt.Sprintf("control %s (%s): %s", ctl.ID, ctl.Kind, evaluation.Detail),
				Remediation: "repair the control or detach it from the boundary",
				DetectedAt:  time.Now().UTC(),
			})
		}
	}
	return result, violations
}

// verifySeals re-verifies the boundary's self-signature and every attached
// seal over the canonical boundary content. Any failure is critical.
func (v *Verifier) verifySeals(ctx context.Context, boundary *domain.Boundary) (domain.CategoryResult, []domain.Violation) {
	result := domain.CategoryResult{Category: domain.VerificationSeals}
	if boundary.Signature == "" && len(boundary.Seals) == 0 {
		return result, nil
	}

	var violations []domain.Violation
	fail := func(name, detail string) {
		result.Checks = append(result.Checks, domain.CheckOutcome{
			Name:     name,
			Passed:   false,
			Critical: true,
			Detail:   detail,
		})
		violations = append(violations, domain.Violation{
			ID:          uuid.NewString(),
			Kind:        domain.ViolationSealBroken,
			Severity:    domain.SeverityCritical,
			Evidence:    fmt.Sprintf("%s on boundary %s: %s", name, boundary.ID, detail),
			Remediation: "restore the sealed definition or re-sign the sanctioned one",
			DetectedAt:  time.Now().UTC(),
		})
	}

	if boundary.Signature != "" {
		signed, err := boundary.SignableContent()
		if err != nil {
			fail("boundary_signature", fmt.Sprintf("canonicalizing boundary: %v", err))
		} else {
			ok, verr := v.sealer.VerifySignature(ctx, boundary.Signature, signed)
			switch {
			case verr != nil:
				fail("boundary_signature", verr.Error())
			case !ok:
				fail("boundary_signature", "signature does not match boundary content")
			default:
				result.Checks = append(result.Checks, domain.CheckOutcome{
					Name:     "boundary_signature",
					Passed:   true,
					Critical: true,
				})
			}
		}
	}

	// Attached seals cover the definition without the evidence fields; the
	// signature, created last, covers the seals too.
	sealed, err := boundary.SealableContent()
	if err != nil && len(boundary.Seals) > 0 {
		fail("seals", fmt.Sprintf("canonicalizing boundary: %v", err))
		return result, violations
	}
	for i, attached := range boundary.Seals {
		name := fmt.Sprintf("seal:%d", i)
		if attached.ID != "" {
			name = "seal:" + attached.ID
		}
		ok, verr := v.sealer.VerifySeal(ctx, attached, sealed)
		switch {
		case verr != nil:
			fail(name, verr.Error())
		case !ok:
			fail(name, "seal does not match boundary content")
		default:
			result.Checks = append(result.Checks, domain.CheckOutcome{
				Name:     name,
				Passed:   true,
				Critical: true,
			})
		}
	}
	return result, violations
}

// verifyMutations asks the mutation detector for drift since the recorded
// baseline. The category contributes exactly one check, passing only when
// the state is drift free. High or critical drift makes the check critical.
func (v *Verifier) verifyMutations(ctx context.Context, boundary *domain.Boundary) (domain.CategoryResult, []domain.Violation) {
	result := domain.CategoryResult{Category: domain.VerificationMutations}

	mutations, err := v.mutations.DetectMutations(ctx, boundary.ID, boundary.State())
	if err != nil {
		result.Checks = append(result.Checks, domain.CheckOutcome{
			Name:   "mutation_scan",
			Passed: false,
			Detail: fmt.Sprintf("mutation detector: %v", err),
		})
		return result, nil
	}

	now := time.Now().UTC()
	critical := false
	var violations []domain.Violation
	for _, found := range mutations {
		severity := found.Severity
		if !severity.IsValid() {
			severity = domain.SeverityMedium
		}
		if severity == domain.SeverityHigh || severity == domain.SeverityCritical {
			critical = true
		}
		detail := found.Detail
		if detail == "" {
			detail = "unauthorized mutation detected"
		}
		evidence := detail
		if found.Evidence != "" {
			evidence = detail + ": " + found.Evidence
		}
		id := found.ID
		if id == "" {
			id = uuid.NewString()
		}
		violations = append(violations, domain.Violation{
			ID:          id,
			Kind:        domain.ViolationUnauthorizedMutation,
			Severity:    severity,
			Evidence:    evidence,
			Remediation: "revert the drift, or re-anchor the baseline after a sanctioned change",
			DetectedAt:  now,
		})
	}

	check := domain.CheckOutcome{
		Name:     "mutation_scan",
		Passed:   len(mutations) == 0,
		Critical: critical,
	}
	if len(mutations) > 0 {
		check.Detail = fmt.Sprintf("%d unauthorized mutations detected", len(mutations))
	}
	result.Checks = append(result.Checks, check)
	return result, violations
}

// verifyAttestations resolves and verifies every attestation the boundary
// references. A ref that cannot be resolved or no longer verifies is a
// violation.
func (v *Verifier) verifyAttestations(ctx context.Context, boundary *domain.Boundary) (domain.CategoryResult, []domain.Violation) {
	result := domain.CategoryResult{Category: domain.VerificationAttestations}

	var violations []domain.Violation
	for _, ref := range boundary.Attestations {
		ok, err := v.attestations.Verify(ctx, ref)
		var detail string
		switch {
		case errors.Is(err, domain.ErrNotFound):
			detail = "not found"
		case err != nil:
			detail = err.Error()
		case !ok:
			detail = "signature does not match attestation content"
		}

		result.Checks = append(result.Checks, domain.CheckOutcome{
			Name:   "attestation:" + ref,
			Passed: detail == "",
			Detail: detail,
		})
		if detail != "" {
			violations = append(violations, domain.Violation{
				ID:          uuid.NewString(),
				Kind:        domain.ViolationInvalidAttestation,
				Severity:    domain.SeverityHigh,
				Evidence:    fmt.Sprintf("attestation %s: %s", ref, detail),
				Remediation: "reissue the attestation over current boundary state",
				DetectedAt:  time.Now().UTC(),
			})
		}
	}
	return result, violations
}

// verifyCompliance runs the four structural checks: delegated schema
// validation, required fields, enum membership, and version format.
func (v *Verifier) verifyCompliance(ctx context.Context, boundary *domain.Boundary) (domain.CategoryResult, []domain.Violation) {
	result := domain.CategoryResult{Category: domain.VerificationCompliance}

	now := time.Now().UTC()
	var violations []domain.Violation
	record := func(name string, passed bool, detail string) {
		result.Checks = append(result.Checks, domain.CheckOutcome{
			Name:   name,
			Passed: passed,
			Detail: detail,
		})
		if !passed {
			violations = append(violations, domain.Violation{
				ID:          uuid.NewString(),
				Kind:        domain.ViolationComplianceFailure,
				Severity:    domain.SeverityMedium,
				Evidence:    name + ": " + detail,
				Remediation: "correct the boundary definition and bump its version",
				DetectedAt:  now,
			})
		}
	}

	report, err := v.schema.ValidateRecord(ctx, schema.KindBoundary, boundary.State())
	switch {
	case err != nil:
		record("schema_validation", false, err.Error())
	case !report.Valid:
		record("schema_validation", false, strings.Join(report.Problems, "; "))
	default:
		record("schema_validation", true, "")
	}

	missing := missingRequiredFields(boundary)
	if len(missing) > 0 {
		record("required_fields", false, "missing: "+strings.Join(missing, ", "))
	} else {
		record("required_fields", true, "")
	}

	var badEnums []string
	if !boundary.Kind.IsValid() {
		badEnums = append(badEnums, fmt.Sprintf("kind %q", boundary.Kind))
	}
	if !boundary.Classification.IsValid() {
		badEnums = append(badEnums, fmt.Sprintf("classification %q", boundary.Classification))
	}
	if !boundary.Status.IsValid() {
		badEnums = append(badEnums, fmt.Sprintf("status %q", boundary.Status))
	}
	if len(badEnums) > 0 {
		record("enum_membership", false, "unrecognised: "+strings.Join(badEnums, ", "))
	} else {
		record("enum_membership", true, "")
	}

	if !domain.ValidVersion(boundary.Version) {
		record("version_format", false, fmt.Sprintf("version %q is not MAJOR.MINOR.PATCH", boundary.Version))
	} else {
		record("version_format", true, "")
	}

	return result, violations
}

func missingRequiredFields(boundary *domain.Boundary) []string {
	var missing []string
	if boundary.ID == "" {
		missing = append(missing, "id")
	}
	if boundary.Name == "" {
		missing = append(missing, "name")
	}
	if boundary.Description == "" {
		missing = append(missing, "description")
	}
	if boundary.Kind == "" {
		missing = append(missing, "kind")
	}
	if boundary.Classification == "" {
		missing = append(missing, "classification")
	}
	if boundary.CreatedAt.IsZero() {
		missing = append(missing, "created_at")
	}
	if boundary.UpdatedAt.IsZero() {
		missing = append(missing, "updated_at")
	}
	if boundary.Version == "" {
		missing = append(missing, "version")
	}
	if boundary.Status == "" {
		missing = append(missing, "status")
	}
	return missing
}
