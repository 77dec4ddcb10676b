// Package verify implements the boundary integrity verifier. A verification
// run exercises up to five check categories against a boundary definition
// (control effectiveness, seal validity, mutation drift, attestation
// validity, compliance), aggregates them into a confidence score and
// integrity status, and persists the outcome as a signed, immutable
// verification record.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/perimetra/perimetra-oss/pkg/attest"
	"github.com/perimetra/perimetra-oss/pkg/control"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/mutation"
	"github.com/perimetra/perimetra-oss/pkg/schema"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/telemetry"
)

// Integrity status thresholds on the confidence score.
const (
	intactThreshold  = 0.9
	warningThreshold = 0.7
)

// VerifierConfig holds dependencies for creating a Verifier.
type VerifierConfig struct {
	Registry  domain.BoundaryRegistry
	Store     storage.VerificationStore
	Evaluator *control.Evaluator
	Sealer    domain.SealService

	// Mutations detects drift against recorded baselines. Defaults to a
	// fresh in-process detector.
	Mutations domain.MutationDetector
	// Attestations resolves attestation refs. Defaults to an empty local
	// service, against which every ref reads as not found.
	Attestations domain.AttestationService
	// Schema validates the boundary's structural shape. Defaults to the
	// built-in governance schemas.
	Schema domain.SchemaValidator

	Logger *slog.Logger
}

// Verifier runs integrity verifications over registered boundaries.
type Verifier struct {
	registry     domain.BoundaryRegistry
	store        storage.VerificationStore
	evaluator    *control.Evaluator
	sealer       domain.SealService
	mutations    domain.MutationDetector
	attestations domain.AttestationService
	schema       domain.SchemaValidator
	logger       *slog.Logger
}

// NewVerifier creates a verifier with the given dependencies.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Evaluator == nil || cfg.Sealer == nil {
		return nil, fmt.Errorf("%w: registry, store, evaluator and sealer are required", domain.ErrValidation)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mutations := cfg.Mutations
	if mutations == nil {
		mutations = mutation.New()
	}
	attestations := cfg.Attestations
	if attestations == nil {
		attestations = attest.New(cfg.Sealer)
	}
	validator := cfg.Schema
	if validator == nil {
		validator = schema.New()
	}

	return &Verifier{
		registry:     cfg.Registry,
		store:        cfg.Store,
		evaluator:    cfg.Evaluator,
		sealer:       cfg.Sealer,
		mutations:    mutations,
		attestations: attestations,
		schema:       validator,
		logger:       logger,
	}, nil
}

// Verify runs the named verification against the boundary and persists the
// signed outcome. Kind comprehensive runs all five categories; any other
// kind runs that single category. Finding violations is a successful
// verification; only lookup, signing, and persistence problems surface as
// errors.
func (v *Verifier) Verify(ctx context.Context, boundaryID string, kind domain.VerificationKind) (*domain.VerificationRecord, error) {
	tracer := otel.Tracer("perimetra.verify")
	ctx, span := tracer.Start(ctx, "verify.run")
	defer span.End()
	started := time.Now()

	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown verification kind %q", domain.ErrValidation, kind)
	}
	boundary, err := v.registry.Get(ctx, boundaryID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	categories := []domain.VerificationKind{kind}
	if kind == domain.VerificationComprehensive {
		categories = domain.VerificationCategories()
	}

	results := make([]domain.CategoryResult, 0, len(categories))
	var violations []domain.Violation
	for _, category := range categories {
		result, found := v.runCategory(ctx, category, boundary)
		results = append(results, result)
		violations = append(violations, found...)
	}

	total, passed, critical := tallyChecks(results)
	confidence, status := scoreChecks(total, passed, critical)

	record := &domain.VerificationRecord{
		ID:               uuid.NewString(),
		BoundaryID:       boundaryID,
		Timestamp:        time.Now().UTC(),
		Kind:             kind,
		Categories:       results,
		TotalChecks:      total,
		PassedChecks:     passed,
		CriticalFailures: critical,
		Status:           status,
		Confidence:       confidence,
		Violations:       violations,
		Recommendations:  buildRecommendations(status, violations),
	}

	if err := v.signAndStore(ctx, record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	telemetry.RecordIntegrityEvent(span, record.Status, record.Confidence, len(record.Violations))
	telemetry.RecordVerificationMetrics(ctx, telemetry.VerificationMetrics{
		BoundaryID: boundaryID,
		Kind:       kind,
		Status:     record.Status,
		Confidence: record.Confidence,
		Duration:   time.Since(started),
	})

	if record.Status == domain.IntegrityCompromised {
		v.logger.Warn("boundary integrity compromised",
			"boundary_id", boundaryID,
			"kind", kind,
			"confidence", record.Confidence,
			"critical_failures", record.CriticalFailures,
			"violations", len(record.Violations),
		)
	} else {
		v.logger.Info("integrity verification finished",
			"boundary_id", boundaryID,
			"kind", kind,
			"status", record.Status,
			"confidence", record.Confidence,
			"violations", len(record.Violations),
		)
	}
	return record.Clone(), nil
}

// ReportViolation records an externally observed violation as a compromised
// verification record. The boundary must exist; nothing is created otherwise.
func (v *Verifier) ReportViolation(ctx context.Context, boundaryID string, kind domain.ViolationKind, detail string, severity domain.Severity) (*domain.VerificationRecord, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown violation kind %q", domain.ErrValidation, kind)
	}
	if !severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", domain.ErrValidation, severity)
	}
	if _, err := v.registry.Get(ctx, boundaryID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	violations := []domain.Violation{{
		ID:         uuid.NewString(),
		Kind:       kind,
		Severity:   severity,
		Evidence:   detail,
		DetectedAt: now,
	}}

	record := &domain.VerificationRecord{
		ID:               uuid.NewString(),
		BoundaryID:       boundaryID,
		Timestamp:        now,
		Kind:             categoryForViolation(kind),
		CriticalFailures: 1,
		Status:           domain.IntegrityCompromised,
		Confidence:       1.0,
		Violations:       violations,
		Recommendations:  buildRecommendations(domain.IntegrityCompromised, violations),
	}

	if err := v.signAndStore(ctx, record); err != nil {
		return nil, err
	}

	v.logger.Warn("integrity violation reported",
		"boundary_id", boundaryID,
		"violation_kind", kind,
		"severity", severity,
	)
	return record.Clone(), nil
}

// Latest returns the boundary's most recent verification record.
func (v *Verifier) Latest(ctx context.Context, boundaryID string) (*domain.VerificationRecord, error) {
	return v.store.Latest(ctx, boundaryID)
}

// History returns all verification records of the boundary in run order.
func (v *Verifier) History(ctx context.Context, boundaryID string) ([]*domain.VerificationRecord, error) {
	return v.store.ListByBoundary(ctx, boundaryID)
}

func (v *Verifier) runCategory(ctx context.Context, category domain.VerificationKind, boundary *domain.Boundary) (domain.CategoryResult, []domain.Violation) {
	switch category {
	case domain.VerificationControls:
		return v.verifyControls(ctx, boundary)
	case domain.VerificationSeals:
		return v.verifySeals(ctx, boundary)
	case domain.VerificationMutations:
		return v.verifyMutations(ctx, boundary)
	case domain.VerificationAttestations:
		return v.verifyAttestations(ctx, boundary)
	case domain.VerificationCompliance:
		return v.verifyCompliance(ctx, boundary)
	default:
		return domain.CategoryResult{Category: category}, nil
	}
}

// signAndStore signs the record and appends it to the store. Store failures
// surface as persistence errors, distinct from a verification that found
// violations.
func (v *Verifier) signAndStore(ctx context.Context, record *domain.VerificationRecord) error {
	content, err := record.SignableContent()
	if err != nil {
		return fmt.Errorf("encoding verification record: %w", err)
	}
	signature, err := v.sealer.Sign(ctx, content)
	if err != nil {
		return fmt.Errorf("signing verification record: %w", err)
	}
	record.Signature = signature

	if err := v.store.Append(ctx, record); err != nil {
		return fmt.Errorf("%w: storing verification record %s: %w", domain.ErrPersistence, record.ID, err)
	}
	return nil
}

func tallyChecks(results []domain.CategoryResult) (total, passed, critical int) {
	for _, category := range results {
		for _, check := range category.Checks {
			total++
			if check.Passed {
				passed++
				continue
			}
			if check.Critical {
				critical++
			}
		}
	}
	return total, passed, critical
}

// scoreChecks folds check counts into the confidence score and integrity
// status. Any critical failure forces compromised regardless of score.
func scoreChecks(total, passed, critical int) (float64, domain.IntegrityStatus) {
	confidence := 0.0
	if total > 0 {
		confidence = float64(passed) / float64(total)
	}
	switch {
	case critical > 0:
		return confidence, domain.IntegrityCompromised
	case confidence >= intactThreshold:
		return confidence, domain.IntegrityIntact
	case confidence >= warningThreshold:
		return confidence, domain.IntegrityWarning
	default:
		return confidence, domain.IntegrityUnknown
	}
}

// remediationCatalog maps violation categories to their standing
// recommendation.
var remediationCatalog = []struct {
	violation   domain.ViolationKind
	action      string
	priority    domain.Severity
	description string
	steps       []string
}{
	{
		violation:   domain.ViolationControlBypass,
		action:      "repair-controls",
		priority:    domain.SeverityHigh,
		description: "one or more boundary controls no longer stop crossings they should stop",
		steps: []string{
			"review the failing control evaluations in this record",
			"repair or replace each ineffective control",
			"re-run control verification to confirm effectiveness",
		},
	},
	{
		violation:   domain.ViolationSealBroken,
		action:      "reseal-boundary",
		priority:    domain.SeverityCritical,
		description: "the boundary definition no longer matches its cryptographic seal",
		steps: []string{
			"audit recent changes to the boundary definition",
			"restore the sealed definition or re-sign the sanctioned one",
		},
	},
	{
		violation:   domain.ViolationUnauthorizedMutation,
		action:      "revert-mutations",
		priority:    domain.SeverityHigh,
		description: "the boundary state drifted from its recorded baseline without authorization",
		steps: []string{
			"compare the reported drift against approved change records",
			"revert unapproved drift, or re-anchor the baseline after a sanctioned change",
		},
	},
	{
		violation:   domain.ViolationInvalidAttestation,
		action:      "reissue-attestations",
		priority:    domain.SeverityHigh,
		description: "attestations referenced by the boundary are missing or no longer verify",
		steps: []string{
			"remove references to attestations that cannot be resolved",
			"reissue attestations over the current boundary state",
		},
	},
	{
		violation:   domain.ViolationComplianceFailure,
		action:      "restore-compliance",
		priority:    domain.SeverityMedium,
		description: "the boundary definition violates structural governance requirements",
		steps: []string{
			"fill in the missing or malformed definition fields",
			"bump the boundary version after correcting the definition",
		},
	},
}

// buildRecommendations derives one recommendation per violation category
// present, plus the status-level recommendation for compromised or warning
// outcomes.
func buildRecommendations(status domain.IntegrityStatus, violations []domain.Violation) []domain.Recommendation {
	present := make(map[domain.ViolationKind]bool, len(violations))
	for _, violation := range violations {
		present[violation.Kind] = true
	}

	var recommendations []domain.Recommendation
	for _, entry := range remediationCatalog {
		if !present[entry.violation] {
			continue
		}
		recommendations = append(recommendations, domain.Recommendation{
			ID:          uuid.NewString(),
			Kind:        entry.action,
			Priority:    entry.priority,
			Description: entry.description,
			Steps:       append([]string(nil), entry.steps...),
		})
	}

	switch status {
	case domain.IntegrityCompromised:
		recommendations = append(recommendations, domain.Recommendation{
			ID:          uuid.NewString(),
			Kind:        "redefine-boundary",
			Priority:    domain.SeverityCritical,
			Description: "boundary integrity is compromised; the perimeter can no longer be trusted as declared",
			Steps: []string{
				"suspend crossings into the boundary until remediation completes",
				"redefine and re-seal the boundary, then re-run comprehensive verification",
			},
		})
	case domain.IntegrityWarning:
		recommendations = append(recommendations, domain.Recommendation{
			ID:          uuid.NewString(),
			Kind:        "enhance-monitoring",
			Priority:    domain.SeverityMedium,
			Description: "verification confidence is degraded; increase observation until it recovers",
			Steps: []string{
				"attach monitoring and logging sinks to the boundary controls",
				"schedule more frequent comprehensive verifications",
			},
		})
	}
	return recommendations
}

// categoryForViolation maps a reported violation to the verification
// category it belongs to.
func categoryForViolation(kind domain.ViolationKind) domain.VerificationKind {
	switch kind {
	case domain.ViolationControlBypass:
		return domain.VerificationControls
	case domain.ViolationSealBroken:
		return domain.VerificationSeals
	case domain.ViolationUnauthorizedMutation:
		return domain.VerificationMutations
	case domain.ViolationInvalidAttestation:
		return domain.VerificationAttestations
	default:
		return domain.VerificationCompliance
	}
}
