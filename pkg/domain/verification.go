package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// VerificationKind selects which check categories a verification run covers.
// VerificationComprehensive runs all five.
type VerificationKind string

const (
	VerificationComprehensive VerificationKind = "comprehensive"
	VerificationControls      VerificationKind = "control_verification"
	VerificationSeals         VerificationKind = "seal_validation"
	VerificationMutations     VerificationKind = "mutation_detection"
	VerificationAttestations  VerificationKind = "attestation_verification"
	VerificationCompliance    VerificationKind = "compliance_checking"
)

// VerificationCategories returns the five concrete check categories in the
// order a comprehensive run executes them.
func VerificationCategories() []VerificationKind {
	return []VerificationKind{
		VerificationControls,
		VerificationSeals,
		VerificationMutations,
		VerificationAttestations,
		VerificationCompliance,
	}
}

// IsValid reports whether the verification kind is recognised.
func (k VerificationKind) IsValid() bool {
	switch k {
	case VerificationComprehensive, VerificationControls, VerificationSeals,
		VerificationMutations, VerificationAttestations, VerificationCompliance:
		return true
	default:
		return false
	}
}

// ParseVerificationKind converts a textual representation into a VerificationKind.
func ParseVerificationKind(value string) (VerificationKind, bool) {
	kind := VerificationKind(strings.TrimSpace(strings.ToLower(value)))
	return kind, kind.IsValid()
}

// IntegrityStatus is the aggregated health verdict of a verification run.
type IntegrityStatus string

const (
	IntegrityIntact      IntegrityStatus = "intact"
	IntegrityWarning     IntegrityStatus = "warning"
	IntegrityCompromised IntegrityStatus = "compromised"
	IntegrityUnknown     IntegrityStatus = "unknown"
)

// Severity grades violations and mutation findings.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid reports whether the severity is recognised.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// ParseSeverity converts a textual representation into a Severity.
func ParseSeverity(value string) (Severity, bool) {
	severity := Severity(strings.TrimSpace(strings.ToLower(value)))
	return severity, severity.IsValid()
}

// ViolationKind names the category of an integrity violation.
type ViolationKind string

const (
	ViolationControlBypass        ViolationKind = "control_bypass"
	ViolationSealBroken           ViolationKind = "seal_broken"
	ViolationUnauthorizedMutation ViolationKind = "unauthorized_mutation"
	ViolationInvalidAttestation   ViolationKind = "invalid_attestation"
	ViolationComplianceFailure    ViolationKind = "compliance_failure"
)

// IsValid reports whether the violation kind is recognised.
func (k ViolationKind) IsValid() bool {
	switch k {
	case ViolationControlBypass, ViolationSealBroken, ViolationUnauthorizedMutation,
		ViolationInvalidAttestation, ViolationComplianceFailure:
		return true
	default:
		return false
	}
}

// ParseViolationKind converts a textual representation into a ViolationKind.
func ParseViolationKind(value string) (ViolationKind, bool) {
	kind := ViolationKind(strings.TrimSpace(strings.ToLower(value)))
	return kind, kind.IsValid()
}

// Violation is one detected integrity breach, always attached to exactly one
// verification record.
type Violation struct {
	ID          string        `json:"id"`
	Kind        ViolationKind `json:"kind"`
	Severity    Severity      `json:"severity"`
	Evidence    string        `json:"evidence,omitempty"`
	Remediation string        `json:"remediation,omitempty"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// Recommendation is a remediation suggestion derived from the violations of a
// verification run.
type Recommendation struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Priority    Severity `json:"priority"`
	Description string   `json:"description"`
	Steps       []string `json:"steps,omitempty"`
}

// Mutation is an unauthorized change reported by the mutation detector.
// Fields are carried through verbatim; absent fields are defaulted by the
// verifier.
type Mutation struct {
	ID       string   `json:"id,omitempty"`
	Kind     string   `json:"kind,omitempty"`
	Severity Severity `json:"severity,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Evidence string   `json:"evidence,omitempty"`
}

// CheckOutcome is one pass/fail check contributing to a verification score.
// Critical marks checks whose failure forces the compromised status.
type CheckOutcome struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Critical bool   `json:"critical,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// CategoryResult groups the check outcomes of one verification category.
type CategoryResult struct {
	Category VerificationKind `json:"category"`
	Checks   []CheckOutcome   `json:"checks"`
}

// VerificationRecord is the signed, immutable outcome of one integrity
// verification run. A new record is created per run; signed records are never
// edited.
type VerificationRecord struct {
	ID               string           `json:"id"`
	BoundaryID       string           `json:"boundary_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Kind             VerificationKind `json:"kind"`
	Categories       []CategoryResult `json:"categories,omitempty"`
	TotalChecks      int              `json:"total_checks"`
	PassedChecks     int              `json:"passed_checks"`
	CriticalFailures int              `json:"critical_failures"`
	Status           IntegrityStatus  `json:"status"`
	Confidence       float64          `json:"confidence"`
	Violations       []Violation      `json:"violations,omitempty"`
	Recommendations  []Recommendation `json:"recommendations,omitempty"`
	Signature        string           `json:"signature,omitempty"`
}

// SignableContent returns the canonical JSON encoding of the record with the
// signature field cleared. The record signature covers exactly these bytes.
func (r *VerificationRecord) SignableContent() ([]byte, error) {
	shadow := *r
	shadow.Signature = ""
	return json.Marshal(&shadow)
}

// Clone returns a deep copy so stores can hand out records without sharing
// mutable state.
func (r *VerificationRecord) Clone() *VerificationRecord {
	if r == nil {
		return nil
	}

	clone := *r
	if r.Categories != nil {
		clone.Categories = make([]CategoryResult, len(r.Categories))
		for i, category := range r.Categories {
			clone.Categories[i] = category
			clone.Categories[i].Checks = append([]CheckOutcome(nil), category.Checks...)
		}
	}
	clone.Violations = append([]Violation(nil), r.Violations...)
	if r.Recommendations != nil {
		clone.Recommendations = make([]Recommendation, len(r.Recommendations))
		for i, rec := range r.Recommendations {
			clone.Recommendations[i] = rec
			clone.Recommendations[i].Steps = append([]string(nil), rec.Steps...)
		}
	}
	return &clone
}
