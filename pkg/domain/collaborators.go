package domain

import (
	"context"
	"time"
)

// BoundaryRegistry is the read-only source of boundary definitions. The
// governance core never writes through it.
type BoundaryRegistry interface {
	// Get returns the boundary with the given id or ErrNotFound.
	Get(ctx context.Context, boundaryID string) (*Boundary, error)
	// List returns all known boundaries in unspecified order.
	List(ctx context.Context) ([]*Boundary, error)
}

// StateSnapshot captures the observable state of a component at the moment a
// mutating operation begins. The seal service checks it against the
// component's integrity contract.
type StateSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	RecordCount int       `json:"record_count"`
}

// SealService provides tamper-evidence primitives: seals and signatures over
// byte content, and the contract-tether precondition consulted before every
// mutating governance operation.
type SealService interface {
	// CreateSeal seals the given content.
	CreateSeal(ctx context.Context, content []byte) (Seal, error)
	// VerifySeal reports whether the seal matches the content. The error is
	// reserved for malformed seals; a clean mismatch is (false, nil).
	VerifySeal(ctx context.Context, seal Seal, content []byte) (bool, error)
	// Sign produces a detached signature string in the same alg:value
	// encoding used by Seal.Encoded.
	Sign(ctx context.Context, content []byte) (string, error)
	// VerifySignature reports whether a detached signature matches the
	// content.
	VerifySignature(ctx context.Context, signature string, content []byte) (bool, error)
	// VerifyContractTether checks the integrity contract of the named
	// component before the named operation mutates it. A non-nil error
	// aborts the operation with no state change.
	VerifyContractTether(ctx context.Context, component, operation string, snapshot StateSnapshot) error
}

// Attestation is a signed statement by an attester about a subject entity.
type Attestation struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subject_id"`
	AttesterID string            `json:"attester_id"`
	Claims     map[string]string `json:"claims,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
	Signature  string            `json:"signature,omitempty"`
}

// AttestationService issues and verifies attestations referenced by
// boundaries and crossing requests.
type AttestationService interface {
	// Issue creates and stores a signed attestation, returning it with its
	// assigned id.
	Issue(ctx context.Context, subjectID, attesterID string, claims map[string]string) (*Attestation, error)
	// Get returns the attestation with the given id or ErrNotFound.
	Get(ctx context.Context, attestationID string) (*Attestation, error)
	// Verify reports whether the attestation exists and its signature holds.
	Verify(ctx context.Context, attestationID string) (bool, error)
}

// MutationDetector inspects the current state of an entity for unauthorized
// changes since its recorded baseline.
type MutationDetector interface {
	// DetectMutations returns the drift found for the entity, empty when the
	// state matches the baseline. The error is reserved for detector
	// malfunction, not for found mutations.
	DetectMutations(ctx context.Context, entityID string, state map[string]any) ([]Mutation, error)
}

// ValidationReport is the outcome of a schema validation pass.
type ValidationReport struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// SchemaValidator validates governance records against their structural
// schema.
type SchemaValidator interface {
	ValidateRecord(ctx context.Context, kind string, record map[string]any) (ValidationReport, error)
}

// Transport carries an authorized crossing to the other side of the boundary.
// The returned map becomes the execution result data; a returned error marks
// the crossing failed.
type Transport interface {
	Deliver(ctx context.Context, request *CrossingRequest) (map[string]any, error)
}
