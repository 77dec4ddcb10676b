// Package attest implements a local in-memory attestation service. Issued
// attestations are signed by the seal service and verified on demand.
package attest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Service stores attestations in memory and signs them with the seal service.
type Service struct {
	sealer domain.SealService

	mu           sync.RWMutex
	attestations map[string]*domain.Attestation
}

var _ domain.AttestationService = (*Service)(nil)

// New builds an attestation service on top of the given sealer.
func New(sealer domain.SealService) *Service {
	return &Service{
		sealer:       sealer,
		attestations: make(map[string]*domain.Attestation),
	}
}

// Issue creates, signs, and stores an attestation about the subject.
func (s *Service) Issue(ctx context.Context, subjectID, attesterID string, claims map[string]string) (*domain.Attestation, error) {
	if subjectID == "" || attesterID == "" {
		return nil, fmt.Errorf("%w: subject and attester are required", domain.ErrValidation)
	}

	att := &domain.Attestation{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		AttesterID: attesterID,
		Claims:     cloneClaims(claims),
		IssuedAt:   time.Now().UTC(),
	}

	content, err := signableContent(att)
	if err != nil {
		return nil, fmt.Errorf("encoding attestation: %w", err)
	}
	signature, err := s.sealer.Sign(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("signing attestation: %w", err)
	}
	att.Signature = signature

	s.mu.Lock()
	s.attestations[att.ID] = att
	s.mu.Unlock()

	return cloneAttestation(att), nil
}

// Get returns the attestation with the given id or ErrNotFound.
func (s *Service) Get(ctx context.Context, attestationID string) (*domain.Attestation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	att, ok := s.attestations[attestationID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("attestation %s: %w", attestationID, domain.ErrNotFound)
	}
	return cloneAttestation(att), nil
}

// Verify reports whether the attestation exists and its signature still
// matches its content.
func (s *Service) Verify(ctx context.Context, attestationID string) (bool, error) {
	att, err := s.Get(ctx, attestationID)
	if err != nil {
		return false, err
	}

	content, err := signableContent(att)
	if err != nil {
		return false, fmt.Errorf("encoding attestation: %w", err)
	}
	return s.sealer.VerifySignature(ctx, att.Signature, content)
}

// signableContent renders the attestation minus its signature in a stable
// field order.
func signableContent(att *domain.Attestation) ([]byte, error) {
	keys := make([]string, 0, len(att.Claims))
	for k := range att.Claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, att.Claims[k]})
	}

	return json.Marshal(struct {
		ID         string      `json:"id"`
		SubjectID  string      `json:"subject_id"`
		AttesterID string      `json:"attester_id"`
		Claims     [][2]string `json:"claims"`
		IssuedAt   time.Time   `json:"issued_at"`
	}{att.ID, att.SubjectID, att.AttesterID, ordered, att.IssuedAt})
}

func cloneClaims(claims map[string]string) map[string]string {
	if claims == nil {
		return nil
	}
	out := make(map[string]string, len(claims))
	for k, v := range claims {
		out[k] = v
	}
	return out
}

func cloneAttestation(att *domain.Attestation) *domain.Attestation {
	clone := *att
	clone.Claims = cloneClaims(att.Claims)
	return &clone
}
