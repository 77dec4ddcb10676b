// Package mutation implements a baseline-snapshot mutation detector. The
// first observation of an entity records a canonical fingerprint per field;
// later observations report field-level drift as mutations.
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Mutation kinds reported by the detector.
const (
	KindFieldChanged = "field_changed"
	KindFieldAdded   = "field_added"
	KindFieldRemoved = "field_removed"
)

// fieldSeverity grades drift by which field moved. Unlisted fields default
// to medium.
var fieldSeverity = map[string]domain.Severity{
	"signature":      domain.SeverityCritical,
	"classification": domain.SeverityHigh,
	"status":         domain.SeverityHigh,
	"control_count":  domain.SeverityHigh,
	"kind":           domain.SeverityHigh,
	"version":        domain.SeverityMedium,
}

// Detector compares entity state against recorded baselines.
type Detector struct {
	mu        sync.Mutex
	baselines map[string]map[string]string
}

var _ domain.MutationDetector = (*Detector)(nil)

// New builds an empty detector.
func New() *Detector {
	return &Detector{baselines: make(map[string]map[string]string)}
}

// RecordBaseline replaces the stored fingerprint of the entity with the
// given state. Use after a sanctioned change to re-anchor detection.
func (d *Detector) RecordBaseline(ctx context.Context, entityID string, state map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entityID == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrValidation)
	}

	fingerprint, err := fingerprintState(state)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.baselines[entityID] = fingerprint
	d.mu.Unlock()
	return nil
}

// DetectMutations reports field-level drift of the state against the
// entity's baseline. The first observation records the baseline and reports
// nothing.
func (d *Detector) DetectMutations(ctx context.Context, entityID string, state map[string]any) ([]domain.Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity id is required", domain.ErrValidation)
	}

	current, err := fingerprintState(state)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, ok := d.baselines[entityID]
	if !ok {
		d.baselines[entityID] = current
		return nil, nil
	}

	var mutations []domain.Mutation
	for _, field := range sortedFields(baseline, current) {
		before, inBaseline := baseline[field]
		after, inCurrent := current[field]

		switch {
		case inBaseline && !inCurrent:
			mutations = append(mutations, domain.Mutation{
				ID:       uuid.NewString(),
				Kind:     KindFieldRemoved,
				Severity: severityFor(field),
				Detail:   fmt.Sprintf("field %q removed", field),
				Evidence: fmt.Sprintf("baseline %s", before),
			})
		case !inBaseline && inCurrent:
			mutations = append(mutations, domain.Mutation{
				ID:       uuid.NewString(),
				Kind:     KindFieldAdded,
				Severity: severityFor(field),
				Detail:   fmt.Sprintf("field %q added", field),
				Evidence: fmt.Sprintf("current %s", after),
			})
		case before != after:
			mutations = append(mutations, domain.Mutation{
				ID:       uuid.NewString(),
				Kind:     KindFieldChanged,
				Severity: severityFor(field),
				Detail:   fmt.Sprintf("field %q changed", field),
				Evidence: fmt.Sprintf("baseline %s, current %s", before, after),
			})
		}
	}
	return mutations, nil
}

func severityFor(field string) domain.Severity {
	if severity, ok := fieldSeverity[field]; ok {
		return severity
	}
	return domain.SeverityMedium
}

// fingerprintState canonicalizes every field value through JSON so map
// ordering and type spelling cannot masquerade as drift.
func fingerprintState(state map[string]any) (map[string]string, error) {
	fingerprint := make(map[string]string, len(state))
	for field, value := range state {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("fingerprinting field %q: %w", field, err)
		}
		fingerprint[field] = string(encoded)
	}
	return fingerprint, nil
}

func sortedFields(baseline, current map[string]string) []string {
	seen := make(map[string]struct{}, len(baseline)+len(current))
	fields := make([]string, 0, len(baseline)+len(current))
	for field := range baseline {
		if _, ok := seen[field]; !ok {
			seen[field] = struct{}{}
			fields = append(fields, field)
		}
	}
	for field := range current {
		if _, ok := seen[field]; !ok {
			seen[field] = struct{}{}
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}
