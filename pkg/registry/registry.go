// Package registry provides boundary definition lookup: an in-memory
// registry for embedding and tests, and a YAML file provider with hot
// reload for daemon deployments.
package registry

import (
	"fmt"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Snapshot is one immutable view of the registry contents.
type Snapshot struct {
	Generation int64
	Boundaries []*domain.Boundary
}

// ValidateBoundary checks a boundary definition for structural soundness
// before it is admitted into a registry.
func ValidateBoundary(b *domain.Boundary) error {
	if b == nil {
		return fmt.Errorf("%w: boundary is nil", domain.ErrValidation)
	}
	if b.ID == "" {
		return fmt.Errorf("%w: boundary id is required", domain.ErrValidation)
	}
	if b.Name == "" {
		return fmt.Errorf("%w: boundary %s has no name", domain.ErrValidation, b.ID)
	}
	if !b.Classification.IsValid() {
		return fmt.Errorf("%w: boundary %s has unknown classification %q", domain.ErrValidation, b.ID, b.Classification)
	}
	if !b.Kind.IsValid() {
		return fmt.Errorf("%w: boundary %s has unknown kind %q", domain.ErrValidation, b.ID, b.Kind)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: boundary %s has unknown status %q", domain.ErrValidation, b.ID, b.Status)
	}
	if !domain.ValidVersion(b.Version) {
		return fmt.Errorf("%w: boundary %s has malformed version %q", domain.ErrValidation, b.ID, b.Version)
	}
	for _, control := range b.Controls {
		if control.ID == "" {
			return fmt.Errorf("%w: boundary %s carries a control without id", domain.ErrValidation, b.ID)
		}
		if !control.Kind.IsValid() {
			return fmt.Errorf("%w: boundary %s control %s has unknown kind %q",
				domain.ErrValidation, b.ID, control.ID, control.Kind)
		}
	}
	return nil
}
