// Package storage provides the append-only evidence stores of the
// governance core: crossing requests and verification records. Records are
// added and (for crossings) updated in place, never deleted. Every mutating
// operation passes the contract tether before touching state.
package storage

import (
	"context"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Component names used for contract tether checks.
const (
	CrossingComponent     = "crossing-store"
	VerificationComponent = "verification-store"
)

// CrossingFilter narrows List results. Zero values match everything.
type CrossingFilter struct {
	// BoundaryID matches requests whose source or target is the boundary.
	BoundaryID string
	Status     domain.CrossingStatus
}

// CrossingStore persists crossing requests.
type CrossingStore interface {
	// Append admits a new request. Duplicate ids are rejected.
	Append(ctx context.Context, request *domain.CrossingRequest) error
	// Update replaces an existing request. The audit trail may only grow.
	Update(ctx context.Context, request *domain.CrossingRequest) error
	// Get returns the request with the given id or ErrNotFound.
	Get(ctx context.Context, requestID string) (*domain.CrossingRequest, error)
	// List returns requests matching the filter, ordered by creation time.
	List(ctx context.Context, filter CrossingFilter) ([]*domain.CrossingRequest, error)
}

// VerificationStore persists verification records. Records are immutable
// once stored; a new record supersedes, never an edit.
type VerificationStore interface {
	// Append admits a new record. Duplicate ids are rejected.
	Append(ctx context.Context, record *domain.VerificationRecord) error
	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, recordID string) (*domain.VerificationRecord, error)
	// ListByBoundary returns the boundary's records ordered by timestamp.
	ListByBoundary(ctx context.Context, boundaryID string) ([]*domain.VerificationRecord, error)
	// Latest returns the boundary's most recent record or ErrNotFound.
	Latest(ctx context.Context, boundaryID string) (*domain.VerificationRecord, error)
}

func matchesFilter(request *domain.CrossingRequest, filter CrossingFilter) bool {
	if filter.BoundaryID != "" &&
		request.SourceBoundaryID != filter.BoundaryID &&
		request.TargetBoundaryID != filter.BoundaryID {
		return false
	}
	if filter.Status != "" && request.Status != filter.Status {
		return false
	}
	return true
}
