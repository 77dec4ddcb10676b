package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// MemoryCrossingStore is an in-memory implementation of CrossingStore.
type MemoryCrossingStore struct {
	sealer domain.SealService

	mu       sync.RWMutex
	requests map[string]*domain.CrossingRequest
}

var _ CrossingStore = (*MemoryCrossingStore)(nil)

// NewMemoryCrossingStore creates a new MemoryCrossingStore guarded by the
// given seal service.
func NewMemoryCrossingStore(sealer domain.SealService) *MemoryCrossingStore {
	return &MemoryCrossingStore{
		sealer:   sealer,
		requests: make(map[string]*domain.CrossingRequest),
	}
}

// Append admits a new crossing request.
func (s *MemoryCrossingStore) Append(ctx context.Context, request *domain.CrossingRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("%w: request with id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sealer.VerifyContractTether(ctx, CrossingComponent, "append", s.snapshotLocked()); err != nil {
		return err
	}
	if _, exists := s.requests[request.ID]; exists {
		return fmt.Errorf("%w: request %s already stored", domain.ErrInvalidState, request.ID)
	}

	s.requests[request.ID] = request.Clone()
	return nil
}

// Update replaces an existing crossing request. The audit trail may only grow.
func (s *MemoryCrossingStore) Update(ctx context.Context, request *domain.CrossingRequest) error {
	if request == nil || request.ID == "" {
		return fmt.Errorf("%w: request with id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sealer.VerifyContractTether(ctx, CrossingComponent, "update", s.snapshotLocked()); err != nil {
		return err
	}
	existing, ok := s.requests[request.ID]
	if !ok {
		return fmt.Errorf("request %s: %w", request.ID, domain.ErrNotFound)
	}
	if len(request.AuditTrail) < len(existing.AuditTrail) {
		return fmt.Errorf("%w: audit trail of %s may not shrink", domain.ErrInvalidState, request.ID)
	}

	s.requests[request.ID] = request.Clone()
	return nil
}

// Get returns the request with the given id or ErrNotFound.
func (s *MemoryCrossingStore) Get(ctx context.Context, requestID string) (*domain.CrossingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	request, ok := s.requests[requestID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, domain.ErrNotFound)
	}
	return request.Clone(), nil
}

// List returns requests matching the filter, ordered by creation time.
func (s *MemoryCrossingStore) List(ctx context.Context, filter CrossingFilter) ([]*domain.CrossingRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*domain.CrossingRequest, 0, len(s.requests))
	for _, request := range s.requests {
		if matchesFilter(request, filter) {
			out = append(out, request.Clone())
		}
	}
	s.mu.RUnlock()

	sortCrossings(out)
	return out, nil
}

func (s *MemoryCrossingStore) snapshotLocked() domain.StateSnapshot {
	return domain.StateSnapshot{Timestamp: time.Now().UTC(), RecordCount: len(s.requests)}
}

// MemoryVerificationStore is an in-memory implementation of VerificationStore.
type MemoryVerificationStore struct {
	sealer domain.SealService

	mu      sync.RWMutex
	records map[string]*domain.VerificationRecord
}

var _ VerificationStore = (*MemoryVerificationStore)(nil)

// NewMemoryVerificationStore creates a new MemoryVerificationStore guarded
// by the given seal service.
func NewMemoryVerificationStore(sealer domain.SealService) *MemoryVerificationStore {
	return &MemoryVerificationStore{
		sealer:  sealer,
		records: make(map[string]*domain.VerificationRecord),
	}
}

// Append admits a new verification record. Stored records are immutable.
func (s *MemoryVerificationStore) Append(ctx context.Context, record *domain.VerificationRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("%w: record with id is required", domain.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := domain.StateSnapshot{Timestamp: time.Now().UTC(), RecordCount: len(s.records)}
	if err := s.sealer.VerifyContractTether(ctx, VerificationComponent, "append", snapshot); err != nil {
		return err
	}
	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("%w: record %s already stored", domain.ErrInvalidState, record.ID)
	}

	s.records[record.ID] = record.Clone()
	return nil
}

// Get returns the record with the given id or ErrNotFound.
func (s *MemoryVerificationStore) Get(ctx context.Context, recordID string) (*domain.VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	record, ok := s.records[recordID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, domain.ErrNotFound)
	}
	return record.Clone(), nil
}

// ListByBoundary returns the boundary's records ordered by timestamp.
func (s *MemoryVerificationStore) ListByBoundary(ctx context.Context, boundaryID string) ([]*domain.VerificationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]*domain.VerificationRecord, 0)
	for _, record := range s.records {
		if record.BoundaryID == boundaryID {
			out = append(out, record.Clone())
		}
	}
	s.mu.RUnlock()

	sortVerifications(out)
	return out, nil
}

// Latest returns the boundary's most recent record or ErrNotFound.
func (s *MemoryVerificationStore) Latest(ctx context.Context, boundaryID string) (*domain.VerificationRecord, error) {
	records, err := s.ListByBoundary(ctx, boundaryID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no verification records for boundary %s: %w", boundaryID, domain.ErrNotFound)
	}
	return records[len(records)-1], nil
}

func sortCrossings(requests []*domain.CrossingRequest) {
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].ID < requests[j].ID
		}
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
}

func sortVerifications(records []*domain.VerificationRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
