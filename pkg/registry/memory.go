package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/perimetra/perimetra-oss/pkg/domain"
)

// Memory is an in-memory boundary registry. Boundaries are cloned on the way
// in and out so callers never share mutable state with the registry.
type Memory struct {
	mu         sync.RWMutex
	boundaries map[string]*domain.Boundary
}

var _ domain.BoundaryRegistry = (*Memory)(nil)

// NewMemory builds an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{boundaries: make(map[string]*domain.Boundary)}
}

// Put validates and stores a boundary definition, replacing any previous
// definition with the same id.
func (m *Memory) Put(boundary *domain.Boundary) error {
	if err := ValidateBoundary(boundary); err != nil {
		return err
	}

	m.mu.Lock()
	m.boundaries[boundary.ID] = boundary.Clone()
	m.mu.Unlock()
	return nil
}

// Get returns the boundary with the given id or ErrNotFound.
func (m *Memory) Get(ctx context.Context, boundaryID string) (*domain.Boundary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	boundary, ok := m.boundaries[boundaryID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("boundary %s: %w", boundaryID, domain.ErrNotFound)
	}
	return boundary.Clone(), nil
}

// List returns all boundaries ordered by id.
func (m *Memory) List(ctx context.Context) ([]*domain.Boundary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]*domain.Boundary, 0, len(m.boundaries))
	for _, boundary := range m.boundaries {
		out = append(out, boundary.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
