package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/seal"
)

func newSealer(t *testing.T) *seal.Service {
	t.Helper()
	sealer, err := seal.New([]byte("storage-test-key"))
	if err != nil {
		t.Fatalf("seal.New: %v", err)
	}
	return sealer
}

func sampleRequest(id string, created time.Time) *domain.CrossingRequest {
	return &domain.CrossingRequest{
		ID:               id,
		SourceBoundaryID: "b-src",
		TargetBoundaryID: "b-dst",
		Kind:             domain.RequestDataTransfer,
		Direction:        domain.DirectionInbound,
		Status:           domain.CrossingRequested,
		AuditTrail: []domain.AuditEvent{
			{EventID: id + "-e1", Timestamp: created, EventType: domain.EventRequestReceived},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func sampleRecord(id, boundaryID string, ts time.Time) *domain.VerificationRecord {
	return &domain.VerificationRecord{
		ID:           id,
		BoundaryID:   boundaryID,
		Timestamp:    ts,
		Kind:         domain.VerificationComprehensive,
		TotalChecks:  4,
		PassedChecks: 4,
		Status:       domain.IntegrityIntact,
		Confidence:   1.0,
	}
}

func TestCrossingAppendGetUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCrossingStore(newSealer(t))

	base := time.Now().UTC()
	req := sampleRequest("req-1", base)
	if err := store.Append(ctx, req); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.CrossingRequested {
		t.Fatalf("expected requested status, got %s", got.Status)
	}

	got.Status = domain.CrossingValidating
	got.AuditTrail = append(got.AuditTrail, domain.AuditEvent{
		EventID: "req-1-e2", Timestamp: base.Add(time.Second), EventType: domain.EventValidationPassed,
	})
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	updated, err := store.Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.Status != domain.CrossingValidating || len(updated.AuditTrail) != 2 {
		t.Fatalf("expected updated request with 2 events, got %+v", updated)
	}
}

func TestCrossingAppendRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCrossingStore(newSealer(t))

	req := sampleRequest("req-1", time.Now().UTC())
	if err := store.Append(ctx, req); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, req); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate append, got %v", err)
	}
}

func TestCrossingUpdateRejectsTrailShrink(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCrossingStore(newSealer(t))

	req := sampleRequest("req-1", time.Now().UTC())
	req.AuditTrail = append(req.AuditTrail, domain.AuditEvent{EventID: "req-1-e2", EventType: domain.EventValidationPassed})
	if err := store.Append(ctx, req); err != nil {
		t.Fatalf("Append: %v", err)
	}

	shrunk := req.Clone()
	shrunk.AuditTrail = shrunk.AuditTrail[:1]
	if err := store.Update(ctx, shrunk); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for trail shrink, got %v", err)
	}
}

func TestCrossingUpdateUnknownRequest(t *testing.T) {
	store := NewMemoryCrossingStore(newSealer(t))
	err := store.Update(context.Background(), sampleRequest("ghost", time.Now().UTC()))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCrossingListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCrossingStore(newSealer(t))

	base := time.Now().UTC()
	first := sampleRequest("req-1", base)
	second := sampleRequest("req-2", base.Add(time.Second))
	second.TargetBoundaryID = "b-other"
	second.Status = domain.CrossingCompleted
	third := sampleRequest("req-3", base.Add(2*time.Second))
	third.SourceBoundaryID = "b-other"

	for _, req := range []*domain.CrossingRequest{first, second, third} {
		if err := store.Append(ctx, req); err != nil {
			t.Fatalf("Append %s: %v", req.ID, err)
		}
	}

	all, err := store.List(ctx, CrossingFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].ID != "req-1" || all[2].ID != "req-3" {
		t.Fatalf("expected 3 requests in creation order, got %+v", all)
	}

	byBoundary, err := store.List(ctx, CrossingFilter{BoundaryID: "b-other"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byBoundary) != 2 {
		t.Fatalf("expected 2 requests touching b-other, got %d", len(byBoundary))
	}

	byStatus, err := store.List(ctx, CrossingFilter{Status: domain.CrossingCompleted})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].ID != "req-2" {
		t.Fatalf("expected req-2 for completed filter, got %+v", byStatus)
	}

	both, err := store.List(ctx, CrossingFilter{BoundaryID: "b-dst", Status: domain.CrossingRequested})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("expected 2 requested crossings into b-dst, got %d", len(both))
	}
}

func TestVerificationStoreImmutability(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVerificationStore(newSealer(t))

	record := sampleRecord("v-1", "b-1", time.Now().UTC())
	if err := store.Append(ctx, record); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, record); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate record, got %v", err)
	}

	// Mutating the handed-out copy must not affect the stored record.
	got, err := store.Get(ctx, "v-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Status = domain.IntegrityCompromised

	again, err := store.Get(ctx, "v-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Status != domain.IntegrityIntact {
		t.Fatal("expected stored record to be unaffected by caller mutation")
	}
}

func TestVerificationLatestOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryVerificationStore(newSealer(t))

	base := time.Now().UTC()
	if err := store.Append(ctx, sampleRecord("v-1", "b-1", base)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, sampleRecord("v-2", "b-1", base.Add(time.Minute))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, sampleRecord("v-3", "b-2", base.Add(2*time.Minute))); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := store.ListByBoundary(ctx, "b-1")
	if err != nil {
		t.Fatalf("ListByBoundary: %v", err)
	}
	if len(records) != 2 || records[0].ID != "v-1" || records[1].ID != "v-2" {
		t.Fatalf("expected [v-1 v-2], got %+v", records)
	}

	latest, err := store.Latest(ctx, "b-1")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "v-2" {
		t.Fatalf("expected v-2 as latest, got %s", latest.ID)
	}

	if _, err := store.Latest(ctx, "b-none"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown boundary, got %v", err)
	}
}

func TestMutationRefusedWhenTetherBroken(t *testing.T) {
	ctx := context.Background()
	sealer := newSealer(t)
	store := NewMemoryCrossingStore(sealer)

	if err := store.Append(ctx, sampleRequest("req-1", time.Now().UTC())); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sealer.RevokeContract(CrossingComponent)

	err := store.Append(ctx, sampleRequest("req-2", time.Now().UTC()))
	if !errors.Is(err, domain.ErrContractTether) {
		t.Fatalf("expected ErrContractTether, got %v", err)
	}

	// No partial mutation: the refused request must not be visible.
	if _, err := store.Get(ctx, "req-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected req-2 to be absent, got %v", err)
	}
}
